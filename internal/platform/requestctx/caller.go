// Package requestctx carries per-request identity through context.
package requestctx

import "context"

// callerContextKey is the context key for the lifecycle caller identity.
type callerContextKey struct{}

// WithCaller stores a caller identifier in context.
func WithCaller(ctx context.Context, caller string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext returns the caller identifier stored in context.
func CallerFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(callerContextKey{}).(string)
	return value
}
