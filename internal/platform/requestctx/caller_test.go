package requestctx

import (
	"context"
	"testing"
)

func TestCallerFromContextRoundTrip(t *testing.T) {
	ctx := WithCaller(context.Background(), "driver-42")
	got := CallerFromContext(ctx)
	if got != "driver-42" {
		t.Fatalf("CallerFromContext = %q, want %q", got, "driver-42")
	}
}

func TestCallerFromContextEmpty(t *testing.T) {
	got := CallerFromContext(context.Background())
	if got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestCallerFromContextNil(t *testing.T) {
	got := CallerFromContext(nil)
	if got != "" {
		t.Fatalf("expected empty string for nil context, got %q", got)
	}
}

func TestWithCallerNilContext(t *testing.T) {
	ctx := WithCaller(nil, "driver-99")
	if ctx == nil {
		t.Fatalf("expected non-nil context")
	}
	if got := CallerFromContext(ctx); got != "driver-99" {
		t.Fatalf("CallerFromContext = %q, want %q", got, "driver-99")
	}
}
