// Package rest exposes the raffle service as an HTTP JSON API.
package rest

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/tombola-engine/tombola/internal/platform/errors"
	"github.com/tombola-engine/tombola/internal/platform/requestctx"
	raffleservice "github.com/tombola-engine/tombola/internal/services/raffle"
)

// Handler routes raffle HTTP requests.
type Handler struct {
	service        *raffleservice.Service
	callbackSecret []byte
	logger         *log.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithCallbackSecret requires HS256 bearer tokens on the oracle callback
// endpoint. Without a secret the endpoint is open and correlation ids are
// the only defense, matching deployments behind a private network.
func WithCallbackSecret(secret []byte) Option {
	return func(h *Handler) {
		if len(secret) > 0 {
			h.callbackSecret = secret
		}
	}
}

// WithLogger overrides the handler logger.
func WithLogger(logger *log.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler builds the HTTP handler for the raffle API.
func NewHandler(service *raffleservice.Service, opts ...Option) http.Handler {
	h := &Handler{
		service: service,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/rounds", h.createRound)
	mux.HandleFunc("GET /v1/rounds", h.listRounds)
	mux.HandleFunc("GET /v1/rounds/{id}", h.getRound)
	mux.HandleFunc("GET /v1/rounds/{id}/timeout", h.timeoutStatus)
	mux.HandleFunc("POST /v1/rounds/{id}/entries", h.enter)
	mux.HandleFunc("POST /v1/rounds/{id}/close", h.closeRound)
	mux.HandleFunc("POST /v1/rounds/{id}/randomness", h.randomness)
	mux.HandleFunc("POST /v1/rounds/{id}/finalize", h.finalize)
	mux.HandleFunc("POST /v1/rounds/{id}/claims/{kind}", h.claim)
	mux.HandleFunc("POST /v1/rounds/{id}/recover", h.recover)
	return withCaller(mux)
}

// withCaller records the X-Caller header in the request context. Handlers
// fall back to it when a request body omits the caller field.
func withCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if caller := strings.TrimSpace(r.Header.Get("X-Caller")); caller != "" {
			r = r.WithContext(requestctx.WithCaller(r.Context(), caller))
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Printf("raffle api: encode response: %v", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	h.writeJSON(w, code.HTTPStatus(), errorResponse{Error: errorBody{
		Code:     string(code),
		Message:  err.Error(),
		Metadata: apperrors.GetMetadata(err),
	}})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if r.Body == nil {
		return true
	}
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		// A request without a body keeps every field at its zero value.
		if errors.Is(err, io.EOF) {
			return true
		}
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{
			Code:    string(apperrors.CodeUnknown),
			Message: "invalid request body",
		}})
		return false
	}
	return true
}

type createRoundRequest struct {
	Policy string `json:"policy"`
}

func (h *Handler) createRound(w http.ResponseWriter, r *http.Request) {
	var req createRoundRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.service.CreateRound(r.Context(), req.Policy)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) listRounds(w http.ResponseWriter, r *http.Request) {
	pageSize := 0
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{
				Code:    string(apperrors.CodeUnknown),
				Message: "page_size must be a positive integer",
			}})
			return
		}
		pageSize = parsed
	}
	page, err := h.service.ListRounds(r.Context(), pageSize, r.URL.Query().Get("page_token"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

func (h *Handler) getRound(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetRound(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

type timeoutResponse struct {
	ShouldRecover bool  `json:"should_recover"`
	RemainingMS   int64 `json:"remaining_ms"`
}

func (h *Handler) timeoutStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.TimeoutStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, timeoutResponse{
		ShouldRecover: status.ShouldRecover,
		RemainingMS:   status.Remaining.Milliseconds(),
	})
}

type enterRequest struct {
	Participant string `json:"participant"`
	TicketCount uint64 `json:"ticket_count"`
}

func (h *Handler) enter(w http.ResponseWriter, r *http.Request) {
	var req enterRequest
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.service.Enter(r.Context(), r.PathValue("id"), req.Participant, req.TicketCount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

type callerRequest struct {
	Caller string `json:"caller"`
}

func resolveCaller(r *http.Request, caller string) string {
	if strings.TrimSpace(caller) != "" {
		return caller
	}
	return requestctx.CallerFromContext(r.Context())
}

func (h *Handler) closeRound(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.Close(r.Context(), r.PathValue("id"), resolveCaller(r, req.Caller))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type randomnessRequest struct {
	RequestID   string   `json:"request_id"`
	RandomWords []uint64 `json:"random_words"`
}

func (h *Handler) randomness(w http.ResponseWriter, r *http.Request) {
	if len(h.callbackSecret) > 0 && !h.authorizeCallback(r) {
		h.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: errorBody{
			Code:    string(apperrors.CodeUnknown),
			Message: "callback token is missing or invalid",
		}})
		return
	}
	var req randomnessRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.HandleFulfillment(r.Context(), r.PathValue("id"), req.RequestID, req.RandomWords)
	if err != nil {
		h.writeError(w, err)
		return
	}
	// Protocol anomalies are reported in the body, never as an HTTP failure.
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) authorizeCallback(r *http.Request) bool {
	const prefix = "Bearer "
	authorization := r.Header.Get("Authorization")
	if !strings.HasPrefix(authorization, prefix) {
		return false
	}
	_, err := jwt.Parse(authorization[len(prefix):], func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return h.callbackSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		h.logger.Printf("raffle api: callback token rejected: %v", err)
		return false
	}
	return true
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.Finalize(r.Context(), r.PathValue("id"), resolveCaller(r, req.Caller))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type claimRequest struct {
	Participant string `json:"participant"`
}

type claimResponse struct {
	Amount uint64 `json:"amount"`
}

func (h *Handler) claim(w http.ResponseWriter, r *http.Request) {
	kind := raffleservice.ClaimKind(r.PathValue("kind"))
	switch kind {
	case raffleservice.ClaimPrize, raffleservice.ClaimRefund, raffleservice.ClaimReward:
	default:
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: errorBody{
			Code:    string(apperrors.CodeNotFound),
			Message: "unknown claim kind",
		}})
		return
	}
	var req claimRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := h.service.Claim(r.Context(), r.PathValue("id"), req.Participant, kind)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, claimResponse{Amount: amount})
}

func (h *Handler) recover(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.Recover(r.Context(), r.PathValue("id"), resolveCaller(r, req.Caller))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}
