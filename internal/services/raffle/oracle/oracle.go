// Package oracle defines the randomness coordinator port and its HTTP client.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/tombola-engine/tombola/internal/platform/errors"
	"github.com/tombola-engine/tombola/internal/platform/timeouts"
)

// ErrInsufficientFunding indicates the coordinator subscription cannot pay
// for another randomness request.
var ErrInsufficientFunding = apperrors.New(
	apperrors.CodeInsufficientOracleFunding,
	"oracle subscription is not funded",
)

// Client requests verifiable randomness for a round. The coordinator answers
// asynchronously through the fulfillment callback; the returned request id is
// the correlation token for that callback.
type Client interface {
	RequestRandomness(ctx context.Context, roundID string) (requestID string, err error)
}

// HTTPClient talks to a randomness coordinator over HTTP.
type HTTPClient struct {
	baseURL     string
	callbackURL string
	secret      []byte
	httpClient  *http.Client
	now         func() time.Time
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(client *http.Client) HTTPClientOption {
	return func(c *HTTPClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithSigningSecret enables HS256 bearer tokens on outbound requests.
func WithSigningSecret(secret []byte) HTTPClientOption {
	return func(c *HTTPClient) {
		if len(secret) > 0 {
			c.secret = secret
		}
	}
}

// WithClock overrides the time source used for token lifetimes.
func WithClock(now func() time.Time) HTTPClientOption {
	return func(c *HTTPClient) {
		if now != nil {
			c.now = now
		}
	}
}

// NewHTTPClient creates a coordinator client. baseURL is the coordinator
// address; callbackURL is where fulfillments should be delivered, with the
// round id appended by the coordinator.
func NewHTTPClient(baseURL, callbackURL string, opts ...HTTPClientOption) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("coordinator base url is required")
	}
	callbackURL = strings.TrimSpace(callbackURL)
	if callbackURL == "" {
		return nil, fmt.Errorf("callback url is required")
	}
	client := &HTTPClient{
		baseURL:     baseURL,
		callbackURL: callbackURL,
		httpClient:  &http.Client{Timeout: timeouts.OracleRequest},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

type requestPayload struct {
	RoundID     string `json:"round_id"`
	CallbackURL string `json:"callback_url"`
	NumWords    int    `json:"num_words"`
}

type requestResponse struct {
	RequestID string `json:"request_id"`
}

// RequestRandomness asks the coordinator for one random word. A payment
// rejection from the coordinator maps to ErrInsufficientFunding; everything
// else is a transport error the caller treats as request failure.
func (c *HTTPClient) RequestRandomness(ctx context.Context, roundID string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("oracle client is not configured")
	}
	roundID = strings.TrimSpace(roundID)
	if roundID == "" {
		return "", fmt.Errorf("round id is required")
	}

	body, err := json.Marshal(requestPayload{
		RoundID:     roundID,
		CallbackURL: c.callbackURL,
		NumWords:    1,
	})
	if err != nil {
		return "", fmt.Errorf("marshal randomness request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/requests", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build randomness request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(c.secret) > 0 {
		token, err := c.signToken(roundID)
		if err != nil {
			return "", fmt.Errorf("sign randomness request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send randomness request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		// Request accepted.
	case http.StatusPaymentRequired:
		return "", ErrInsufficientFunding
	default:
		return "", fmt.Errorf("coordinator rejected randomness request: status %d", resp.StatusCode)
	}

	var parsed requestResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode randomness response: %w", err)
	}
	if strings.TrimSpace(parsed.RequestID) == "" {
		return "", fmt.Errorf("coordinator returned empty request id")
	}
	return parsed.RequestID, nil
}

func (c *HTTPClient) signToken(roundID string) (string, error) {
	now := c.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    "tombola",
		Subject:   roundID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

var _ Client = (*HTTPClient)(nil)
