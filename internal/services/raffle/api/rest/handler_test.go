package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tombola-engine/tombola/internal/raffle/policy"
	raffleservice "github.com/tombola-engine/tombola/internal/services/raffle"
	"github.com/tombola-engine/tombola/internal/services/raffle/storage/sqlite"
	"github.com/tombola-engine/tombola/internal/testkit"
)

var apiStart = time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)

const apiPolicies = `
default = "standard"

[policies.standard]
ticket_price = 100
capacity = 10
fee_bps = 250
caller_incentive_bps = 5000
entry_window = "1h"
request_timeout = "5m"
recovery = "reopen"
fee_recipient = "treasury"
`

type apiFixture struct {
	handler  http.Handler
	payments *testkit.Payments
	clock    *testkit.Clock
}

func newAPIFixture(t *testing.T, opts ...Option) apiFixture {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "raffle.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	catalog, err := policy.Parse(apiPolicies)
	if err != nil {
		t.Fatalf("parse policies: %v", err)
	}

	clock := testkit.NewClock(apiStart)
	payments := testkit.NewPayments()
	counter := 0
	service, err := raffleservice.New(store, testkit.NewJournal(), testkit.NewOracle(), payments, catalog,
		raffleservice.WithClock(clock.Now),
		raffleservice.WithIDGenerator(func() (string, error) {
			counter++
			return fmt.Sprintf("round-%d", counter), nil
		}),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return apiFixture{
		handler:  NewHandler(service, opts...),
		payments: payments,
		clock:    clock,
	}
}

func (f apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return value
}

func TestCreateAndGetRound(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	created := f.do(t, http.MethodPost, "/v1/rounds", map[string]string{"policy": "standard"})
	if created.Code != http.StatusOK {
		t.Fatalf("create status = %d body %s", created.Code, created.Body.String())
	}
	view := decodeBody[raffleservice.RoundView](t, created)
	if view.ID == "" || view.State != "OPEN" {
		t.Fatalf("view = %+v", view)
	}

	got := f.do(t, http.MethodGet, "/v1/rounds/"+view.ID, nil)
	if got.Code != http.StatusOK {
		t.Fatalf("get status = %d", got.Code)
	}

	missing := f.do(t, http.MethodGet, "/v1/rounds/nope", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d, want 404", missing.Code)
	}
}

func TestEnterMapsDomainErrors(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	created := decodeBody[raffleservice.RoundView](t, f.do(t, http.MethodPost, "/v1/rounds", nil))
	f.payments.Credit("alice", 10_000)

	ok := f.do(t, http.MethodPost, "/v1/rounds/"+created.ID+"/entries", map[string]any{
		"participant": "alice", "ticket_count": 5,
	})
	if ok.Code != http.StatusOK {
		t.Fatalf("enter status = %d body %s", ok.Code, ok.Body.String())
	}
	entry := decodeBody[raffleservice.EntryResult](t, ok)
	if entry.RangeStart != 0 || entry.RangeEnd != 4 {
		t.Fatalf("entry = %+v", entry)
	}

	zero := f.do(t, http.MethodPost, "/v1/rounds/"+created.ID+"/entries", map[string]any{
		"participant": "alice", "ticket_count": 0,
	})
	if zero.Code != http.StatusBadRequest {
		t.Fatalf("zero count status = %d, want 400", zero.Code)
	}
	body := decodeBody[map[string]map[string]any](t, zero)
	if body["error"]["code"] != "ZERO_COUNT" {
		t.Fatalf("error body = %v", body)
	}

	over := f.do(t, http.MethodPost, "/v1/rounds/"+created.ID+"/entries", map[string]any{
		"participant": "bob", "ticket_count": 6,
	})
	if over.Code != http.StatusConflict {
		t.Fatalf("capacity status = %d, want 409", over.Code)
	}

	broke := f.do(t, http.MethodPost, "/v1/rounds/"+created.ID+"/entries", map[string]any{
		"participant": "pauper", "ticket_count": 1,
	})
	if broke.Code != http.StatusPaymentRequired {
		t.Fatalf("payment status = %d, want 402", broke.Code)
	}
}

func TestDrawLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	created := decodeBody[raffleservice.RoundView](t, f.do(t, http.MethodPost, "/v1/rounds", nil))
	for participant, count := range map[string]uint64{"alice": 5, "bob": 3, "carol": 2} {
		f.payments.Credit(participant, 10_000)
		resp := f.do(t, http.MethodPost, "/v1/rounds/"+created.ID+"/entries", map[string]any{
			"participant": participant, "ticket_count": count,
		})
		if resp.Code != http.StatusOK {
			t.Fatalf("enter %s status = %d", participant, resp.Code)
		}
	}

	closed := f.do(t, http.MethodPost, "/v1/rounds/"+created.ID+"/close", map[string]string{"caller": "driver"})
	if closed.Code != http.StatusOK {
		t.Fatalf("close status = %d body %s", closed.Code, closed.Body.String())
	}
	closeResult := decodeBody[raffleservice.CloseResult](t, closed)
	if closeResult.State != "CALCULATING" || closeResult.RequestID == "" {
		t.Fatalf("close = %+v", closeResult)
	}

	// Early finalize is rejected while randomness is pending.
	early := f.do(t, http.MethodPost, "/v1/rounds/"+created.ID+"/finalize", map[string]string{"caller": "finisher"})
	if early.Code != http.StatusConflict {
		t.Fatalf("early finalize status = %d, want 409", early.Code)
	}

	fulfilled := f.do(t, http.MethodPost, "/v1/rounds/"+created.ID+"/randomness", map[string]any{
		"request_id": closeResult.RequestID, "random_words": []uint64{6},
	})
	if fulfilled.Code != http.StatusOK {
		t.Fatalf("randomness status = %d", fulfilled.Code)
	}
	fulfillment := decodeBody[raffleservice.FulfillmentResult](t, fulfilled)
	if !fulfillment.Stored {
		t.Fatalf("fulfillment = %+v", fulfillment)
	}

	finalized := f.do(t, http.MethodPost, "/v1/rounds/"+created.ID+"/finalize", map[string]string{"caller": "finisher"})
	if finalized.Code != http.StatusOK {
		t.Fatalf("finalize status = %d", finalized.Code)
	}
	finalizeResult := decodeBody[raffleservice.FinalizeResult](t, finalized)
	if finalizeResult.Winner != "bob" {
		t.Fatalf("winner = %q, want bob", finalizeResult.Winner)
	}

	claimed := f.do(t, http.MethodPost, "/v1/rounds/"+created.ID+"/claims/prize", map[string]string{"participant": "bob"})
	if claimed.Code != http.StatusOK {
		t.Fatalf("claim status = %d body %s", claimed.Code, claimed.Body.String())
	}
	claim := decodeBody[map[string]uint64](t, claimed)
	if claim["amount"] != 1000 {
		t.Fatalf("amount = %d, want 1000", claim["amount"])
	}

	again := f.do(t, http.MethodPost, "/v1/rounds/"+created.ID+"/claims/prize", map[string]string{"participant": "bob"})
	if again.Code != http.StatusConflict {
		t.Fatalf("double claim status = %d, want 409", again.Code)
	}
}

func TestCallerHeaderFallsBackWhenBodyOmitsCaller(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	created := decodeBody[raffleservice.RoundView](t, f.do(t, http.MethodPost, "/v1/rounds", nil))
	for participant, count := range map[string]uint64{"alice": 5, "bob": 5} {
		f.payments.Credit(participant, 10_000)
		f.do(t, http.MethodPost, "/v1/rounds/"+created.ID+"/entries", map[string]any{
			"participant": participant, "ticket_count": count,
		})
	}

	closed := f.do(t, http.MethodPost, "/v1/rounds/"+created.ID+"/close", map[string]string{"caller": "driver"})
	if closed.Code != http.StatusOK {
		t.Fatalf("close status = %d body %s", closed.Code, closed.Body.String())
	}
	closeResult := decodeBody[raffleservice.CloseResult](t, closed)

	f.do(t, http.MethodPost, "/v1/rounds/"+created.ID+"/randomness", map[string]any{
		"request_id": closeResult.RequestID, "random_words": []uint64{3},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/rounds/"+created.ID+"/finalize", bytes.NewReader(nil))
	req.Header.Set("X-Caller", "finisher")
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("finalize status = %d body %s", recorder.Code, recorder.Body.String())
	}

	// The header caller earned the settlement reward.
	claimed := f.do(t, http.MethodPost, "/v1/rounds/"+created.ID+"/claims/reward", map[string]string{"participant": "finisher"})
	if claimed.Code != http.StatusOK {
		t.Fatalf("reward claim status = %d body %s", claimed.Code, claimed.Body.String())
	}
}

func TestRandomnessCallbackAlwaysAnswers200(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	created := decodeBody[raffleservice.RoundView](t, f.do(t, http.MethodPost, "/v1/rounds", nil))

	// Callback for an OPEN round is ignored, not failed.
	resp := f.do(t, http.MethodPost, "/v1/rounds/"+created.ID+"/randomness", map[string]any{
		"request_id": "req-1", "random_words": []uint64{1},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}
	result := decodeBody[raffleservice.FulfillmentResult](t, resp)
	if result.Stored || result.Reason != "bad_state" {
		t.Fatalf("result = %+v", result)
	}

	// Unknown round also answers 200.
	unknown := f.do(t, http.MethodPost, "/v1/rounds/ghost/randomness", map[string]any{
		"request_id": "req-1", "random_words": []uint64{1},
	})
	if unknown.Code != http.StatusOK {
		t.Fatalf("unknown round status = %d, want 200", unknown.Code)
	}
}

func TestRandomnessCallbackRequiresTokenWhenConfigured(t *testing.T) {
	t.Parallel()
	secret := []byte("oracle-secret")
	f := newAPIFixture(t, WithCallbackSecret(secret))

	created := decodeBody[raffleservice.RoundView](t, f.do(t, http.MethodPost, "/v1/rounds", nil))

	bare := f.do(t, http.MethodPost, "/v1/rounds/"+created.ID+"/randomness", map[string]any{
		"request_id": "req-1", "random_words": []uint64{1},
	})
	if bare.Code != http.StatusUnauthorized {
		t.Fatalf("bare status = %d, want 401", bare.Code)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "coordinator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	payload, _ := json.Marshal(map[string]any{"request_id": "req-1", "random_words": []uint64{1}})
	req := httptest.NewRequest(http.MethodPost, "/v1/rounds/"+created.ID+"/randomness", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("signed status = %d, want 200", recorder.Code)
	}
}

func TestTimeoutAndRecoverEndpoints(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	created := decodeBody[raffleservice.RoundView](t, f.do(t, http.MethodPost, "/v1/rounds", nil))
	for participant, count := range map[string]uint64{"alice": 5, "bob": 5} {
		f.payments.Credit(participant, 10_000)
		f.do(t, http.MethodPost, "/v1/rounds/"+created.ID+"/entries", map[string]any{
			"participant": participant, "ticket_count": count,
		})
	}
	if resp := f.do(t, http.MethodPost, "/v1/rounds/"+created.ID+"/close", nil); resp.Code != http.StatusOK {
		t.Fatalf("close status = %d", resp.Code)
	}

	early := f.do(t, http.MethodPost, "/v1/rounds/"+created.ID+"/recover", map[string]string{"caller": "rescuer"})
	if early.Code != http.StatusConflict {
		t.Fatalf("early recover status = %d, want 409", early.Code)
	}

	f.clock.Advance(5 * time.Minute)

	status := f.do(t, http.MethodGet, "/v1/rounds/"+created.ID+"/timeout", nil)
	if status.Code != http.StatusOK {
		t.Fatalf("timeout status = %d", status.Code)
	}
	timeout := decodeBody[timeoutResponse](t, status)
	if !timeout.ShouldRecover {
		t.Fatalf("timeout = %+v", timeout)
	}

	recovered := f.do(t, http.MethodPost, "/v1/rounds/"+created.ID+"/recover", map[string]string{"caller": "rescuer"})
	if recovered.Code != http.StatusOK {
		t.Fatalf("recover status = %d", recovered.Code)
	}
	result := decodeBody[raffleservice.RecoverResult](t, recovered)
	if result.State != "OPEN" {
		t.Fatalf("state = %q, want OPEN", result.State)
	}
}

func TestListRoundsPaginatesOverHTTP(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	for i := 0; i < 3; i++ {
		if resp := f.do(t, http.MethodPost, "/v1/rounds", nil); resp.Code != http.StatusOK {
			t.Fatalf("create %d status = %d", i, resp.Code)
		}
	}

	resp := f.do(t, http.MethodGet, "/v1/rounds?page_size=2", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("list status = %d", resp.Code)
	}
	var page struct {
		Rounds        []map[string]any `json:"rounds"`
		NextPageToken string           `json:"next_page_token"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Rounds) != 2 || page.NextPageToken == "" {
		t.Fatalf("page = %+v", page)
	}
}
