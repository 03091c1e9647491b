package raffle

import (
	"errors"
	"testing"
	"time"
)

var testStart = time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		TicketPrice:        100,
		Capacity:           10,
		FeeBps:             250,
		CallerIncentiveBps: 5000,
		EntryWindow:        time.Hour,
		RequestTimeout:     5 * time.Minute,
		Recovery:           RecoveryPolicyReopen,
		FeeRecipient:       "treasury",
	}
}

func newTestRound(t *testing.T, cfg Config) *Round {
	t.Helper()
	round, err := NewRound("round-1", cfg, testStart)
	if err != nil {
		t.Fatalf("new round: %v", err)
	}
	return &round
}

func mustEnter(t *testing.T, round *Round, participant string, count uint64) EntryRecorded {
	t.Helper()
	entry, err := round.Enter(participant, count, testStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("enter %s x%d: %v", participant, count, err)
	}
	return entry
}

// closeForDraw moves a multi-entrant round into CALCULATING with a recorded
// randomness request.
func closeForDraw(t *testing.T, round *Round, requestID string) {
	t.Helper()
	result, err := round.Close("closer", testStart.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if result.Outcome != CloseOutcomeRandomnessRequired {
		t.Fatalf("close outcome = %v, want randomness required", result.Outcome)
	}
	if _, err := round.RecordRandomnessRequest(requestID, testStart.Add(2*time.Hour)); err != nil {
		t.Fatalf("record randomness request: %v", err)
	}
}

func TestNewRoundValidatesConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero price", func(c *Config) { c.TicketPrice = 0 }},
		{"zero capacity", func(c *Config) { c.Capacity = 0 }},
		{"cap above capacity", func(c *Config) { c.PerParticipantCap = c.Capacity + 1 }},
		{"fee above scale", func(c *Config) { c.FeeBps = 10001 }},
		{"incentive above scale", func(c *Config) { c.CallerIncentiveBps = 10001 }},
		{"zero window", func(c *Config) { c.EntryWindow = 0 }},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"no recovery policy", func(c *Config) { c.Recovery = RecoveryPolicyUnspecified }},
		{"no fee recipient", func(c *Config) { c.FeeRecipient = " " }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig()
			tc.mutate(&cfg)
			if _, err := NewRound("round-1", cfg, testStart); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("error = %v, want %v", err, ErrInvalidConfig)
			}
		})
	}
}

func TestNewRoundSetsDeadlineFromEntryWindow(t *testing.T) {
	t.Parallel()

	round := newTestRound(t, testConfig())
	if round.State != StateOpen {
		t.Fatalf("state = %v, want open", round.State)
	}
	want := testStart.Add(time.Hour)
	if !round.Deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", round.Deadline, want)
	}
}

func TestCloseWithZeroEntrantsCancels(t *testing.T) {
	t.Parallel()

	round := newTestRound(t, testConfig())
	result, err := round.Close("closer", testStart.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if result.Outcome != CloseOutcomeCancelled {
		t.Fatalf("outcome = %v, want cancelled", result.Outcome)
	}
	if round.State != StateCancelled {
		t.Fatalf("state = %v, want cancelled", round.State)
	}
	if round.Winner != "" {
		t.Fatalf("winner = %q, want none", round.Winner)
	}
	for _, balance := range round.Balances {
		if balance.ClaimableRefund != 0 {
			t.Fatalf("unexpected refund liability for %s", balance.Participant)
		}
	}
}

func TestCloseWithSingleEntrantFinishesWithoutDraw(t *testing.T) {
	t.Parallel()

	round := newTestRound(t, testConfig())
	mustEnter(t, round, "alice", 3)

	result, err := round.Close("closer", testStart.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if result.Outcome != CloseOutcomeFinished {
		t.Fatalf("outcome = %v, want finished", result.Outcome)
	}
	if result.Winner != "alice" {
		t.Fatalf("winner = %q, want alice", result.Winner)
	}
	if round.State != StateFinished {
		t.Fatalf("state = %v, want finished", round.State)
	}
	if round.PendingRequestID != "" {
		t.Fatal("expected no randomness request for single entrant")
	}
}

func TestCloseBeforeDeadlineWithCapacityLeftFails(t *testing.T) {
	t.Parallel()

	round := newTestRound(t, testConfig())
	mustEnter(t, round, "alice", 2)
	mustEnter(t, round, "bob", 2)

	_, err := round.Close("closer", testStart.Add(10*time.Minute))
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("error = %v, want %v", err, ErrNotReady)
	}
	if round.State != StateOpen {
		t.Fatalf("state = %v, want open after rejected close", round.State)
	}
}

func TestCloseSoldOutBeforeDeadlineSucceeds(t *testing.T) {
	t.Parallel()

	round := newTestRound(t, testConfig())
	mustEnter(t, round, "alice", 6)
	entry := mustEnter(t, round, "bob", 4)
	if !entry.SoldOut {
		t.Fatal("expected sold-out signal on capacity-filling entry")
	}
	if round.State != StateClosed {
		t.Fatalf("state = %v, want closed marker at capacity", round.State)
	}

	result, err := round.Close("closer", testStart.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if result.Outcome != CloseOutcomeRandomnessRequired {
		t.Fatalf("outcome = %v, want randomness required", result.Outcome)
	}
	if round.State != StateCalculating {
		t.Fatalf("state = %v, want calculating", round.State)
	}
}

func TestSecondCloseWhileRequestPendingFails(t *testing.T) {
	t.Parallel()

	round := newTestRound(t, testConfig())
	mustEnter(t, round, "alice", 5)
	mustEnter(t, round, "bob", 3)
	closeForDraw(t, round, "req-1")

	before := *round
	_, err := round.Close("closer", testStart.Add(3*time.Hour))
	if !errors.Is(err, ErrAlreadyRequested) {
		t.Fatalf("error = %v, want %v", err, ErrAlreadyRequested)
	}
	if round.State != before.State || round.PendingRequestID != before.PendingRequestID {
		t.Fatal("rejected close mutated the round")
	}
}

func TestRecordRandomnessRequestRejectsSecondRequest(t *testing.T) {
	t.Parallel()

	round := newTestRound(t, testConfig())
	mustEnter(t, round, "alice", 5)
	mustEnter(t, round, "bob", 3)
	closeForDraw(t, round, "req-1")

	if _, err := round.RecordRandomnessRequest("req-2", testStart.Add(2*time.Hour)); !errors.Is(err, ErrAlreadyRequested) {
		t.Fatalf("error = %v, want %v", err, ErrAlreadyRequested)
	}
}

func TestStoreRandomnessIgnoresMismatchedRequestID(t *testing.T) {
	t.Parallel()

	round := newTestRound(t, testConfig())
	mustEnter(t, round, "alice", 5)
	mustEnter(t, round, "bob", 3)
	closeForDraw(t, round, "req-1")

	before := *round
	event := round.StoreRandomness("req-other", []uint64{42})
	ignored, ok := event.(FulfillmentIgnored)
	if !ok {
		t.Fatalf("event = %T, want FulfillmentIgnored", event)
	}
	if ignored.Reason != IgnoreReasonRequestMismatch {
		t.Fatalf("reason = %q, want %q", ignored.Reason, IgnoreReasonRequestMismatch)
	}
	if round.State != before.State ||
		round.PendingRequestID != before.PendingRequestID ||
		round.RandomnessReady != before.RandomnessReady ||
		round.RandomWord != before.RandomWord {
		t.Fatal("ignored fulfillment mutated the round")
	}
}

func TestStoreRandomnessIgnoresEmptyPayload(t *testing.T) {
	t.Parallel()

	round := newTestRound(t, testConfig())
	mustEnter(t, round, "alice", 5)
	mustEnter(t, round, "bob", 3)
	closeForDraw(t, round, "req-1")

	event := round.StoreRandomness("req-1", nil)
	ignored, ok := event.(FulfillmentIgnored)
	if !ok {
		t.Fatalf("event = %T, want FulfillmentIgnored", event)
	}
	if ignored.Reason != IgnoreReasonEmptyPayload {
		t.Fatalf("reason = %q, want %q", ignored.Reason, IgnoreReasonEmptyPayload)
	}
	if round.RandomnessReady {
		t.Fatal("empty payload must not mark randomness ready")
	}
}

func TestStoreRandomnessIgnoresWrongState(t *testing.T) {
	t.Parallel()

	round := newTestRound(t, testConfig())
	mustEnter(t, round, "alice", 5)

	event := round.StoreRandomness("req-1", []uint64{42})
	ignored, ok := event.(FulfillmentIgnored)
	if !ok {
		t.Fatalf("event = %T, want FulfillmentIgnored", event)
	}
	if ignored.Reason != IgnoreReasonBadState {
		t.Fatalf("reason = %q, want %q", ignored.Reason, IgnoreReasonBadState)
	}
}

func TestStoreRandomnessDoesNotPickWinner(t *testing.T) {
	t.Parallel()

	round := newTestRound(t, testConfig())
	mustEnter(t, round, "alice", 5)
	mustEnter(t, round, "bob", 3)
	closeForDraw(t, round, "req-1")

	event := round.StoreRandomness("req-1", []uint64{42, 7})
	stored, ok := event.(RandomnessStored)
	if !ok {
		t.Fatalf("event = %T, want RandomnessStored", event)
	}
	if stored.Word != 42 {
		t.Fatalf("stored word = %d, want first random word", stored.Word)
	}
	if !round.RandomnessReady {
		t.Fatal("expected randomness ready flag")
	}
	if round.PendingRequestID != "" {
		t.Fatal("expected pending request marker cleared")
	}
	if round.State != StateCalculating {
		t.Fatalf("state = %v, want calculating until finalize", round.State)
	}
	if round.Winner != "" {
		t.Fatalf("winner = %q, want none before finalize", round.Winner)
	}
}

func TestFinalizePicksWinnerByModulo(t *testing.T) {
	t.Parallel()

	// Capacity 10: alice holds [0,4], bob [5,7], carol [8,9].
	round := newTestRound(t, testConfig())
	mustEnter(t, round, "alice", 5)
	mustEnter(t, round, "bob", 3)
	mustEnter(t, round, "carol", 2)
	closeForDraw(t, round, "req-1")

	if event := round.StoreRandomness("req-1", []uint64{6}); event.EventType() != "randomness_stored" {
		t.Fatalf("unexpected event %T", event)
	}

	result, err := round.Finalize("finalizer", testStart.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if result.WinningIndex != 6 {
		t.Fatalf("winning index = %d, want 6", result.WinningIndex)
	}
	if result.Winner != "bob" {
		t.Fatalf("winner = %q, want bob", result.Winner)
	}
	if round.State != StateFinished {
		t.Fatalf("state = %v, want finished", round.State)
	}
}

func TestFinalizeClearsStoredWordAgainstReuse(t *testing.T) {
	t.Parallel()

	round := newTestRound(t, testConfig())
	mustEnter(t, round, "alice", 5)
	mustEnter(t, round, "bob", 5)
	closeForDraw(t, round, "req-1")
	round.StoreRandomness("req-1", []uint64{12345})

	if _, err := round.Finalize("finalizer", testStart.Add(3*time.Hour)); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if round.RandomWord != 0 || round.RandomnessReady {
		t.Fatal("expected stored randomness cleared after finalize")
	}
	if _, err := round.Finalize("finalizer", testStart.Add(3*time.Hour)); !errors.Is(err, ErrBadState) {
		t.Fatalf("second finalize error = %v, want %v", err, ErrBadState)
	}
}

func TestFinalizeBeforeFulfillmentFails(t *testing.T) {
	t.Parallel()

	round := newTestRound(t, testConfig())
	mustEnter(t, round, "alice", 5)
	mustEnter(t, round, "bob", 3)
	closeForDraw(t, round, "req-1")

	if _, err := round.Finalize("finalizer", testStart.Add(3*time.Hour)); !errors.Is(err, ErrRandomNotReady) {
		t.Fatalf("error = %v, want %v", err, ErrRandomNotReady)
	}
}

func TestFinalizeOutsideCalculatingFails(t *testing.T) {
	t.Parallel()

	round := newTestRound(t, testConfig())
	mustEnter(t, round, "alice", 5)

	if _, err := round.Finalize("finalizer", testStart.Add(3*time.Hour)); !errors.Is(err, ErrBadState) {
		t.Fatalf("error = %v, want %v", err, ErrBadState)
	}
}
