package raffle

// Event is a lifecycle fact reported by a round operation. The service layer
// appends events to the audit journal after persisting the mutated round.
type Event interface {
	EventType() string
}

// Cancellation reasons recorded on RoundCancelled events.
const (
	// CancelReasonNoEntrants indicates the round closed without entries.
	CancelReasonNoEntrants = "no_entrants"
	// CancelReasonOracleTimeout indicates recovery cancelled a stuck round.
	CancelReasonOracleTimeout = "oracle_timeout"
)

// Reasons recorded on FulfillmentIgnored events.
const (
	// IgnoreReasonBadState indicates a callback outside CALCULATING.
	IgnoreReasonBadState = "bad_state"
	// IgnoreReasonRequestMismatch indicates an unknown correlation id.
	IgnoreReasonRequestMismatch = "request_id_mismatch"
	// IgnoreReasonEmptyPayload indicates a fulfillment without random words.
	IgnoreReasonEmptyPayload = "empty_payload"
)

// EntryRecorded captures an accepted ticket ledger entry.
type EntryRecorded struct {
	Participant string `json:"participant"`
	TicketCount uint64 `json:"ticket_count"`
	RangeStart  uint64 `json:"range_start"`
	RangeEnd    uint64 `json:"range_end"`
	Payment     uint64 `json:"payment"`
	SoldOut     bool   `json:"sold_out,omitempty"`
}

// EventType implements Event.
func (EntryRecorded) EventType() string { return "entry_recorded" }

// RandomnessRequested captures the single outstanding oracle request.
type RandomnessRequested struct {
	RequestID string `json:"request_id"`
}

// EventType implements Event.
func (RandomnessRequested) EventType() string { return "randomness_requested" }

// RandomnessStored captures a consumed oracle fulfillment.
type RandomnessStored struct {
	RequestID string `json:"request_id"`
	Word      uint64 `json:"word"`
}

// EventType implements Event.
func (RandomnessStored) EventType() string { return "randomness_stored" }

// FulfillmentIgnored captures an anomalous oracle callback that was dropped.
type FulfillmentIgnored struct {
	RequestID string `json:"request_id,omitempty"`
	Reason    string `json:"reason"`
}

// EventType implements Event.
func (FulfillmentIgnored) EventType() string { return "fulfillment_ignored" }

// FeesSwept captures the fee pool split performed at close.
type FeesSwept struct {
	DriverShare    uint64 `json:"driver_share"`
	RecipientShare uint64 `json:"recipient_share"`
}

// EventType implements Event.
func (FeesSwept) EventType() string { return "fees_swept" }

// CallerRewardCredited captures the incentive credited to a lifecycle driver.
type CallerRewardCredited struct {
	Caller string `json:"caller"`
	Amount uint64 `json:"amount"`
}

// EventType implements Event.
func (CallerRewardCredited) EventType() string { return "caller_reward_credited" }

// RoundFinished captures a determined winner.
type RoundFinished struct {
	Winner       string `json:"winner"`
	WinningIndex uint64 `json:"winning_index,omitempty"`
	// Direct is true for the single-entrant close that skips the draw.
	Direct bool `json:"direct,omitempty"`
}

// EventType implements Event.
func (RoundFinished) EventType() string { return "round_finished" }

// RoundCancelled captures a round ending without a winner.
type RoundCancelled struct {
	Reason string `json:"reason"`
	// Refunds is the number of participants with a recorded refund liability.
	Refunds int `json:"refunds,omitempty"`
}

// EventType implements Event.
func (RoundCancelled) EventType() string { return "round_cancelled" }

// RoundReopened captures a timeout recovery that returned the round to OPEN.
type RoundReopened struct {
	StaleRequestID string `json:"stale_request_id"`
}

// EventType implements Event.
func (RoundReopened) EventType() string { return "round_reopened" }

// ClaimPaid captures a completed pull payment.
type ClaimPaid struct {
	Participant string `json:"participant"`
	Kind        string `json:"kind"`
	Amount      uint64 `json:"amount"`
}

// EventType implements Event.
func (ClaimPaid) EventType() string { return "claim_paid" }
