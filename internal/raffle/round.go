package raffle

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/tombola-engine/tombola/internal/platform/errors"
)

// State describes the lifecycle of a round.
type State int

const (
	// StateUnspecified represents an invalid state value.
	StateUnspecified State = iota
	// StateOpen indicates the round accepts entries.
	StateOpen
	// StateClosed indicates capacity was reached and the round awaits close.
	StateClosed
	// StateCalculating indicates a randomness request is in flight or stored.
	StateCalculating
	// StateFinished indicates a winner was determined.
	StateFinished
	// StateCancelled indicates the round ended without a winner.
	StateCancelled
)

// String returns the storage and API representation of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateCalculating:
		return "CALCULATING"
	case StateFinished:
		return "FINISHED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNSPECIFIED"
	}
}

// StateFromString parses a stored state representation.
func StateFromString(value string) (State, error) {
	switch value {
	case "OPEN":
		return StateOpen, nil
	case "CLOSED":
		return StateClosed, nil
	case "CALCULATING":
		return StateCalculating, nil
	case "FINISHED":
		return StateFinished, nil
	case "CANCELLED":
		return StateCancelled, nil
	default:
		return StateUnspecified, fmt.Errorf("unknown round state %q", value)
	}
}

// RecoveryPolicy selects what happens when a stuck round is recovered.
type RecoveryPolicy int

const (
	// RecoveryPolicyUnspecified represents an invalid policy value.
	RecoveryPolicyUnspecified RecoveryPolicy = iota
	// RecoveryPolicyReopen returns a stuck round to OPEN so it can close again.
	RecoveryPolicyReopen
	// RecoveryPolicyCancel cancels a stuck round and records refunds.
	RecoveryPolicyCancel
)

// String returns the configuration representation of the policy.
func (p RecoveryPolicy) String() string {
	switch p {
	case RecoveryPolicyReopen:
		return "reopen"
	case RecoveryPolicyCancel:
		return "cancel"
	default:
		return "unspecified"
	}
}

// RecoveryPolicyFromString parses a configured recovery policy.
func RecoveryPolicyFromString(value string) (RecoveryPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "reopen":
		return RecoveryPolicyReopen, nil
	case "cancel":
		return RecoveryPolicyCancel, nil
	default:
		return RecoveryPolicyUnspecified, fmt.Errorf("unknown recovery policy %q", value)
	}
}

var (
	// ErrNotOpen indicates the round does not accept entries.
	ErrNotOpen = apperrors.New(apperrors.CodeNotOpen, "round is not open for entries")
	// ErrPastDeadline indicates the entry deadline has passed.
	ErrPastDeadline = apperrors.New(apperrors.CodePastDeadline, "entry deadline has passed")
	// ErrZeroCount indicates an entry with no tickets.
	ErrZeroCount = apperrors.New(apperrors.CodeZeroCount, "ticket count must be greater than zero")
	// ErrCapacityExceeded indicates the entry would exceed round capacity.
	ErrCapacityExceeded = apperrors.New(apperrors.CodeCapacityExceeded, "entry exceeds remaining capacity")
	// ErrPerParticipantCap indicates the entry would exceed the per-participant cap.
	ErrPerParticipantCap = apperrors.New(apperrors.CodePerAddressCap, "entry exceeds per-participant ticket cap")
	// ErrNotReady indicates close was called before the deadline with capacity left.
	ErrNotReady = apperrors.New(apperrors.CodeNotReady, "round is not ready to close")
	// ErrAlreadyRequested indicates a randomness request is already outstanding.
	ErrAlreadyRequested = apperrors.New(apperrors.CodeAlreadyRequested, "randomness request already outstanding")
	// ErrRandomNotReady indicates finalize ran before a fulfillment was stored.
	ErrRandomNotReady = apperrors.New(apperrors.CodeRandomNotReady, "randomness has not been delivered")
	// ErrBadState indicates an operation ran outside its valid state.
	ErrBadState = apperrors.New(apperrors.CodeBadState, "round state does not allow this operation")
	// ErrNotWinner indicates a prize claim by someone other than the winner.
	ErrNotWinner = apperrors.New(apperrors.CodeNotWinner, "caller is not the round winner")
	// ErrAlreadyClaimed indicates the claimed liability was already paid out.
	ErrAlreadyClaimed = apperrors.New(apperrors.CodeAlreadyClaimed, "liability already claimed")
	// ErrNoReward indicates the caller has no claimable reward.
	ErrNoReward = apperrors.New(apperrors.CodeNoReward, "no claimable reward")
	// ErrNotCancelled indicates a refund claim on a round that is not cancelled.
	ErrNotCancelled = apperrors.New(apperrors.CodeNotCancelled, "round is not cancelled")
	// ErrNotStuck indicates recovery on a round that is not awaiting a fulfillment.
	ErrNotStuck = apperrors.New(apperrors.CodeNotStuck, "round is not stuck waiting for randomness")
	// ErrTimeoutNotElapsed indicates recovery before the request timeout elapsed.
	ErrTimeoutNotElapsed = apperrors.New(apperrors.CodeTimeoutNotElapsed, "request timeout has not elapsed")
	// ErrInvalidConfig indicates an invalid round configuration.
	ErrInvalidConfig = apperrors.New(apperrors.CodeInvalidRoundConfig, "round configuration is invalid")
)

// bpsDenominator is the basis-point scale used for fee arithmetic.
const bpsDenominator = 10_000

// Config holds the immutable parameters a round is created with.
type Config struct {
	// TicketPrice is the base price of one ticket, in indivisible token units.
	TicketPrice uint64
	// Capacity is the maximum number of tickets sold in the round.
	Capacity uint64
	// PerParticipantCap limits tickets per participant. Zero disables the cap.
	PerParticipantCap uint64
	// FeeBps is the additive operational fee, in basis points of the base price.
	FeeBps uint64
	// CallerIncentiveBps is the share of swept fees reserved for the callers
	// that drive the lifecycle forward, in basis points.
	CallerIncentiveBps uint64
	// EntryWindow is the offset from creation to the entry deadline.
	EntryWindow time.Duration
	// RequestTimeout bounds how long a randomness request may stay unanswered
	// before recovery becomes available.
	RequestTimeout time.Duration
	// Recovery selects the timeout fallback: reopen or cancel.
	Recovery RecoveryPolicy
	// FeeRecipient receives the non-incentive share of swept fees.
	FeeRecipient string
}

// Validate reports whether the configuration can produce a working round.
func (c Config) Validate() error {
	if c.TicketPrice == 0 {
		return apperrors.WithMetadata(apperrors.CodeInvalidRoundConfig, "ticket price must be greater than zero", nil)
	}
	if c.Capacity == 0 {
		return apperrors.WithMetadata(apperrors.CodeInvalidRoundConfig, "capacity must be greater than zero", nil)
	}
	if c.PerParticipantCap > c.Capacity {
		return apperrors.WithMetadata(apperrors.CodeInvalidRoundConfig, "per-participant cap exceeds capacity", nil)
	}
	if c.FeeBps > bpsDenominator {
		return apperrors.WithMetadata(apperrors.CodeInvalidRoundConfig, "fee basis points exceed 10000", nil)
	}
	if c.CallerIncentiveBps > bpsDenominator {
		return apperrors.WithMetadata(apperrors.CodeInvalidRoundConfig, "caller incentive basis points exceed 10000", nil)
	}
	if c.EntryWindow <= 0 {
		return apperrors.WithMetadata(apperrors.CodeInvalidRoundConfig, "entry window must be greater than zero", nil)
	}
	if c.RequestTimeout <= 0 {
		return apperrors.WithMetadata(apperrors.CodeInvalidRoundConfig, "request timeout must be greater than zero", nil)
	}
	if c.Recovery != RecoveryPolicyReopen && c.Recovery != RecoveryPolicyCancel {
		return apperrors.WithMetadata(apperrors.CodeInvalidRoundConfig, "recovery policy must be reopen or cancel", nil)
	}
	if strings.TrimSpace(c.FeeRecipient) == "" {
		return apperrors.WithMetadata(apperrors.CodeInvalidRoundConfig, "fee recipient is required", nil)
	}
	return nil
}

// Round is the aggregate owning one complete entry, draw, and payout lifecycle.
// All mutation goes through its operations; the service layer serializes access.
type Round struct {
	ID string
	Config

	State     State
	CreatedAt time.Time
	Deadline  time.Time

	// PrizePool and FeePool are the segregated accounting buckets. Their sum
	// equals cumulative collected payments until fees are swept at close.
	PrizePool uint64
	FeePool   uint64
	// DriverPot holds the swept caller-incentive share until the operation
	// that settles the round credits it to its caller.
	DriverPot uint64

	Winner           string
	PendingRequestID string
	RequestedAt      time.Time
	RandomnessReady  bool
	RandomWord       uint64
	PrizeClaimed     bool

	// Ranges is the append-only weighted ticket ledger.
	Ranges []TicketRange
	// Balances tracks per-participant tickets and claimable liabilities.
	Balances map[string]*Balance

	// Version supports optimistic concurrency in storage. The store bumps it
	// on every successful save.
	Version uint64
}

// NewRound creates an OPEN round from an immutable configuration.
func NewRound(roundID string, cfg Config, now time.Time) (Round, error) {
	if strings.TrimSpace(roundID) == "" {
		return Round{}, fmt.Errorf("round id is required")
	}
	if err := cfg.Validate(); err != nil {
		return Round{}, err
	}
	createdAt := now.UTC()
	return Round{
		ID:        roundID,
		Config:    cfg,
		State:     StateOpen,
		CreatedAt: createdAt,
		Deadline:  createdAt.Add(cfg.EntryWindow),
		Balances:  make(map[string]*Balance),
	}, nil
}

// CloseOutcome describes how a close call resolved.
type CloseOutcome int

const (
	// CloseOutcomeUnspecified represents an invalid outcome value.
	CloseOutcomeUnspecified CloseOutcome = iota
	// CloseOutcomeCancelled indicates the round closed with no entrants.
	CloseOutcomeCancelled
	// CloseOutcomeFinished indicates a single entrant won without a draw.
	CloseOutcomeFinished
	// CloseOutcomeRandomnessRequired indicates a randomness request must be
	// issued and recorded before the close is persisted.
	CloseOutcomeRandomnessRequired
)

// CloseResult reports the resolution of a close call.
type CloseResult struct {
	Outcome CloseOutcome
	Winner  string
	Events  []Event
}

// Close ends the entry phase. With no entrants the round cancels, with a
// single entrant it finishes immediately, otherwise fees are swept and the
// round moves to CALCULATING awaiting a randomness request.
func (r *Round) Close(caller string, now time.Time) (CloseResult, error) {
	switch r.State {
	case StateOpen, StateClosed:
		// Close is permitted.
	case StateCalculating:
		if r.PendingRequestID != "" {
			return CloseResult{}, ErrAlreadyRequested
		}
		return CloseResult{}, ErrNotReady
	default:
		return CloseResult{}, ErrNotReady
	}
	if now.Before(r.Deadline) && r.TotalSold() < r.Capacity {
		return CloseResult{}, apperrors.WithMetadata(
			apperrors.CodeNotReady,
			"deadline not reached and capacity not filled",
			map[string]string{"deadline": r.Deadline.Format(time.RFC3339)},
		)
	}

	switch r.EntrantCount() {
	case 0:
		r.State = StateCancelled
		return CloseResult{
			Outcome: CloseOutcomeCancelled,
			Events:  []Event{RoundCancelled{Reason: CancelReasonNoEntrants}},
		}, nil
	case 1:
		events := r.sweepFees()
		winner := r.soleEntrant()
		r.State = StateFinished
		r.Winner = winner
		events = append(events, r.settleDriverPot(caller)...)
		events = append(events, RoundFinished{Winner: winner, Direct: true})
		return CloseResult{Outcome: CloseOutcomeFinished, Winner: winner, Events: events}, nil
	default:
		events := r.sweepFees()
		r.State = StateCalculating
		return CloseResult{Outcome: CloseOutcomeRandomnessRequired, Events: events}, nil
	}
}

// RecordRandomnessRequest stores the correlation id of the single outstanding
// randomness request. It must run atomically with the CALCULATING transition:
// a close that requires randomness is only persisted once this succeeds.
func (r *Round) RecordRandomnessRequest(requestID string, now time.Time) (RandomnessRequested, error) {
	if r.State != StateCalculating {
		return RandomnessRequested{}, ErrBadState
	}
	if r.PendingRequestID != "" {
		return RandomnessRequested{}, ErrAlreadyRequested
	}
	if strings.TrimSpace(requestID) == "" {
		return RandomnessRequested{}, fmt.Errorf("request id is required")
	}
	r.PendingRequestID = requestID
	r.RequestedAt = now.UTC()
	return RandomnessRequested{RequestID: requestID}, nil
}

// StoreRandomness consumes an oracle fulfillment. It never fails observably:
// anomalous callbacks degrade to an ignored event and leave state untouched,
// because the oracle calls back at most once and cannot be asked to retry.
func (r *Round) StoreRandomness(requestID string, words []uint64) Event {
	if r.State != StateCalculating {
		return FulfillmentIgnored{RequestID: requestID, Reason: IgnoreReasonBadState}
	}
	if r.PendingRequestID == "" || requestID != r.PendingRequestID {
		return FulfillmentIgnored{RequestID: requestID, Reason: IgnoreReasonRequestMismatch}
	}
	if len(words) == 0 {
		return FulfillmentIgnored{RequestID: requestID, Reason: IgnoreReasonEmptyPayload}
	}
	if r.TotalSold() == 0 {
		// Defensive: close never requests randomness without entrants.
		r.State = StateCancelled
		r.PendingRequestID = ""
		return RoundCancelled{Reason: CancelReasonNoEntrants}
	}
	r.RandomWord = words[0]
	r.RandomnessReady = true
	r.PendingRequestID = ""
	return RandomnessStored{RequestID: requestID, Word: r.RandomWord}
}

// FinalizeResult reports a completed draw.
type FinalizeResult struct {
	Winner       string
	WinningIndex uint64
	Events       []Event
}

// Finalize computes the winner from the stored random word. It is separated
// from StoreRandomness so the fulfillment callback stays cheap and so anyone
// can drive the draw once randomness is ready.
func (r *Round) Finalize(caller string, now time.Time) (FinalizeResult, error) {
	if r.State != StateCalculating {
		return FinalizeResult{}, ErrBadState
	}
	if !r.RandomnessReady {
		return FinalizeResult{}, ErrRandomNotReady
	}
	total := r.TotalSold()
	if total == 0 {
		return FinalizeResult{}, ErrBadState
	}

	index := r.RandomWord % total
	winner, err := r.Locate(index)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("locate winning ticket: %w", err)
	}

	// Clear the stored word before finishing so it can never be reused.
	r.RandomWord = 0
	r.RandomnessReady = false
	r.RequestedAt = time.Time{}
	r.State = StateFinished
	r.Winner = winner

	events := r.settleDriverPot(caller)
	events = append(events, RoundFinished{Winner: winner, WinningIndex: index})
	return FinalizeResult{Winner: winner, WinningIndex: index, Events: events}, nil
}

// EntrantCount returns the number of distinct participants holding tickets.
func (r *Round) EntrantCount() int {
	count := 0
	for _, balance := range r.Balances {
		if balance.TicketsOwned > 0 {
			count++
		}
	}
	return count
}

// soleEntrant returns the only participant holding tickets. It is only valid
// when EntrantCount is exactly one.
func (r *Round) soleEntrant() string {
	for participant, balance := range r.Balances {
		if balance.TicketsOwned > 0 {
			return participant
		}
	}
	return ""
}

// balance returns the participant's balance entry, creating it when absent.
func (r *Round) balance(participant string) *Balance {
	if r.Balances == nil {
		r.Balances = make(map[string]*Balance)
	}
	b, ok := r.Balances[participant]
	if !ok {
		b = &Balance{Participant: participant}
		r.Balances[participant] = b
	}
	return b
}
