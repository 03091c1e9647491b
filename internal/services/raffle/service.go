// Package raffle orchestrates round lifecycles: it serializes access per
// round, drives the domain state machine, and coordinates storage, payments,
// the randomness oracle, and the audit journal.
package raffle

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	apperrors "github.com/tombola-engine/tombola/internal/platform/errors"
	"github.com/tombola-engine/tombola/internal/platform/id"
	"github.com/tombola-engine/tombola/internal/raffle"
	"github.com/tombola-engine/tombola/internal/raffle/policy"
	"github.com/tombola-engine/tombola/internal/services/raffle/oracle"
	"github.com/tombola-engine/tombola/internal/services/raffle/payment"
	"github.com/tombola-engine/tombola/internal/services/raffle/storage"
)

// EventJournal records round lifecycle events for audit.
type EventJournal interface {
	Append(ctx context.Context, roundID string, at time.Time, events ...raffle.Event) error
}

// Service exposes the round lifecycle operations.
type Service struct {
	store    storage.RoundStore
	journal  EventJournal
	oracle   oracle.Client
	payments payment.Service
	catalog  policy.Catalog

	now    func() time.Time
	newID  func() (string, error)
	logger *log.Logger

	locks roundLocks
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the service time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides round id generation.
func WithIDGenerator(generator func() (string, error)) Option {
	return func(s *Service) {
		if generator != nil {
			s.newID = generator
		}
	}
}

// WithLogger overrides the service logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a raffle service.
func New(store storage.RoundStore, journal EventJournal, oracleClient oracle.Client, payments payment.Service, catalog policy.Catalog, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("round store is required")
	}
	if journal == nil {
		return nil, fmt.Errorf("event journal is required")
	}
	if oracleClient == nil {
		return nil, fmt.Errorf("oracle client is required")
	}
	if payments == nil {
		return nil, fmt.Errorf("payment service is required")
	}
	service := &Service{
		store:    store,
		journal:  journal,
		oracle:   oracleClient,
		payments: payments,
		catalog:  catalog,
		now:      time.Now,
		newID:    id.NewID,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// roundLocks serializes all operations on one round. A lock is never removed;
// the registry grows with the number of distinct rounds touched by the
// process, which is bounded by round churn, not request volume.
type roundLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *roundLocks) acquire(roundID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := l.locks[roundID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[roundID] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// RoundView is the read projection of a round.
type RoundView struct {
	ID                string    `json:"id"`
	State             string    `json:"state"`
	TicketPrice       uint64    `json:"ticket_price"`
	Capacity          uint64    `json:"capacity"`
	Sold              uint64    `json:"sold"`
	PerParticipantCap uint64    `json:"per_participant_cap,omitempty"`
	FeeBps            uint64    `json:"fee_bps"`
	PrizePool         uint64    `json:"prize_pool"`
	FeePool           uint64    `json:"fee_pool"`
	Winner            string    `json:"winner,omitempty"`
	PendingRequestID  string    `json:"pending_request_id,omitempty"`
	RandomnessReady   bool      `json:"randomness_ready,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	Deadline          time.Time `json:"deadline"`
}

func viewOf(round raffle.Round) RoundView {
	return RoundView{
		ID:                round.ID,
		State:             round.State.String(),
		TicketPrice:       round.TicketPrice,
		Capacity:          round.Capacity,
		Sold:              round.TotalSold(),
		PerParticipantCap: round.PerParticipantCap,
		FeeBps:            round.FeeBps,
		PrizePool:         round.PrizePool,
		FeePool:           round.FeePool,
		Winner:            round.Winner,
		PendingRequestID:  round.PendingRequestID,
		RandomnessReady:   round.RandomnessReady,
		CreatedAt:         round.CreatedAt,
		Deadline:          round.Deadline,
	}
}

// CreateRound instantiates a round from a named policy template. An empty
// policy name selects the catalog default.
func (s *Service) CreateRound(ctx context.Context, policyName string) (RoundView, error) {
	cfg, err := s.catalog.Config(policyName)
	if err != nil {
		return RoundView{}, apperrors.Wrap(apperrors.CodeInvalidRoundConfig, "resolve round policy", err)
	}
	roundID, err := s.newID()
	if err != nil {
		return RoundView{}, fmt.Errorf("generate round id: %w", err)
	}
	round, err := raffle.NewRound(roundID, cfg, s.now())
	if err != nil {
		return RoundView{}, err
	}
	if err := s.store.CreateRound(ctx, storage.RecordFromRound(round)); err != nil {
		return RoundView{}, err
	}
	s.logger.Printf("raffle: round %s created (policy=%q capacity=%d)", roundID, policyName, cfg.Capacity)
	return viewOf(round), nil
}

// GetRound returns the current projection of a round.
func (s *Service) GetRound(ctx context.Context, roundID string) (RoundView, error) {
	round, err := s.loadRound(ctx, roundID)
	if err != nil {
		return RoundView{}, err
	}
	return viewOf(round), nil
}

// ListRounds returns one page of round summaries.
func (s *Service) ListRounds(ctx context.Context, pageSize int, pageToken string) (storage.RoundPage, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	return s.store.ListRounds(ctx, pageSize, pageToken)
}

// EntryResult reports an accepted entry.
type EntryResult struct {
	Participant string `json:"participant"`
	TicketCount uint64 `json:"ticket_count"`
	RangeStart  uint64 `json:"range_start"`
	RangeEnd    uint64 `json:"range_end"`
	Payment     uint64 `json:"payment"`
	SoldOut     bool   `json:"sold_out,omitempty"`
}

// Enter buys tickets for a participant. The payment is collected before the
// mutated round is persisted; a failed payment discards the mutation.
func (s *Service) Enter(ctx context.Context, roundID, participant string, count uint64) (EntryResult, error) {
	participant = strings.TrimSpace(participant)
	if participant == "" {
		return EntryResult{}, fmt.Errorf("participant is required")
	}
	unlock := s.locks.acquire(roundID)
	defer unlock()

	round, err := s.loadRound(ctx, roundID)
	if err != nil {
		return EntryResult{}, err
	}
	entry, err := round.Enter(participant, count, s.now())
	if err != nil {
		return EntryResult{}, err
	}
	if err := s.payments.TransferFrom(ctx, participant, entry.Payment); err != nil {
		if apperrors.IsCode(err, apperrors.CodePaymentFailed) {
			return EntryResult{}, err
		}
		return EntryResult{}, apperrors.Wrap(apperrors.CodePaymentFailed, "collect entry payment", err)
	}
	if err := s.saveRound(ctx, round); err != nil {
		// The collected payment is returned; the entry never happened.
		if refundErr := s.payments.Transfer(ctx, participant, entry.Payment); refundErr != nil {
			s.logger.Printf("raffle: round %s return payment to %s failed: %v", roundID, participant, refundErr)
		}
		return EntryResult{}, err
	}
	s.appendJournal(ctx, roundID, entry)
	return EntryResult{
		Participant: entry.Participant,
		TicketCount: entry.TicketCount,
		RangeStart:  entry.RangeStart,
		RangeEnd:    entry.RangeEnd,
		Payment:     entry.Payment,
		SoldOut:     entry.SoldOut,
	}, nil
}

// CloseResult reports how a close resolved.
type CloseResult struct {
	State     string `json:"state"`
	Winner    string `json:"winner,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Close ends the entry phase. When a draw is needed, the randomness request
// is issued and its correlation id recorded before the close is persisted,
// so a failed request leaves the round untouched.
func (s *Service) Close(ctx context.Context, roundID, caller string) (CloseResult, error) {
	unlock := s.locks.acquire(roundID)
	defer unlock()

	round, err := s.loadRound(ctx, roundID)
	if err != nil {
		return CloseResult{}, err
	}
	result, err := round.Close(caller, s.now())
	if err != nil {
		return CloseResult{}, err
	}

	events := result.Events
	var requestID string
	if result.Outcome == raffle.CloseOutcomeRandomnessRequired {
		requestID, err = s.oracle.RequestRandomness(ctx, roundID)
		if err != nil {
			return CloseResult{}, err
		}
		requested, err := round.RecordRandomnessRequest(requestID, s.now())
		if err != nil {
			return CloseResult{}, err
		}
		events = append(events, requested)
	}

	if err := s.saveRound(ctx, round); err != nil {
		return CloseResult{}, err
	}
	s.appendJournal(ctx, roundID, events...)
	s.logger.Printf("raffle: round %s closed (state=%s)", roundID, round.State)
	return CloseResult{
		State:     round.State.String(),
		Winner:    result.Winner,
		RequestID: requestID,
	}, nil
}

// FulfillmentResult reports how a randomness callback was consumed.
type FulfillmentResult struct {
	Stored bool   `json:"stored"`
	Reason string `json:"reason,omitempty"`
}

// HandleFulfillment ingests an oracle callback. It never fails on protocol
// anomalies; unknown rounds and stale ids degrade to an ignored result.
func (s *Service) HandleFulfillment(ctx context.Context, roundID, requestID string, words []uint64) (FulfillmentResult, error) {
	unlock := s.locks.acquire(roundID)
	defer unlock()

	round, err := s.loadRound(ctx, roundID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			s.logger.Printf("raffle: fulfillment for unknown round %s ignored", roundID)
			return FulfillmentResult{Reason: "unknown_round"}, nil
		}
		return FulfillmentResult{}, err
	}

	event := round.StoreRandomness(requestID, words)
	if ignored, ok := event.(raffle.FulfillmentIgnored); ok {
		s.logger.Printf("raffle: round %s fulfillment ignored (reason=%s)", roundID, ignored.Reason)
		s.appendJournal(ctx, roundID, ignored)
		return FulfillmentResult{Reason: ignored.Reason}, nil
	}
	if err := s.saveRound(ctx, round); err != nil {
		return FulfillmentResult{}, err
	}
	s.appendJournal(ctx, roundID, event)
	return FulfillmentResult{Stored: true}, nil
}

// FinalizeResult reports a completed draw.
type FinalizeResult struct {
	Winner       string `json:"winner"`
	WinningIndex uint64 `json:"winning_index"`
}

// Finalize computes the winner from stored randomness.
func (s *Service) Finalize(ctx context.Context, roundID, caller string) (FinalizeResult, error) {
	unlock := s.locks.acquire(roundID)
	defer unlock()

	round, err := s.loadRound(ctx, roundID)
	if err != nil {
		return FinalizeResult{}, err
	}
	result, err := round.Finalize(caller, s.now())
	if err != nil {
		return FinalizeResult{}, err
	}
	if err := s.saveRound(ctx, round); err != nil {
		return FinalizeResult{}, err
	}
	s.appendJournal(ctx, roundID, result.Events...)
	s.logger.Printf("raffle: round %s finished (winner=%s)", roundID, result.Winner)
	return FinalizeResult{Winner: result.Winner, WinningIndex: result.WinningIndex}, nil
}

// ClaimKind selects the liability a claim settles.
type ClaimKind string

const (
	// ClaimPrize settles the winner's prize pool.
	ClaimPrize ClaimKind = "prize"
	// ClaimRefund settles a cancelled round refund.
	ClaimRefund ClaimKind = "refund"
	// ClaimReward settles swept fees and caller incentives.
	ClaimReward ClaimKind = "reward"
)

// Claim settles a claimable liability. The liability is zeroed and persisted
// before the external transfer; the per-round lock is held across both so a
// concurrent claim observes the zeroed state.
func (s *Service) Claim(ctx context.Context, roundID, participant string, kind ClaimKind) (uint64, error) {
	participant = strings.TrimSpace(participant)
	if participant == "" {
		return 0, fmt.Errorf("participant is required")
	}
	unlock := s.locks.acquire(roundID)
	defer unlock()

	round, err := s.loadRound(ctx, roundID)
	if err != nil {
		return 0, err
	}

	var amount uint64
	switch kind {
	case ClaimPrize:
		amount, err = round.ClaimPrize(participant)
	case ClaimRefund:
		amount, err = round.ClaimRefund(participant)
	case ClaimReward:
		amount, err = round.ClaimReward(participant)
	default:
		return 0, fmt.Errorf("unknown claim kind %q", kind)
	}
	if err != nil {
		return 0, err
	}

	if err := s.saveRound(ctx, round); err != nil {
		return 0, err
	}
	if err := s.payments.Transfer(ctx, participant, amount); err != nil {
		s.restoreClaim(ctx, roundID, participant, kind, amount)
		if apperrors.IsCode(err, apperrors.CodePaymentFailed) {
			return 0, err
		}
		return 0, apperrors.Wrap(apperrors.CodePaymentFailed, "settle claim", err)
	}
	s.appendJournal(ctx, roundID, raffle.ClaimPaid{
		Participant: participant,
		Kind:        string(kind),
		Amount:      amount,
	})
	return amount, nil
}

// restoreClaim re-credits a zeroed liability after a failed transfer. The
// per-round lock is still held, so the reload cannot race another claim.
func (s *Service) restoreClaim(ctx context.Context, roundID, participant string, kind ClaimKind, amount uint64) {
	round, err := s.loadRound(ctx, roundID)
	if err != nil {
		s.logger.Printf("raffle: round %s restore %s claim for %s: reload failed: %v", roundID, kind, participant, err)
		return
	}
	switch kind {
	case ClaimPrize:
		round.PrizePool = amount
		round.PrizeClaimed = false
	case ClaimRefund:
		round.Balances[participant].ClaimableRefund = amount
	case ClaimReward:
		round.Balances[participant].ClaimableReward = amount
	}
	if err := s.saveRound(ctx, round); err != nil {
		s.logger.Printf("raffle: round %s restore %s claim for %s: save failed: %v", roundID, kind, participant, err)
	}
}

// RecoverResult reports a timeout recovery.
type RecoverResult struct {
	State string `json:"state"`
}

// Recover applies the configured timeout fallback to a stuck round.
func (s *Service) Recover(ctx context.Context, roundID, caller string) (RecoverResult, error) {
	unlock := s.locks.acquire(roundID)
	defer unlock()

	round, err := s.loadRound(ctx, roundID)
	if err != nil {
		return RecoverResult{}, err
	}
	result, err := round.Recover(caller, s.now())
	if err != nil {
		return RecoverResult{}, err
	}
	if err := s.saveRound(ctx, round); err != nil {
		return RecoverResult{}, err
	}
	s.appendJournal(ctx, roundID, result.Events...)
	s.logger.Printf("raffle: round %s recovered (state=%s)", roundID, round.State)
	return RecoverResult{State: round.State.String()}, nil
}

// TimeoutResult reports whether a stuck round can be recovered.
type TimeoutResult struct {
	ShouldRecover bool
	Remaining     time.Duration
}

// TimeoutStatus reports the recovery window of a round without mutating it.
func (s *Service) TimeoutStatus(ctx context.Context, roundID string) (TimeoutResult, error) {
	round, err := s.loadRound(ctx, roundID)
	if err != nil {
		return TimeoutResult{}, err
	}
	shouldRecover, remaining := round.TimeoutStatus(s.now())
	return TimeoutResult{ShouldRecover: shouldRecover, Remaining: remaining}, nil
}

func (s *Service) loadRound(ctx context.Context, roundID string) (raffle.Round, error) {
	roundID = strings.TrimSpace(roundID)
	if roundID == "" {
		return raffle.Round{}, fmt.Errorf("round id is required")
	}
	record, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		return raffle.Round{}, err
	}
	round, err := record.ToRound()
	if err != nil {
		return raffle.Round{}, fmt.Errorf("rebuild round %s: %w", roundID, err)
	}
	return round, nil
}

func (s *Service) saveRound(ctx context.Context, round raffle.Round) error {
	return s.store.SaveRound(ctx, storage.RecordFromRound(round))
}

func (s *Service) appendJournal(ctx context.Context, roundID string, events ...raffle.Event) {
	if len(events) == 0 {
		return
	}
	if err := s.journal.Append(ctx, roundID, s.now(), events...); err != nil {
		s.logger.Printf("raffle: round %s journal append failed: %v", roundID, err)
	}
}
