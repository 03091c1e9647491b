// Package storage defines persistence contracts for raffle service state.
package storage

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/tombola-engine/tombola/internal/platform/errors"
	"github.com/tombola-engine/tombola/internal/raffle"
)

var (
	// ErrNotFound indicates a requested round record is missing.
	ErrNotFound = apperrors.New(apperrors.CodeNotFound, "round not found")
	// ErrAlreadyExists indicates a round with the same id already exists.
	ErrAlreadyExists = apperrors.New(apperrors.CodeAlreadyExists, "round already exists")
	// ErrStaleRound indicates a save lost an optimistic concurrency race.
	ErrStaleRound = apperrors.New(apperrors.CodeStaleRound, "round was modified concurrently")
)

// TicketRangeRecord stores one ticket ledger entry.
type TicketRangeRecord struct {
	Participant string
	UpperBound  uint64
}

// BalanceRecord stores one participant balance row.
type BalanceRecord struct {
	Participant     string
	TicketsOwned    uint64
	ClaimableRefund uint64
	ClaimableReward uint64
}

// RoundRecord stores one complete round aggregate.
type RoundRecord struct {
	ID    string
	State string

	TicketPrice        uint64
	Capacity           uint64
	PerParticipantCap  uint64
	FeeBps             uint64
	CallerIncentiveBps uint64
	EntryWindow        time.Duration
	RequestTimeout     time.Duration
	Recovery           string
	FeeRecipient       string

	CreatedAt time.Time
	Deadline  time.Time

	PrizePool uint64
	FeePool   uint64
	DriverPot uint64

	Winner           string
	PendingRequestID string
	RequestedAt      time.Time
	RandomnessReady  bool
	RandomWord       uint64
	PrizeClaimed     bool

	Ranges   []TicketRangeRecord
	Balances []BalanceRecord

	// Version is the optimistic concurrency token. SaveRound only succeeds
	// when it matches the stored row, and bumps it on success.
	Version uint64

	UpdatedAt time.Time
}

// RoundSummary stores the listing projection of a round.
type RoundSummary struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Sold      uint64    `json:"sold"`
	Capacity  uint64    `json:"capacity"`
	PrizePool uint64    `json:"prize_pool"`
	Winner    string    `json:"winner,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
}

// RoundPage stores one page of round summaries.
type RoundPage struct {
	Rounds        []RoundSummary `json:"rounds"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

// RoundStore persists round aggregates.
type RoundStore interface {
	CreateRound(ctx context.Context, record RoundRecord) error
	GetRound(ctx context.Context, roundID string) (RoundRecord, error)
	SaveRound(ctx context.Context, record RoundRecord) error
	ListRounds(ctx context.Context, pageSize int, pageToken string) (RoundPage, error)
}

// RecordFromRound projects a domain round into its storage record.
func RecordFromRound(round raffle.Round) RoundRecord {
	record := RoundRecord{
		ID:                 round.ID,
		State:              round.State.String(),
		TicketPrice:        round.TicketPrice,
		Capacity:           round.Capacity,
		PerParticipantCap:  round.PerParticipantCap,
		FeeBps:             round.FeeBps,
		CallerIncentiveBps: round.CallerIncentiveBps,
		EntryWindow:        round.EntryWindow,
		RequestTimeout:     round.RequestTimeout,
		Recovery:           round.Recovery.String(),
		FeeRecipient:       round.FeeRecipient,
		CreatedAt:          round.CreatedAt,
		Deadline:           round.Deadline,
		PrizePool:          round.PrizePool,
		FeePool:            round.FeePool,
		DriverPot:          round.DriverPot,
		Winner:             round.Winner,
		PendingRequestID:   round.PendingRequestID,
		RequestedAt:        round.RequestedAt,
		RandomnessReady:    round.RandomnessReady,
		RandomWord:         round.RandomWord,
		PrizeClaimed:       round.PrizeClaimed,
		Version:            round.Version,
	}
	for _, r := range round.Ranges {
		record.Ranges = append(record.Ranges, TicketRangeRecord{
			Participant: r.Participant,
			UpperBound:  r.UpperBound,
		})
	}
	for _, b := range round.Balances {
		record.Balances = append(record.Balances, BalanceRecord{
			Participant:     b.Participant,
			TicketsOwned:    b.TicketsOwned,
			ClaimableRefund: b.ClaimableRefund,
			ClaimableReward: b.ClaimableReward,
		})
	}
	return record
}

// ToRound rebuilds the domain round from its storage record.
func (record RoundRecord) ToRound() (raffle.Round, error) {
	state, err := raffle.StateFromString(record.State)
	if err != nil {
		return raffle.Round{}, fmt.Errorf("parse round state: %w", err)
	}
	recovery, err := raffle.RecoveryPolicyFromString(record.Recovery)
	if err != nil {
		return raffle.Round{}, fmt.Errorf("parse recovery policy: %w", err)
	}

	round := raffle.Round{
		ID: record.ID,
		Config: raffle.Config{
			TicketPrice:        record.TicketPrice,
			Capacity:           record.Capacity,
			PerParticipantCap:  record.PerParticipantCap,
			FeeBps:             record.FeeBps,
			CallerIncentiveBps: record.CallerIncentiveBps,
			EntryWindow:        record.EntryWindow,
			RequestTimeout:     record.RequestTimeout,
			Recovery:           recovery,
			FeeRecipient:       record.FeeRecipient,
		},
		State:            state,
		CreatedAt:        record.CreatedAt,
		Deadline:         record.Deadline,
		PrizePool:        record.PrizePool,
		FeePool:          record.FeePool,
		DriverPot:        record.DriverPot,
		Winner:           record.Winner,
		PendingRequestID: record.PendingRequestID,
		RequestedAt:      record.RequestedAt,
		RandomnessReady:  record.RandomnessReady,
		RandomWord:       record.RandomWord,
		PrizeClaimed:     record.PrizeClaimed,
		Balances:         make(map[string]*raffle.Balance, len(record.Balances)),
		Version:          record.Version,
	}
	for _, r := range record.Ranges {
		round.Ranges = append(round.Ranges, raffle.TicketRange{
			Participant: r.Participant,
			UpperBound:  r.UpperBound,
		})
	}
	for _, b := range record.Balances {
		round.Balances[b.Participant] = &raffle.Balance{
			Participant:     b.Participant,
			TicketsOwned:    b.TicketsOwned,
			ClaimableRefund: b.ClaimableRefund,
			ClaimableReward: b.ClaimableReward,
		}
	}
	return round, nil
}
