package raffle

import (
	"fmt"
	"sort"
	"time"

	apperrors "github.com/tombola-engine/tombola/internal/platform/errors"
)

// TicketRange is one append-only ledger entry: a participant together with
// the cumulative upper bound (exclusive) of tickets sold after their entry.
// Bounds are strictly increasing across the sequence.
type TicketRange struct {
	Participant string
	UpperBound  uint64
}

// Balance tracks a participant's tickets and claimable liabilities.
type Balance struct {
	Participant     string
	TicketsOwned    uint64
	ClaimableRefund uint64
	ClaimableReward uint64
}

// TotalSold returns the number of tickets sold so far.
func (r *Round) TotalSold() uint64 {
	if len(r.Ranges) == 0 {
		return 0
	}
	return r.Ranges[len(r.Ranges)-1].UpperBound
}

// Locate returns the participant owning the global ticket index. Bounds are
// strictly increasing, so a binary search over the range sequence suffices.
func (r *Round) Locate(ticketIndex uint64) (string, error) {
	total := r.TotalSold()
	if ticketIndex >= total {
		return "", fmt.Errorf("ticket index %d out of range [0, %d)", ticketIndex, total)
	}
	i := sort.Search(len(r.Ranges), func(i int) bool {
		return r.Ranges[i].UpperBound > ticketIndex
	})
	return r.Ranges[i].Participant, nil
}

// Enter appends a weighted entry to the ticket ledger and credits the prize
// and fee pools. Payment collection happens in the service layer before the
// mutated round is persisted, so a failed payment discards the mutation.
func (r *Round) Enter(participant string, count uint64, now time.Time) (EntryRecorded, error) {
	if r.State != StateOpen {
		return EntryRecorded{}, ErrNotOpen
	}
	if !now.Before(r.Deadline) {
		return EntryRecorded{}, ErrPastDeadline
	}
	if count == 0 {
		return EntryRecorded{}, ErrZeroCount
	}
	total := r.TotalSold()
	if count > r.Capacity-total {
		return EntryRecorded{}, apperrors.WithMetadata(
			apperrors.CodeCapacityExceeded,
			"entry exceeds remaining capacity",
			map[string]string{"remaining": fmt.Sprintf("%d", r.Capacity-total)},
		)
	}
	balance := r.balance(participant)
	if r.PerParticipantCap > 0 && balance.TicketsOwned+count > r.PerParticipantCap {
		return EntryRecorded{}, apperrors.WithMetadata(
			apperrors.CodePerAddressCap,
			"entry exceeds per-participant ticket cap",
			map[string]string{"cap": fmt.Sprintf("%d", r.PerParticipantCap)},
		)
	}

	base := count * r.TicketPrice
	fee := feeOn(base, r.FeeBps)
	r.PrizePool += base
	r.FeePool += fee
	balance.TicketsOwned += count
	r.Ranges = append(r.Ranges, TicketRange{
		Participant: participant,
		UpperBound:  total + count,
	})

	soldOut := total+count == r.Capacity
	if soldOut {
		// Capacity reached: the round stops taking entries and any caller may
		// close it before the deadline.
		r.State = StateClosed
	}

	return EntryRecorded{
		Participant: participant,
		TicketCount: count,
		RangeStart:  total,
		RangeEnd:    total + count - 1,
		Payment:     base + fee,
		SoldOut:     soldOut,
	}, nil
}

// EntryCost returns the full payment due for an entry of count tickets:
// the base price plus the additive fee.
func (r *Round) EntryCost(count uint64) uint64 {
	base := count * r.TicketPrice
	return base + feeOn(base, r.FeeBps)
}
