// Package payment defines the value-transfer port used to collect entry
// payments and settle claims.
package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"

	apperrors "github.com/tombola-engine/tombola/internal/platform/errors"
)

// ErrPaymentFailed indicates a transfer was rejected by the payment backend.
var ErrPaymentFailed = apperrors.New(apperrors.CodePaymentFailed, "payment transfer failed")

// Service moves value between participants and the raffle treasury. Entry
// collection pulls from the participant before the entry is persisted; claim
// settlement pushes to the participant after the liability is zeroed.
type Service interface {
	TransferFrom(ctx context.Context, from string, amount uint64) error
	Transfer(ctx context.Context, to string, amount uint64) error
}

// MemoryLedger is an in-process account ledger. It backs deployments without
// an external payment service and the service tests.
type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[string]uint64
	treasury uint64
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{accounts: make(map[string]uint64)}
}

// Credit funds an account outside any round flow.
func (l *MemoryLedger) Credit(account string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[account] += amount
}

// BalanceOf returns an account balance.
func (l *MemoryLedger) BalanceOf(account string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accounts[account]
}

// TreasuryBalance returns the value currently held by the raffle.
func (l *MemoryLedger) TreasuryBalance() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.treasury
}

// TransferFrom pulls amount from an account into the treasury.
func (l *MemoryLedger) TransferFrom(ctx context.Context, from string, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	from = strings.TrimSpace(from)
	if from == "" {
		return fmt.Errorf("source account is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.accounts[from] < amount {
		return apperrors.WithMetadata(
			apperrors.CodePaymentFailed,
			"insufficient balance",
			map[string]string{"account": from},
		)
	}
	l.accounts[from] -= amount
	l.treasury += amount
	return nil
}

// Transfer pushes amount from the treasury to an account.
func (l *MemoryLedger) Transfer(ctx context.Context, to string, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return fmt.Errorf("destination account is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.treasury < amount {
		return apperrors.WithMetadata(
			apperrors.CodePaymentFailed,
			"treasury balance too low",
			map[string]string{"account": to},
		)
	}
	l.treasury -= amount
	l.accounts[to] += amount
	return nil
}

var _ Service = (*MemoryLedger)(nil)
