// Package testkit provides deterministic collaborator doubles for raffle
// service tests.
package testkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tombola-engine/tombola/internal/raffle"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock frozen at the given instant.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now.UTC()}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to an instant.
func (c *Clock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now.UTC()
}

// Oracle is a recording randomness coordinator double.
type Oracle struct {
	mu       sync.Mutex
	requests []string
	nextErr  error
	counter  int
}

// NewOracle creates an oracle double issuing sequential request ids.
func NewOracle() *Oracle {
	return &Oracle{}
}

// FailNextWith makes the next request fail with err.
func (o *Oracle) FailNextWith(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextErr = err
}

// Requests returns the round ids requested so far.
func (o *Oracle) Requests() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.requests...)
}

// LastRequestID returns the most recently issued request id.
func (o *Oracle) LastRequestID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return fmt.Sprintf("request-%d", o.counter)
}

// RequestRandomness implements the oracle client port.
func (o *Oracle) RequestRandomness(_ context.Context, roundID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.nextErr != nil {
		err := o.nextErr
		o.nextErr = nil
		return "", err
	}
	o.counter++
	o.requests = append(o.requests, roundID)
	return fmt.Sprintf("request-%d", o.counter), nil
}

// Payments is a payment service double with failure injection on top of an
// in-memory account map.
type Payments struct {
	mu               sync.Mutex
	accounts         map[string]uint64
	treasury         uint64
	failTransferFrom error
	failTransfer     error
}

// NewPayments creates an empty payments double.
func NewPayments() *Payments {
	return &Payments{accounts: make(map[string]uint64)}
}

// Credit funds an account.
func (p *Payments) Credit(account string, amount uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[account] += amount
}

// BalanceOf returns an account balance.
func (p *Payments) BalanceOf(account string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accounts[account]
}

// TreasuryBalance returns the value held by the raffle.
func (p *Payments) TreasuryBalance() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.treasury
}

// FailTransferFromWith makes collection calls fail with err until cleared.
func (p *Payments) FailTransferFromWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failTransferFrom = err
}

// FailTransferWith makes payout calls fail with err until cleared.
func (p *Payments) FailTransferWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failTransfer = err
}

// TransferFrom implements the payment port.
func (p *Payments) TransferFrom(_ context.Context, from string, amount uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failTransferFrom != nil {
		return p.failTransferFrom
	}
	if p.accounts[from] < amount {
		return fmt.Errorf("insufficient balance for %s", from)
	}
	p.accounts[from] -= amount
	p.treasury += amount
	return nil
}

// Transfer implements the payment port.
func (p *Payments) Transfer(_ context.Context, to string, amount uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failTransfer != nil {
		return p.failTransfer
	}
	if p.treasury < amount {
		return fmt.Errorf("treasury balance too low")
	}
	p.treasury -= amount
	p.accounts[to] += amount
	return nil
}

// JournalEntry is one recorded event with its append time.
type JournalEntry struct {
	RoundID string
	At      time.Time
	Event   raffle.Event
}

// Journal is an in-memory event journal double.
type Journal struct {
	mu      sync.Mutex
	entries []JournalEntry
}

// NewJournal creates an empty journal double.
func NewJournal() *Journal {
	return &Journal{}
}

// Append implements the event journal port.
func (j *Journal) Append(_ context.Context, roundID string, at time.Time, events ...raffle.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, event := range events {
		j.entries = append(j.entries, JournalEntry{RoundID: roundID, At: at, Event: event})
	}
	return nil
}

// Entries returns all recorded entries.
func (j *Journal) Entries() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]JournalEntry(nil), j.entries...)
}

// EventTypes returns the recorded event types for a round, in order.
func (j *Journal) EventTypes(roundID string) []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var types []string
	for _, entry := range j.entries {
		if entry.RoundID == roundID {
			types = append(types, entry.Event.EventType())
		}
	}
	return types
}
