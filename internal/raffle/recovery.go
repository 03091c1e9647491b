package raffle

import "time"

// TimeoutStatus reports whether the round is stuck waiting for a randomness
// fulfillment past its timeout, and how long remains otherwise. It never
// mutates and is safe for external pollers to call repeatedly.
func (r *Round) TimeoutStatus(now time.Time) (shouldRecover bool, remaining time.Duration) {
	if r.State != StateCalculating || r.PendingRequestID == "" || r.RandomnessReady {
		return false, 0
	}
	elapsed := now.Sub(r.RequestedAt)
	if elapsed >= r.RequestTimeout {
		return true, 0
	}
	return false, r.RequestTimeout - elapsed
}

// RecoverResult reports the outcome of a timeout recovery.
type RecoverResult struct {
	// Reopened is true when the round returned to OPEN; false when it was
	// cancelled with refunds recorded.
	Reopened bool
	Events   []Event
}

// Recover applies the configured timeout fallback to a stuck round. It is the
// only operation allowed to move the state machine backwards, and only from
// CALCULATING once the request timeout has elapsed. Calling it outside that
// window is a caller error and fails with a named precondition, unlike
// oracle anomalies which are silently ignored.
func (r *Round) Recover(caller string, now time.Time) (RecoverResult, error) {
	if r.State != StateCalculating || r.PendingRequestID == "" || r.RandomnessReady {
		return RecoverResult{}, ErrNotStuck
	}
	if now.Sub(r.RequestedAt) < r.RequestTimeout {
		return RecoverResult{}, ErrTimeoutNotElapsed
	}

	staleRequestID := r.PendingRequestID
	r.PendingRequestID = ""
	r.RequestedAt = time.Time{}
	r.RandomWord = 0
	r.RandomnessReady = false

	if r.Recovery == RecoveryPolicyReopen {
		r.State = StateOpen
		return RecoverResult{
			Reopened: true,
			Events:   []Event{RoundReopened{StaleRequestID: staleRequestID}},
		}, nil
	}

	r.State = StateCancelled
	refunds := 0
	for _, balance := range r.Balances {
		if balance.TicketsOwned == 0 {
			continue
		}
		// Refund the base price; the fee was swept at close to compensate the
		// callers that kept the lifecycle moving.
		balance.ClaimableRefund += balance.TicketsOwned * r.TicketPrice
		refunds++
	}
	r.PrizePool = 0
	events := r.settleDriverPot(caller)
	events = append(events, RoundCancelled{Reason: CancelReasonOracleTimeout, Refunds: refunds})
	return RecoverResult{Events: events}, nil
}
