package raffle

// feeOn computes the additive basis-point fee on a base amount. The fee is
// charged on top of the ticket price so the advertised prize per ticket is
// never diluted by fee arithmetic.
func feeOn(base, bps uint64) uint64 {
	return base * bps / bpsDenominator
}

// sweepFees empties the fee pool at close time. The caller-incentive share
// moves to the driver pot, the remainder becomes a claimable reward of the
// configured fee recipient.
func (r *Round) sweepFees() []Event {
	if r.FeePool == 0 {
		return nil
	}
	swept := r.FeePool
	driverShare := swept * r.CallerIncentiveBps / bpsDenominator
	recipientShare := swept - driverShare
	r.FeePool = 0
	r.DriverPot += driverShare
	if recipientShare > 0 {
		r.balance(r.FeeRecipient).ClaimableReward += recipientShare
	}
	return []Event{FeesSwept{DriverShare: driverShare, RecipientShare: recipientShare}}
}

// settleDriverPot credits the accumulated incentive share to the caller that
// settled the round's fate (direct-finish close, finalize, or cancel).
func (r *Round) settleDriverPot(caller string) []Event {
	if r.DriverPot == 0 || caller == "" {
		return nil
	}
	amount := r.DriverPot
	r.DriverPot = 0
	r.balance(caller).ClaimableReward += amount
	return []Event{CallerRewardCredited{Caller: caller, Amount: amount}}
}

// ClaimPrize zeroes the prize liability for the winner and returns the amount
// the service layer must transfer. Effects precede the external interaction:
// the claim is final once the zeroed round is persisted.
func (r *Round) ClaimPrize(participant string) (uint64, error) {
	if r.State != StateFinished || participant != r.Winner {
		return 0, ErrNotWinner
	}
	if r.PrizeClaimed {
		return 0, ErrAlreadyClaimed
	}
	amount := r.PrizePool
	r.PrizePool = 0
	r.PrizeClaimed = true
	return amount, nil
}

// ClaimRefund zeroes a participant's refund liability on a cancelled round
// and returns the amount to transfer.
func (r *Round) ClaimRefund(participant string) (uint64, error) {
	if r.State != StateCancelled {
		return 0, ErrNotCancelled
	}
	balance, ok := r.Balances[participant]
	if !ok || balance.ClaimableRefund == 0 {
		return 0, ErrAlreadyClaimed
	}
	amount := balance.ClaimableRefund
	balance.ClaimableRefund = 0
	return amount, nil
}

// ClaimReward zeroes a participant's claimable reward (swept fees or caller
// incentives) and returns the amount to transfer. Rewards are claimable in
// any state once credited.
func (r *Round) ClaimReward(participant string) (uint64, error) {
	balance, ok := r.Balances[participant]
	if !ok || balance.ClaimableReward == 0 {
		return 0, ErrNoReward
	}
	amount := balance.ClaimableReward
	balance.ClaimableReward = 0
	return amount, nil
}
