// Package raffle implements the round lifecycle at the heart of the engine:
// the weighted ticket ledger, the round state machine, prize and fee
// accounting, and the timeout-based recovery path.
//
// The package is pure domain logic. It performs no I/O: time is passed in
// explicitly, randomness arrives through recorded fulfillments, and payment
// collection and randomness requests are driven by the service layer. Every
// operation either mutates the Round aggregate and reports events, or rejects
// with a named precondition error and leaves the aggregate untouched.
package raffle
