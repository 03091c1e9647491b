package server

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/tombola-engine/tombola/internal/platform/id"
	raffleservice "github.com/tombola-engine/tombola/internal/services/raffle"
)

// devOracle is the in-process randomness source for standalone deployments.
// It answers each request asynchronously with one crypto/rand word, going
// through the same fulfillment path an external coordinator would use.
type devOracle struct {
	fulfill func(ctx context.Context, roundID, requestID string, words []uint64) (raffleservice.FulfillmentResult, error)
	delay   time.Duration
}

func newDevOracle() *devOracle {
	return &devOracle{delay: 50 * time.Millisecond}
}

// RequestRandomness implements the oracle client port.
func (o *devOracle) RequestRandomness(_ context.Context, roundID string) (string, error) {
	requestID, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("generate request id: %w", err)
	}

	go func() {
		// The delay keeps the callback outside the close transaction, like a
		// real coordinator round trip.
		time.Sleep(o.delay)
		word, err := randomWord()
		if err != nil {
			log.Printf("dev oracle: round %s: %v", roundID, err)
			return
		}
		if o.fulfill == nil {
			log.Printf("dev oracle: round %s: no fulfillment sink configured", roundID)
			return
		}
		result, err := o.fulfill(context.Background(), roundID, requestID, []uint64{word})
		if err != nil {
			log.Printf("dev oracle: round %s fulfillment: %v", roundID, err)
			return
		}
		if !result.Stored {
			log.Printf("dev oracle: round %s fulfillment ignored (reason=%s)", roundID, result.Reason)
		}
	}()

	return requestID, nil
}

func randomWord() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("read random word: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}
