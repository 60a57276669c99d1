package network

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Backoff yields randomized, exponentially growing waits between attempts
// to reach a destination that has not registered yet.
type Backoff struct {
	min, max time.Duration
	next     time.Duration
	rng      *rand.Rand
}

// NewBackoff starts at min and never waits longer than max. A zero max
// means no cap.
func NewBackoff(min, max time.Duration, seed int64) *Backoff {
	if min <= 0 {
		min = time.Millisecond
	}
	return &Backoff{min: min, max: max, next: min, rng: rand.New(rand.NewSource(seed))}
}

// Next returns the wait before the following attempt and grows the one
// after it by a random amount up to double.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next += time.Duration(b.rng.Int63n(int64(b.next) + 1))
	if b.max > 0 && b.next > b.max {
		b.next = b.max
	}
	return d
}

// Wait sleeps for Next or until ctx ends.
func (b *Backoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Redeliver waits and calls try for as long as try reports ErrUnknownNode.
// It returns the first other result, or ctx's error.
func Redeliver(ctx context.Context, b *Backoff, try func() error) error {
	for {
		if err := b.Wait(ctx); err != nil {
			return err
		}
		err := try()
		if !errors.Is(err, ErrUnknownNode) {
			return err
		}
		log.Debugf("destination still unregistered: %v", err)
	}
}
