// Package backoff computes retry delays (exponential growth with full jitter)
// and waits them out without ignoring context cancellation.
package backoff

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	mrand "math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
)

const maxShift = 62

// Exponential returns base * 2^attempt, saturating at the largest duration.
// Negative attempts count as zero.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	attempt = min(max(attempt, 0), maxShift)
	multiplier := int64(1) << attempt

	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return base * time.Duration(multiplier)
}

// Capped is Exponential bounded by ceiling. A non-positive ceiling disables the bound.
func Capped(base, ceiling time.Duration, attempt int) time.Duration {
	delay := Exponential(base, attempt)
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}

	return delay
}

// FullJitter returns a uniformly random duration in [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		return time.Duration(fallbackRand(int64(delay)))
	}

	return time.Duration(n.Int64())
}

// fallbackRand is used only when crypto/rand.Int fails. If seeding fails too
// it settles on the midpoint so callers never block on entropy.
func fallbackRand(upper int64) int64 {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return upper / 2
	}

	rng := mrand.New(mrand.NewPCG(binary.LittleEndian.Uint64(seed[:]), 0)) // #nosec G404

	return rng.Int64N(upper)
}

// ExponentialWithJitter returns a random duration in [0, base * 2^attempt).
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// SleepWithContext waits for d on the real clock.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	return Sleep(ctx, clockwork.NewRealClock(), d)
}

// Sleep waits for d on clock or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
