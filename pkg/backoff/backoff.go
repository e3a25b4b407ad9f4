// Package backoff implements the jittered exponential delay policy used for
// feed retries and the cancellable sleep primitive every wait goes through.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Default bounds for transport-level retries.
const (
	DefaultBase = 500 * time.Millisecond
	DefaultMax  = 10 * time.Second

	// maxJitter caps the random component added on top of the
	// exponential delay.
	maxJitter = 250 * time.Millisecond
)

// Delay returns the backoff delay for the given attempt using the default
// bounds.
func Delay(attempt int) time.Duration {
	return DelayWith(attempt, DefaultBase, DefaultMax)
}

// DelayWith computes min(max, base*2^attempt) plus uniform jitter in
// [0, min(250ms, delay)). Negative attempts are treated as zero.
func DelayWith(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	exp := base
	for i := 0; i < attempt && exp < max; i++ {
		exp *= 2
	}
	if exp > max {
		exp = max
	}

	jitterCeil := exp
	if jitterCeil > maxJitter {
		jitterCeil = maxJitter
	}
	if jitterCeil <= 0 {
		return exp
	}

	return exp + time.Duration(rand.Int63n(int64(jitterCeil)))
}

// Sleep waits for d or until ctx is done, whichever comes first. It returns
// the context error when the wait was cut short.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
