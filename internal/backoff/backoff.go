// Package backoff provides the capped exponential backoff policy shared by
// job retries and the remote scrape poller.
package backoff

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy describes a capped exponential backoff schedule.
type Policy struct {
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration
	MaxAttempts int
}

// Default returns the schedule used when configuration leaves one out:
// 500ms doubling to a 30s cap over 3 attempts.
func Default() Policy {
	return Policy{
		Initial:     500 * time.Millisecond,
		Multiplier:  2.0,
		Max:         30 * time.Second,
		MaxAttempts: 3,
	}
}

// Delay returns the wait before the given attempt (1-based) with +/-25%
// jitter. Attempt 1 waits Initial; each later attempt multiplies, capped at Max.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.Max) {
			d = float64(p.Max)
			break
		}
	}
	jittered := time.Duration(d * (0.75 + rand.Float64()*0.5))
	if jittered > p.Max {
		jittered = p.Max
	}
	return jittered
}

// Sleep waits Delay(attempt) or until the context ends.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Exhausted reports whether attempt has consumed the schedule.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
