package publish

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// BackoffFunc returns the wait before retry number attempt (1-based).
type BackoffFunc func(attempt int) time.Duration

// ExponentialBackoff waits initial * 2^(attempt-1), capped at max, with
// ±jitter applied (0.2 = ±20%).
func ExponentialBackoff(initial, max time.Duration, jitter float64) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := time.Duration(float64(initial) * math.Pow(2, float64(attempt-1)))
		if max > 0 && (d > max || d < 0) {
			d = max
		}
		if jitter > 0 {
			delta := float64(d) * jitter
			d = time.Duration(float64(d) - delta + rand.Float64()*2*delta)
		}
		if d < 0 {
			return 0
		}
		return d
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
