// Package poll provides a fixed-interval polling combinator with a hard
// wall-clock budget. The interval is deliberately constant rather than
// backing off: provider job durations are roughly uniform, and a fixed
// cadence keeps the worst-case latency of the timeout path predictable.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when the wall-clock budget elapses before fn
// reports completion. It surfaces no later than budget plus one interval.
var ErrTimeout = errors.New("poll: budget exceeded")

// Until calls fn every interval until it returns done=true, returns an
// error, or the total elapsed time exceeds budget. The budget is checked
// against elapsed time, not an iteration count, so it stays correct when
// individual polls are slow.
func Until(ctx context.Context, interval, budget time.Duration, fn func(ctx context.Context) (done bool, err error)) error {
	if interval <= 0 {
		interval = time.Second
	}
	start := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if time.Since(start) >= budget {
			return ErrTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
