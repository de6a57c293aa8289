// Package poll waits on conditions of an external system that offers no
// event hooks.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when the condition did not hold before the deadline
var ErrTimeout = errors.New("poll: condition not met before timeout")

// Predicate reports whether the awaited condition holds. A non-nil error
// stops polling.
type Predicate func(ctx context.Context) (bool, error)

// AwaitCondition evaluates predicate immediately and then every interval
// until it returns true, returns an error, timeout elapses or ctx is done.
func AwaitCondition(ctx context.Context, predicate Predicate, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := predicate(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			// One last look so a condition that flipped during the final
			// interval is not reported as a timeout.
			ok, err := predicate(ctx)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			return ErrTimeout
		case <-ticker.C:
		}
	}
}

// IsTimeout reports whether err came from an expired AwaitCondition
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }
