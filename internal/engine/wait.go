package engine

import (
	"context"
	"time"
)

// WaitUntilTrue polls pred at interval until it returns true, the timeout is
// exhausted (ErrTimeout), or the context is cancelled. Errors from pred
// propagate immediately.
func WaitUntilTrue(ctx context.Context, pred func(ctx context.Context) (bool, error), timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := pred(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().Add(interval).After(deadline) {
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
