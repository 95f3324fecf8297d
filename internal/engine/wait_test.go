package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWaitUntilTrue(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds once predicate turns true", func(t *testing.T) {
		calls := 0
		err := WaitUntilTrue(ctx, func(ctx context.Context) (bool, error) {
			calls++
			return calls >= 3, nil
		}, time.Second, time.Millisecond)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Fatalf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("times out", func(t *testing.T) {
		err := WaitUntilTrue(ctx, func(ctx context.Context) (bool, error) {
			return false, nil
		}, 10*time.Millisecond, 2*time.Millisecond)
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
	})

	t.Run("predicate error propagates", func(t *testing.T) {
		boom := errors.New("boom")
		err := WaitUntilTrue(ctx, func(ctx context.Context) (bool, error) {
			return false, boom
		}, time.Second, time.Millisecond)
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := WaitUntilTrue(cctx, func(ctx context.Context) (bool, error) {
			return false, nil
		}, time.Second, time.Millisecond)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}
