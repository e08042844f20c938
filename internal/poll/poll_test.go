package poll

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUntilCompletes(t *testing.T) {
	calls := 0
	err := Until(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil {
		t.Fatalf("until: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestUntilPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := Until(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestUntilTimesOutWithinBudgetPlusInterval(t *testing.T) {
	interval := 5 * time.Millisecond
	budget := 20 * time.Millisecond
	start := time.Now()

	err := Until(context.Background(), interval, budget, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > budget+interval+50*time.Millisecond {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
}

func TestUntilRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Until(ctx, time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
