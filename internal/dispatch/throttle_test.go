package dispatch

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestThrottle(t *testing.T, perMinute int) (*Throttle, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewThrottle(client, perMinute), mr
}

func TestThrottle_ReserveWithinLimit(t *testing.T) {
	th, _ := newTestThrottle(t, 100)
	ctx := context.Background()

	wait, err := th.Reserve(ctx, 50)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if wait != 0 {
		t.Errorf("wait = %v, want 0", wait)
	}

	wait, err = th.Reserve(ctx, 50)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if wait != 0 {
		t.Errorf("wait = %v, want 0 (exactly at limit)", wait)
	}
}

func TestThrottle_ReserveOverLimit(t *testing.T) {
	th, _ := newTestThrottle(t, 100)
	ctx := context.Background()

	if wait, err := th.Reserve(ctx, 80); err != nil || wait != 0 {
		t.Fatalf("first Reserve() = (%v, %v), want (0, nil)", wait, err)
	}

	wait, err := th.Reserve(ctx, 30)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if wait <= 0 {
		t.Errorf("wait = %v, want positive (bucket full)", wait)
	}

	// A denied reservation must not consume budget: 20 still fits.
	wait, err = th.Reserve(ctx, 20)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if wait != 0 {
		t.Errorf("wait = %v, want 0 (denied attempt must not increment)", wait)
	}
}

func TestThrottle_OversizedChunkGrantedWhenEmpty(t *testing.T) {
	th, _ := newTestThrottle(t, 5)
	ctx := context.Background()

	// A chunk bigger than the whole per-minute budget still gets the empty
	// bucket; refusing it would strand the send waiting forever.
	wait, err := th.Reserve(ctx, 10)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if wait != 0 {
		t.Errorf("wait = %v, want 0 (empty bucket grants oversized chunk)", wait)
	}

	// The bucket is over budget now; the next caller waits.
	wait, err = th.Reserve(ctx, 1)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if wait <= 0 {
		t.Errorf("wait = %v, want positive (budget exhausted)", wait)
	}
}

func TestThrottle_SharedBudget(t *testing.T) {
	th, mr := newTestThrottle(t, 100)
	ctx := context.Background()

	// A second throttle over the same Redis shares the counter.
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	other := NewThrottle(client, 100)

	if wait, err := th.Reserve(ctx, 60); err != nil || wait != 0 {
		t.Fatalf("first Reserve() = (%v, %v), want (0, nil)", wait, err)
	}
	wait, err := other.Reserve(ctx, 60)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if wait <= 0 {
		t.Errorf("wait = %v, want positive (budget shared across instances)", wait)
	}
}

func TestThrottle_Usage(t *testing.T) {
	th, _ := newTestThrottle(t, 100)
	ctx := context.Background()

	current, limit, err := th.Usage(ctx)
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if current != 0 || limit != 100 {
		t.Errorf("Usage() = (%d, %d), want (0, 100)", current, limit)
	}

	if _, err := th.Reserve(ctx, 42); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	current, _, err = th.Usage(ctx)
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if current != 42 {
		t.Errorf("current = %d, want 42", current)
	}
}
