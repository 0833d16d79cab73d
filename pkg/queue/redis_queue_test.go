package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"echopilot/pkg/domain"
)

func newTestDispatcher(t *testing.T, maxDeliver int) (*RedisDispatcher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	d, err := NewRedisDispatcher(RedisConfig{
		Addr:         mr.Addr(),
		StreamPrefix: "jobs",
		Group:        "workers",
		Consumer:     "test",
		MaxDeliver:   maxDeliver,
		Block:        100 * time.Millisecond,
		RetryDelay:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d, mr
}

func TestDispatchPriorityOrder(t *testing.T) {
	d, _ := newTestDispatcher(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// enqueue low first so arrival order and priority order disagree
	if err := d.Enqueue(ctx, "low-1", domain.PriorityLow); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := d.Enqueue(ctx, "normal-1", domain.PriorityNormal); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := d.Enqueue(ctx, "high-1", domain.PriorityHigh); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	d.Start(ctx, 1, func(ctx context.Context, jobID string) error {
		mu.Lock()
		order = append(order, jobID)
		n := len(order)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"high-1", "normal-1", "low-1"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDispatchRetriesThenDrops(t *testing.T) {
	d, _ := newTestDispatcher(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Enqueue(ctx, "flaky", domain.PriorityNormal); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var mu sync.Mutex
	deliveries := 0
	d.Start(ctx, 1, func(ctx context.Context, jobID string) error {
		mu.Lock()
		deliveries++
		mu.Unlock()
		return errors.New("boom")
	})

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := deliveries
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("deliveries = %d, want 2", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
	// budget spent; no further deliveries
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if deliveries != 2 {
		t.Fatalf("deliveries = %d, want exactly 2", deliveries)
	}
}

func TestDepths(t *testing.T) {
	d, _ := newTestDispatcher(t, 3)
	ctx := context.Background()
	_ = d.Enqueue(ctx, "a", domain.PriorityHigh)
	_ = d.Enqueue(ctx, "b", domain.PriorityHigh)
	_ = d.Enqueue(ctx, "c", domain.PriorityLow)

	depths, err := d.Depths(ctx)
	if err != nil {
		t.Fatalf("depths: %v", err)
	}
	if depths[domain.PriorityHigh] != 2 || depths[domain.PriorityNormal] != 0 || depths[domain.PriorityLow] != 1 {
		t.Fatalf("depths = %v", depths)
	}
}

func TestEnqueueUnknownPriorityFallsBackToNormal(t *testing.T) {
	d, _ := newTestDispatcher(t, 3)
	ctx := context.Background()
	if err := d.Enqueue(ctx, "x", domain.Priority("urgent")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	depths, _ := d.Depths(ctx)
	if depths[domain.PriorityNormal] != 1 {
		t.Fatalf("depths = %v", depths)
	}
}
