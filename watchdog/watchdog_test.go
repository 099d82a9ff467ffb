package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func newTestWatchdog(opts ...Option) *Watchdog {
	meter := noopmetric.MeterProvider{}.Meter("test")
	return New(meter, opts...)
}

func TestRegisterAndSettleCompleted(t *testing.T) {
	w := newTestWatchdog()
	var mu sync.Mutex
	var gotStatus Status
	w.AddCompleteCallback(func(id ID, e Entry) {
		mu.Lock()
		gotStatus = e.Status
		mu.Unlock()
	})

	h := w.Register(context.Background(), "task-a", time.Second, nil)
	h.Settle(Completed, nil)

	mu.Lock()
	defer mu.Unlock()
	if gotStatus != Completed {
		t.Fatalf("got %v, want Completed", gotStatus)
	}

	entry, ok := w.Get(h.ID())
	if !ok || entry.Status != Completed {
		t.Fatalf("Get returned %+v, %v", entry, ok)
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	w := newTestWatchdog()
	calls := 0
	w.AddCompleteCallback(func(id ID, e Entry) { calls++ })

	h := w.Register(context.Background(), "task-b", time.Second, nil)
	h.Settle(Completed, nil)
	h.Settle(Completed, nil)
	h.Settle(Failed, nil)

	if calls != 1 {
		t.Fatalf("complete callback fired %d times, want 1", calls)
	}
}

func TestMonitorLoopDetectsTimeoutWithoutCancelling(t *testing.T) {
	w := newTestWatchdog(WithCheckInterval(10 * time.Millisecond))
	fired := make(chan ID, 1)
	w.AddTimeoutCallback(func(id ID, e Entry) {
		fired <- id
	})

	h := w.Register(context.Background(), "task-c", 20*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	select {
	case id := <-fired:
		if id != h.ID() {
			t.Fatalf("got id %v, want %v", id, h.ID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for timeout callback")
	}

	entry, ok := w.Get(h.ID())
	if !ok {
		t.Fatal("entry should still exist immediately after timeout, before GC retention elapses")
	}
	if entry.Status != Timeout {
		t.Fatalf("status = %v, want Timeout", entry.Status)
	}
}

func TestStatsCountsByStatus(t *testing.T) {
	w := newTestWatchdog()
	w.Register(context.Background(), "running-task", time.Minute, nil)
	h2 := w.Register(context.Background(), "done-task", time.Minute, nil)
	h2.Settle(Completed, nil)

	stats := w.Stats()
	if stats.Tracked != 2 {
		t.Fatalf("Tracked = %d, want 2", stats.Tracked)
	}
	if stats.Running != 1 {
		t.Fatalf("Running = %d, want 1", stats.Running)
	}
	if stats.Completed != 1 {
		t.Fatalf("Completed = %d, want 1", stats.Completed)
	}
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	w := newTestWatchdog()
	w.AddCompleteCallback(func(id ID, e Entry) {
		panic("boom")
	})
	h := w.Register(context.Background(), "task-d", time.Second, nil)

	h.Settle(Completed, nil) // must not panic out of the test
}
