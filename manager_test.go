package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func newTestManager(t *testing.T, opts ...ManagerOption) *TaskManager {
	t.Helper()
	base := []ManagerOption{
		WithMeter(noopmetric.MeterProvider{}.Meter("test")),
		WithSweepYield(10 * time.Millisecond),
		WithWatchdogCheckInterval(10 * time.Millisecond),
	}
	m := NewTaskManager(append(base, opts...)...)
	m.Start()
	t.Cleanup(func() { m.Stop(true) })
	return m
}

func ok(v any, err error) WorkFactory {
	return func(ctx context.Context) (any, error) { return v, err }
}

// S1: basic submit/complete round trip.
func TestSubmitAndWaitCompleted(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Submit("add", ok(42, nil))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	v, err := m.Wait(context.Background(), id, 2*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if v != 42 {
		t.Fatalf("got %v, want 42", v)
	}
}

// S2: a failing task with no retries surfaces its error through Wait.
func TestSubmitFailsNoRetries(t *testing.T) {
	m := newTestManager(t)
	wantErr := errors.New("boom")
	id, err := m.Submit("fail", ok(nil, wantErr))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = m.Wait(context.Background(), id, 2*time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	info, _ := m.GetInfo(id)
	if info.State != Failed {
		t.Fatalf("state = %v, want Failed", info.State)
	}
}

// S3: retries eventually succeed and retry_count is bounded by max_retries.
func TestRetrySucceedsWithinBudget(t *testing.T) {
	m := newTestManager(t)
	var attempts int32
	work := func(ctx context.Context) (any, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return nil, errors.New("transient")
		}
		return "done", nil
	}
	id, err := m.Submit("retry-me", work, WithRetries(5, 5*time.Millisecond))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	v, err := m.Wait(context.Background(), id, 2*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if v != "done" {
		t.Fatalf("got %v, want done", v)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	info, _ := m.GetInfo(id)
	if info.RetryCount != 2 {
		t.Fatalf("retry_count = %d, want 2", info.RetryCount)
	}
}

// S4: exhausting retries ends in FAILED, never exceeding max_retries.
func TestRetryExhaustionFails(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Submit("always-fails", ok(nil, errors.New("nope")), WithRetries(2, time.Millisecond))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = m.Wait(context.Background(), id, 2*time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	info, _ := m.GetInfo(id)
	if info.State != Failed {
		t.Fatalf("state = %v, want Failed", info.State)
	}
	if info.RetryCount != 2 {
		t.Fatalf("retry_count = %d, want 2", info.RetryCount)
	}
}

// S5: a task waits for its dependency, then runs once the dependency completes.
func TestDependencySatisfactionUnblocksWaitingTask(t *testing.T) {
	m := newTestManager(t)
	depID, err := m.Submit("dep", ok("dep-result", nil))
	if err != nil {
		t.Fatalf("submit dep: %v", err)
	}
	childID, err := m.Submit("child", ok("child-result", nil), WithDependencies(depID))
	if err != nil {
		t.Fatalf("submit child: %v", err)
	}

	v, err := m.Wait(context.Background(), childID, 2*time.Second)
	if err != nil {
		t.Fatalf("wait child: %v", err)
	}
	if v != "child-result" {
		t.Fatalf("got %v, want child-result", v)
	}
}

// S6: when a dependency fails and cancel_on_dependency_failure is the
// default true, the dependent is cancelled rather than run.
func TestDependencyFailurePropagatesCancellation(t *testing.T) {
	m := newTestManager(t)
	depID, err := m.Submit("dep-fails", ok(nil, errors.New("dep broke")))
	if err != nil {
		t.Fatalf("submit dep: %v", err)
	}
	childID, err := m.Submit("child", ok("should-not-run", nil), WithDependencies(depID))
	if err != nil {
		t.Fatalf("submit child: %v", err)
	}

	_, err = m.Wait(context.Background(), childID, 2*time.Second)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	var cancelErr *CancellationError
	if !errors.As(err, &cancelErr) {
		t.Fatalf("got %T, want *CancellationError", err)
	}
	info, _ := m.GetInfo(childID)
	if info.State != Cancelled {
		t.Fatalf("state = %v, want Cancelled", info.State)
	}
}

// S7: a dependency naming an id the manager has never seen leaves the
// task permanently WAITING (logged once) rather than erroring at submit
// time — ids are minted internally by the manager, so a caller cannot
// predict an unborn id to construct a true dependency cycle through
// Submit; cycle rejection itself is exercised directly against the
// dependency index in depindex_test.go (see DESIGN.md's Open Question
// resolution for why the manager-level check is defense in depth rather
// than reachable in normal use).
func TestSubmitWithUnknownDependencyStaysWaiting(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Submit("orphan", ok("unused", nil), WithDependencies("no-such-task"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	info, _ := m.GetInfo(id)
	if info.State != Waiting {
		t.Fatalf("state = %v, want Waiting", info.State)
	}
}

// A diamond dependency graph (two tasks sharing a common ancestor) is not
// mistaken for a cycle and both branches unblock their shared dependent.
func TestDiamondDependencyGraphCompletes(t *testing.T) {
	m := newTestManager(t)
	base, err := m.Submit("base", ok("base", nil))
	if err != nil {
		t.Fatalf("submit base: %v", err)
	}
	left, err := m.Submit("left", ok("left", nil), WithDependencies(base))
	if err != nil {
		t.Fatalf("submit left: %v", err)
	}
	right, err := m.Submit("right", ok("right", nil), WithDependencies(base))
	if err != nil {
		t.Fatalf("submit right: %v", err)
	}
	joinID, err := m.Submit("join", ok("joined", nil), WithDependencies(left, right))
	if err != nil {
		t.Fatalf("submit join: %v", err)
	}

	v, err := m.Wait(context.Background(), joinID, 2*time.Second)
	if err != nil {
		t.Fatalf("wait join: %v", err)
	}
	if v != "joined" {
		t.Fatalf("got %v, want joined", v)
	}
}

// Cancel on a RUNNING task interrupts the work via context cancellation.
func TestCancelRunningTask(t *testing.T) {
	m := newTestManager(t)
	started := make(chan struct{})
	work := func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	id, err := m.Submit("long-running", work)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started
	if !m.Cancel(id) {
		t.Fatal("expected Cancel to return true for a running task")
	}

	_, err = m.Wait(context.Background(), id, 2*time.Second)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	info, _ := m.GetInfo(id)
	if info.State != Cancelled {
		t.Fatalf("state = %v, want Cancelled", info.State)
	}
}

// Cancel on a still-WAITING task (unmet dependency) transitions it
// directly to CANCELLED without ever running.
func TestCancelWaitingTask(t *testing.T) {
	m := newTestManager(t)
	depID, err := m.Submit("never-completes", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("submit dep: %v", err)
	}
	childID, err := m.Submit("waiting-child", ok("unused", nil), WithDependencies(depID))
	if err != nil {
		t.Fatalf("submit child: %v", err)
	}

	if !m.Cancel(childID) {
		t.Fatal("expected Cancel to return true for a waiting task")
	}
	info, _ := m.GetInfo(childID)
	if info.State != Cancelled {
		t.Fatalf("state = %v, want Cancelled", info.State)
	}
	m.Cancel(depID)
}

// Priority ordering: a CRITICAL task submitted after several LOW tasks is
// still dispatched promptly rather than queued behind them.
func TestPriorityOrderingAffectsDispatch(t *testing.T) {
	m := newTestManager(t, WithMaxConcurrentTasks(1))

	var mu sync.Mutex
	var order []string
	release := make(chan struct{})

	block := func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}
	record := func(name string) WorkFactory {
		return func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	firstID, _ := m.Submit("blocker", block)
	_ = firstID
	time.Sleep(20 * time.Millisecond) // ensure blocker has taken the only slot

	for _, n := range []string{"low-1", "low-2"} {
		if _, err := m.Submit(n, record(n), WithPriority(Low)); err != nil {
			t.Fatalf("submit %s: %v", n, err)
		}
	}
	if _, err := m.Submit("critical-1", record("critical-1"), WithPriority(Critical)); err != nil {
		t.Fatalf("submit critical: %v", err)
	}

	close(release)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("order = %v, want 3 entries", order)
	}
	if order[0] != "critical-1" {
		t.Fatalf("order = %v, want critical-1 dispatched first", order)
	}
}

// Stats reflects the tracked total and the completed count.
func TestStatsReflectsLifecycle(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Submit("tracked", ok("v", nil))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := m.Wait(context.Background(), id, 2*time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
	stats := m.Stats()
	if stats.Total < 1 {
		t.Fatalf("stats.Total = %d, want >= 1", stats.Total)
	}
	if stats.ByState[Completed] < 1 {
		t.Fatalf("stats.ByState[Completed] = %d, want >= 1", stats.ByState[Completed])
	}
}

// Complete callbacks fire on completion, and a panicking callback does
// not propagate into executor control flow.
func TestCallbacksFireAndIsolatePanics(t *testing.T) {
	m := newTestManager(t)
	var mu sync.Mutex
	var completedNames []string

	m.AddCompleteCallback(func(t ManagedTask) {
		panic("should be recovered")
	})
	m.AddCompleteCallback(func(t ManagedTask) {
		mu.Lock()
		completedNames = append(completedNames, t.Name)
		mu.Unlock()
	})

	id, err := m.Submit("cb-task", ok("v", nil))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := m.Wait(context.Background(), id, 2*time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(completedNames) != 1 || completedNames[0] != "cb-task" {
		t.Fatalf("completedNames = %v", completedNames)
	}
}

// Submit fails on a manager that has not been started.
func TestSubmitFailsWhenNotRunning(t *testing.T) {
	m := NewTaskManager(WithMeter(noopmetric.MeterProvider{}.Meter("test")))
	_, err := m.Submit("x", ok(nil, nil))
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("got %v, want ErrNotRunning", err)
	}
}

// Wait surfaces a timeout error when the task never settles in time.
func TestWaitTimesOut(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Submit("never-settles", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = m.Wait(context.Background(), id, 30*time.Millisecond)
	var wantErr *WaitTimeoutError
	if !errors.As(err, &wantErr) {
		t.Fatalf("got %v, want *WaitTimeoutError", err)
	}
	m.Cancel(id)
}
