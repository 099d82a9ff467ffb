package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/scheduler/clock"
	"github.com/swarmguard/scheduler/depindex"
	"github.com/swarmguard/scheduler/internal/resilience"
	"github.com/swarmguard/scheduler/priorityqueue"
	"github.com/swarmguard/scheduler/watchdog"
)

// taskRecord is the manager's live, mutable bookkeeping for one
// submission. ManagedTask (task.go) is the read-only snapshot derived
// from it for callers; taskRecord itself never escapes the manager.
type taskRecord struct {
	id         TaskID
	name       string
	config     TaskConfig
	work       WorkFactory
	state      TaskState
	result     any
	err        error
	retryCount int
	createTime time.Time
	startTime  time.Time
	endTime    time.Time

	cancel     context.CancelFunc
	watchdogID watchdog.ID

	done chan struct{} // closed exactly once, when state becomes terminal
}

// depIDs and taskIDs convert between TaskID and depindex.ID, which are
// distinct named string types (like watchdogID's dedicated watchdog.ID):
// the index package is kept independent of the scheduler's own ID type so
// it stays a standalone, reusable component, which means every boundary
// crossing needs an explicit conversion rather than a bare assignment.
func depIDs(ids []TaskID) []depindex.ID {
	out := make([]depindex.ID, len(ids))
	for i, id := range ids {
		out[i] = depindex.ID(id)
	}
	return out
}

func taskIDs(ids []depindex.ID) []TaskID {
	out := make([]TaskID, len(ids))
	for i, id := range ids {
		out[i] = TaskID(id)
	}
	return out
}

// snapshot builds the read-only ManagedTask view. dependents is supplied
// by the caller (sourced from the manager's depindex.Index) rather than
// stored on taskRecord itself, keeping dependency edges in one place.
func (r *taskRecord) snapshot(dependents []TaskID) ManagedTask {
	return ManagedTask{
		ID: r.id, Name: r.name, Config: r.config, State: r.state,
		Result: r.result, Err: r.err, RetryCount: r.retryCount,
		CreateTime: r.createTime, StartTime: r.startTime, EndTime: r.endTime,
		Dependents: dependents,
	}
}

// TaskManager is the facade combining submission, cancellation, waiting,
// statistics and lifecycle, grounded on the teacher's Scheduler (Start/
// Stop, GetScheduleStats) merged with CancellationManager (Register/
// Cancel/Complete/ListActive/GetMetrics) — the same merge of
// "submission+lifecycle" and "cancellation+stats" responsibilities
// behind one type that main.go performs at the service level by wiring
// both together.
type TaskManager struct {
	cfg *managerConfig

	mu    sync.Mutex
	tasks map[TaskID]*taskRecord
	seq   uint64

	ready *priorityqueue.Queue[TaskID]
	deps  *depindex.Index

	watchdog *watchdog.Watchdog

	rateLimiter     *resilience.RateLimiter
	circuitBreakers map[string]*resilience.CircuitBreaker
	cbMu            sync.Mutex

	completeCBs []func(ManagedTask)
	failedCBs   []func(ManagedTask)
	cbListMu    sync.Mutex

	gate chan struct{}

	submitted    metric.Int64Counter
	completedCnt metric.Int64Counter
	failedCnt    metric.Int64Counter
	cancelledCnt metric.Int64Counter
	running      metric.Int64UpDownCounter

	tracer trace.Tracer
	logger *slog.Logger
	clock  clock.Clock

	stopCtx    context.Context
	stopCancel context.CancelFunc
	loopDone   chan struct{}
	started    bool
	startMu    sync.Mutex

	cron   *cronScheduler
	cronMu sync.Mutex
}

// NewTaskManager constructs a TaskManager. It is not running until Start is called.
func NewTaskManager(opts ...ManagerOption) *TaskManager {
	cfg := defaultManagerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.meter == nil {
		cfg.meter = otel.Meter("scheduler")
	}

	submitted, _ := cfg.meter.Int64Counter("scheduler_tasks_submitted_total")
	completedCnt, _ := cfg.meter.Int64Counter("scheduler_tasks_completed_total")
	failedCnt, _ := cfg.meter.Int64Counter("scheduler_tasks_failed_total")
	cancelledCnt, _ := cfg.meter.Int64Counter("scheduler_tasks_cancelled_total")
	running, _ := cfg.meter.Int64UpDownCounter("scheduler_tasks_running")

	wd := watchdog.New(cfg.meter,
		watchdog.WithCheckInterval(cfg.watchdogInterval),
		watchdog.WithRetention(cfg.watchdogRetention),
		watchdog.WithTimeoutCheck(cfg.enableTimeout),
		watchdog.WithLeakDetection(cfg.enableLeakCheck, cfg.leakMultiplier),
		watchdog.WithDefaultTimeout(cfg.defaultTimeout),
		watchdog.WithLogger(cfg.logger),
	)

	m := &TaskManager{
		cfg:             cfg,
		tasks:           make(map[TaskID]*taskRecord),
		ready:           priorityqueue.New[TaskID](),
		deps:            depindex.New(),
		watchdog:        wd,
		rateLimiter:     newRateLimiter(cfg.submitRateLimit),
		circuitBreakers: make(map[string]*resilience.CircuitBreaker),
		submitted:       submitted,
		completedCnt:    completedCnt,
		failedCnt:       failedCnt,
		cancelledCnt:    cancelledCnt,
		running:         running,
		tracer:          otel.Tracer("scheduler"),
		logger:          cfg.logger,
		clock:           cfg.clock,
	}
	return m
}

// Start initializes the concurrency gate, starts the watchdog, registers
// its own timeout→cancel translation callback, and spawns the scheduler
// loop. Idempotent.
func (m *TaskManager) Start() {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.started {
		return
	}
	m.stopCtx, m.stopCancel = context.WithCancel(context.Background())
	m.gate = make(chan struct{}, m.cfg.maxConcurrent)
	m.loopDone = make(chan struct{})

	// Translate watchdog TIMEOUT into an actual cancellation of the
	// underlying work — the Watchdog itself never cancels, per §4.2's
	// separation of detection from policy.
	m.watchdog.AddTimeoutCallback(func(id watchdog.ID, entry watchdog.Entry) {
		m.mu.Lock()
		var target *taskRecord
		for _, rec := range m.tasks {
			if rec.watchdogID == id {
				target = rec
				break
			}
		}
		var cancel context.CancelFunc
		if target != nil {
			cancel = target.cancel
		}
		m.mu.Unlock()
		if cancel != nil {
			m.logger.Warn("watchdog detected timeout, cancelling task", "watchdog_id", string(id))
			cancel()
		}
	})

	// Not bound to stopCtx: Stop halts the watchdog only after it has
	// finished with the running tasks.
	m.watchdog.Start(context.Background())
	m.started = true

	go m.schedulerLoop()
}

// Stop ceases accepting submissions, stops the scheduler loop, then
// either cancels running tasks immediately or waits up to 30s for them
// to finish before force-cancelling, and finally stops the watchdog.
// Idempotent.
func (m *TaskManager) Stop(cancelRunning bool) {
	m.startMu.Lock()
	if !m.started {
		m.startMu.Unlock()
		return
	}
	m.started = false
	cancel := m.stopCancel
	loopDone := m.loopDone
	m.startMu.Unlock()

	cancel()
	<-loopDone

	if cancelRunning {
		m.cancelAllRunning("manager stopping")
	} else {
		m.waitAllRunning(30 * time.Second)
	}

	m.watchdog.Stop()

	m.cronMu.Lock()
	if m.cron != nil {
		ctx := m.cron.c.Stop()
		<-ctx.Done()
		m.cron = nil
	}
	m.cronMu.Unlock()
}

func (m *TaskManager) cancelAllRunning(reason string) {
	m.mu.Lock()
	var cancels []context.CancelFunc
	for _, rec := range m.tasks {
		if rec.state == Running && rec.cancel != nil {
			cancels = append(cancels, rec.cancel)
		}
	}
	m.mu.Unlock()
	if len(cancels) > 0 {
		m.logger.Info("cancelling running tasks", "count", len(cancels), "reason", reason)
	}
	for _, c := range cancels {
		c()
	}
}

func (m *TaskManager) waitAllRunning(bound time.Duration) {
	deadline := time.Now().Add(bound)
	for time.Now().Before(deadline) {
		if m.countRunning() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	m.cancelAllRunning("stop wait bound exceeded")
}

func (m *TaskManager) countRunning() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.tasks {
		if rec.state == Running {
			n++
		}
	}
	return n
}

// Submit accepts a unit of work. Fails with ErrNotRunning if the manager
// isn't started, with a SubmissionError wrapping ErrDependencyCycle if the
// declared dependencies would create a cycle, with ErrRateLimited if a
// configured submit rate limit rejects it, or with ErrCircuitOpen if the
// metadata["circuit"] key names a currently-open circuit.
func (m *TaskManager) Submit(name string, work WorkFactory, opts ...TaskOption) (TaskID, error) {
	m.startMu.Lock()
	running := m.started
	m.startMu.Unlock()
	if !running {
		return "", ErrNotRunning
	}

	cfg := buildTaskConfig(opts...)

	if m.rateLimiter != nil && !m.rateLimiter.Allow() {
		return "", &SubmissionError{TaskName: name, Err: ErrRateLimited}
	}

	if cb := m.circuitFor(cfg.Metadata); cb != nil && !cb.Allow() {
		return "", &SubmissionError{TaskName: name, Err: ErrCircuitOpen}
	}

	m.mu.Lock()
	m.seq++
	id := newTaskID(m.seq, name)

	if m.deps.WouldCycle(depindex.ID(id), depIDs(cfg.Dependencies)) {
		m.mu.Unlock()
		return "", &SubmissionError{TaskName: name, Err: ErrDependencyCycle}
	}
	m.deps.Declare(depindex.ID(id), depIDs(cfg.Dependencies))

	rec := &taskRecord{
		id: id, name: name, config: cfg, work: work,
		state: Waiting, createTime: m.clock.Now(),
		done: make(chan struct{}),
	}
	m.tasks[id] = rec
	m.mu.Unlock()

	m.submitted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("name", name)))

	m.evaluateDependencies(id)
	return id, nil
}

func (m *TaskManager) circuitFor(metadata map[string]any) *resilience.CircuitBreaker {
	if m.cfg.circuitBreaker == nil {
		return nil
	}
	key, _ := metadata["circuit"].(string)
	if key == "" {
		return nil
	}
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	cb, ok := m.circuitBreakers[key]
	if !ok {
		cc := m.cfg.circuitBreaker
		cb = resilience.NewCircuitBreaker(cc.windowSize, cc.buckets, cc.minSamples, cc.failureRateOpen, cc.halfOpenAfter, cc.maxHalfOpenProbes)
		m.circuitBreakers[key] = cb
	}
	return cb
}

// evaluateDependencies implements §4.1's dependency-check semantics for
// task id: enqueue if satisfied, cancel if a required dependency failed
// and cancel_on_dependency_failure is set, otherwise leave WAITING.
func (m *TaskManager) evaluateDependencies(id TaskID) {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	if !ok || rec.state != Waiting {
		m.mu.Unlock()
		return
	}
	deps := taskIDs(m.deps.Dependencies(depindex.ID(id)))

	allSatisfied := true
	var cancelReason string
	shouldCancel := false

	for _, d := range deps {
		dep, exists := m.tasks[d]
		if !exists {
			m.logger.Warn("task references unknown dependency", "task_id", string(id), "dependency", string(d))
			allSatisfied = false
			continue
		}
		m.deps.AddDependent(depindex.ID(d), depindex.ID(id))
		switch dep.state {
		case Completed:
			// satisfied
		case Failed, Cancelled:
			if rec.config.CancelOnDependencyFailure {
				shouldCancel = true
				cancelReason = string(d)
			} else {
				allSatisfied = false
			}
		default:
			allSatisfied = false
		}
		if shouldCancel {
			break
		}
	}

	if shouldCancel {
		rec.state = Cancelled
		rec.err = fmt.Errorf("dependency failed: %s", cancelReason)
		rec.endTime = m.clock.Now()
		deps := taskIDs(m.deps.Dependents(depindex.ID(id)))
		close(rec.done)
		m.mu.Unlock()
		m.cancelledCnt.Add(context.Background(), 1)
		m.notifyDependents(id)
		m.fireFailed(rec.snapshot(deps))
		return
	}

	if !allSatisfied {
		m.mu.Unlock()
		return
	}

	rec.state = Queued
	priority := rec.config.Priority
	m.mu.Unlock()
	m.ready.Push(priority, id)
}

// notifyDependents re-evaluates every WAITING dependent of id, per §4.4 —
// called after id's state has been written, so observers see a
// consistent snapshot.
func (m *TaskManager) notifyDependents(id TaskID) {
	for _, dep := range taskIDs(m.deps.Dependents(depindex.ID(id))) {
		m.evaluateDependencies(dep)
	}
}

func (m *TaskManager) getTask(id TaskID) (*taskRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[id]
	return rec, ok
}

func (m *TaskManager) finishCompleted(id TaskID, result any) {
	m.mu.Lock()
	rec := m.tasks[id]
	rec.state = Completed
	rec.result = result
	rec.endTime = m.clock.Now()
	deps := taskIDs(m.deps.Dependents(depindex.ID(id)))
	close(rec.done)
	snap := rec.snapshot(deps)
	m.mu.Unlock()
	m.fireComplete(snap)
}

func (m *TaskManager) finishFailed(id TaskID, err error) {
	m.mu.Lock()
	rec := m.tasks[id]
	rec.state = Failed
	rec.err = err
	rec.endTime = m.clock.Now()
	deps := taskIDs(m.deps.Dependents(depindex.ID(id)))
	close(rec.done)
	snap := rec.snapshot(deps)
	m.mu.Unlock()
	m.fireFailed(snap)
	m.recordCircuitResult(rec.config.Metadata, false)
}

func (m *TaskManager) finishCancelled(id TaskID, err error) {
	m.mu.Lock()
	rec := m.tasks[id]
	rec.state = Cancelled
	rec.err = err
	rec.endTime = m.clock.Now()
	close(rec.done)
	m.mu.Unlock()
}

func (m *TaskManager) recordCircuitResult(metadata map[string]any, success bool) {
	cb := m.circuitFor(metadata)
	if cb != nil {
		cb.RecordResult(success)
	}
}

// Cancel implements §4.6's cancel operation.
func (m *TaskManager) Cancel(id TaskID) bool {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	if !ok || rec.state.IsTerminal() {
		m.mu.Unlock()
		return false
	}
	switch rec.state {
	case Running:
		cancel := rec.cancel
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return true
	case Queued, Waiting, Retrying:
		rec.state = Cancelled
		rec.endTime = m.clock.Now()
		close(rec.done)
		m.mu.Unlock()
		m.cancelledCnt.Add(context.Background(), 1)
		m.notifyDependents(id)
		return true
	default:
		m.mu.Unlock()
		return false
	}
}

// Wait blocks until id reaches a terminal state or timeout elapses. A
// zero timeout means wait indefinitely. Implemented event-driven via the
// record's done channel rather than the 100ms poll the spec describes as
// merely "acceptable" — an event-driven wait is explicitly preferred.
func (m *TaskManager) Wait(ctx context.Context, id TaskID, timeout time.Duration) (any, error) {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownTask
	}

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-rec.done:
	case <-timeoutCh:
		return nil, &WaitTimeoutError{TaskID: string(id)}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	state, result, err := rec.state, rec.result, rec.err
	m.mu.Unlock()

	switch state {
	case Completed:
		return result, nil
	case Failed:
		return nil, err
	case Cancelled:
		return nil, &CancellationError{TaskID: string(id), Reason: errString(err)}
	default:
		return nil, fmt.Errorf("task %s settled in unexpected state %s", id, state)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// GetInfo returns a snapshot of one task.
func (m *TaskManager) GetInfo(id TaskID) (ManagedTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[id]
	if !ok {
		return ManagedTask{}, false
	}
	return rec.snapshot(taskIDs(m.deps.Dependents(depindex.ID(id)))), true
}

// GetAll returns a snapshot of every tracked task.
func (m *TaskManager) GetAll() []ManagedTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ManagedTask, 0, len(m.tasks))
	for id, rec := range m.tasks {
		out = append(out, rec.snapshot(taskIDs(m.deps.Dependents(depindex.ID(id)))))
	}
	return out
}

// GetByState returns a snapshot of every task currently in state,
// grounded on CancellationManager.ListActive's filter-by-status pattern.
func (m *TaskManager) GetByState(state TaskState) []ManagedTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ManagedTask
	for id, rec := range m.tasks {
		if rec.state == state {
			out = append(out, rec.snapshot(taskIDs(m.deps.Dependents(depindex.ID(id)))))
		}
	}
	return out
}

// Stats is a point-in-time summary across tracked tasks and the watchdog.
type Stats struct {
	Total     int
	ByState   map[TaskState]int
	Watchdog  watchdog.Stats
	QueueLen  map[Priority]int
	Running   int
	Completed int
	Failed    int
	Cancelled int
}

// Stats returns current counts, matching §4.6's stats() introspection.
func (m *TaskManager) Stats() Stats {
	m.mu.Lock()
	byState := make(map[TaskState]int)
	for _, rec := range m.tasks {
		byState[rec.state]++
	}
	total := len(m.tasks)
	m.mu.Unlock()

	return Stats{
		Total:     total,
		ByState:   byState,
		Watchdog:  m.watchdog.Stats(),
		QueueLen:  m.ready.LenByPriority(),
		Running:   byState[Running],
		Completed: byState[Completed],
		Failed:    byState[Failed],
		Cancelled: byState[Cancelled],
	}
}

// AddCompleteCallback registers fn to be invoked (panics recovered and
// logged) whenever a task completes successfully.
func (m *TaskManager) AddCompleteCallback(fn func(ManagedTask)) {
	m.cbListMu.Lock()
	defer m.cbListMu.Unlock()
	m.completeCBs = append(m.completeCBs, fn)
}

// AddFailedCallback registers fn to be invoked whenever a task reaches
// FAILED, and when a task is CANCELLED because one of its dependencies
// failed or was cancelled.
func (m *TaskManager) AddFailedCallback(fn func(ManagedTask)) {
	m.cbListMu.Lock()
	defer m.cbListMu.Unlock()
	m.failedCBs = append(m.failedCBs, fn)
}

func (m *TaskManager) fireComplete(t ManagedTask) {
	m.cbListMu.Lock()
	cbs := append([]func(ManagedTask){}, m.completeCBs...)
	m.cbListMu.Unlock()
	for _, cb := range cbs {
		invokeCallbackSafely(m.logger, cb, t)
	}
	m.recordCircuitResult(t.Config.Metadata, true)
}

func (m *TaskManager) fireFailed(t ManagedTask) {
	m.cbListMu.Lock()
	cbs := append([]func(ManagedTask){}, m.failedCBs...)
	m.cbListMu.Unlock()
	for _, cb := range cbs {
		invokeCallbackSafely(m.logger, cb, t)
	}
}

// invokeCallbackSafely isolates callback panics from executor/manager
// control flow, the Go analogue of the original's per-callback
// try/except.
func invokeCallbackSafely(logger *slog.Logger, cb func(ManagedTask), t ManagedTask) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task callback panicked", "task_id", string(t.ID), "recover", r)
		}
	}()
	cb(t)
}

// schedulerLoop implements §4.5: drain ready sub-queues in priority
// order, dispatch each to a fresh executor goroutine without blocking on
// the concurrency gate, then re-evaluate WAITING tasks once per sweep,
// then yield briefly when idle.
func (m *TaskManager) schedulerLoop() {
	defer close(m.loopDone)
	e := &executor{m: m}

	for {
		select {
		case <-m.stopCtx.Done():
			return
		default:
		}

		dispatched := 0
		for {
			id, ok := m.ready.Pop()
			if !ok {
				break
			}
			dispatched++
			go e.run(id)
		}

		m.reevaluateWaiting()

		if dispatched == 0 {
			select {
			case <-m.stopCtx.Done():
				return
			case <-time.After(m.cfg.sweepYield):
			}
		}
	}
}

func (m *TaskManager) reevaluateWaiting() {
	for _, t := range m.GetByState(Waiting) {
		m.evaluateDependencies(t.ID)
	}
}
