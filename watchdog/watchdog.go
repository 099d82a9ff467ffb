// Package watchdog implements an independent supervisor that tracks
// registered units of deferred work, detects timeouts, fires lifecycle
// callbacks, and garbage-collects terminated entries.
//
// Grounded on services/orchestrator/cancellation.go's CancellationManager:
// the same shape of a mutex-protected map of live entries, a periodic
// cleanup goroutine (StartCleanupLoop/Cleanup), and OpenTelemetry counters
// recorded the way scheduler.go records scheduleRuns/scheduleFails. The
// watchdog generalizes CancellationManager's single "cancel on request"
// responsibility into a full liveness supervisor: it additionally detects
// timeouts on its own monitor loop and separates detection from policy —
// the Watchdog never cancels a handle itself, it only reports TIMEOUT and
// lets the registrant's timeout callback decide.
package watchdog

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Status is a WatchdogEntry's lifecycle status.
type Status string

const (
	Pending   Status = "PENDING"
	Running   Status = "RUNNING"
	Completed Status = "COMPLETED"
	Failed    Status = "FAILED"
	Timeout   Status = "TIMEOUT"
	Cancelled Status = "CANCELLED"
)

func (s Status) settled() bool {
	switch s {
	case Completed, Failed, Timeout, Cancelled:
		return true
	default:
		return false
	}
}

// ID identifies a watchdog registration.
type ID string

// Callback receives the id and a snapshot of the entry at the moment the
// callback set fired.
type Callback func(id ID, entry Entry)

// Entry is a read-only snapshot of a registered handle's state, as
// returned by Get and passed to callbacks.
type Entry struct {
	ID        ID
	Name      string
	Status    Status
	StartTime time.Time
	EndTime   time.Time
	Timeout   time.Duration
	Metadata  map[string]any
	Err       error
}

// registration is the live, mutable bookkeeping for one watched handle.
type registration struct {
	mu       sync.Mutex
	id       ID
	name     string
	status   Status
	start    time.Time
	end      time.Time
	timeout  time.Duration
	metadata map[string]any
	err      error

	done    chan struct{} // closed by Settle
	settled bool
}

func (r *registration) snapshot() Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Entry{
		ID:        r.id,
		Name:      r.name,
		Status:    r.status,
		StartTime: r.start,
		EndTime:   r.end,
		Timeout:   r.timeout,
		Metadata:  r.metadata,
		Err:       r.err,
	}
}

// Watchdog is the independent supervisor. A Watchdog and the TaskManager
// that registers with it share state consistently, but the Watchdog has
// no dependency on TaskManager types — it operates purely on opaque
// handles and callback sets, per §4.2's singleton-eligible-but-not-required
// design.
type Watchdog struct {
	mu      sync.RWMutex
	entries map[ID]*registration
	next    uint64

	checkInterval   time.Duration
	retention       time.Duration
	enableTimeout   bool
	enableLeakCheck bool
	leakMultiplier  float64
	defaultTimeout  time.Duration

	timeoutCBs  []Callback
	errorCBs    []Callback
	completeCBs []Callback
	cbMu        sync.Mutex

	registered metric.Int64Counter
	completed  metric.Int64Counter
	failed     metric.Int64Counter
	timedOut   metric.Int64Counter
	cancelled  metric.Int64Counter

	cancel context.CancelFunc
	done   chan struct{}

	logger *slog.Logger
}

// Option configures a Watchdog at construction time.
type Option func(*Watchdog)

// WithCheckInterval sets the monitor loop's scan period. Default 500ms.
func WithCheckInterval(d time.Duration) Option {
	return func(w *Watchdog) { w.checkInterval = d }
}

// WithRetention sets how long settled entries are kept before GC. Default 60s.
func WithRetention(d time.Duration) Option {
	return func(w *Watchdog) { w.retention = d }
}

// WithTimeoutCheck enables or disables the timeout-detection pass. Default true.
func WithTimeoutCheck(enable bool) Option {
	return func(w *Watchdog) { w.enableTimeout = enable }
}

// WithLeakDetection enables the secondary, non-cancelling observation pass
// that logs a warning on every scan for entries whose RUNNING state has
// outlived the entry's timeout*multiplier. Entries past their timeout are
// reported as TIMEOUT first, so in practice the pass only warns when
// timeout checking itself is off.
func WithLeakDetection(enable bool, multiplier float64) Option {
	return func(w *Watchdog) {
		w.enableLeakCheck = enable
		w.leakMultiplier = multiplier
	}
}

// WithDefaultTimeout sets the timeout applied to registrations that don't
// supply their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(w *Watchdog) { w.defaultTimeout = d }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watchdog) { w.logger = l }
}

// New constructs a Watchdog. meter may be a noop meter in tests.
func New(meter metric.Meter, opts ...Option) *Watchdog {
	registered, _ := meter.Int64Counter("scheduler_watchdog_registered_total")
	completed, _ := meter.Int64Counter("scheduler_watchdog_completed_total")
	failed, _ := meter.Int64Counter("scheduler_watchdog_failed_total")
	timedOut, _ := meter.Int64Counter("scheduler_watchdog_timeout_total")
	cancelled, _ := meter.Int64Counter("scheduler_watchdog_cancelled_total")

	w := &Watchdog{
		entries:        make(map[ID]*registration),
		checkInterval:  500 * time.Millisecond,
		retention:      60 * time.Second,
		enableTimeout:  true,
		leakMultiplier: 3,
		defaultTimeout: 30 * time.Second,
		registered:     registered,
		completed:      completed,
		failed:         failed,
		timedOut:       timedOut,
		cancelled:      cancelled,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle is returned by Register; the caller (the TaskManager's executor)
// calls Settle exactly once when the underlying deferred computation
// reaches a terminal outcome.
type Handle struct {
	w  *Watchdog
	id ID
}

// ID returns the watchdog registration id for this handle.
func (h Handle) ID() ID { return h.id }

// Settle records the outcome of the watched computation. status must be
// one of Completed, Failed, or Cancelled — Timeout is reserved for the
// monitor loop itself. Calling Settle more than once is a no-op.
func (h Handle) Settle(status Status, err error) {
	h.w.settle(h.id, status, err)
}

// Register assigns a new id to a live computation and begins tracking it.
// name and metadata are surfaced to callbacks; timeout of zero falls back
// to the watchdog's configured default.
func (w *Watchdog) Register(ctx context.Context, name string, timeout time.Duration, metadata map[string]any) Handle {
	w.mu.Lock()
	w.next++
	id := ID(name + "#" + strconv.FormatUint(w.next, 10))
	if timeout <= 0 {
		timeout = w.defaultTimeout
	}
	reg := &registration{
		id:       id,
		name:     name,
		status:   Running,
		start:    time.Now(),
		timeout:  timeout,
		metadata: metadata,
		done:     make(chan struct{}),
	}
	w.entries[id] = reg
	w.mu.Unlock()

	w.registered.Add(ctx, 1, metric.WithAttributes(attribute.String("name", name)))
	return Handle{w: w, id: id}
}

func (w *Watchdog) settle(id ID, status Status, err error) {
	w.mu.RLock()
	reg, ok := w.entries[id]
	w.mu.RUnlock()
	if !ok {
		return
	}

	reg.mu.Lock()
	if reg.settled {
		reg.mu.Unlock()
		return
	}
	reg.settled = true
	reg.status = status
	reg.end = time.Now()
	reg.err = err
	close(reg.done)
	entry := Entry{
		ID: reg.id, Name: reg.name, Status: reg.status,
		StartTime: reg.start, EndTime: reg.end, Timeout: reg.timeout,
		Metadata: reg.metadata, Err: reg.err,
	}
	reg.mu.Unlock()

	ctx := context.Background()
	switch status {
	case Completed:
		w.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("name", reg.name)))
		w.fire(&w.completeCBs, id, entry)
	case Failed:
		w.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("name", reg.name)))
		w.fire(&w.errorCBs, id, entry)
	case Cancelled:
		w.cancelled.Add(ctx, 1, metric.WithAttributes(attribute.String("name", reg.name)))
	}
}

// Unregister removes an entry immediately, bypassing GC retention. Used
// when the caller knows the entry is no longer of interest (e.g. the
// owning TaskManager was torn down).
func (w *Watchdog) Unregister(id ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, id)
}

// AddTimeoutCallback registers a callback fired when the monitor loop
// detects a timeout.
func (w *Watchdog) AddTimeoutCallback(cb Callback) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	w.timeoutCBs = append(w.timeoutCBs, cb)
}

// AddErrorCallback registers a callback fired when a registration settles FAILED.
func (w *Watchdog) AddErrorCallback(cb Callback) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	w.errorCBs = append(w.errorCBs, cb)
}

// AddCompleteCallback registers a callback fired when a registration settles COMPLETED.
func (w *Watchdog) AddCompleteCallback(cb Callback) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	w.completeCBs = append(w.completeCBs, cb)
}

func (w *Watchdog) fire(set *[]Callback, id ID, entry Entry) {
	w.cbMu.Lock()
	cbs := append([]Callback(nil), (*set)...)
	w.cbMu.Unlock()
	for _, cb := range cbs {
		invokeSafely(w.logger, id, cb, entry)
	}
}

// invokeSafely calls cb, recovering and logging any panic so one bad
// callback cannot take down the monitor loop or an executor goroutine —
// the Go analogue of the original's try/except-per-callback.
func invokeSafely(logger *slog.Logger, id ID, cb Callback, entry Entry) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("watchdog callback panicked", "id", string(id), "recover", r)
		}
	}()
	cb(id, entry)
}

// Get returns a snapshot of one entry.
func (w *Watchdog) Get(id ID) (Entry, bool) {
	w.mu.RLock()
	reg, ok := w.entries[id]
	w.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	return reg.snapshot(), true
}

// Stats is a point-in-time summary of the watchdog's tracked entries.
type Stats struct {
	Tracked   int
	Running   int
	Completed int
	Failed    int
	Timeout   int
	Cancelled int
}

// Stats returns instantaneous counts across all tracked entries.
func (w *Watchdog) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var s Stats
	s.Tracked = len(w.entries)
	for _, reg := range w.entries {
		reg.mu.Lock()
		switch reg.status {
		case Running, Pending:
			s.Running++
		case Completed:
			s.Completed++
		case Failed:
			s.Failed++
		case Timeout:
			s.Timeout++
		case Cancelled:
			s.Cancelled++
		}
		reg.mu.Unlock()
	}
	return s
}

// Start launches the monitor loop as a background goroutine. Idempotent.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.monitorLoop(runCtx)
}

// Stop halts the monitor loop and waits for it to exit.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Watchdog) monitorLoop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check performs one scan: timeout detection, leak observation, and GC —
// exactly the three passes §4.2 describes for the monitor loop.
func (w *Watchdog) check() {
	now := time.Now()

	w.mu.RLock()
	regs := make([]*registration, 0, len(w.entries))
	for _, r := range w.entries {
		regs = append(regs, r)
	}
	w.mu.RUnlock()

	var toGC []ID
	for _, reg := range regs {
		reg.mu.Lock()
		settled := reg.settled
		status := reg.status
		start := reg.start
		end := reg.end
		timeout := reg.timeout
		id := reg.id
		name := reg.name
		reg.mu.Unlock()

		if !settled && status != Timeout {
			if w.enableTimeout && timeout > 0 && now.Sub(start) > timeout {
				reg.mu.Lock()
				if !reg.settled {
					reg.status = Timeout
					entry := Entry{ID: id, Name: name, Status: Timeout, StartTime: start, Timeout: timeout, Metadata: reg.metadata}
					reg.mu.Unlock()
					w.timedOut.Add(context.Background(), 1, metric.WithAttributes(attribute.String("name", name)))
					w.fire(&w.timeoutCBs, id, entry)
				} else {
					reg.mu.Unlock()
				}
				continue
			}
			if w.enableLeakCheck && timeout > 0 && now.Sub(start) > time.Duration(float64(timeout)*w.leakMultiplier) {
				w.logger.Warn("watchdog: possible leaked task exceeding leak threshold",
					"id", string(id), "name", name, "running_for", now.Sub(start).String())
			}
			continue
		}

		if status == Timeout {
			// Already reported; still eligible for GC once old enough. Use
			// start+timeout as its settlement marker since Timeout never
			// populates end.
			if now.Sub(start) > timeout+w.retention {
				toGC = append(toGC, id)
			}
			continue
		}

		if !end.IsZero() && now.Sub(end) > w.retention {
			toGC = append(toGC, id)
		}
	}

	if len(toGC) > 0 {
		w.mu.Lock()
		for _, id := range toGC {
			delete(w.entries, id)
		}
		w.mu.Unlock()
		w.logger.Debug("watchdog: garbage collected settled entries", "count", len(toGC))
	}
}
