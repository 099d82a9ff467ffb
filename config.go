package scheduler

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/scheduler/clock"
	"github.com/swarmguard/scheduler/internal/resilience"
)

// ManagerOption configures a TaskManager at construction time. Grounded
// on the teacher's constructor-parameter style (NewDAGEngine(meter
// metric.Meter, maxWorkers int)) generalized to functional options so the
// richer knob surface here doesn't force a single giant constructor
// signature.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	maxConcurrent     int
	watchdogInterval  time.Duration
	watchdogRetention time.Duration
	defaultTimeout    time.Duration
	enableTimeout     bool
	enableLeakCheck   bool
	leakMultiplier    float64
	submitRateLimit   *rateLimitConfig
	circuitBreaker    *circuitConfig
	meter             metric.Meter
	logger            *slog.Logger
	clock             clock.Clock
	sweepYield        time.Duration
}

type rateLimitConfig struct {
	capacity     int64
	fillRate     float64
	windowDur    time.Duration
	maxPerWindow int64
}

type circuitConfig struct {
	windowSize        time.Duration
	buckets           int
	minSamples        int
	failureRateOpen   float64
	halfOpenAfter     time.Duration
	maxHalfOpenProbes int
}

func defaultManagerConfig() *managerConfig {
	return &managerConfig{
		maxConcurrent:     16,
		watchdogInterval:  500 * time.Millisecond,
		watchdogRetention: 60 * time.Second,
		defaultTimeout:    30 * time.Second,
		enableTimeout:     true,
		leakMultiplier:    3,
		logger:            slog.Default(),
		clock:             clock.Default,
		sweepYield:        100 * time.Millisecond,
	}
}

// WithMaxConcurrentTasks bounds the executor's concurrency gate.
func WithMaxConcurrentTasks(n int) ManagerOption {
	return func(c *managerConfig) { c.maxConcurrent = n }
}

// WithWatchdogCheckInterval sets how often the watchdog's monitor loop scans.
func WithWatchdogCheckInterval(d time.Duration) ManagerOption {
	return func(c *managerConfig) { c.watchdogInterval = d }
}

// WithWatchdogRetention sets the GC retention window for settled watchdog entries.
func WithWatchdogRetention(d time.Duration) ManagerOption {
	return func(c *managerConfig) { c.watchdogRetention = d }
}

// WithDefaultTimeout sets the timeout applied to tasks that don't declare their own.
func WithDefaultTimeout(d time.Duration) ManagerOption {
	return func(c *managerConfig) { c.defaultTimeout = d }
}

// WithTimeoutCheck enables or disables the watchdog's timeout-detection pass.
func WithTimeoutCheck(enable bool) ManagerOption {
	return func(c *managerConfig) { c.enableTimeout = enable }
}

// WithLeakDetection turns on the watchdog's secondary, non-cancelling
// observation pass for tasks running long past their watchdog timeout
// (the task's own, else defaultTimeout) times multiplier.
func WithLeakDetection(enable bool, multiplier float64) ManagerOption {
	return func(c *managerConfig) {
		c.enableLeakCheck = enable
		c.leakMultiplier = multiplier
	}
}

// WithSubmitRateLimit gates Submit with a resilience.RateLimiter token
// bucket, so a bursty caller cannot flood the ready queue.
func WithSubmitRateLimit(capacity int64, fillRate float64, windowDur time.Duration, maxPerWindow int64) ManagerOption {
	return func(c *managerConfig) {
		c.submitRateLimit = &rateLimitConfig{capacity, fillRate, windowDur, maxPerWindow}
	}
}

// WithCircuitBreaker enables the per-metadata["circuit"]-key circuit
// breaker: once a circuit key accumulates enough failures, new
// submissions carrying that key fail fast instead of consuming a
// concurrency slot.
func WithCircuitBreaker(windowSize time.Duration, buckets, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int) ManagerOption {
	return func(c *managerConfig) {
		c.circuitBreaker = &circuitConfig{windowSize, buckets, minSamples, failureRateOpen, halfOpenAfter, maxHalfOpenProbes}
	}
}

// WithMeter supplies the OpenTelemetry meter used for all manager,
// executor and watchdog instruments. Defaults to the global meter
// provider; tests typically pass a noop meter.
func WithMeter(m metric.Meter) ManagerOption {
	return func(c *managerConfig) { c.meter = m }
}

// WithLogger overrides the manager's structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ManagerOption {
	return func(c *managerConfig) { c.logger = l }
}

// WithClock injects a clock.Clock, used in tests to control time deterministically.
func WithClock(cl clock.Clock) ManagerOption {
	return func(c *managerConfig) { c.clock = cl }
}

// WithSweepYield sets the scheduler loop's idle yield duration (§4.5
// step 3's "≈100ms upper bound").
func WithSweepYield(d time.Duration) ManagerOption {
	return func(c *managerConfig) { c.sweepYield = d }
}

// TaskOption configures one submission's TaskConfig, built on top of
// DefaultTaskConfig().
type TaskOption func(*TaskConfig)

// WithPriority sets the task's dispatch priority.
func WithPriority(p Priority) TaskOption { return func(c *TaskConfig) { c.Priority = p } }

// WithTimeout sets a managed per-task timeout. Each attempt's context
// carries it as a deadline, and the watchdog's timeout callback also
// cancels the attempt once the watchdog detects it.
func WithTimeout(d time.Duration) TaskOption { return func(c *TaskConfig) { c.Timeout = d } }

// WithRetries sets the maximum retry count and the delay between attempts.
func WithRetries(maxRetries int, delay time.Duration) TaskOption {
	return func(c *TaskConfig) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

// WithDependencies declares the set of task ids that must complete before
// this task becomes eligible to run.
func WithDependencies(ids ...TaskID) TaskOption {
	return func(c *TaskConfig) { c.Dependencies = ids }
}

// WithMetadata attaches opaque key-value metadata surfaced to callbacks
// and, when circuit "circuit" is present, to the circuit breaker.
func WithMetadata(md map[string]any) TaskOption {
	return func(c *TaskConfig) { c.Metadata = md }
}

// WithCancelOnDependencyFailure controls whether a failed/cancelled
// dependency cancels this task (true, the default) or leaves it waiting
// forever.
func WithCancelOnDependencyFailure(enable bool) TaskOption {
	return func(c *TaskConfig) { c.CancelOnDependencyFailure = enable }
}

// WithWatchdog controls whether this task is registered with the watchdog.
func WithWatchdog(enable bool) TaskOption {
	return func(c *TaskConfig) { c.EnableWatchdog = enable }
}

func buildTaskConfig(opts ...TaskOption) TaskConfig {
	cfg := DefaultTaskConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func newRateLimiter(rc *rateLimitConfig) *resilience.RateLimiter {
	if rc == nil {
		return nil
	}
	return resilience.NewRateLimiter(rc.capacity, rc.fillRate, rc.windowDur, rc.maxPerWindow)
}
