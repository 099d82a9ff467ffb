// Package scheduler is an in-process asynchronous task scheduler with an
// integrated supervisory watchdog: client code submits units of work and
// receives an opaque identifier; the scheduler executes them under a
// concurrency cap honoring priorities, dependency graphs, per-task
// timeouts, and bounded retry, while a Watchdog independently tracks
// liveness and enforces timeout policy.
//
// Grounded on services/orchestrator's DAGEngine/Scheduler/
// CancellationManager trio, generalized from "one DAG, one run" into a
// long-lived manager that accepts arbitrary submissions at any time.
package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/scheduler/priorityqueue"
)

// Priority re-exports the ready queue's ordering so callers of this
// package never need to import priorityqueue directly.
type Priority = priorityqueue.Priority

const (
	Low      = priorityqueue.Low
	Normal   = priorityqueue.Normal
	High     = priorityqueue.High
	Critical = priorityqueue.Critical
)

// TaskState is a ManagedTask's position in the state machine of §4.3.
type TaskState string

const (
	Queued    TaskState = "QUEUED"
	Waiting   TaskState = "WAITING"
	Running   TaskState = "RUNNING"
	Retrying  TaskState = "RETRYING"
	Completed TaskState = "COMPLETED"
	Failed    TaskState = "FAILED"
	Cancelled TaskState = "CANCELLED"
)

// IsTerminal reports whether state is one of the three absorbing states.
func (s TaskState) IsTerminal() bool {
	switch s {
	case Completed, Failed, Cancelled:
		return true
	default:
		return false
	}
}

// TaskID identifies a submitted task for the lifetime of the manager.
type TaskID string

// WorkFactory is the unit of work itself. Each attempt, retries included,
// calls it afresh on its own goroutine, so it must be re-entrant; the
// attempt's outcome is its returned result/error.
type WorkFactory func(ctx context.Context) (any, error)

// TaskConfig is the immutable configuration attached to a submission.
type TaskConfig struct {
	Priority                  Priority
	Timeout                   time.Duration // zero = no per-task timeout; the watchdog's default applies if enabled
	MaxRetries                int
	RetryDelay                time.Duration
	Dependencies              []TaskID
	Metadata                  map[string]any
	CancelOnDependencyFailure bool
	EnableWatchdog            bool
}

// DefaultTaskConfig returns the configuration Submit starts from before
// applying its TaskOptions: NORMAL priority, no per-task timeout (so the
// watchdog's default timeout applies), no retries, 1s retry delay,
// cancel-on-dependency-failure and watchdog both enabled.
func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		Priority:                  Normal,
		RetryDelay:                time.Second,
		CancelOnDependencyFailure: true,
		EnableWatchdog:            true,
	}
}

// ManagedTask is a read-only snapshot of one submission, handed to
// callers by GetInfo/GetAll/GetByState and to callbacks — external code
// never holds a pointer to the manager's live record.
type ManagedTask struct {
	ID     TaskID
	Name   string
	Config TaskConfig

	State TaskState

	Result any
	Err    error

	RetryCount int

	CreateTime time.Time
	StartTime  time.Time
	EndTime    time.Time

	Dependents []TaskID
}

// newTaskID mints a unique id: the task name, an 8-character uuid
// fragment and a monotonic sequence number, replacing the teacher's ad hoc fmt.Sprintf("%s-%d", name,
// time.Now().UnixNano()) with github.com/google/uuid so ids stay unique
// even under a coarse clock or heavy concurrent submission.
func newTaskID(seq uint64, name string) TaskID {
	return TaskID(name + "-" + uuid.NewString()[:8] + "-" + strconv.FormatUint(seq, 10))
}
