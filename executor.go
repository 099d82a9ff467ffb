package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/scheduler/watchdog"
)

// executor runs one dequeued task id to a terminal-or-requeued outcome,
// following §4.3's sequence exactly: acquire a concurrency permit,
// transition to RUNNING, invoke the work factory fresh, optionally
// register with the watchdog, await the result, then either finish,
// retry, or record cancellation — releasing the permit on every exit
// path. Grounded on dag_engine.go's executeTask.
type executor struct {
	m *TaskManager
}

func (e *executor) run(taskID TaskID) {
	m := e.m

	select {
	case m.gate <- struct{}{}:
	case <-m.stopCtx.Done():
		return
	}
	defer func() { <-m.gate }()

	for {
		if _, ok := m.getTask(taskID); !ok {
			return
		}

		m.mu.Lock()
		rec := m.tasks[taskID]
		if rec.state != Queued {
			// Cancelled while it sat in the ready queue: terminal states
			// are absorbing, so no attempt is started.
			m.mu.Unlock()
			return
		}
		rec.state = Running
		rec.startTime = m.clock.Now()
		rec.endTime = time.Time{}
		rec.err = nil
		// Not derived from stopCtx: Stop decides whether running work is
		// cancelled or awaited.
		runCtx, cancel := e.attemptContext(context.Background(), rec.config.Timeout)
		rec.cancel = cancel
		work := rec.work
		name := rec.name
		retryCount := rec.retryCount
		enableWD := rec.config.EnableWatchdog
		timeout := rec.config.Timeout
		metadata := rec.config.Metadata
		m.mu.Unlock()

		ctx, span := m.tracer.Start(m.stopCtx, "executor.run_attempt",
			trace.WithAttributes(
				attribute.String("task_id", string(taskID)),
				attribute.String("task_name", name),
				attribute.Int("retry_count", retryCount),
			),
		)

		m.running.Add(ctx, 1)

		var wdHandle watchdog.Handle
		var hasWD bool
		if enableWD {
			wdHandle = m.watchdog.Register(ctx, name, timeout, metadata)
			hasWD = true
			m.mu.Lock()
			rec.watchdogID = wdHandle.ID()
			m.mu.Unlock()
		}

		result, err := e.invoke(runCtx, work)
		cancel()
		m.running.Add(ctx, -1)

		oc := classify(runCtx, err)

		switch oc {
		case outcomeSuccess:
			if hasWD {
				wdHandle.Settle(watchdog.Completed, nil)
			}
			m.finishCompleted(taskID, result)
			m.completedCnt.Add(ctx, 1)
			span.End()
			m.notifyDependents(taskID)
			return

		case outcomeCancelled:
			if hasWD {
				wdHandle.Settle(watchdog.Cancelled, err)
			}
			m.finishCancelled(taskID, err)
			m.cancelledCnt.Add(ctx, 1)
			span.End()
			m.notifyDependents(taskID)
			return

		case outcomeFailure:
			m.mu.Lock()
			rec = m.tasks[taskID]
			retryable := rec.retryCount < rec.config.MaxRetries
			if retryable {
				rec.retryCount++
				rec.state = Retrying
			}
			delay := rec.config.RetryDelay
			m.mu.Unlock()

			if hasWD {
				wdHandle.Settle(watchdog.Failed, err)
			}

			if !retryable {
				m.finishFailed(taskID, err)
				m.failedCnt.Add(ctx, 1)
				span.End()
				m.notifyDependents(taskID)
				return
			}

			m.failedCnt.Add(ctx, 1, metric.WithAttributes(attribute.Bool("will_retry", true)))
			span.End()
			m.logger.Warn("task failed, retrying", "task_id", string(taskID), "name", name, "err", err, "delay", delay)

			// The retry-delay sleep happens with the concurrency permit
			// still held, matching the original task manager's semantics:
			// the permit is only released in the executor's defer, after
			// this whole retry path (including the sleep) completes.
			m.clock.Sleep(delay)

			m.mu.Lock()
			rec = m.tasks[taskID]
			if rec.state == Cancelled {
				// A concurrent Cancel() call observed RETRYING and jumped the
				// task straight to CANCELLED while this goroutine slept; honor
				// that instead of resurrecting the task into QUEUED.
				m.mu.Unlock()
				m.notifyDependents(taskID)
				return
			}
			rec.state = Queued
			rec.startTime = time.Time{}
			rec.endTime = time.Time{}
			rec.err = nil
			priority := rec.config.Priority
			m.mu.Unlock()
			// Re-enqueue at the task's priority and release the permit; the
			// scheduler loop dispatches the next attempt like any other
			// ready task.
			m.ready.Push(priority, taskID)
			return
		}
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeCancelled
)

func classify(ctx context.Context, err error) outcome {
	if err == nil {
		return outcomeSuccess
	}
	if ctx.Err() != nil {
		return outcomeCancelled
	}
	return outcomeFailure
}

// attemptContext builds the per-attempt context, applying a managed
// timeout when configured.
func (e *executor) attemptContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// invoke runs work on its own goroutine and waits for either its result
// or the context's cancellation, so a work factory that never checks ctx
// still surfaces a timely CANCELLED/TIMEOUT outcome to the executor even
// though the abandoned goroutine itself keeps running until the work
// factory cooperates — matching §5's cooperative-cancellation contract.
func (e *executor) invoke(ctx context.Context, work WorkFactory) (any, error) {
	type res struct {
		v   any
		err error
	}
	ch := make(chan res, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- res{nil, fmt.Errorf("task panicked: %v", r)}
			}
		}()
		v, err := work(ctx)
		ch <- res{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
