package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/scheduler/internal/resilience"
)

// cronScheduler owns the one shared *cron.Cron instance a TaskManager
// lazily creates the first time ScheduleEvery is called. Grounded on
// scheduler.go's NewScheduler, which builds a single seconds-precision
// cron.New(cron.WithSeconds()) shared by every AddSchedule call.
type cronScheduler struct {
	c *cron.Cron
}

// CancelFunc stops a recurring schedule created by ScheduleEvery.
type CancelFunc func()

// ScheduleEvery gives recurring submission a home without adding a second
// execution path: expr is a seconds-precision cron expression (matching
// the teacher's cron.New(cron.WithSeconds())); at each tick, work is
// submitted via the ordinary Submit path using config. If Submit is
// transiently rejected (rate limiter or circuit breaker), the tick
// retries a few times with resilience.Retry before giving up and logging
// a warning — this scheduler has no wall-clock cron concept of its own,
// so recurring submission is built entirely on top of the regular
// submission path rather than a parallel one.
func (m *TaskManager) ScheduleEvery(expr string, name string, work WorkFactory, opts ...TaskOption) (CancelFunc, error) {
	m.cronMu.Lock()
	if m.cron == nil {
		m.cron = &cronScheduler{c: cron.New(cron.WithSeconds())}
		m.cron.c.Start()
	}
	cs := m.cron
	m.cronMu.Unlock()

	entryID, err := cs.c.AddFunc(expr, func() {
		_, err := resilience.Retry(m.stopCtx, 3, 200*time.Millisecond, func() (TaskID, error) {
			return m.Submit(name, work, opts...)
		})
		if err != nil {
			m.logger.Warn("scheduled submission failed after retries", "name", name, "cron", expr, "err", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", name, err)
	}

	cancel := func() {
		cs.c.Remove(entryID)
	}
	return cancel, nil
}
