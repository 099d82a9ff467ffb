// Command demo wires the scheduler to the ambient stack (structured
// logging, OTel tracing/metrics) and submits a small mix of independent,
// dependent, retried, and timed-out tasks to exercise every lifecycle
// path — the programmatic-API analogue of the teacher's main.go, minus
// the HTTP front-end that §1's Non-goals excludes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/scheduler"
	"github.com/swarmguard/scheduler/internal/logging"
	"github.com/swarmguard/scheduler/internal/otelinit"
)

func main() {
	service := "scheduler-demo"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, meter := otelinit.InitMetrics(ctx, service)

	mgr := scheduler.NewTaskManager(
		scheduler.WithMaxConcurrentTasks(8),
		scheduler.WithMeter(meter),
		scheduler.WithDefaultTimeout(5*time.Second),
		scheduler.WithLeakDetection(true, 3),
	)
	mgr.AddCompleteCallback(func(t scheduler.ManagedTask) {
		slog.Info("task completed", "id", string(t.ID), "name", t.Name, "result", t.Result)
	})
	mgr.AddFailedCallback(func(t scheduler.ManagedTask) {
		slog.Warn("task failed", "id", string(t.ID), "name", t.Name, "err", t.Err)
	})

	mgr.Start()

	fetchID, err := mgr.Submit("fetch-config", func(ctx context.Context) (any, error) {
		time.Sleep(50 * time.Millisecond)
		return map[string]string{"region": "us-east"}, nil
	}, scheduler.WithPriority(scheduler.High))
	if err != nil {
		slog.Error("submit failed", "err", err)
	}

	_, err = mgr.Submit("apply-config", func(ctx context.Context) (any, error) {
		cfg, _ := mgr.GetInfo(fetchID)
		return fmt.Sprintf("applied %v", cfg.Result), nil
	}, scheduler.WithDependencies(fetchID), scheduler.WithPriority(scheduler.Normal))
	if err != nil {
		slog.Error("submit failed", "err", err)
	}

	attempts := 0
	_, err = mgr.Submit("flaky-upload", func(ctx context.Context) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection reset")
		}
		return "uploaded", nil
	}, scheduler.WithRetries(5, 200*time.Millisecond))
	if err != nil {
		slog.Error("submit failed", "err", err)
	}

	_, err = mgr.Submit("slow-job", func(ctx context.Context) (any, error) {
		select {
		case <-time.After(10 * time.Second):
			return "finished", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, scheduler.WithTimeout(200*time.Millisecond))
	if err != nil {
		slog.Error("submit failed", "err", err)
	}

	cancelSchedule, err := mgr.ScheduleEvery("*/5 * * * * *", "heartbeat", func(ctx context.Context) (any, error) {
		return "beat", nil
	}, scheduler.WithPriority(scheduler.Low))
	if err != nil {
		slog.Error("schedule failed", "err", err)
	}

	slog.Info("scheduler demo running")
	<-ctx.Done()
	slog.Info("shutdown initiated")

	if cancelSchedule != nil {
		cancelSchedule()
	}

	shutdownCtx, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()

	mgr.Stop(false)

	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}
