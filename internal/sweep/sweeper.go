// Package sweep runs the housekeeping timers: task expiry and escrow
// auto-release. Both underlying operations are idempotent
// compare-and-swap loops, so overlapping runs (or multiple instances
// sweeping the same database) are safe.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"taskmarket/internal/engine"
	"taskmarket/internal/telemetry"
)

type Sweeper struct {
	Engine   *engine.Engine
	Schedule string
	Log      *slog.Logger

	cron *cron.Cron
}

func New(e *engine.Engine, schedule string, log *slog.Logger) *Sweeper {
	return &Sweeper{Engine: e, Schedule: schedule, Log: log}
}

// Start registers the sweep on the cron schedule and begins running it.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.Run(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.Log.Info("sweeper started", "schedule", s.Schedule)
	return nil
}

// Stop halts the schedule and waits for an in-flight run to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Run executes one sweep pass: expire overdue open tasks, then release
// due escrow payments.
func (s *Sweeper) Run(ctx context.Context) {
	expired, err := s.Engine.ExpireTasks(ctx)
	if err != nil {
		telemetry.SweepRuns.WithLabelValues("error").Inc()
		s.Log.Error("task expiry sweep failed", "error", err)
		return
	}
	released, err := s.Engine.AutoRelease(ctx)
	if err != nil {
		telemetry.SweepRuns.WithLabelValues("error").Inc()
		s.Log.Error("auto-release sweep failed", "error", err)
		return
	}
	telemetry.SweepRuns.WithLabelValues("ok").Inc()
	if expired > 0 || released > 0 {
		s.Log.Info("sweep completed", "tasks_expired", expired, "payments_released", released)
	}
}
