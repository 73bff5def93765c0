// Package jobs runs the periodic dispatch work: scheduling passes, the
// telemetry watchdog and archive maintenance.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"dronedispatch/internal/clock"
	"dronedispatch/internal/dispatch"
)

// Engine is the slice of *dispatch.Engine driven by the jobs.
type Engine interface {
	RunPass(ctx context.Context) dispatch.PassResult
	CheckTelemetry(ctx context.Context) []string
	PruneArchive(ctx context.Context) (dispatch.MaintenanceResult, error)
	Kicks() <-chan struct{}
}

// OutboxPruner drops relayed outbox rows. Optional.
type OutboxPruner interface {
	PrunePublished(ctx context.Context, before time.Time) (int64, error)
}

type Schedules struct {
	Pass            string
	Watchdog        string
	Maintenance     string
	OutboxRetention time.Duration
}

func DefaultSchedules() Schedules {
	return Schedules{
		Pass:            "@every 2s",
		Watchdog:        "@every 5s",
		Maintenance:     "@every 10m",
		OutboxRetention: 24 * time.Hour,
	}
}

type Manager struct {
	engine    Engine
	outbox    OutboxPruner
	schedules Schedules
	clock     clock.Clock
	cron      *cron.Cron
	logger    *slog.Logger
}

type Option func(*Manager)

// WithClock sets the time source for retention cutoffs.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

func NewManager(engine Engine, outbox OutboxPruner, schedules Schedules, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "jobs")
	cl := cronLogger{logger: logger}
	m := &Manager{
		engine:    engine,
		outbox:    outbox,
		schedules: schedules,
		clock:     clock.Real{},
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts the cron jobs and the kick loop and blocks until ctx is done.
// Running jobs are allowed to finish before it returns.
func (m *Manager) Run(ctx context.Context) error {
	specs := []struct {
		name string
		spec string
		fn   func(context.Context)
	}{
		{"scheduler_pass", m.schedules.Pass, m.Pass},
		{"telemetry_watchdog", m.schedules.Watchdog, m.Watchdog},
		{"maintenance", m.schedules.Maintenance, m.Maintenance},
	}
	for _, s := range specs {
		if s.spec == "" {
			continue
		}
		fn := s.fn
		if _, err := m.cron.AddFunc(s.spec, func() { fn(ctx) }); err != nil {
			return fmt.Errorf("schedule %s %q: %w", s.name, s.spec, err)
		}
	}
	m.cron.Start()
	m.logger.Info("jobs started", "pass", m.schedules.Pass, "watchdog", m.schedules.Watchdog, "maintenance", m.schedules.Maintenance)

	for {
		select {
		case <-ctx.Done():
			<-m.cron.Stop().Done()
			m.logger.Info("jobs stopped")
			return nil
		case <-m.engine.Kicks():
			m.Pass(ctx)
		}
	}
}

func (m *Manager) Pass(ctx context.Context) {
	res := m.engine.RunPass(ctx)
	if len(res.Assigned) > 0 || len(res.Escalated) > 0 {
		m.logger.Info("scheduling pass",
			"assigned", len(res.Assigned),
			"delayed", len(res.Delayed),
			"escalated", len(res.Escalated),
		)
	}
}

func (m *Manager) Watchdog(ctx context.Context) {
	if grounded := m.engine.CheckTelemetry(ctx); len(grounded) > 0 {
		m.logger.Warn("watchdog grounded drones", "drones", grounded)
	}
}

func (m *Manager) Maintenance(ctx context.Context) {
	res, err := m.engine.PruneArchive(ctx)
	if err != nil {
		m.logger.Error("prune archive failed", "error", err)
	} else if res.PingsPruned > 0 || res.ClosedEvicted > 0 || res.WithdrawnEvicted > 0 {
		m.logger.Info("archive pruned", "pings", res.PingsPruned, "closed", res.ClosedEvicted, "withdrawn", res.WithdrawnEvicted)
	}
	if m.outbox == nil || m.schedules.OutboxRetention <= 0 {
		return
	}
	n, err := m.outbox.PrunePublished(ctx, m.clock.Now().Add(-m.schedules.OutboxRetention))
	if err != nil {
		m.logger.Error("prune outbox failed", "error", err)
		return
	}
	if n > 0 {
		m.logger.Info("outbox pruned", "events", n)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
