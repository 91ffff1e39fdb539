// Package scheduler runs the periodic billing and budget sweeps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"gpurental/backend/services/settlement-service/internal/metrics"
	"gpurental/backend/services/settlement-service/internal/models"
	"gpurental/backend/services/settlement-service/internal/service"
)

const sweepBatch = 500

// Billing is the slice of the billing engine the sweeps drive.
type Billing interface {
	ListActiveSessions(ctx context.Context, limit int) ([]string, error)
	ListClosingSessions(ctx context.Context, limit int) ([]string, error)
	RecordTick(ctx context.Context, sessionID string) (*models.BillingTick, error)
	Close(ctx context.Context, sessionID string) (*models.BillingReceipt, error)
}

// Jobs is the slice of the job pipeline the sweeps drive.
type Jobs interface {
	EnforceBudgets(ctx context.Context) (int, error)
	RecordFinalCost(ctx context.Context, receipt *models.BillingReceipt) error
}

// Config holds cron specs. Empty specs disable a sweep.
type Config struct {
	TickSpec    string        `yaml:"tickSpec" env:"SCHEDULER_TICK_SPEC"`
	BudgetSpec  string        `yaml:"budgetSpec" env:"SCHEDULER_BUDGET_SPEC"`
	ClosingSpec string        `yaml:"closingSpec" env:"SCHEDULER_CLOSING_SPEC"`
	Timeout     time.Duration `yaml:"timeout" env:"SCHEDULER_TIMEOUT"`
}

// Result summarises one sweep run.
type Result struct {
	Scanned   int
	Succeeded int
	Failed    int
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron    *cron.Cron
	billing Billing
	jobs    Jobs
	cfg     Config
	logger  *zap.Logger
}

// New builds scheduler. Jobs never overlap with their own previous run.
func New(billing Billing, jobs Jobs, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 50 * time.Second
	}
	cl := cronLogger{logger: logger.Sugar()}
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		billing: billing,
		jobs:    jobs,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start registers the sweeps and starts the runner.
func (s *Scheduler) Start() error {
	sweeps := []struct {
		name string
		spec string
		fn   func(context.Context) Result
	}{
		{"billing_ticks", s.cfg.TickSpec, s.SweepTicks},
		{"budgets", s.cfg.BudgetSpec, s.SweepBudgets},
		{"closing_sessions", s.cfg.ClosingSpec, s.SweepClosing},
	}
	for _, sw := range sweeps {
		if sw.spec == "" {
			s.logger.Info("sweep disabled", zap.String("sweep", sw.name))
			continue
		}
		name, fn := sw.name, sw.fn
		if _, err := s.cron.AddFunc(sw.spec, func() { s.run(name, fn) }); err != nil {
			return fmt.Errorf("scheduler: %s spec %q: %w", name, sw.spec, err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop stops scheduling and waits for running sweeps until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out with sweeps still running")
	}
}

func (s *Scheduler) run(name string, fn func(context.Context) Result) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res := fn(ctx)
	metrics.RecordSweep(name, time.Since(start))
	if res.Scanned > 0 {
		s.logger.Info("sweep finished",
			zap.String("sweep", name),
			zap.Int("scanned", res.Scanned),
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed),
			zap.Duration("took", time.Since(start)),
		)
	}
}

// SweepTicks records a tick on every active session with new whole minutes.
func (s *Scheduler) SweepTicks(ctx context.Context) Result {
	ids, err := s.billing.ListActiveSessions(ctx, sweepBatch)
	if err != nil {
		s.logger.Error("list active sessions failed", zap.Error(err))
		return Result{}
	}
	res := Result{Scanned: len(ids)}
	for _, id := range ids {
		_, err := s.billing.RecordTick(ctx, id)
		switch {
		case err == nil:
			res.Succeeded++
		case errors.Is(err, service.ErrNoNewMinutes), errors.Is(err, service.ErrSessionNotActive):
			// closed or not yet a minute since the last tick
		default:
			res.Failed++
			s.logger.Warn("billing tick failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	return res
}

// SweepBudgets stops running jobs that exhausted their budget.
func (s *Scheduler) SweepBudgets(ctx context.Context) Result {
	n, err := s.jobs.EnforceBudgets(ctx)
	if err != nil {
		s.logger.Error("budget enforcement failed", zap.Error(err))
		return Result{Failed: 1}
	}
	return Result{Scanned: n, Succeeded: n}
}

// SweepClosing retries settlement of sessions left closing and back-fills job costs.
func (s *Scheduler) SweepClosing(ctx context.Context) Result {
	ids, err := s.billing.ListClosingSessions(ctx, sweepBatch)
	if err != nil {
		s.logger.Error("list closing sessions failed", zap.Error(err))
		return Result{}
	}
	res := Result{Scanned: len(ids)}
	for _, id := range ids {
		receipt, err := s.billing.Close(ctx, id)
		if err != nil {
			res.Failed++
			s.logger.Warn("settlement retry failed", zap.String("session_id", id), zap.Error(err))
			continue
		}
		if err := s.jobs.RecordFinalCost(ctx, receipt); err != nil {
			s.logger.Warn("record final cost failed", zap.String("job_id", receipt.JobID), zap.Error(err))
		}
		res.Succeeded++
	}
	return res
}

// cronLogger adapts zap to cron's logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
