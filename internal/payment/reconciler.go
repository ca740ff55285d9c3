package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"decenterai/internal/ledger"
)

type ReconcilerConfig struct {
	Schedule string
	// After is how old a confirmed record must be before the sweep picks it
	// up, so it never races the per-claim verification timer.
	After   time.Duration
	Batch   int
	Timeout time.Duration
}

func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{Schedule: "@every 5m", After: 10 * time.Minute, Batch: 50, Timeout: 4 * time.Minute}
}

// Reconciler re-runs verification for records left in confirmed, e.g. when
// the process restarted before the background check fired.
type Reconciler struct {
	orch  *Orchestrator
	store ledger.Store
	cfg   ReconcilerConfig
	cron  *cron.Cron
	log   *zap.Logger
}

func NewReconciler(orch *Orchestrator, store ledger.Store, cfg ReconcilerConfig, log *zap.Logger) *Reconciler {
	def := DefaultReconcilerConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.After <= 0 {
		cfg.After = def.After
	}
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "reconciler"))
	cl := cronLogger{log.Sugar()}
	return &Reconciler{
		orch:  orch,
		store: store,
		cfg:   cfg,
		cron:  cron.New(cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl))),
		log:   log,
	}
}

func (r *Reconciler) Start() error {
	_, err := r.cron.AddFunc(r.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
		defer cancel()
		if _, err := r.RunOnce(ctx); err != nil {
			r.log.Error("reconciliation sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reconciler: %w", err)
	}
	r.cron.Start()
	r.log.Info("reconciler started", zap.String("schedule", r.cfg.Schedule))
	return nil
}

// Every registers an extra maintenance job on the reconciler's scheduler.
// Call it before Start.
func (r *Reconciler) Every(schedule, name string, job func(context.Context) error) error {
	_, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
		defer cancel()
		if err := job(ctx); err != nil {
			r.log.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// Stop prevents new sweeps; the returned context is done once a running
// sweep has finished.
func (r *Reconciler) Stop() context.Context {
	return r.cron.Stop()
}

// RunOnce verifies one batch of stale confirmed records and returns how many
// were processed.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	cutoff := r.orch.now().Add(-r.cfg.After)
	records, err := r.store.ListByStatus(ctx, ledger.StatusConfirmed, cutoff, r.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("list confirmed payments: %w", err)
	}
	flagged := 0
	for i, rec := range records {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		if r.orch.VerifyRecord(ctx, rec) == ledger.StatusFraudSuspected {
			flagged++
		}
	}
	if len(records) > 0 {
		r.log.Info("reconciliation sweep done", zap.Int("checked", len(records)), zap.Int("flagged", flagged))
	}
	return len(records), nil
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
