// Package sweep runs cmd/sweeper's cooperative periodic tasks —
// maintenance tick, DLQ retry, idempotency expiry, and the reprocess
// sweep — on independent cron schedules under one shutdown coordinator
// (spec §5, §4.8, §4.7, §4.6).
package sweep

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kapella-hub/ngs/internal/config"
	"github.com/kapella-hub/ngs/internal/correlate"
	"github.com/kapella-hub/ngs/internal/db"
	"github.com/kapella-hub/ngs/internal/dlq"
	"github.com/kapella-hub/ngs/internal/idempotency"
	"github.com/kapella-hub/ngs/internal/maintenance"
	"github.com/kapella-hub/ngs/internal/parse"
)

// Config controls the cadence and batch sizes of every sweep task.
// Durations left zero fall back to the spec defaults in withDefaults.
type Config struct {
	MaintenanceTick       time.Duration
	DLQInterval           time.Duration
	DLQBatchLimit         int
	AutoResolveInterval   time.Duration
	IdempotencyInterval   time.Duration
	IdempotencyStaleAfter time.Duration
	ReprocessInterval     time.Duration
	ReprocessOlderThan    time.Duration
	ReprocessBatchLimit   int
	ResolvingInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaintenanceTick <= 0 {
		c.MaintenanceTick = 60 * time.Second
	}
	if c.DLQInterval <= 0 {
		c.DLQInterval = time.Minute
	}
	if c.DLQBatchLimit <= 0 {
		c.DLQBatchLimit = 50
	}
	if c.AutoResolveInterval <= 0 {
		c.AutoResolveInterval = 5 * time.Minute
	}
	if c.IdempotencyInterval <= 0 {
		c.IdempotencyInterval = 5 * time.Minute
	}
	if c.IdempotencyStaleAfter <= 0 {
		c.IdempotencyStaleAfter = 5 * time.Minute
	}
	if c.ReprocessInterval <= 0 {
		c.ReprocessInterval = 5 * time.Minute
	}
	if c.ReprocessOlderThan <= 0 {
		c.ReprocessOlderThan = 10 * time.Minute
	}
	if c.ReprocessBatchLimit <= 0 {
		c.ReprocessBatchLimit = 100
	}
	if c.ResolvingInterval <= 0 {
		c.ResolvingInterval = 5 * time.Minute
	}
	return c
}

// Scheduler wraps robfig/cron and binds each tick to one sweep task.
// Every task reads its own due rows and processes them independently,
// so one task's failure never blocks another's next tick.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger
	ctx  context.Context

	q                db.Querier
	cfg              Config
	correlation      config.CorrelationConfig
	dlqQueue         *dlq.Queue
	idem             *idempotency.Store
	correlator       *correlate.Correlator
	parser           *parse.Parser
	maintenanceCache *maintenance.Cache
	now              func() time.Time
}

// New constructs a Scheduler. correlator and parser back the reprocess
// task and must be wired against the same db.Querier as q. maintenanceCache
// is shared with the ingester/correlator workers' own caches only in
// spirit — each process keeps its own TTL-cached snapshot (spec §5).
func New(q db.Querier, cfg Config, correlation config.CorrelationConfig, dlqQueue *dlq.Queue, idem *idempotency.Store, correlator *correlate.Correlator, parser *parse.Parser, maintenanceCache *maintenance.Cache, log *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:             cron.New(cron.WithSeconds()),
		log:              log,
		q:                q,
		cfg:              cfg.withDefaults(),
		correlation:      correlation,
		dlqQueue:         dlqQueue,
		idem:             idem,
		correlator:       correlator,
		parser:           parser,
		maintenanceCache: maintenanceCache,
		now:              time.Now,
	}
}

// Start registers every sweep task on its own "@every" schedule and
// starts the cron scheduler. Call Stop to gracefully drain in-flight
// ticks before shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx

	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"maintenance_tick", s.cfg.MaintenanceTick, s.runMaintenanceTick},
		{"dlq_retry", s.cfg.DLQInterval, s.runDLQSweep},
		{"auto_resolve", s.cfg.AutoResolveInterval, s.runAutoResolve},
		{"resolving_quiet_period", s.cfg.ResolvingInterval, s.runResolvingSweep},
		{"idempotency_expiry", s.cfg.IdempotencyInterval, s.runIdempotencyExpiry},
		{"reprocess", s.cfg.ReprocessInterval, s.runReprocess},
	}

	for _, job := range jobs {
		run := job.run
		if _, err := s.cron.AddFunc("@every "+job.interval.String(), func() { run(s.ctx) }); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.log.Info("sweeper started",
		zap.Duration("maintenance_tick", s.cfg.MaintenanceTick),
		zap.Duration("dlq_interval", s.cfg.DLQInterval),
		zap.Duration("auto_resolve_interval", s.cfg.AutoResolveInterval),
		zap.Duration("idempotency_interval", s.cfg.IdempotencyInterval),
		zap.Duration("reprocess_interval", s.cfg.ReprocessInterval),
		zap.Duration("resolving_quiet_period_interval", s.cfg.ResolvingInterval),
	)
	return nil
}

// Stop drains the cron scheduler, blocking until every running job
// returns.
func (s *Scheduler) Stop() {
	doneCtx := s.cron.Stop()
	<-doneCtx.Done()
	s.log.Info("sweeper stopped")
}

// runMaintenanceTick deactivates elapsed maintenance_windows rows, then
// re-evaluates every incident still flagged is_in_maintenance so
// is_in_maintenance clears once nothing active covers it anymore (spec
// §4.6 "Tick").
func (s *Scheduler) runMaintenanceTick(ctx context.Context) {
	at := s.now()
	if err := maintenance.Tick(ctx, s.q, at, s.log); err != nil {
		s.log.Error("sweep: maintenance tick failed", zap.Error(err))
	}

	changed, err := correlate.MaintenanceSweep(ctx, s.q, s.maintenanceCache, at, s.log)
	if err != nil {
		s.log.Error("sweep: maintenance incident re-evaluation failed", zap.Error(err))
		return
	}
	if changed > 0 {
		s.log.Info("sweep: incidents' maintenance flag changed", zap.Int("count", changed))
	}
}

func (s *Scheduler) runAutoResolve(ctx context.Context) {
	resolved, err := correlate.AutoResolveSweep(ctx, s.q, s.correlation, s.now(), s.log)
	if err != nil {
		s.log.Error("sweep: auto-resolve failed", zap.Error(err))
		return
	}
	if resolved > 0 {
		s.log.Info("sweep: auto-resolved silent incidents", zap.Int("count", resolved))
	}
}

// runResolvingSweep resolves incidents sitting in status=resolving past
// resolve_quiet_period with no new firing event to trigger the
// transition (spec §4.5/§8 scenario 4).
func (s *Scheduler) runResolvingSweep(ctx context.Context) {
	resolved, err := correlate.ResolvingQuietPeriodSweep(ctx, s.q, s.correlation, s.now(), s.log)
	if err != nil {
		s.log.Error("sweep: resolving quiet-period sweep failed", zap.Error(err))
		return
	}
	if resolved > 0 {
		s.log.Info("sweep: resolved incidents past quiet period", zap.Int("count", resolved))
	}
}

func (s *Scheduler) runDLQSweep(ctx context.Context) {
	if err := s.dlqQueue.Sweep(ctx, s.cfg.DLQBatchLimit, s.redispatch); err != nil {
		s.log.Error("sweep: dlq sweep failed", zap.Error(err))
	}
}

func (s *Scheduler) runIdempotencyExpiry(ctx context.Context) {
	reclaimed, err := s.idem.ReclaimStale(ctx, s.cfg.IdempotencyStaleAfter)
	if err != nil {
		s.log.Error("sweep: idempotency reclaim failed", zap.Error(err))
	} else if len(reclaimed) > 0 {
		s.log.Info("sweep: reclaimed stale idempotency keys", zap.Int("count", len(reclaimed)))
	}

	deleted, err := s.idem.GC(ctx)
	if err != nil {
		s.log.Error("sweep: idempotency gc failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		s.log.Info("sweep: garbage-collected expired idempotency keys", zap.Int64("count", deleted))
	}
}
