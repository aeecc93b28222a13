package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/forged/internal/store"
)

const (
	defaultClaimInterval = time.Second
	defaultConcurrency   = 1
)

// claimPair is one (from, to) status transition the loop polls for.
type claimPair struct {
	from store.Status
	to   store.Status
}

// claimOrder is the fixed claim priority: new jobs first, then approved
// jobs resuming the build, then revision work. New work is favored to
// keep the queue draining.
var claimOrder = []claimPair{
	{from: store.StatusQueued, to: store.StatusOrchestrating},
	{from: store.StatusApproved, to: store.StatusOrchestratingPlan},
	{from: store.StatusChangesRequested, to: store.StatusOrchestratingPRDRevision},
}

// LoopConfig tunes the claim loop.
type LoopConfig struct {
	// ClaimInterval is how long the loop sleeps when no job is eligible.
	ClaimInterval time.Duration

	// Concurrency is how many jobs this process works at once. Further
	// scale-out runs more processes; the atomic claim keeps them from
	// colliding.
	Concurrency int
}

// Loop claims eligible jobs and hands them to the executor until its
// context ends.
type Loop struct {
	store    *store.Store
	exec     *Executor
	logger   *zap.Logger
	metrics  *Metrics
	interval time.Duration
	workers  int
}

// NewLoop wires a claim loop over the store and an executor.
func NewLoop(st *store.Store, exec *Executor, logger *zap.Logger, cfg LoopConfig) (*Loop, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if exec == nil {
		return nil, errors.New("executor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = defaultClaimInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}

	return &Loop{
		store:    st,
		exec:     exec,
		logger:   logger,
		metrics:  NewMetrics(),
		interval: cfg.ClaimInterval,
		workers:  cfg.Concurrency,
	}, nil
}

// Run polls for claimable jobs until ctx is done. It always returns
// nil on a clean shutdown.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("orchestrator loop starting",
		zap.Int("concurrency", l.workers),
		zap.Duration("claim_interval", l.interval))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < l.workers; i++ {
		g.Go(func() error {
			l.work(ctx)
			return nil
		})
	}
	err := g.Wait()
	l.logger.Info("orchestrator loop stopped")
	return err
}

func (l *Loop) work(ctx context.Context) {
	for {
		claimed, err := l.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.logger.Error("claim iteration failed", zap.Error(err))
		}
		if claimed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.interval):
		}
	}
}

// RunOnce tries each claim pair in priority order and executes at most
// one job. The bool reports whether a job was handled; pipeline
// failures are job outcomes, not loop errors, so they are logged by the
// executor and absorbed here.
func (l *Loop) RunOnce(ctx context.Context) (bool, error) {
	for _, pair := range claimOrder {
		job, err := l.store.ClaimNext(ctx, pair.from, pair.to)
		if err != nil {
			return false, err
		}
		if job == nil {
			continue
		}

		l.metrics.JobsClaimedTotal.WithLabelValues(string(pair.from)).Inc()
		l.logger.Info("claimed job",
			zap.String("job_id", job.ID),
			zap.String("project_id", job.ProjectID),
			zap.String("from_status", string(pair.from)),
			zap.String("stage", string(job.Stage)))

		if err := l.exec.Run(ctx, *job); err != nil {
			l.logger.Warn("pipeline run ended with failure",
				zap.String("job_id", job.ID),
				zap.Error(err))
		}
		return true, nil
	}
	return false, nil
}
