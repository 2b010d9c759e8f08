package runs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/convertica/convertica/internal/logging"
	"github.com/convertica/convertica/internal/metrics"
)

// Abandoner is implemented by Store.
type Abandoner interface {
	AbandonStuck(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error)
}

// SweeperConfig holds configuration for the stuck run sweeper.
type SweeperConfig struct {
	Store Abandoner

	// StuckAfter is how long a run may stay unfinished (default: 1h)
	StuckAfter time.Duration

	// Interval between sweeps (default: 10m)
	Interval time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Sweeper periodically marks runs that never finished as abandoned.
type Sweeper struct {
	store      Abandoner
	stuckAfter time.Duration
	interval   time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewSweeper creates a new sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	stuckAfter := cfg.StuckAfter
	if stuckAfter <= 0 {
		stuckAfter = time.Hour
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{
		store:      cfg.Store,
		stuckAfter: stuckAfter,
		interval:   interval,
		logger:     logging.Component(cfg.Logger, "sweeper"),
		metrics:    cfg.Metrics,
		now:        time.Now,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx, false); err != nil {
				s.logger.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce abandons (or with dryRun only counts) the runs older than the
// configured age and returns how many matched.
func (s *Sweeper) SweepOnce(ctx context.Context, dryRun bool) (int64, error) {
	cutoff := s.now().Add(-s.stuckAfter)
	n, err := s.store.AbandonStuck(ctx, cutoff, dryRun)
	if err != nil {
		return 0, err
	}
	if !dryRun {
		s.metrics.RunsAbandoned(n)
	}
	if n > 0 {
		s.logger.Info("stuck runs swept",
			zap.Int64("count", n),
			zap.Bool("dry_run", dryRun),
			zap.Duration("stuck_after", s.stuckAfter),
		)
	}
	return n, nil
}
