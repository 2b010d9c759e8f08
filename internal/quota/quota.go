package quota

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/convertica/convertica/internal/metrics"
)

// Store applies limits on top of a Backend.
type Store struct {
	backend Backend
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewStore creates a quota store. logger and m may be nil.
func NewStore(backend Backend, logger *zap.Logger, m *metrics.Metrics) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{backend: backend, logger: logger, metrics: m}
}

// IncrementAndCheck counts one hit on key within window and reports whether
// it is still within limit.
//
// The counter is incremented first and the hit is denied when the new count
// exceeds limit: hits 1..limit pass, hit limit+1 is the first denial.
// Backend failures fail open.
func (s *Store) IncrementAndCheck(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64) {
	count, err := s.backend.Incr(ctx, key, window)
	if err != nil {
		s.logger.Warn("quota store unavailable, allowing request",
			zap.String("key", key),
			zap.Error(err),
		)
		s.metrics.QuotaStoreError()
		return true, 0
	}
	return count <= limit, count
}

// Backend exposes the underlying cache for the stats buckets.
func (s *Store) Backend() Backend {
	return s.backend
}
