package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/convertica/convertica/internal/logging"
)

// EventsStream is the Redis stream finished runs are published to.
const EventsStream = "runs:v1:events"

// PublishFunc sends a batch of finished runs to an external system.
// It should return an error if the publish fails.
type PublishFunc func(ctx context.Context, runs []Run) error

// SyncStore is the part of Store the syncer needs.
type SyncStore interface {
	QueryUnsynced(ctx context.Context, limit int) ([]Run, error)
	MarkSynced(ctx context.Context, ids []int64) error
}

// SyncerConfig holds configuration for the background syncer.
type SyncerConfig struct {
	// Store is the local run database
	Store SyncStore

	// PublishFn sends runs to the external system
	PublishFn PublishFunc

	// Interval between sync cycles (default: 60s)
	Interval time.Duration

	// BatchSize is the max runs per sync cycle (default: 100)
	BatchSize int

	Logger *zap.Logger
}

// Syncer periodically publishes finished runs that have not been synced.
type Syncer struct {
	store     SyncStore
	publishFn PublishFunc
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewSyncer creates a new run syncer.
func NewSyncer(cfg SyncerConfig) *Syncer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Syncer{
		store:     cfg.Store,
		publishFn: cfg.PublishFn,
		interval:  interval,
		batchSize: batchSize,
		logger:    logging.Component(cfg.Logger, "syncer"),
	}
}

// Start runs the sync loop until the context is cancelled.
func (s *Syncer) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce performs a single sync cycle and returns the number of runs
// published.
func (s *Syncer) SyncOnce(ctx context.Context) int {
	batch, err := s.store.QueryUnsynced(ctx, s.batchSize)
	if err != nil {
		s.logger.Warn("run sync: query failed", zap.Error(err))
		return 0
	}
	if len(batch) == 0 {
		return 0
	}

	if err := s.publishFn(ctx, batch); err != nil {
		s.logger.Warn("run sync: publish failed", zap.Int("runs", len(batch)), zap.Error(err))
		return 0
	}

	ids := make([]int64, len(batch))
	for i, r := range batch {
		ids[i] = r.ID
	}
	if err := s.store.MarkSynced(ctx, ids); err != nil {
		s.logger.Warn("run sync: mark synced failed", zap.Error(err))
		return 0
	}

	s.logger.Debug("run sync: published", zap.Int("runs", len(batch)))
	return len(batch)
}

// StreamAdder appends an entry to a Redis stream.
type StreamAdder interface {
	AddToStream(ctx context.Context, stream string, values map[string]any) (string, error)
}

// StreamPublisher returns a PublishFunc writing one stream entry per run.
func StreamPublisher(client StreamAdder, stream string) PublishFunc {
	return func(ctx context.Context, batch []Run) error {
		for _, r := range batch {
			if _, err := client.AddToStream(ctx, stream, EventFields(r)); err != nil {
				return fmt.Errorf("publish run %s: %w", r.RequestID, err)
			}
		}
		return nil
	}
}

// runEvent is the JSON payload of a run event.
type runEvent struct {
	RequestID      string `json:"requestId"`
	ConversionType string `json:"conversionType"`
	Status         string `json:"status"`
	UserID         string `json:"userId,omitempty"`
	IsPremium      bool   `json:"isPremium"`
	StartedAt      string `json:"startedAt"`
	FinishedAt     string `json:"finishedAt"`
	DurationMs     int64  `json:"durationMs"`
	ErrorType      string `json:"errorType,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	OutputSize     int64  `json:"outputSize"`
}

// EventFields renders r as stream entry fields.
func EventFields(r Run) map[string]any {
	ev := runEvent{
		RequestID:      r.RequestID,
		ConversionType: r.ConversionType,
		Status:         string(r.Status),
		UserID:         r.UserID,
		IsPremium:      r.IsPremium,
		StartedAt:      r.StartedAt.UTC().Format(time.RFC3339),
		FinishedAt:     r.FinishedAt.UTC().Format(time.RFC3339),
		DurationMs:     r.DurationMs,
		ErrorType:      r.ErrorType,
		ErrorMessage:   r.ErrorMessage,
		OutputSize:     r.OutputSize,
	}
	payload, _ := json.Marshal(ev)
	return map[string]any{
		"requestId": r.RequestID,
		"type":      "operation_run." + string(r.Status),
		"payload":   string(payload),
	}
}
