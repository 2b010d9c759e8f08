package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/convertica/convertica/internal/metrics"
	"github.com/convertica/convertica/internal/quota"
)

const (
	bucketLayout = "2006010215"

	// statsRetention bounds both the bucket TTL and the reporter lookback
	statsRetention = 8 * 24 * time.Hour

	// DefaultStatsHours is the lookback used when none is given
	DefaultStatsHours = 24
)

// Stats hash fields.
const (
	fieldTotal       = "total"
	fieldBlockedIP   = "blocked_ip"
	fieldBlockedUser = "blocked_user"
)

func bucketKey(group string, t time.Time) string {
	return fmt.Sprintf("rlstats:%s:%s", group, t.UTC().Format(bucketLayout))
}

// StatsRecorder counts decisions into hourly buckets per group.
type StatsRecorder struct {
	backend quota.Backend
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewStatsRecorder creates a recorder over backend.
func NewStatsRecorder(backend quota.Backend, logger *zap.Logger, m *metrics.Metrics) *StatsRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsRecorder{backend: backend, logger: logger, metrics: m, now: time.Now}
}

// Record adds one decision. Failures are logged and dropped.
func (s *StatsRecorder) Record(ctx context.Context, group string, tier Tier, outcome Outcome) {
	deltas := map[string]int64{
		fieldTotal:   1,
		string(tier): 1,
	}
	switch outcome {
	case OutcomeBlockedIP:
		deltas[fieldBlockedIP] = 1
	case OutcomeBlockedUser:
		deltas[fieldBlockedUser] = 1
	}

	if err := s.backend.HIncrBy(ctx, bucketKey(group, s.now()), deltas, statsRetention); err != nil {
		s.logger.Warn("rate limit stats write failed", zap.String("group", group), zap.Error(err))
		s.metrics.StatsWriteError()
	}
}

// GroupStats aggregates the decisions of one group over a lookback window.
type GroupStats struct {
	Total         int64 `json:"total"`
	Premium       int64 `json:"premium"`
	Authenticated int64 `json:"authenticated"`
	Anonymous     int64 `json:"anonymous"`
	BlockedByIP   int64 `json:"blocked_by_ip"`
	BlockedByUser int64 `json:"blocked_by_user"`

	PremiumPct       float64 `json:"premium_pct"`
	AuthenticatedPct float64 `json:"authenticated_pct"`
	AnonymousPct     float64 `json:"anonymous_pct"`
	BlockedPct       float64 `json:"blocked_pct"`
}

// Blocked returns all denials regardless of cause.
func (g GroupStats) Blocked() int64 {
	return g.BlockedByIP + g.BlockedByUser
}

func (g *GroupStats) fillPercentages() {
	g.PremiumPct = percentage(g.Premium, g.Total)
	g.AuthenticatedPct = percentage(g.Authenticated, g.Total)
	g.AnonymousPct = percentage(g.Anonymous, g.Total)
	g.BlockedPct = percentage(g.Blocked(), g.Total)
}

// percentage returns part/total*100 rounded to two decimals, 0 for an empty
// total.
func percentage(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*10000) / 100
}

// Reporter reads the stats buckets.
type Reporter struct {
	backend quota.Backend
	groups  []string
	now     func() time.Time
}

// NewReporter creates a reporter; groups lists every known group so an empty
// group filter can report all of them.
func NewReporter(backend quota.Backend, groups []string) *Reporter {
	return &Reporter{backend: backend, groups: groups, now: time.Now}
}

// Stats aggregates the last hours hourly buckets (current hour included) for
// group, or for every known group when group is empty.
func (r *Reporter) Stats(ctx context.Context, group string, hours int) (map[string]GroupStats, error) {
	if hours <= 0 {
		hours = DefaultStatsHours
	}
	if limit := int(statsRetention / time.Hour); hours > limit {
		hours = limit
	}

	groups := r.groups
	if group != "" {
		groups = []string{group}
	}

	now := r.now()
	out := make(map[string]GroupStats, len(groups))
	for _, g := range groups {
		var gs GroupStats
		for h := 0; h < hours; h++ {
			fields, err := r.backend.HGetAll(ctx, bucketKey(g, now.Add(-time.Duration(h)*time.Hour)))
			if err != nil {
				return nil, fmt.Errorf("read stats for %s: %w", g, err)
			}
			gs.Total += fields[fieldTotal]
			gs.Premium += fields[string(TierPremium)]
			gs.Authenticated += fields[string(TierAuthenticated)]
			gs.Anonymous += fields[string(TierAnonymous)]
			gs.BlockedByIP += fields[fieldBlockedIP]
			gs.BlockedByUser += fields[fieldBlockedUser]
		}
		gs.fillPercentages()
		out[g] = gs
	}
	return out, nil
}
