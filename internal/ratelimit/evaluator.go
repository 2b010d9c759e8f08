package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/convertica/convertica/internal/identity"
	"github.com/convertica/convertica/internal/metrics"
	"github.com/convertica/convertica/internal/quota"
)

// Outcome of a single evaluation.
type Outcome string

const (
	OutcomeAllowed     Outcome = "allowed"
	OutcomeBlockedIP   Outcome = "blocked_ip"
	OutcomeBlockedUser Outcome = "blocked_user"
)

// Decision is the result of evaluating one request against a policy.
type Decision struct {
	Outcome  Outcome
	Tier     Tier
	IP       string
	Identity string

	// Limit and Count describe the ceiling that decided a denial
	Limit      int64
	Count      int64
	RetryAfter time.Duration
	Message    string
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllowed
}

// Evaluator applies policies against the shared quota store.
type Evaluator struct {
	quota   *quota.Store
	stats   *StatsRecorder
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// EvaluatorConfig holds the evaluator collaborators.
type EvaluatorConfig struct {
	Quota   *quota.Store
	Stats   *StatsRecorder // optional
	Logger  *zap.Logger    // optional
	Metrics *metrics.Metrics
	Now     func() time.Time // optional, for tests
}

// NewEvaluator creates an evaluator.
func NewEvaluator(cfg EvaluatorConfig) *Evaluator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Evaluator{
		quota:   cfg.Quota,
		stats:   cfg.Stats,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
}

// Evaluate counts r against p and returns the decision.
//
// Order: a zero tier ceiling denies before any counter moves; then the IP
// counter; then the tier counter. A denial at one step leaves later
// counters untouched.
func (e *Evaluator) Evaluate(ctx context.Context, p Policy, r *http.Request) Decision {
	user := identity.FromContext(ctx)
	ip := identity.ClientIP(r)
	tier := ResolveTier(user, e.now())

	d := Decision{Outcome: OutcomeAllowed, Tier: tier, IP: ip, Identity: ip}
	if user.IsAuthenticated() {
		d.Identity = user.ID
	}

	tierRate := p.Tiers[tier]
	if tierRate.Blocked() {
		d.Outcome = OutcomeBlockedUser
		d.Message = blockedTierMessage(tier)
		return e.finish(ctx, p, d)
	}

	ok, count := e.quota.IncrementAndCheck(ctx, fmt.Sprintf("%s:ip:%s", p.Group, ip), p.IPRate.Limit, p.IPRate.Window)
	if !ok {
		d.Outcome = OutcomeBlockedIP
		d.Limit, d.Count, d.RetryAfter = p.IPRate.Limit, count, p.IPRate.Window
		d.Message = fmt.Sprintf("Too many requests from your IP address. Limit: %s.", describe(p.IPRate))
		return e.finish(ctx, p, d)
	}

	ok, count = e.quota.IncrementAndCheck(ctx, fmt.Sprintf("%s:%s:%s", p.Group, tier, d.Identity), tierRate.Limit, tierRate.Window)
	if !ok {
		d.Outcome = OutcomeBlockedUser
		d.Limit, d.Count, d.RetryAfter = tierRate.Limit, count, tierRate.Window
		d.Message = exhaustedTierMessage(tier, tierRate)
	}
	return e.finish(ctx, p, d)
}

func (e *Evaluator) finish(ctx context.Context, p Policy, d Decision) Decision {
	e.metrics.RateLimitDecision(p.Group, string(d.Tier), string(d.Outcome))
	if e.stats != nil {
		e.stats.Record(ctx, p.Group, d.Tier, d.Outcome)
	}
	if !d.Allowed() {
		e.logger.Info("rate limit exceeded",
			zap.String("group", p.Group),
			zap.String("tier", string(d.Tier)),
			zap.String("outcome", string(d.Outcome)),
			zap.String("ip", d.IP),
			zap.Int64("count", d.Count),
			zap.Int64("limit", d.Limit),
		)
	}
	return d
}

// Middleware wraps a handler with policy p. Denied requests receive 429 and
// never reach next.
func (e *Evaluator) Middleware(p Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := e.Evaluate(r.Context(), p, r)
			if !d.Allowed() {
				writeLimited(w, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LimitedResponse is the body of a 429 response.
type LimitedResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeLimited(w http.ResponseWriter, d Decision) {
	w.Header().Set("Content-Type", "application/json")
	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(d.RetryAfter.Seconds()), 10))
	}
	if d.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", "0")
	}
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(LimitedResponse{
		Error:   "Rate limit exceeded",
		Message: d.Message,
	})
}

func describe(r Rate) string {
	switch r.Window {
	case time.Second:
		return fmt.Sprintf("%d per second", r.Limit)
	case time.Minute:
		return fmt.Sprintf("%d per minute", r.Limit)
	case time.Hour:
		return fmt.Sprintf("%d per hour", r.Limit)
	case 24 * time.Hour:
		return fmt.Sprintf("%d per day", r.Limit)
	}
	return fmt.Sprintf("%d per %s", r.Limit, r.Window)
}

func blockedTierMessage(t Tier) string {
	if t == TierAnonymous {
		return "This endpoint requires an account. Please sign in to continue."
	}
	return "This endpoint is not available on your plan."
}

func exhaustedTierMessage(t Tier, r Rate) string {
	switch t {
	case TierAnonymous:
		return fmt.Sprintf("Request limit reached (%s). Sign in for higher limits.", describe(r))
	case TierAuthenticated:
		return fmt.Sprintf("Request limit reached (%s). Upgrade to premium for higher limits.", describe(r))
	}
	return fmt.Sprintf("Request limit reached (%s). Please try again later.", describe(r))
}
