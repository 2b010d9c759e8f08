package runs

import (
	"context"
	"errors"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/convertica/convertica/internal/identity"
	"github.com/convertica/convertica/internal/logging"
	"github.com/convertica/convertica/internal/metrics"
)

// RequestIDHeader carries the request id in and out of the service.
const RequestIDHeader = "X-Request-ID"

const (
	maxRequestIDLen = 64
	maxUserAgentLen = 512
	maxPathLen      = 512

	// markTimeout bounds the terminal writes, which run detached from the
	// request context so a disconnecting client cannot lose them.
	markTimeout = 5 * time.Second
)

// RunWriter is the subset of Store the Recorder writes through.
type RunWriter interface {
	Upsert(ctx context.Context, r Run) error
	MarkSuccess(ctx context.Context, requestID string, outputSize, durationMs int64) error
	MarkError(ctx context.Context, requestID, errorType, errorMessage string, durationMs int64) error
	MarkHTTPError(ctx context.Context, requestID, errorMessage string, durationMs int64) error
}

// Recorder writes operation runs on behalf of request handlers. Every
// method is fail silent.
type Recorder struct {
	store   RunWriter
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store RunWriter, logger *zap.Logger, m *metrics.Metrics) *Recorder {
	return &Recorder{
		store:   store,
		logger:  logging.Component(logger, "runs"),
		metrics: m,
		now:     time.Now,
	}
}

type requestIDKey struct{}

// RequestIDFromContext returns the request id attached to ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// EnsureRequestID returns r with a request id attached to its context and
// the id itself. An id already in the context is reused, then a well-formed
// inbound X-Request-ID header, otherwise a new UUID is generated.
func EnsureRequestID(r *http.Request) (*http.Request, string) {
	if id := RequestIDFromContext(r.Context()); id != "" {
		return r, id
	}
	id := r.Header.Get(RequestIDHeader)
	if !validRequestID(id) {
		id = uuid.NewString()
	}
	return withRequestID(r, id), id
}

func withRequestID(r *http.Request, id string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}

// RequestID is middleware that assigns the request id before anything else
// runs and echoes it in the response headers.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, id := EnsureRequestID(r)
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// CreateOption adjusts the run written by CreateRun.
type CreateOption func(*Run)

// WithUser overrides the requester snapshot with u.
func WithUser(u *identity.User, now time.Time) CreateOption {
	return func(r *Run) {
		r.UserID = ""
		if u.IsAuthenticated() {
			r.UserID = u.ID
		}
		r.IsPremium = u.IsSubscriptionActive(now)
	}
}

// WithStartedAt sets the start timestamp instead of the current time.
func WithStartedAt(t time.Time) CreateOption {
	return func(r *Run) { r.StartedAt = t }
}

// CreateRun upserts the run for the request's id with a snapshot of the
// requester and returns the run's id. When the request id already belongs to
// a finished run, the run is created under a new id instead and that id is
// returned. On any failure it logs and returns "".
func (rec *Recorder) CreateRun(r *http.Request, conversionType string, status Status, opts ...CreateOption) string {
	r, id := EnsureRequestID(r)
	now := rec.now()

	run := Run{
		RequestID:      id,
		ConversionType: conversionType,
		Status:         status,
		RemoteAddr:     identity.ClientIP(r),
		UserAgent:      truncate(r.UserAgent(), maxUserAgentLen),
		Path:           truncate(r.URL.Path, maxPathLen),
		StartedAt:      now,
	}
	WithUser(identity.FromContext(r.Context()), now)(&run)
	for _, opt := range opts {
		opt(&run)
	}

	err := rec.store.Upsert(r.Context(), run)
	if errors.Is(err, ErrRunFinished) {
		run.RequestID = uuid.NewString()
		rec.logger.Warn("request id reused after its run finished, assigned a new one",
			zap.String("request_id", id),
			zap.String("new_request_id", run.RequestID),
		)
		err = rec.store.Upsert(r.Context(), run)
	}
	if err != nil {
		rec.failed("create", run.RequestID, err)
		return ""
	}
	return run.RequestID
}

// MarkSuccess finishes the run as successful.
func (rec *Recorder) MarkSuccess(ctx context.Context, requestID string, outputSize, durationMs int64) {
	if requestID == "" {
		return
	}
	ctx, cancel := detached(ctx)
	defer cancel()
	if err := rec.store.MarkSuccess(ctx, requestID, outputSize, durationMs); err != nil {
		rec.failed("mark_success", requestID, err)
	}
}

// MarkError finishes the run as failed with the given reason.
func (rec *Recorder) MarkError(ctx context.Context, requestID, errorType, errorMessage string, durationMs int64) {
	if requestID == "" {
		return
	}
	ctx, cancel := detached(ctx)
	defer cancel()
	err := rec.store.MarkError(ctx, requestID,
		truncate(errorType, maxErrorTypeLen), truncate(errorMessage, maxErrorMessageLen), durationMs)
	if err != nil {
		rec.failed("mark_error", requestID, err)
	}
}

// MarkHTTPError records an error response without replacing a reason that
// was already stored.
func (rec *Recorder) MarkHTTPError(ctx context.Context, requestID, errorMessage string, durationMs int64) {
	if requestID == "" {
		return
	}
	ctx, cancel := detached(ctx)
	defer cancel()
	if err := rec.store.MarkHTTPError(ctx, requestID, truncate(errorMessage, maxErrorMessageLen), durationMs); err != nil {
		rec.failed("mark_http_error", requestID, err)
	}
}

func (rec *Recorder) failed(op, requestID string, err error) {
	rec.metrics.RecorderError(op)
	rec.logger.Warn("operation run write failed",
		zap.String("op", op),
		zap.String("request_id", requestID),
		zap.Error(err),
	)
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
