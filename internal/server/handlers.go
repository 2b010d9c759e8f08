package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/convertica/convertica/internal/identity"
	"github.com/convertica/convertica/internal/runs"
	"github.com/convertica/convertica/internal/tasks"
)

// maxPayloadBytes bounds the JSON job description accepted by a
// conversion endpoint. Uploaded files go to object storage, not here.
const maxPayloadBytes = 1 << 20

// AcceptedResponse is returned once a conversion has been queued.
type AcceptedResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Queue     string `json:"queue"`
	Priority  int    `json:"priority"`
}

// convert returns the dispatch handler for conversionType.
func (s *Server) convert(conversionType string) runs.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		payload, err := decodePayload(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return nil
		}

		requestID := runs.RequestIDFromContext(r.Context())
		premium := identity.FromContext(r.Context()).IsSubscriptionActive(s.now())
		opts := tasks.ApplyOptions(nil, premium)

		_, err = s.deps.Dispatcher.Dispatch(r.Context(), tasks.Task{
			RequestID:      requestID,
			ConversionType: conversionType,
			Payload:        payload,
		}, opts)
		if err != nil {
			return err
		}

		writeJSON(w, http.StatusAccepted, AcceptedResponse{
			RequestID: requestID,
			Status:    string(runs.StatusQueued),
			Queue:     opts.Queue(),
			Priority:  opts.Priority(),
		})
		return nil
	}
}

func decodePayload(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		return nil, errors.New("could not read request body")
	}
	if len(body) > maxPayloadBytes {
		return nil, errors.New("request body too large")
	}
	payload := map[string]any{}
	if len(body) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.New("request body must be a JSON object")
	}
	return payload, nil
}

// handleRateLimitStats reports the rate limit stats.
// GET /api/ops/rate-limit-stats?group=&hours=
func (s *Server) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")
	if group != "" {
		if _, ok := s.deps.Policies[group]; !ok {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error:   "Unknown group",
				Message: fmt.Sprintf("no rate limit group named %q", group),
			})
			return
		}
	}

	hours := 0
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error:   "Invalid hours",
				Message: "hours must be a positive integer",
			})
			return
		}
		hours = n
	}

	stats, err := s.deps.Reporter.Stats(r.Context(), group, hours)
	if err != nil {
		s.logger.Warn("rate limit stats failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error:   "Stats unavailable",
			Message: "the stats store could not be read",
		})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// RunResponse is the operator view of one operation run.
type RunResponse struct {
	RequestID      string     `json:"request_id"`
	ConversionType string     `json:"conversion_type"`
	Status         string     `json:"status"`
	UserID         string     `json:"user_id,omitempty"`
	IsPremium      bool       `json:"is_premium"`
	Path           string     `json:"path"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	DurationMs     int64      `json:"duration_ms"`
	ErrorType      string     `json:"error_type,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	OutputSize     int64      `json:"output_size"`
}

func newRunResponse(r *runs.Run) RunResponse {
	resp := RunResponse{
		RequestID:      r.RequestID,
		ConversionType: r.ConversionType,
		Status:         string(r.Status),
		UserID:         r.UserID,
		IsPremium:      r.IsPremium,
		Path:           r.Path,
		StartedAt:      r.StartedAt,
		DurationMs:     r.DurationMs,
		ErrorType:      r.ErrorType,
		ErrorMessage:   r.ErrorMessage,
		OutputSize:     r.OutputSize,
	}
	if r.Finished() {
		finished := r.FinishedAt
		resp.FinishedAt = &finished
	}
	return resp
}

// handleGetRun returns one operation run.
// GET /api/ops/runs/{requestID}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	run, err := s.deps.Runs.Get(r.Context(), requestID)
	if errors.Is(err, runs.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error:   "Not found",
			Message: fmt.Sprintf("no operation run with request id %q", requestID),
		})
		return
	}
	if err != nil {
		s.logger.Warn("run lookup failed", zap.String("request_id", requestID), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error:   "Runs unavailable",
			Message: "the run store could not be read",
		})
		return
	}
	writeJSON(w, http.StatusOK, newRunResponse(run))
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// handleHealth reports whether the dependencies answer.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Version: s.cfg.Version}
	code := http.StatusOK
	if len(s.deps.Checks) > 0 {
		resp.Checks = make(map[string]string, len(s.deps.Checks))
	}
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, code, resp)
}
