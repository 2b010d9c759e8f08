package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/convertica/convertica/internal/runs"
)

// errorResponse is the JSON body of every non-429 error.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// adapt turns a failing handler into an http.HandlerFunc. A returned error
// becomes a 500 unless the handler already wrote a response.
func (s *Server) adapt(h runs.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		if err := h(sw, r); err != nil {
			s.logger.Error("handler failed",
				zap.String("path", r.URL.Path),
				zap.String("request_id", runs.RequestIDFromContext(r.Context())),
				zap.Error(err),
			)
			if sw.status == 0 {
				writeJSON(sw, http.StatusInternalServerError, errorResponse{
					Error:   "Internal Server Error",
					Message: "The conversion could not be started.",
				})
			}
		}
	}
}

// recoverer turns a panic that escaped the handlers into a 500.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if err, ok := p.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(p)
			}
			s.logger.Error("panic serving request",
				zap.String("path", r.URL.Path),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal Server Error"})
		}()
		next.ServeHTTP(w, r)
	})
}

// accessLog logs one line per request at debug level.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", routePattern(r)),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", w.Header().Get(runs.RequestIDHeader)),
		)
	})
}

// routePattern returns the matched chi pattern, falling back to the raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
