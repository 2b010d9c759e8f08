package runs

import (
	"bytes"
	"context"
	"net/http"
	"time"
)

// maxCapturedBody bounds how much of an error response is kept for
// message extraction.
const maxCapturedBody = 64 << 10

// HandlerFunc is an HTTP handler that may fail. A returned error is
// recorded on the run and passed up unchanged to the caller.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Track wraps next so each call is recorded as one run of conversionType.
//
// The run is created as running before next is invoked. A returned error or
// a panic marks it as error with the error's type name; the panic is then
// re-raised. Otherwise the response status decides between success and an
// HTTP error whose message is extracted from the response body.
func (rec *Recorder) Track(conversionType string, next HandlerFunc) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) (err error) {
		r, id := EnsureRequestID(r)
		requestID := rec.CreateRun(r, conversionType, StatusRunning)
		if requestID != "" && requestID != id {
			r = withRequestID(r, requestID)
			w.Header().Set(RequestIDHeader, requestID)
		}

		cw := &captureWriter{ResponseWriter: w}
		start := rec.now()

		defer func() {
			if p := recover(); p != nil {
				d := rec.now().Sub(start)
				rec.MarkError(r.Context(), requestID, PanicTypeName(p), panicMessage(p), d.Milliseconds())
				rec.metrics.OperationRunFinished(conversionType, string(StatusError), d)
				panic(p)
			}
		}()

		err = next(cw, r)
		d := rec.now().Sub(start)

		if err != nil {
			rec.MarkError(r.Context(), requestID, ErrorTypeName(err), err.Error(), d.Milliseconds())
			rec.metrics.OperationRunFinished(conversionType, string(StatusError), d)
			return err
		}

		rec.finish(r.Context(), conversionType, requestID, cw, d)
		return nil
	}
}

func (rec *Recorder) finish(ctx context.Context, conversionType, requestID string, cw *captureWriter, d time.Duration) {
	status := cw.Status()
	if status < http.StatusBadRequest {
		rec.MarkSuccess(ctx, requestID, cw.written, d.Milliseconds())
		rec.metrics.OperationRunFinished(conversionType, string(StatusSuccess), d)
		return
	}
	rec.MarkHTTPError(ctx, requestID, ExtractErrorMessage(status, cw.body.Bytes()), d.Milliseconds())
	rec.metrics.OperationRunFinished(conversionType, string(StatusError), d)
}

func panicMessage(p any) string {
	switch v := p.(type) {
	case error:
		return v.Error()
	case string:
		return v
	}
	return "panic during request handling"
}

// captureWriter records the status code and size of a response and keeps
// the start of error bodies.
type captureWriter struct {
	http.ResponseWriter
	status  int
	written int64
	body    bytes.Buffer
}

func (w *captureWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	if w.status >= http.StatusBadRequest && w.body.Len() < maxCapturedBody {
		room := maxCapturedBody - w.body.Len()
		if len(p) < room {
			room = len(p)
		}
		w.body.Write(p[:room])
	}
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	return n, err
}

// Status returns the response status, 200 if nothing was written.
func (w *captureWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *captureWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
