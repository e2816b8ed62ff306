package api

import (
	"net/http"
	"time"

	"github.com/avs-mesh/wavsnode/internal/logging"
)

// loggingMiddleware stamps every request with a trace id (reusing one
// supplied via X-Trace-ID, generating one otherwise) and logs method, path,
// status, and duration once the handler returns.
func loggingMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if logger == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()

			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" {
				traceID = logging.NewTraceID()
			}
			ctx := logging.WithTraceID(r.Context(), traceID)
			r = r.WithContext(ctx)
			w.Header().Set("X-Trace-ID", traceID)

			wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			logger.LogRequest(ctx, r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}

// statusRecorder wraps http.ResponseWriter to capture the status code a
// handler wrote, for the logging middleware's completed-request summary.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}
