package middleware

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// statusRecorder captures the response code for the completion line.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController, which
// the WebSocket upgrade needs to hijack the connection.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// RequestLogger tags each request with an X-Request-ID and logs its start
// and completion, so one request's lines grep together across the
// pipeline's other log output.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		start := time.Now()

		w.Header().Set("X-Request-ID", reqID)
		log.Printf("[HTTP %s] %s %s from %s", reqID, r.Method, r.URL.Path, r.RemoteAddr)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log.Printf("[HTTP %s] %d %s %s in %v", reqID, rec.status, r.Method, r.URL.Path, time.Since(start))
	})
}
