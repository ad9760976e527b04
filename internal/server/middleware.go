package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"fleetwatch/internal/telemetry"
)

// RequestObserver records request latency; *metrics.Metrics implements it.
type RequestObserver interface {
	ObserveRequest(route string, code int, d time.Duration)
}

// withRequestID tags each request with X-Request-Id, reusing the caller's
// value when present.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// withCORS lets the browser console call the API from any origin.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

// withObservability wraps each request in a span and records its latency
// under the matched route pattern.
func withObservability(mux *http.ServeMux, rec RequestObserver) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, route := mux.Handler(r)
		if route == "" {
			route = "unmatched"
		}
		ctx, span := telemetry.Tracer().Start(r.Context(), r.Method+" "+route)
		defer span.End()

		sr := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		mux.ServeHTTP(sr, r.WithContext(ctx))

		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", sr.code),
			attribute.String("request.id", requestID(ctx)),
		)
		if sr.code >= 500 {
			span.SetStatus(codes.Error, http.StatusText(sr.code))
		}
		if rec != nil {
			rec.ObserveRequest(route, sr.code, time.Since(start))
		}
	})
}
