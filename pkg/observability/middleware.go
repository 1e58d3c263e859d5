package observability

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// statusWriter captures the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware instruments a handler tree: one server span per request,
// RED metrics and an SLO observation keyed by the matched route pattern.
// ServeMux fills r.Pattern during dispatch, so the pattern is read after
// the inner handler returns. slos may be nil.
func (p *Provider) Middleware(slos *SLOTracker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx, span := p.StartSpan(r.Context(), "http.request",
				trace.WithSpanKind(trace.SpanKindServer))

			// WithContext copies the request; ServeMux fills Pattern on
			// that copy, so the pattern must be read from it.
			req := r.WithContext(ctx)
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, req)

			route := req.Pattern
			if route == "" {
				route = "unmatched"
			}
			elapsed := time.Since(start)
			attrs := HTTPAttrs(r.Method, route, sw.status)

			span.SetName(r.Method + " " + route)
			span.SetAttributes(attrs...)
			if sw.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(sw.status))
			}
			span.End()

			p.RecordRequest(ctx, attrs...)
			p.RecordDuration(ctx, elapsed, attrs...)
			if sw.status >= http.StatusInternalServerError {
				p.RecordError(ctx, &httpError{status: sw.status}, attrs...)
			}

			if slos != nil {
				slos.Record(SLOObservation{
					Operation: route,
					Latency:   elapsed,
					Success:   sw.status < http.StatusInternalServerError,
				})
			}
		})
	}
}

type httpError struct {
	status int
}

func (e *httpError) Error() string {
	return http.StatusText(e.status)
}
