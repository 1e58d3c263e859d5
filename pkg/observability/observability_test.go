package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "upr-authority", config.ServiceName)
	require.Equal(t, "1.0.0", config.ServiceVersion)
	require.Equal(t, "dev", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestNewProviderNilConfigStaysOffline(t *testing.T) {
	// nil falls back to defaults, and defaults ship disabled, so no
	// exporter is dialed.
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.False(t, p.config.Enabled)
}

func TestTrackOperation(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, finish := p.TrackOperation(context.Background(), "envelope.seal",
		attribute.String("upr.tenant.id", "tenant-a"))
	require.NotNil(t, ctx)

	time.Sleep(time.Millisecond)
	finish(nil)
}

func TestTrackOperationWithError(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	_, finish := p.TrackOperation(context.Background(), "replay.complete")
	finish(errors.New("drift detected"))
}

func TestRecordMetricsDisabledNoPanic(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordRequest(ctx, attribute.String("route", "/v1/envelopes/seal"))
	p.RecordError(ctx, errors.New("boom"), attribute.String("route", "/v1/envelopes/seal"))
	p.RecordDuration(ctx, 100*time.Millisecond)
}

func TestStartSpan(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "gate.check")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	span.End()
}

func TestShutdownDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestEnvelopeAttrs(t *testing.T) {
	attrs := EnvelopeAttrs("tenant-a", "ab12")
	require.Len(t, attrs, 2)
	require.Equal(t, "upr.tenant.id", string(attrs[0].Key))
	require.Equal(t, "tenant-a", attrs[0].Value.AsString())
	require.Equal(t, "upr.envelope.sha256", string(attrs[1].Key))
}

func TestGateAttrs(t *testing.T) {
	attrs := GateAttrs("tenant-a", "persona-1", "BLOCK", "territory_mismatch")
	require.Len(t, attrs, 4)
	require.Equal(t, "upr.gate.decision", string(attrs[2].Key))
	require.Equal(t, "BLOCK", attrs[2].Value.AsString())
	require.Equal(t, "upr.gate.blocked_rule", string(attrs[3].Key))

	proceed := GateAttrs("tenant-a", "persona-1", "PROCEED", "")
	require.Len(t, proceed, 3)
}

func TestReplayAttrs(t *testing.T) {
	attrs := ReplayAttrs("rpl-1", "DETERMINISTIC_MATCH", 0)
	require.Len(t, attrs, 3)
	require.Equal(t, "upr.replay.verdict", string(attrs[1].Key))
	require.Equal(t, int64(0), attrs[2].Value.AsInt64())
}

func TestSuiteAttrs(t *testing.T) {
	attrs := SuiteAttrs("suite-1", "FROZEN")
	require.Len(t, attrs, 2)
	require.Equal(t, "upr.suite.status", string(attrs[1].Key))
	require.Equal(t, "FROZEN", attrs[1].Value.AsString())
}

func TestHTTPAttrs(t *testing.T) {
	attrs := HTTPAttrs("POST", "POST /v1/envelopes/seal", 200)
	require.Len(t, attrs, 3)
	require.Equal(t, "upr.http.route", string(attrs[1].Key))
	require.Equal(t, int64(200), attrs[2].Value.AsInt64())
}

func TestSpanFromContext(t *testing.T) {
	span := SpanFromContext(context.Background())
	require.NotNil(t, span) // no-op span when none is active
}

func TestAddSpanEventNoPanic(t *testing.T) {
	AddSpanEvent(context.Background(), "gate.decision", attribute.String("decision", "PROCEED"))
}

func TestSetSpanStatusNoPanic(t *testing.T) {
	SetSpanStatus(context.Background(), errors.New("gate blocked"))
	SetSpanStatus(context.Background(), nil)
}

func TestMiddlewareRecordsSLOByRoutePattern(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	slos := NewSLOTracker()
	slos.SetTarget(&SLOTarget{SLOID: "slo-ping", Operation: "GET /ping",
		LatencyP99: time.Second, SuccessRate: 0.99, WindowHours: 1})
	slos.SetTarget(&SLOTarget{SLOID: "slo-boom", Operation: "GET /boom",
		LatencyP99: time.Second, SuccessRate: 0.99, WindowHours: 1})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /boom", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	})
	handler := p.Middleware(slos)(mux)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	status, err := slos.Status("GET /ping")
	require.NoError(t, err)
	require.Equal(t, 1, status.ObservationCount)
	require.Equal(t, 1.0, status.CurrentSuccess)
	require.True(t, status.InCompliance)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	status, err = slos.Status("GET /boom")
	require.NoError(t, err)
	require.Equal(t, 1, status.ObservationCount)
	require.Equal(t, 0.0, status.CurrentSuccess)
	require.False(t, status.InCompliance)
}

func TestMiddlewareUnmatchedRoute(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	slos := NewSLOTracker()
	slos.SetTarget(&SLOTarget{SLOID: "slo-unmatched", Operation: "unmatched",
		LatencyP99: time.Second, SuccessRate: 0.5, WindowHours: 1})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /known", func(w http.ResponseWriter, r *http.Request) {})
	handler := p.Middleware(slos)(mux)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	// A 404 is a client miss, not a server failure.
	status, err := slos.Status("unmatched")
	require.NoError(t, err)
	require.Equal(t, 1, status.ObservationCount)
	require.Equal(t, 1.0, status.CurrentSuccess)
}

func TestMiddlewareNilTracker(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {})
	handler := p.Middleware(nil)(mux)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
