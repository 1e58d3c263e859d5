package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Semantic attribute keys for kernel telemetry. Every span and metric
// that touches an envelope, gate decision or suite carries these so
// traces can be joined back to the audit log.
const (
	AttrTenantID      = attribute.Key("upr.tenant.id")
	AttrWorkspaceID   = attribute.Key("upr.workspace.id")
	AttrEnvelopeHash  = attribute.Key("upr.envelope.sha256")
	AttrPersonaID     = attribute.Key("upr.persona.id")
	AttrGateDecision  = attribute.Key("upr.gate.decision")
	AttrGateRule      = attribute.Key("upr.gate.blocked_rule")
	AttrSuiteID       = attribute.Key("upr.suite.id")
	AttrSuiteStatus   = attribute.Key("upr.suite.status")
	AttrRunID         = attribute.Key("upr.run.id")
	AttrReplayID      = attribute.Key("upr.replay.id")
	AttrReplayVerdict = attribute.Key("upr.replay.verdict")
	AttrDriftCount    = attribute.Key("upr.replay.drift_count")
	AttrRoute         = attribute.Key("upr.http.route")
	AttrStatusCode    = attribute.Key("upr.http.status_code")
	AttrMethod        = attribute.Key("upr.http.method")
)

// EnvelopeAttrs tags telemetry for a sealed envelope.
func EnvelopeAttrs(tenantID, envelopeSHA string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrEnvelopeHash.String(envelopeSHA),
	}
}

// GateAttrs tags telemetry for a runtime gate decision. blockedRule is
// empty for PROCEED decisions.
func GateAttrs(tenantID, personaID, decision, blockedRule string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrPersonaID.String(personaID),
		AttrGateDecision.String(decision),
	}
	if blockedRule != "" {
		attrs = append(attrs, AttrGateRule.String(blockedRule))
	}
	return attrs
}

// ReplayAttrs tags telemetry for a completed replay.
func ReplayAttrs(replayID, verdict string, driftCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrReplayID.String(replayID),
		AttrReplayVerdict.String(verdict),
		AttrDriftCount.Int(driftCount),
	}
}

// SuiteAttrs tags telemetry for a suite lifecycle transition.
func SuiteAttrs(suiteID, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSuiteID.String(suiteID),
		AttrSuiteStatus.String(status),
	}
}

// HTTPAttrs tags a served request with its method, route pattern and
// status code. Route patterns keep cardinality bounded; raw paths with
// embedded IDs never become metric labels.
func HTTPAttrs(method, route string, status int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMethod.String(method),
		AttrRoute.String(route),
		AttrStatusCode.Int(status),
	}
}

// SpanFromContext returns the current span.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span, if one is recording.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// SetSpanStatus marks the current span failed or ok.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
