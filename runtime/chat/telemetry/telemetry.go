// Package telemetry carries the logging, metrics and tracing hooks used by the
// conversation engine. Engine packages depend only on the small interfaces
// declared here; binaries wire the Clue/OpenTelemetry implementations and
// tests use the noop ones.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging used throughout the engine.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter and histogram helpers for engine instrumentation.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer abstracts span creation so engine code stays agnostic of the
	// underlying OpenTelemetry provider.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span represents an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}

	// Telemetry bundles the three hooks so components can accept a single
	// value. Nil fields are replaced by noop implementations in WithDefaults.
	Telemetry struct {
		Logger  Logger
		Metrics Metrics
		Tracer  Tracer
	}
)

// Metric names recorded by the engine.
const (
	MetricEventsReceived     = "agentchat.events.received"
	MetricProtocolViolations = "agentchat.protocol_violations"
	MetricInterrupts         = "agentchat.interrupts"
	MetricResumes            = "agentchat.resumes"
	MetricRuns               = "agentchat.runs"
	MetricRunDuration        = "agentchat.run.duration"
	MetricTranscriptLength   = "agentchat.transcript.length"
)

// WithDefaults returns a copy of t where every nil hook is replaced by its
// noop counterpart.
func (t Telemetry) WithDefaults() Telemetry {
	if t.Logger == nil {
		t.Logger = NewNoopLogger()
	}
	if t.Metrics == nil {
		t.Metrics = NewNoopMetrics()
	}
	if t.Tracer == nil {
		t.Tracer = NewNoopTracer()
	}
	return t
}

// Clue returns a Telemetry wired to goa.design/clue logging and the global
// OpenTelemetry meter and tracer providers. keyvals are bound to every log
// entry.
func Clue(keyvals ...any) Telemetry {
	return Telemetry{
		Logger:  NewClueLogger(keyvals...),
		Metrics: NewClueMetrics(),
		Tracer:  NewClueTracer(),
	}
}
