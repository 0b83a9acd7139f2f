// Package telemetry defines the logging, metrics and tracing hooks used by the
// transcript runtime. Default implementations delegate to Clue and
// OpenTelemetry; the no-op variants keep tests and embedders quiet.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging. keyvals alternate keys and values.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter, timer and gauge helpers. tags alternate keys
	// and values.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer abstracts span creation so callers stay agnostic of the
	// configured OpenTelemetry provider.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is an in-flight tracing span.
	//
	//	ctx, span := tracer.Start(ctx, "transcript.render")
	//	defer span.End()
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}

	// Telemetry bundles the three hooks so components can accept a single
	// value. Zero fields are replaced with no-op implementations by
	// WithDefaults.
	Telemetry struct {
		Logger  Logger
		Metrics Metrics
		Tracer  Tracer
	}
)

// Clue returns a Telemetry wired to Clue logging and the global OpenTelemetry
// providers.
func Clue() Telemetry {
	return Telemetry{
		Logger:  NewClueLogger(),
		Metrics: NewClueMetrics(),
		Tracer:  NewClueTracer(),
	}
}

// Noop returns a Telemetry that discards everything.
func Noop() Telemetry {
	return Telemetry{
		Logger:  NewNoopLogger(),
		Metrics: NewNoopMetrics(),
		Tracer:  NewNoopTracer(),
	}
}

// WithDefaults fills nil hooks with no-op implementations.
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
