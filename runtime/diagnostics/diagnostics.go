// Package diagnostics defines the structured event emitted on every render and
// every fault, and the sinks that receive it.
package diagnostics

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/telemetry"
)

type (
	// FaultClass tags the failure category of a fault event.
	FaultClass string

	// EventKind distinguishes render events from fault events.
	EventKind string

	// Classified is implemented by errors that carry a fault class.
	Classified interface {
		error
		FaultClass() FaultClass
	}

	// Decision explains how duplicate completions for one call were
	// resolved.
	Decision struct {
		CallID string `json:"callId"`
		// Kept names the source of the completion that was kept: history,
		// ledger or synthetic.
		Kept      string `json:"kept"`
		Dropped   int    `json:"dropped"`
		Rationale string `json:"rationale"`
	}

	// Synthetic records one synthesized completion.
	Synthetic struct {
		CallID string       `json:"callId"`
		Reason model.Reason `json:"reason"`
	}

	// Event is the diagnostics payload.
	Event struct {
		Kind      EventKind `json:"kind"`
		SessionID string    `json:"sessionId,omitempty"`
		Provider  string    `json:"provider,omitempty"`
		Strict    bool      `json:"strict"`
		// Observed lists canonical call ids found in history, in emission
		// order.
		Observed []string `json:"observed"`
		// EmittedCalls and EmittedResults list the projected ids sent on the
		// wire.
		EmittedCalls   []string    `json:"emittedCalls"`
		EmittedResults []string    `json:"emittedResults"`
		Dedup          []Decision  `json:"dedup,omitempty"`
		Synthetic      []Synthetic `json:"synthetic,omitempty"`
		// Corrections describes attribution fixes and dropped orphans.
		Corrections []string   `json:"corrections,omitempty"`
		Fault       FaultClass `json:"fault,omitempty"`
		Error       string     `json:"error,omitempty"`
		Time        time.Time  `json:"time"`
	}

	// Sink receives diagnostics events. Emit must not retain ev's slices.
	Sink interface {
		Emit(ctx context.Context, ev Event) error
	}

	// LogSink writes events through a telemetry logger.
	LogSink struct {
		logger telemetry.Logger
	}

	// Recorder keeps events in memory.
	Recorder struct {
		mu     sync.Mutex
		events []Event
	}

	multi []Sink

	discard struct{}
)

const (
	FaultCanonicalStateCorruption FaultClass = "canonical-state-corruption"
	FaultRenderer                 FaultClass = "renderer-fault"
	FaultProjection               FaultClass = "projection-fault"
)

const (
	KindRender EventKind = "render"
	KindFault  EventKind = "fault"
)

// ClassOf returns the fault class carried by err, if any.
func ClassOf(err error) (FaultClass, bool) {
	var c Classified
	if errors.As(err, &c) {
		return c.FaultClass(), true
	}
	return "", false
}

// FaultEvent returns a fault event for err based on ev.
func FaultEvent(ev Event, err error) Event {
	ev.Kind = KindFault
	ev.Error = err.Error()
	if c, ok := ClassOf(err); ok {
		ev.Fault = c
	} else {
		ev.Fault = FaultRenderer
	}
	return ev
}

// NewLogSink returns a sink that logs render events at debug level and fault
// events at error level.
func NewLogSink(logger telemetry.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, ev Event) error {
	kv := []any{
		"session_id", ev.SessionID,
		"provider", ev.Provider,
		"strict", ev.Strict,
		"observed", ev.Observed,
		"emitted_calls", ev.EmittedCalls,
		"emitted_results", ev.EmittedResults,
	}
	if len(ev.Dedup) > 0 {
		kv = append(kv, "dedup", ev.Dedup)
	}
	if len(ev.Synthetic) > 0 {
		kv = append(kv, "synthetic", ev.Synthetic)
	}
	if len(ev.Corrections) > 0 {
		kv = append(kv, "corrections", ev.Corrections)
	}
	if ev.Kind == KindFault {
		kv = append(kv, "fault", string(ev.Fault), "error", ev.Error)
		s.logger.Error(ctx, "transcript fault", kv...)
		return nil
	}
	s.logger.Debug(ctx, "transcript rendered", kv...)
	return nil
}

// Multi fans an event out to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

func (m multi) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard returns a sink that drops events.
func Discard() Sink { return discard{} }

func (discard) Emit(context.Context, Event) error { return nil }

// Emit records ev.
func (r *Recorder) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Faults returns the recorded fault events.
func (r *Recorder) Faults() []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Kind == KindFault {
			out = append(out, ev)
		}
	}
	return out
}
