package session

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/goa-transcript/runtime/diagnostics"
	"goa.design/goa-transcript/runtime/history"
	"goa.design/goa-transcript/runtime/projection"
	"goa.design/goa-transcript/runtime/transcript"
)

type (
	// Profile selects the provider of the next turn.
	Profile struct {
		// Name identifies the profile in configuration.
		Name   string
		Family projection.Family
		// Model is the provider model id, passed through to wire adapters.
		Model string
		// StrictAdjacency overrides the family default when set.
		StrictAdjacency *bool
	}

	// Prepared is the transcript of the next turn, ready for a wire adapter.
	Prepared struct {
		Profile    Profile
		Transcript *transcript.Transcript
		IDs        *projection.IDs
		Event      diagnostics.Event
	}
)

// Strict reports whether the profile requires strict adjacency.
func (p Profile) Strict() bool {
	if p.StrictAdjacency != nil {
		return *p.StrictAdjacency
	}
	return p.Family.StrictAdjacency()
}

// Prepare renders the current history for profile, projects call ids into
// the profile's family and emits a diagnostics event. Render and projection
// failures emit a fault event and are returned; no partial transcript is
// produced.
func (s *Session) Prepare(ctx context.Context, p Profile) (*Prepared, error) {
	ctx, span := s.tel.Tracer.Start(ctx, "session.prepare")
	defer span.End()
	start := time.Now()

	ev := diagnostics.Event{
		Kind:      diagnostics.KindRender,
		SessionID: s.id,
		Provider:  string(p.Family),
		Strict:    p.Strict(),
		Time:      start.UTC(),
	}
	fail := func(err error) (*Prepared, error) {
		fev := diagnostics.FaultEvent(ev, err)
		s.emit(ctx, fev)
		s.tel.Metrics.IncCounter("transcript.fault", 1, "provider", string(p.Family), "class", string(fev.Fault))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	strategy, err := projection.For(p.Family)
	if err != nil {
		return nil, err
	}
	records, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if s.policy != nil {
		out, err := s.policy(ctx, records)
		switch {
		case errors.Is(err, history.ErrUnsafeCompression):
			s.tel.Logger.Warn(ctx, "history policy rejected, rendering full history", "session_id", s.id, "err", err)
		case err != nil:
			s.tel.Logger.Warn(ctx, "history policy failed, rendering full history", "session_id", s.id, "err", err)
		default:
			records = out
		}
	}

	t, err := transcript.Build(records, s.view, transcript.Options{StrictAdjacency: ev.Strict})
	if t != nil {
		ev.Observed = t.Report.Observed
		ev.Dedup = t.Report.Dedup
		ev.Synthetic = t.Report.Synthetic
		ev.Corrections = t.Report.Corrections
	}
	if err != nil {
		return fail(err)
	}
	ids, err := projection.Transcript(t.Records, strategy)
	if err != nil {
		return fail(err)
	}
	ev.EmittedCalls = ids.Calls
	ev.EmittedResults = ids.Results
	s.emit(ctx, ev)

	s.tel.Metrics.RecordTimer("transcript.render.duration", time.Since(start), "provider", string(p.Family))
	if n := len(ev.Synthetic); n > 0 {
		s.tel.Metrics.IncCounter("transcript.synthetic", float64(n), "provider", string(p.Family))
	}
	return &Prepared{Profile: p, Transcript: t, IDs: ids, Event: ev}, nil
}

func (s *Session) emit(ctx context.Context, ev diagnostics.Event) {
	if err := s.sink.Emit(ctx, ev); err != nil {
		s.tel.Logger.Warn(ctx, "diagnostics sink failed", "session_id", s.id, "err", err)
	}
}
