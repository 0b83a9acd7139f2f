// Package pulse publishes transcript diagnostics events to goa.design/pulse
// streams and reads them back, so render decisions and faults of every
// process can be inspected from one place.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	clientspulse "goa.design/goa-transcript/features/diagnostics/pulse/clients/pulse"
	"goa.design/goa-transcript/runtime/diagnostics"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client publishes events. Required.
		Client clientspulse.Client
		// Stream names the target stream. Defaults to "transcript-diagnostics".
		Stream string
	}

	// Sink implements diagnostics.Sink on top of a Pulse stream. It is safe
	// for concurrent use.
	Sink struct {
		stream clientspulse.Stream
	}

	envelope struct {
		Kind      diagnostics.EventKind `json:"kind"`
		SessionID string                `json:"session_id,omitempty"`
		Timestamp time.Time             `json:"timestamp"`
		Event     diagnostics.Event     `json:"event"`
	}
)

// DefaultStream is the stream used when Options.Stream is empty.
const DefaultStream = "transcript-diagnostics"

var _ diagnostics.Sink = (*Sink)(nil)

// NewSink opens the configured stream and returns a sink publishing to it.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.Stream
	if name == "" {
		name = DefaultStream
	}
	s, err := opts.Client.Stream(name)
	if err != nil {
		return nil, err
	}
	return &Sink{stream: s}, nil
}

// Emit publishes ev under its kind.
func (s *Sink) Emit(ctx context.Context, ev diagnostics.Event) error {
	payload, err := json.Marshal(envelope{
		Kind:      ev.Kind,
		SessionID: ev.SessionID,
		Timestamp: time.Now().UTC(),
		Event:     ev,
	})
	if err != nil {
		return err
	}
	_, err = s.stream.Add(ctx, string(ev.Kind), payload)
	return err
}
