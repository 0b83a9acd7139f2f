package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/goa-transcript/features/diagnostics/pulse/clients/pulse"
	"goa.design/goa-transcript/runtime/diagnostics"
)

type (
	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client reads events. Required.
		Client clientspulse.Client
		// SinkName identifies the consumer group. Defaults to
		// "transcript_diagnostics".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber reads diagnostics events published by Sink.
	Subscriber struct {
		client clientspulse.Client
		name   string
		buffer int
	}
)

// NewSubscriber returns a subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "transcript_diagnostics"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, name: name, buffer: buffer}, nil
}

// Subscribe consumes stream and returns the decoded events. The event and
// error channels close when ctx is done, the returned cancel function is
// called or an event fails to decode or ack.
func (s *Subscriber) Subscribe(ctx context.Context, stream string, opts ...streamopts.Sink) (<-chan diagnostics.Event, <-chan error, context.CancelFunc, error) {
	if stream == "" {
		stream = DefaultStream
	}
	str, err := s.client.Stream(stream)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan diagnostics.Event, s.buffer)
	errs := make(chan error, 1)
	ctx, cancel := context.WithCancel(ctx)
	go consume(ctx, sink, events, errs)
	return events, errs, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

func consume(ctx context.Context, sink clientspulse.Sink, out chan<- diagnostics.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				errs <- fmt.Errorf("decode diagnostics event %s: %w", evt.ID, err)
				return
			}
			select {
			case out <- env.Event:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("ack diagnostics event %s: %w", evt.ID, err)
				return
			}
		}
	}
}
