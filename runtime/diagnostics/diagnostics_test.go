package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type classified struct{ class FaultClass }

func (c classified) Error() string          { return string(c.class) }
func (c classified) FaultClass() FaultClass { return c.class }

type failingSink struct{}

func (failingSink) Emit(context.Context, Event) error { return errors.New("down") }

type capturingLogger struct {
	level string
	msg   string
	kv    []any
}

func (l *capturingLogger) Debug(_ context.Context, msg string, kv ...any) { l.set("debug", msg, kv) }
func (l *capturingLogger) Info(_ context.Context, msg string, kv ...any)  { l.set("info", msg, kv) }
func (l *capturingLogger) Warn(_ context.Context, msg string, kv ...any)  { l.set("warn", msg, kv) }
func (l *capturingLogger) Error(_ context.Context, msg string, kv ...any) { l.set("error", msg, kv) }
func (l *capturingLogger) set(level, msg string, kv []any)                { l.level, l.msg, l.kv = level, msg, kv }

func TestFaultEventUsesErrorClass(t *testing.T) {
	err := fmt.Errorf("render: %w", classified{FaultProjection})
	ev := FaultEvent(Event{Provider: "mistral"}, err)
	assert.Equal(t, KindFault, ev.Kind)
	assert.Equal(t, FaultProjection, ev.Fault)
	assert.Equal(t, "mistral", ev.Provider)

	ev = FaultEvent(Event{}, errors.New("plain"))
	assert.Equal(t, FaultRenderer, ev.Fault)
}

func TestMultiJoinsErrorsAndStillDelivers(t *testing.T) {
	rec := &Recorder{}
	err := Multi(failingSink{}, nil, rec).Emit(context.Background(), Event{Kind: KindRender})
	require.Error(t, err)
	assert.Len(t, rec.Events(), 1)
}

func TestLogSinkLevels(t *testing.T) {
	logger := &capturingLogger{}
	sink := NewLogSink(logger)

	require.NoError(t, sink.Emit(context.Background(), Event{Kind: KindRender, Provider: "openai"}))
	assert.Equal(t, "debug", logger.level)

	require.NoError(t, sink.Emit(context.Background(), Event{Kind: KindFault, Fault: FaultRenderer, Error: "x"}))
	assert.Equal(t, "error", logger.level)
	assert.Contains(t, logger.kv, "renderer-fault")
}

func TestRecorderFaults(t *testing.T) {
	rec := &Recorder{}
	ctx := context.Background()
	_ = rec.Emit(ctx, Event{Kind: KindRender})
	_ = rec.Emit(ctx, Event{Kind: KindFault, Fault: FaultCanonicalStateCorruption})
	require.Len(t, rec.Faults(), 1)
	assert.Equal(t, FaultCanonicalStateCorruption, rec.Faults()[0].Fault)
}
