package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"goa.design/clue/log"
)

func TestWithDefaults(t *testing.T) {
	tel := Telemetry{Logger: NewClueLogger()}.WithDefaults()
	assert.IsType(t, ClueLogger{}, tel.Logger)
	assert.Equal(t, NewNoopMetrics(), tel.Metrics)
	assert.Equal(t, NewNoopTracer(), tel.Tracer)
}

func TestClueLoggerWritesKeyvals(t *testing.T) {
	var buf bytes.Buffer
	ctx := log.Context(context.Background(), log.WithOutput(&buf), log.WithFormat(log.FormatJSON), log.WithDebug())
	l := NewClueLogger()

	l.Info(ctx, "tool batch scheduled", "session_id", "s1", "calls", 2)
	out := buf.String()
	assert.Contains(t, out, `"msg":"tool batch scheduled"`)
	assert.Contains(t, out, `"session_id":"s1"`)

	buf.Reset()
	l.Error(ctx, "ledger write failed", "err", errors.New("boom"))
	assert.Contains(t, buf.String(), "boom")
}

func TestFieldersSkipsNonStringKeys(t *testing.T) {
	fs := fielders("m", []any{"a", 1, 2, "x", "tail"})
	require.Len(t, fs, 3)
	assert.Equal(t, log.KV{K: "msg", V: "m"}, fs[0])
	assert.Equal(t, log.KV{K: "a", V: 1}, fs[1])
	assert.Equal(t, log.KV{K: "tail", V: nil}, fs[2])
}

func TestTagsToAttrs(t *testing.T) {
	attrs := tagsToAttrs([]string{"tool", "weather", "status"})
	assert.Equal(t, []attribute.KeyValue{
		attribute.String("tool", "weather"),
		attribute.String("status", ""),
	}, attrs)
}

func TestKVToAttrs(t *testing.T) {
	attrs := kvToAttrs([]any{"s", "v", "i", 3, "f", 1.5, "b", true})
	assert.Equal(t, []attribute.KeyValue{
		attribute.String("s", "v"),
		attribute.Int("i", 3),
		attribute.Float64("f", 1.5),
		attribute.Bool("b", true),
	}, attrs)
}

func TestNoopTracer(t *testing.T) {
	ctx, span := NewNoopTracer().Start(context.Background(), "x")
	assert.NotNil(t, ctx)
	span.AddEvent("e", "k", "v")
	span.End()
}
