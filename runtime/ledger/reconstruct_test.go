package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/toolerrors"
)

func TestReconstructFromHistory(t *testing.T) {
	history := []model.Record{
		{Speaker: model.SpeakerHuman, Blocks: []model.Block{model.TextBlock{Text: "go"}}},
		{Speaker: model.SpeakerAI, Blocks: []model.Block{
			model.ToolCallBlock{ID: "ok", Name: "a", Arguments: map[string]any{"x": 1.0}},
			model.ToolCallBlock{ID: "err", Name: "b"},
			model.ToolCallBlock{ID: "flag", Name: "c"},
			model.ToolCallBlock{ID: "open", Name: "d"},
			model.ToolCallBlock{ID: "stopped", Name: "e"},
		}},
		{Speaker: model.SpeakerTool, Blocks: []model.Block{
			model.ToolResponseBlock{CallID: "ok", Result: "fine"},
			model.ToolResponseBlock{CallID: "err", Result: "partial", Error: toolerrors.New("boom")},
			model.ToolResponseBlock{CallID: "flag", IsComplete: model.Bool(true)},
			model.ToolResponseBlock{CallID: "open", IsComplete: model.Bool(false)},
			model.ToolResponseBlock{CallID: "stopped", Reason: model.ReasonCancelled, Error: toolerrors.New("cancelled")},
		}},
		{Speaker: model.SpeakerTool, Blocks: []model.Block{
			model.ToolResponseBlock{CallID: "ok", Error: toolerrors.New("stale replay")},
		}},
	}

	l := ReconstructFromHistory(history)
	want := map[string]model.Status{
		"ok":      model.StatusComplete,
		"err":     model.StatusErrored,
		"flag":    model.StatusComplete,
		"open":    model.StatusPending,
		"stopped": model.StatusCancelled,
	}
	require.Equal(t, len(want), l.Len())
	for id, status := range want {
		e, ok := l.Query(id)
		require.True(t, ok, id)
		assert.Equal(t, status, e.Status, id)
	}
	ok, _ := l.Query("ok")
	assert.Equal(t, "fine", ok.Result)
	assert.Equal(t, map[string]any{"x": 1.0}, ok.Arguments)
	assert.Equal(t, "a", ok.ToolName)
}
