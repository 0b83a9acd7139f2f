package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/goa-transcript/runtime/toolerrors"
)

func TestBlockMarshalJSONIncludesKind(t *testing.T) {
	cases := []struct {
		name  string
		block Block
		kind  BlockKind
	}{
		{name: "text", block: TextBlock{Text: "hello"}, kind: KindText},
		{name: "thinking", block: ThinkingBlock{Text: "hmm", Signature: "sig"}, kind: KindThinking},
		{name: "tool_call", block: ToolCallBlock{ID: "c1", Name: "search", Arguments: map[string]any{"q": "go"}}, kind: KindToolCall},
		{name: "tool_response", block: ToolResponseBlock{CallID: "c1", Result: "ok"}, kind: KindToolResponse},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.block)
			require.NoError(t, err)
			var obj map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(raw, &obj))
			var kind BlockKind
			require.NoError(t, json.Unmarshal(obj["kind"], &kind))
			assert.Equal(t, tt.kind, kind)

			decoded, err := DecodeBlock(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, decoded.Kind())
		})
	}
}

func TestRecordRoundTrip(t *testing.T) {
	rec := Record{
		Speaker: SpeakerTool,
		Blocks: []Block{
			ToolResponseBlock{
				CallID:     "c1",
				Name:       "lookup",
				Error:      toolerrors.WithCode(toolerrors.CodeTimeout, "too slow"),
				IsComplete: Bool(false),
			},
		},
	}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	var got Record
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, rec, got)
}

func TestDecodeBlockInfersShapeWithoutKind(t *testing.T) {
	cases := map[string]BlockKind{
		`{"callId":"c1","result":{"n":1}}`:           KindToolResponse,
		`{"id":"c1","name":"search"}`:                KindToolCall,
		`{"name":"search","arguments":{"q":"x"}}`:    KindToolCall,
		`{"text":"thinking hard","signature":"abc"}`: KindThinking,
		`{"text":"hi"}`:                              KindText,
		`"bare string"`:                              KindText,
	}
	for payload, want := range cases {
		b, err := DecodeBlock([]byte(payload))
		require.NoError(t, err, payload)
		assert.Equal(t, want, b.Kind(), payload)
	}

	_, err := DecodeBlock([]byte(`{"kind":"image"}`))
	assert.Error(t, err)
	_, err = DecodeBlock([]byte(`{}`))
	assert.Error(t, err)
}

func TestInferStatusPrecedence(t *testing.T) {
	cases := []struct {
		name  string
		block ToolResponseBlock
		want  Status
	}{
		{"error wins over result", ToolResponseBlock{Error: toolerrors.New("x"), Result: "r", IsComplete: Bool(true)}, StatusErrored},
		{"isComplete true", ToolResponseBlock{IsComplete: Bool(true)}, StatusComplete},
		{"result without flag", ToolResponseBlock{Result: "r"}, StatusComplete},
		{"result with isComplete false", ToolResponseBlock{Result: "r", IsComplete: Bool(false)}, StatusComplete},
		{"nothing", ToolResponseBlock{}, StatusPending},
		{"isComplete false only", ToolResponseBlock{IsComplete: Bool(false)}, StatusPending},
		{"cancellation marker", ToolResponseBlock{Reason: ReasonCancelled, Error: toolerrors.New("cancelled")}, StatusCancelled},
		{"interrupted marker", ToolResponseBlock{Reason: ReasonInterrupted, Error: toolerrors.New("interrupted")}, StatusPending},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferStatus(tt.block))
		})
	}
	assert.True(t, Real(ToolResponseBlock{Result: "r"}))
	assert.False(t, Real(ToolResponseBlock{Reason: ReasonInterrupted, Error: toolerrors.New("i")}))
}

func TestRecordHelpers(t *testing.T) {
	rec := Record{Speaker: SpeakerAI, Blocks: []Block{
		TextBlock{Text: "a"},
		ToolCallBlock{ID: "1", Name: "x"},
		TextBlock{Text: "b"},
		ToolCallBlock{ID: "2", Name: "y"},
	}}
	assert.Len(t, rec.ToolCalls(), 2)
	assert.Equal(t, "ab", rec.Text())
	assert.False(t, rec.ToolOnly())
	assert.True(t, Record{Speaker: SpeakerTool, Blocks: []Block{ToolResponseBlock{CallID: "1"}}}.ToolOnly())

	c := rec.Clone()
	c.Blocks[0] = TextBlock{Text: "z"}
	assert.Equal(t, TextBlock{Text: "a"}, rec.Blocks[0])
}
