package openai_test

import (
	"context"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	openaimodel "goa.design/goa-transcript/features/model/openai"
	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/projection"
	"goa.design/goa-transcript/runtime/session"
	"goa.design/goa-transcript/runtime/transcript"
)

type mockChatClient struct {
	params   openai.ChatCompletionNewParams
	response *openai.ChatCompletion
}

func (m *mockChatClient) New(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.params = body
	return m.response, nil
}

func prepare(t *testing.T, family projection.Family, history []model.Record) *session.Prepared {
	t.Helper()
	tr, err := transcript.Build(history, nil, transcript.Options{StrictAdjacency: family.StrictAdjacency()})
	require.NoError(t, err)
	s, err := projection.For(family)
	require.NoError(t, err)
	ids, err := projection.Transcript(tr.Records, s)
	require.NoError(t, err)
	return &session.Prepared{Profile: session.Profile{Family: family}, Transcript: tr, IDs: ids}
}

// anthropicHistory is a conversation whose calls were issued by Anthropic.
func anthropicHistory() []model.Record {
	return []model.Record{
		{Speaker: model.SpeakerHuman, Blocks: []model.Block{model.TextBlock{Text: "search docs"}}},
		{Speaker: model.SpeakerAI, Blocks: []model.Block{
			model.TextBlock{Text: "searching"},
			model.ToolCallBlock{ID: "toolu_01A", Name: "lookup", Arguments: map[string]any{"query": "docs"}},
		}},
		{Speaker: model.SpeakerTool, Blocks: []model.Block{
			model.ToolResponseBlock{CallID: "toolu_01A", Name: "lookup", Result: "3 hits"},
		}},
	}
}

func TestClientCompleteAfterProviderSwitch(t *testing.T) {
	mock := &mockChatClient{response: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{
			FinishReason: "tool_calls",
			Message: openai.ChatCompletionMessage{
				Content: "next",
				ToolCalls: []openai.ChatCompletionMessageToolCall{{
					ID:       "call_abc",
					Function: openai.ChatCompletionMessageToolCallFunction{Name: "lookup", Arguments: `{"query":"more"}`},
				}},
			},
		}},
	}}
	client, err := openaimodel.New(openaimodel.Options{Client: mock, DefaultModel: "gpt-4o", System: "sys"})
	require.NoError(t, err)

	p := prepare(t, projection.FamilyOpenAI, anthropicHistory())
	rec, err := client.Complete(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, openai.ChatModel("gpt-4o"), mock.params.Model)
	msgs := mock.params.Messages
	require.Len(t, msgs, 4)
	require.NotNil(t, msgs[0].OfSystem)
	require.NotNil(t, msgs[1].OfUser)
	asst := msgs[2].OfAssistant
	require.NotNil(t, asst)
	require.Len(t, asst.ToolCalls, 1)
	projected := asst.ToolCalls[0].ID
	assert.Regexp(t, `^call_[0-9a-f]{24}$`, projected)
	assert.Equal(t, `{"query":"docs"}`, asst.ToolCalls[0].Function.Arguments)
	tool := msgs[3].OfTool
	require.NotNil(t, tool)
	assert.Equal(t, projected, tool.ToolCallID)

	require.Len(t, rec.Blocks, 2)
	assert.Equal(t, model.ToolCallBlock{ID: "call_abc", Name: "lookup", Arguments: map[string]any{"query": "more"}}, rec.Blocks[1])
	assert.Equal(t, "tool_calls", rec.Meta["stop_reason"])
}

func TestEncodeForKimi(t *testing.T) {
	client, err := openaimodel.New(openaimodel.Options{Client: &mockChatClient{}, DefaultModel: "kimi-k2"})
	require.NoError(t, err)
	params, err := client.Encode(prepare(t, projection.FamilyKimi, anthropicHistory()))
	require.NoError(t, err)
	require.Len(t, params.Messages, 3)
	assert.Equal(t, "functions.lookup:0", params.Messages[1].OfAssistant.ToolCalls[0].ID)
	assert.Equal(t, "functions.lookup:0", params.Messages[2].OfTool.ToolCallID)
}

func TestEncodeRejectsOtherFamilies(t *testing.T) {
	client, err := openaimodel.New(openaimodel.Options{Client: &mockChatClient{}, DefaultModel: "m"})
	require.NoError(t, err)
	_, err = client.Encode(prepare(t, projection.FamilyBedrock, anthropicHistory()))
	assert.Error(t, err)
	assert.True(t, openaimodel.Supports(projection.FamilyMistral))
	assert.False(t, openaimodel.Supports(projection.FamilyAnthropic))
}

func TestDecodeCompletionRequiresChoice(t *testing.T) {
	_, err := openaimodel.DecodeCompletion(&openai.ChatCompletion{})
	assert.Error(t, err)
}
