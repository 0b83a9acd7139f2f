package bedrock_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/goa-transcript/features/model/bedrock"
	"goa.design/goa-transcript/features/model/gateway"
	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/projection"
	"goa.design/goa-transcript/runtime/session"
	"goa.design/goa-transcript/runtime/transcript"
)

type mockRuntime struct {
	captured *bedrockruntime.ConverseInput
	output   *bedrockruntime.ConverseOutput
	err      error
}

func (m *mockRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	m.captured = params
	return m.output, m.err
}

func prepare(t *testing.T, history []model.Record) *session.Prepared {
	t.Helper()
	tr, err := transcript.Build(history, nil, transcript.Options{StrictAdjacency: true})
	require.NoError(t, err)
	s, err := projection.For(projection.FamilyBedrock)
	require.NoError(t, err)
	ids, err := projection.Transcript(tr.Records, s)
	require.NoError(t, err)
	return &session.Prepared{Profile: session.Profile{Family: projection.FamilyBedrock}, Transcript: tr, IDs: ids}
}

func kimiHistory() []model.Record {
	return []model.Record{
		{Speaker: model.SpeakerHuman, Blocks: []model.Block{model.TextBlock{Text: "add"}}},
		{Speaker: model.SpeakerAI, Blocks: []model.Block{
			model.ToolCallBlock{ID: "functions.calc.add:0", Name: "calc.add", Arguments: map[string]any{"a": 1, "b": 2}},
		}},
		{Speaker: model.SpeakerTool, Blocks: []model.Block{
			model.ToolResponseBlock{CallID: "functions.calc.add:0", Name: "calc.add", Result: map[string]any{"sum": 3}},
		}},
	}
}

func TestClientComplete(t *testing.T) {
	mock := &mockRuntime{output: &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role: brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberText{Value: "hello"},
				&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String("tooluse_1"),
					Name:      aws.String("calc_add"),
					Input:     document.NewLazyDocument(&map[string]any{"a": 40, "b": 2}),
				}},
			},
		}},
		StopReason: brtypes.StopReasonToolUse,
	}}
	client, err := bedrock.New(bedrock.Options{Runtime: mock, Model: "anthropic.claude-3", MaxTokens: 512, System: "be exact"})
	require.NoError(t, err)

	p := prepare(t, kimiHistory())
	rec, err := client.Complete(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, rec.Blocks, 2)
	call, ok := rec.Blocks[1].(model.ToolCallBlock)
	require.True(t, ok)
	assert.Equal(t, "tooluse_1", call.ID)
	assert.Equal(t, "calc.add", call.Name)
	assert.InDelta(t, 40.0, call.Arguments.(map[string]any)["a"], 0.001)
	assert.Equal(t, "tool_use", rec.Meta["stop_reason"])

	input := mock.captured
	assert.Equal(t, "anthropic.claude-3", *input.ModelId)
	require.Len(t, input.System, 1)
	assert.Equal(t, int32(512), *input.InferenceConfig.MaxTokens)
	require.Len(t, input.Messages, 3)
	use := input.Messages[1].Content[0].(*brtypes.ContentBlockMemberToolUse).Value
	projected := *use.ToolUseId
	assert.Regexp(t, `^t[0-9a-f]{20}$`, projected)
	assert.Equal(t, "calc_add", *use.Name)
	result := input.Messages[2].Content[0].(*brtypes.ContentBlockMemberToolResult).Value
	assert.Equal(t, projected, *result.ToolUseId)
	assert.IsType(t, &brtypes.ToolResultContentBlockMemberJson{}, result.Content[0])
}

func TestEncodeMergesUserRecords(t *testing.T) {
	records := []model.Record{
		{Speaker: model.SpeakerHuman, Blocks: []model.Block{model.TextBlock{Text: "a"}}},
		{Speaker: model.SpeakerHuman, Blocks: []model.Block{model.TextBlock{Text: "b"}}},
		{Speaker: model.SpeakerAI, Blocks: []model.Block{model.ThinkingBlock{Text: "unsigned"}, model.TextBlock{Text: "c"}}},
	}
	msgs, err := bedrock.EncodeMessages(records, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Len(t, msgs[0].Content, 2)
	assert.Len(t, msgs[1].Content, 1)
}

func TestSyntheticCompletionEncodesAsError(t *testing.T) {
	history := kimiHistory()[:2]
	msgs, err := bedrock.EncodeMessages(prepare(t, history).Transcript.Records, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	result := msgs[2].Content[0].(*brtypes.ContentBlockMemberToolResult).Value
	assert.Equal(t, brtypes.ToolResultStatusError, result.Status)
}

func TestThrottling(t *testing.T) {
	mock := &mockRuntime{err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}}
	client, err := bedrock.New(bedrock.Options{Runtime: mock, Model: "m"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), prepare(t, kimiHistory()))
	assert.ErrorIs(t, err, bedrock.ErrThrottled)
	assert.ErrorIs(t, err, gateway.ErrRateLimited)

	mock.err = errors.New("boom")
	_, err = client.Complete(context.Background(), prepare(t, kimiHistory()))
	assert.NotErrorIs(t, err, bedrock.ErrThrottled)
}

func TestSanitizeToolName(t *testing.T) {
	assert.Equal(t, "calc_add", bedrock.SanitizeToolName("calc.add"))
	assert.Equal(t, "", bedrock.SanitizeToolName(""))
	long := strings.Repeat("x", 80)
	got := bedrock.SanitizeToolName(long)
	assert.Len(t, got, 64)
	assert.NotEqual(t, got, bedrock.SanitizeToolName(long+"y"))
}
