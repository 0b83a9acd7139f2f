// Package bedrock sends rendered transcripts to the AWS Bedrock Converse API
// and maps the reply back into a canonical AI record.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"goa.design/goa-transcript/features/model/gateway"
	"goa.design/goa-transcript/features/model/internal/wire"
	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/projection"
	"goa.design/goa-transcript/runtime/session"
)

type (
	// RuntimeClient mirrors the subset of the Bedrock runtime client used by
	// the adapter. It matches *bedrockruntime.Client.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the adapter.
	Options struct {
		Runtime RuntimeClient
		// Model is used when the profile names no model.
		Model     string
		MaxTokens int32
		System    string
	}

	// Client sends prepared transcripts to Bedrock.
	Client struct {
		runtime   RuntimeClient
		model     string
		maxTokens int32
		system    string
	}
)

// ErrThrottled wraps Bedrock throttling errors. It matches
// gateway.ErrRateLimited.
var ErrThrottled = fmt.Errorf("bedrock: throttled: %w", gateway.ErrRateLimited)

// New builds a client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	return &Client{runtime: opts.Runtime, model: opts.Model, maxTokens: opts.MaxTokens, system: opts.System}, nil
}

// Encode builds the Converse input for p. The returned map resolves the
// sanitized tool names of the request back to canonical names.
func (c *Client) Encode(p *session.Prepared) (*bedrockruntime.ConverseInput, map[string]string, error) {
	if p.Profile.Family != projection.FamilyBedrock {
		return nil, nil, fmt.Errorf("bedrock: transcript projected for %q", p.Profile.Family)
	}
	modelID := p.Profile.Model
	if modelID == "" {
		modelID = c.model
	}
	if modelID == "" {
		return nil, nil, errors.New("bedrock: model identifier is required")
	}
	names := make(toolNames)
	msgs, err := encodeMessages(p.Transcript.Records, p.IDs, names)
	if err != nil {
		return nil, nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: msgs,
	}
	if c.system != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: c.system}}
	}
	if c.maxTokens > 0 {
		input.InferenceConfig = &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(c.maxTokens)}
	}
	return input, names, nil
}

// Complete sends p and returns the model turn.
func (c *Client) Complete(ctx context.Context, p *session.Prepared) (model.Record, error) {
	input, names, err := c.Encode(p)
	if err != nil {
		return model.Record{}, err
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ThrottlingException" {
			return model.Record{}, fmt.Errorf("%w: %w", ErrThrottled, err)
		}
		return model.Record{}, fmt.Errorf("bedrock converse: %w", err)
	}
	return decodeOutput(out, toolNames(names))
}

// EncodeMessages converts records into Converse messages. Human and tool
// records become user messages, AI records assistant messages; consecutive
// messages of one role are merged.
func EncodeMessages(records []model.Record, ids *projection.IDs) ([]brtypes.Message, error) {
	return encodeMessages(records, ids, make(toolNames))
}

func encodeMessages(records []model.Record, ids *projection.IDs, names toolNames) ([]brtypes.Message, error) {
	var out []brtypes.Message
	for _, r := range records {
		role := brtypes.ConversationRoleUser
		if r.Speaker == model.SpeakerAI {
			role = brtypes.ConversationRoleAssistant
		}
		blocks := make([]brtypes.ContentBlock, 0, len(r.Blocks))
		for _, b := range r.Blocks {
			switch v := b.(type) {
			case model.TextBlock:
				if v.Text != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
				}
			case model.ThinkingBlock:
				if v.Signature == "" {
					continue
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberReasoningContent{
					Value: &brtypes.ReasoningContentBlockMemberReasoningText{
						Value: brtypes.ReasoningTextBlock{Text: aws.String(v.Text), Signature: aws.String(v.Signature)},
					},
				})
			case model.ToolCallBlock:
				if v.Name == "" {
					return nil, errors.New("bedrock: tool_use block missing name")
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(wire.CallID(ids, v.ID)),
					Name:      aws.String(names.add(v.Name)),
					Input:     toDocument(v.Arguments),
				}})
			case model.ToolResponseBlock:
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: toolResult(v, ids)})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, brtypes.Message{Role: role, Content: blocks})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("bedrock: %w", wire.ErrEmptyTranscript)
	}
	return out, nil
}

// toolResult encodes string results as text and everything else as a JSON
// document.
func toolResult(v model.ToolResponseBlock, ids *projection.IDs) brtypes.ToolResultBlock {
	tr := brtypes.ToolResultBlock{ToolUseId: aws.String(wire.CallID(ids, v.CallID))}
	if v.Error != nil {
		text, _ := wire.ResultText(v)
		tr.Status = brtypes.ToolResultStatusError
		tr.Content = []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: text}}
		return tr
	}
	if s, ok := v.Result.(string); ok {
		tr.Content = []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: s}}
		return tr
	}
	tr.Content = []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberJson{Value: toDocument(v.Result)}}
	return tr
}

func toDocument(v any) document.Interface {
	switch t := v.(type) {
	case nil:
		return document.NewLazyDocument(map[string]any{})
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(t, &decoded); err != nil {
			return document.NewLazyDocument(map[string]any{"raw": string(t)})
		}
		return document.NewLazyDocument(decoded)
	}
	return document.NewLazyDocument(v)
}

func decodeOutput(out *bedrockruntime.ConverseOutput, names toolNames) (model.Record, error) {
	if out == nil {
		return model.Record{}, errors.New("bedrock: response is nil")
	}
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return model.Record{}, errors.New("bedrock: response has no message")
	}
	rec := model.Record{Speaker: model.SpeakerAI}
	for _, block := range msg.Value.Content {
		switch v := block.(type) {
		case *brtypes.ContentBlockMemberText:
			if v.Value != "" {
				rec.Blocks = append(rec.Blocks, model.TextBlock{Text: v.Value})
			}
		case *brtypes.ContentBlockMemberReasoningContent:
			if rt, ok := v.Value.(*brtypes.ReasoningContentBlockMemberReasoningText); ok {
				rec.Blocks = append(rec.Blocks, model.ThinkingBlock{
					Text:      aws.ToString(rt.Value.Text),
					Signature: aws.ToString(rt.Value.Signature),
				})
			}
		case *brtypes.ContentBlockMemberToolUse:
			rec.Blocks = append(rec.Blocks, model.ToolCallBlock{
				ID:        aws.ToString(v.Value.ToolUseId),
				Name:      names.canonical(aws.ToString(v.Value.Name)),
				Arguments: decodeDocument(v.Value.Input),
			})
		}
	}
	if out.StopReason != "" {
		rec.Meta = map[string]any{"stop_reason": string(out.StopReason)}
	}
	return rec, nil
}

func decodeDocument(doc document.Interface) any {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil {
		return nil
	}
	return wire.ParseArguments(data)
}
