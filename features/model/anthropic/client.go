// Package anthropic sends rendered transcripts to the Anthropic Messages API
// using github.com/anthropics/anthropic-sdk-go and maps the reply back into a
// canonical AI record.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/goa-transcript/features/model/gateway"
	"goa.design/goa-transcript/features/model/internal/wire"
	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/projection"
	"goa.design/goa-transcript/runtime/session"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is used when the profile names no model.
		DefaultModel string
		// MaxTokens caps the completion. Required.
		MaxTokens int
		// System is sent as the system prompt when set.
		System string
	}

	// Client sends prepared transcripts to Anthropic.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
		system       string
	}
)

// New builds a client from an Anthropic Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.MaxTokens <= 0 {
		return nil, errors.New("max tokens must be positive")
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTok: opts.MaxTokens, system: opts.System}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Encode builds the Messages request for p.
func (c *Client) Encode(p *session.Prepared) (*sdk.MessageNewParams, error) {
	if p.Profile.Family != projection.FamilyAnthropic {
		return nil, fmt.Errorf("anthropic: transcript projected for %q", p.Profile.Family)
	}
	modelID := p.Profile.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	msgs, err := EncodeMessages(p.Transcript.Records, p.IDs)
	if err != nil {
		return nil, err
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(c.maxTok),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if c.system != "" {
		params.System = []sdk.TextBlockParam{{Text: c.system}}
	}
	return &params, nil
}

// Complete sends p and returns the model turn.
func (c *Client) Complete(ctx context.Context, p *session.Prepared) (model.Record, error) {
	params, err := c.Encode(p)
	if err != nil {
		return model.Record{}, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return model.Record{}, fmt.Errorf("anthropic messages.new: %w: %w", gateway.ErrRateLimited, err)
		}
		return model.Record{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return DecodeMessage(msg)
}

// EncodeMessages converts records into Anthropic messages. Human and tool
// records become user messages, AI records assistant messages; consecutive
// messages of one role are merged. Call and result ids are taken from ids.
func EncodeMessages(records []model.Record, ids *projection.IDs) ([]sdk.MessageParam, error) {
	var (
		out   []sdk.MessageParam
		role  sdk.MessageParamRole
		batch []sdk.ContentBlockParamUnion
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if role == sdk.MessageParamRoleAssistant {
			out = append(out, sdk.NewAssistantMessage(batch...))
		} else {
			out = append(out, sdk.NewUserMessage(batch...))
		}
		batch = nil
	}
	for _, r := range records {
		next := sdk.MessageParamRoleUser
		if r.Speaker == model.SpeakerAI {
			next = sdk.MessageParamRoleAssistant
		}
		if next != role {
			flush()
			role = next
		}
		for _, b := range r.Blocks {
			switch v := b.(type) {
			case model.TextBlock:
				if v.Text != "" {
					batch = append(batch, sdk.NewTextBlock(v.Text))
				}
			case model.ThinkingBlock:
				// unsigned reasoning cannot be replayed
				if v.Signature != "" {
					batch = append(batch, sdk.NewThinkingBlock(v.Signature, v.Text))
				}
			case model.ToolCallBlock:
				if v.Name == "" {
					return nil, errors.New("anthropic: tool_use block missing name")
				}
				batch = append(batch, sdk.NewToolUseBlock(wire.CallID(ids, v.ID), toolInput(v.Arguments), sanitizeToolName(v.Name)))
			case model.ToolResponseBlock:
				text, isErr := wire.ResultText(v)
				batch = append(batch, sdk.NewToolResultBlock(wire.CallID(ids, v.CallID), text, isErr))
			}
		}
	}
	flush()
	if len(out) == 0 {
		return nil, fmt.Errorf("anthropic: %w", wire.ErrEmptyTranscript)
	}
	return out, nil
}

// DecodeMessage maps an Anthropic reply to an AI record. Provider tool_use ids
// become the canonical ids of the returned calls.
func DecodeMessage(msg *sdk.Message) (model.Record, error) {
	if msg == nil {
		return model.Record{}, errors.New("anthropic: response message is nil")
	}
	rec := model.Record{Speaker: model.SpeakerAI}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				rec.Blocks = append(rec.Blocks, model.TextBlock{Text: block.Text})
			}
		case "thinking":
			rec.Blocks = append(rec.Blocks, model.ThinkingBlock{Text: block.Thinking, Signature: block.Signature})
		case "tool_use":
			rec.Blocks = append(rec.Blocks, model.ToolCallBlock{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: wire.ParseArguments(block.Input),
			})
		}
	}
	if msg.StopReason != "" {
		rec.Meta = map[string]any{"stop_reason": string(msg.StopReason)}
	}
	return rec, nil
}

// toolInput returns arguments in the shape the SDK marshals as an object.
func toolInput(args any) any {
	switch v := args.(type) {
	case nil:
		return map[string]any{}
	case json.RawMessage:
		return v
	}
	return args
}

// sanitizeToolName replaces runes Anthropic does not accept in tool names
// with '_' and truncates to 64 bytes.
func sanitizeToolName(name string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, name)
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}
