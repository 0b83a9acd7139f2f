// Package openai sends rendered transcripts to OpenAI-compatible Chat
// Completions endpoints using github.com/openai/openai-go. Kimi and Mistral
// expose the same protocol and are served by this adapter with their own
// base URL and id projection.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/goa-transcript/features/model/gateway"
	"goa.design/goa-transcript/features/model/internal/wire"
	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/projection"
	"goa.design/goa-transcript/runtime/session"
)

type (
	// ChatClient captures the subset of the openai-go client used by the
	// adapter. It is satisfied by *openai.ChatCompletionService.
	ChatClient interface {
		New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	}

	// Options configures the adapter.
	Options struct {
		Client       ChatClient
		DefaultModel string
		// System is sent as the first message when set.
		System string
	}

	// Client sends prepared transcripts to a Chat Completions endpoint.
	Client struct {
		chat   ChatClient
		model  string
		system string
	}
)

// New builds a client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel, system: opts.System}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
// baseURL selects an OpenAI-compatible endpoint and may be empty.
func NewFromAPIKey(apiKey, baseURL, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	oc := openai.NewClient(reqOpts...)
	return New(Options{Client: &oc.Chat.Completions, DefaultModel: defaultModel})
}

// Supports reports whether the adapter speaks the protocol of family f.
func Supports(f projection.Family) bool {
	switch f {
	case projection.FamilyOpenAI, projection.FamilyKimi, projection.FamilyMistral:
		return true
	}
	return false
}

// Encode builds the chat completion request for p.
func (c *Client) Encode(p *session.Prepared) (*openai.ChatCompletionNewParams, error) {
	if !Supports(p.Profile.Family) {
		return nil, fmt.Errorf("openai: transcript projected for %q", p.Profile.Family)
	}
	modelID := p.Profile.Model
	if modelID == "" {
		modelID = c.model
	}
	if modelID == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	msgs, err := EncodeMessages(p.Transcript.Records, p.IDs)
	if err != nil {
		return nil, err
	}
	if c.system != "" {
		msgs = append([]openai.ChatCompletionMessageParamUnion{openai.SystemMessage(c.system)}, msgs...)
	}
	return &openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: msgs,
	}, nil
}

// Complete sends p and returns the model turn.
func (c *Client) Complete(ctx context.Context, p *session.Prepared) (model.Record, error) {
	params, err := c.Encode(p)
	if err != nil {
		return model.Record{}, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return model.Record{}, fmt.Errorf("openai chat.completions.new: %w: %w", gateway.ErrRateLimited, err)
		}
		return model.Record{}, fmt.Errorf("openai chat.completions.new: %w", err)
	}
	return DecodeCompletion(resp)
}

// EncodeMessages converts records into chat messages. Each AI record becomes
// one assistant message carrying its text and tool calls; each completion
// becomes its own tool message.
func EncodeMessages(records []model.Record, ids *projection.IDs) ([]openai.ChatCompletionMessageParamUnion, error) {
	var out []openai.ChatCompletionMessageParamUnion
	for _, r := range records {
		switch r.Speaker {
		case model.SpeakerAI:
			msg := openai.ChatCompletionAssistantMessageParam{}
			if text := r.Text(); text != "" {
				msg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
			}
			for _, c := range r.ToolCalls() {
				args, err := wire.ArgumentsJSON(c.Arguments)
				if err != nil {
					return nil, fmt.Errorf("openai: call %s: %w", c.ID, err)
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: wire.CallID(ids, c.ID),
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      c.Name,
						Arguments: args,
					},
				})
			}
			if len(msg.ToolCalls) == 0 && r.Text() == "" {
				continue
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &msg})
		default:
			for _, resp := range r.ToolResponses() {
				text, isErr := wire.ResultText(resp)
				if isErr {
					text = "error: " + text
				}
				out = append(out, openai.ToolMessage(text, wire.CallID(ids, resp.CallID)))
			}
			if text := r.Text(); strings.TrimSpace(text) != "" {
				out = append(out, openai.UserMessage(text))
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("openai: %w", wire.ErrEmptyTranscript)
	}
	return out, nil
}

// DecodeCompletion maps the first choice of resp to an AI record.
func DecodeCompletion(resp *openai.ChatCompletion) (model.Record, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return model.Record{}, errors.New("openai: response has no choices")
	}
	choice := resp.Choices[0]
	rec := model.Record{Speaker: model.SpeakerAI}
	if choice.Message.Content != "" {
		rec.Blocks = append(rec.Blocks, model.TextBlock{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		rec.Blocks = append(rec.Blocks, model.ToolCallBlock{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: wire.ParseArguments([]byte(tc.Function.Arguments)),
		})
	}
	if choice.FinishReason != "" {
		rec.Meta = map[string]any{"stop_reason": choice.FinishReason}
	}
	return rec, nil
}
