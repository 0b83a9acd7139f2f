package model

import (
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/goa-transcript/runtime/toolerrors"
)

type (
	textJSON struct {
		Kind BlockKind `json:"kind"`
		Text string    `json:"text"`
	}

	thinkingJSON struct {
		Kind      BlockKind `json:"kind"`
		Text      string    `json:"text"`
		Signature string    `json:"signature,omitempty"`
	}

	toolCallJSON struct {
		Kind      BlockKind `json:"kind"`
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		Arguments any       `json:"arguments,omitempty"`
	}

	toolResponseJSON struct {
		Kind       BlockKind             `json:"kind"`
		CallID     string                `json:"callId"`
		Name       string                `json:"name,omitempty"`
		Result     any                   `json:"result,omitempty"`
		Error      *toolerrors.ToolError `json:"error,omitempty"`
		IsComplete *bool                 `json:"isComplete,omitempty"`
		Reason     Reason                `json:"reason,omitempty"`
	}
)

func (b TextBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(textJSON{Kind: KindText, Text: b.Text})
}

func (b ThinkingBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(thinkingJSON{Kind: KindThinking, Text: b.Text, Signature: b.Signature})
}

func (b ToolCallBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(toolCallJSON{Kind: KindToolCall, ID: b.ID, Name: b.Name, Arguments: b.Arguments})
}

func (b ToolResponseBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(toolResponseJSON{
		Kind:       KindToolResponse,
		CallID:     b.CallID,
		Name:       b.Name,
		Result:     b.Result,
		Error:      b.Error,
		IsComplete: b.IsComplete,
		Reason:     b.Reason,
	})
}

// UnmarshalJSON decodes a Record, materializing concrete Block values.
func (r *Record) UnmarshalJSON(data []byte) error {
	var tmp struct {
		Speaker Speaker           `json:"speaker"`
		Blocks  []json.RawMessage `json:"blocks"`
		Meta    map[string]any    `json:"meta"`
	}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	r.Speaker = tmp.Speaker
	r.Meta = tmp.Meta
	r.Blocks = nil
	if len(tmp.Blocks) == 0 {
		return nil
	}
	r.Blocks = make([]Block, 0, len(tmp.Blocks))
	for i, raw := range tmp.Blocks {
		b, err := DecodeBlock(raw)
		if err != nil {
			return fmt.Errorf("decode blocks[%d]: %w", i, err)
		}
		r.Blocks = append(r.Blocks, b)
	}
	return nil
}

// DecodeBlock decodes one block. The "kind" discriminator is preferred; when
// absent the shape is inferred from the keys present, and a bare JSON string
// decodes as text.
func DecodeBlock(raw json.RawMessage) (Block, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		var text string
		if errText := json.Unmarshal(raw, &text); errText == nil {
			return TextBlock{Text: text}, nil
		}
		return nil, fmt.Errorf("decode block object: %w", err)
	}
	if len(obj) == 0 {
		return nil, errors.New("empty block payload")
	}

	kind := BlockKind("")
	if k, ok := obj["kind"]; ok {
		if err := json.Unmarshal(k, &kind); err != nil {
			return nil, fmt.Errorf("decode kind: %w", err)
		}
	} else {
		switch {
		case hasAnyKey(obj, "callId"):
			kind = KindToolResponse
		case hasAnyKey(obj, "arguments") || hasAllKeys(obj, "id", "name"):
			kind = KindToolCall
		case hasAnyKey(obj, "signature"):
			kind = KindThinking
		case hasAnyKey(obj, "text"):
			kind = KindText
		default:
			return nil, errors.New("unknown block shape")
		}
	}

	switch kind {
	case KindText:
		var v textJSON
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode text block: %w", err)
		}
		return TextBlock{Text: v.Text}, nil
	case KindThinking:
		var v thinkingJSON
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode thinking block: %w", err)
		}
		return ThinkingBlock{Text: v.Text, Signature: v.Signature}, nil
	case KindToolCall:
		var v toolCallJSON
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode tool_call block: %w", err)
		}
		return ToolCallBlock{ID: v.ID, Name: v.Name, Arguments: v.Arguments}, nil
	case KindToolResponse:
		var v toolResponseJSON
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode tool_response block: %w", err)
		}
		return ToolResponseBlock{
			CallID:     v.CallID,
			Name:       v.Name,
			Result:     v.Result,
			Error:      v.Error,
			IsComplete: v.IsComplete,
			Reason:     v.Reason,
		}, nil
	}
	return nil, fmt.Errorf("unknown block kind %q", kind)
}

// DecodeRecords decodes a JSON array of records.
func DecodeRecords(data []byte) ([]Record, error) {
	var rs []Record
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, err
	}
	return rs, nil
}

func hasAnyKey(obj map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}

func hasAllKeys(obj map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			return false
		}
	}
	return true
}
