// Package wire holds the encoding helpers shared by the provider adapters.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/projection"
)

// ErrEmptyTranscript is returned when a transcript has nothing to send.
var ErrEmptyTranscript = errors.New("transcript has no records")

// ResultText returns the text sent for a completion and whether it reports
// an error. Errors send their message; string results are sent verbatim and
// other results as JSON.
func ResultText(b model.ToolResponseBlock) (string, bool) {
	if b.Error != nil {
		msg := b.Error.Message
		if msg == "" {
			msg = string(b.Error.Code)
		}
		return msg, true
	}
	switch v := b.Result.(type) {
	case nil:
		return "", false
	case string:
		return v, false
	case []byte:
		return string(v), false
	}
	data, err := json.Marshal(b.Result)
	if err != nil {
		return fmt.Sprintf("%v", b.Result), false
	}
	return string(data), false
}

// ArgumentsJSON encodes call arguments as a JSON object string. nil encodes
// as "{}".
func ArgumentsJSON(args any) (string, error) {
	switch v := args.(type) {
	case nil:
		return "{}", nil
	case string:
		if json.Valid([]byte(v)) {
			return v, nil
		}
	case json.RawMessage:
		return string(v), nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode tool arguments: %w", err)
	}
	return string(data), nil
}

// ParseArguments decodes provider tool arguments. Invalid JSON is kept under
// the "raw" key.
func ParseArguments(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return v
}

// CallID returns the projected id of a canonical call id.
func CallID(ids *projection.IDs, canonical string) string {
	return ids.MustLookup(canonical)
}
