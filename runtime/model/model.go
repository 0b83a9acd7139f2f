// Package model defines the provider-neutral content model: a conversation is
// an ordered list of records, each attributed to a speaker and holding typed
// blocks. Provider wire formats are derived from this model, never the other
// way around.
package model

import (
	"goa.design/goa-transcript/runtime/toolerrors"
)

type (
	// Speaker identifies who produced a record.
	Speaker string

	// BlockKind discriminates block types in JSON and diagnostics.
	BlockKind string

	// Reason is the machine-readable tag carried by synthetic completions.
	// Real completions have an empty Reason.
	Reason string

	// Record is one conversation turn fragment. Records are appended to the
	// history store and never mutated in place.
	Record struct {
		Speaker Speaker `json:"speaker"`
		Blocks  []Block `json:"blocks"`
		// Meta carries auxiliary annotations such as the compression summary
		// marker. It is not sent to providers.
		Meta map[string]any `json:"meta,omitempty"`
	}

	// Block is implemented by TextBlock, ThinkingBlock, ToolCallBlock and
	// ToolResponseBlock.
	Block interface {
		Kind() BlockKind
		isBlock()
	}

	// TextBlock is plain text.
	TextBlock struct {
		Text string
	}

	// ThinkingBlock is model reasoning. Signature is the provider-issued
	// signature when the provider requires reasoning to be replayed verbatim.
	ThinkingBlock struct {
		Text      string
		Signature string
	}

	// ToolCallBlock is a tool invocation emitted by the model. ID is the
	// canonical call identity and is unique within a session.
	ToolCallBlock struct {
		ID        string
		Name      string
		Arguments any
	}

	// ToolResponseBlock is the completion of the call identified by CallID.
	// Exactly one of Result or Error is expected on a terminal completion.
	// IsComplete is nil when the producer did not say.
	ToolResponseBlock struct {
		CallID     string
		Name       string
		Result     any
		Error      *toolerrors.ToolError
		IsComplete *bool
		Reason     Reason
	}
)

const (
	SpeakerHuman Speaker = "human"
	SpeakerAI    Speaker = "ai"
	SpeakerTool  Speaker = "tool"
)

const (
	KindText         BlockKind = "text"
	KindThinking     BlockKind = "thinking"
	KindToolCall     BlockKind = "tool_call"
	KindToolResponse BlockKind = "tool_response"
)

const (
	// ReasonInterrupted tags a completion synthesized for a call whose result
	// never reached history.
	ReasonInterrupted Reason = "interrupted"
	// ReasonCancelled tags a completion for a call cancelled before it
	// finished.
	ReasonCancelled Reason = "cancelled"
)

func (TextBlock) Kind() BlockKind         { return KindText }
func (ThinkingBlock) Kind() BlockKind     { return KindThinking }
func (ToolCallBlock) Kind() BlockKind     { return KindToolCall }
func (ToolResponseBlock) Kind() BlockKind { return KindToolResponse }

func (TextBlock) isBlock()         {}
func (ThinkingBlock) isBlock()     {}
func (ToolCallBlock) isBlock()     {}
func (ToolResponseBlock) isBlock() {}

// Valid reports whether s is a known speaker.
func (s Speaker) Valid() bool {
	switch s {
	case SpeakerHuman, SpeakerAI, SpeakerTool:
		return true
	}
	return false
}

// Synthetic reports whether the completion was produced by closure rather
// than by a tool.
func (b ToolResponseBlock) Synthetic() bool {
	return b.Reason != ""
}

// ToolCalls returns the tool_call blocks of r in order.
func (r Record) ToolCalls() []ToolCallBlock {
	var calls []ToolCallBlock
	for _, b := range r.Blocks {
		if c, ok := b.(ToolCallBlock); ok {
			calls = append(calls, c)
		}
	}
	return calls
}

// ToolResponses returns the tool_response blocks of r in order.
func (r Record) ToolResponses() []ToolResponseBlock {
	var resps []ToolResponseBlock
	for _, b := range r.Blocks {
		if c, ok := b.(ToolResponseBlock); ok {
			resps = append(resps, c)
		}
	}
	return resps
}

// ToolOnly reports whether r is non-empty and holds only tool_response
// blocks. Such records continue the turn of the call that produced them.
func (r Record) ToolOnly() bool {
	if len(r.Blocks) == 0 {
		return false
	}
	for _, b := range r.Blocks {
		if _, ok := b.(ToolResponseBlock); !ok {
			return false
		}
	}
	return true
}

// Text concatenates the text blocks of r.
func (r Record) Text() string {
	var s string
	for _, b := range r.Blocks {
		if t, ok := b.(TextBlock); ok {
			s += t.Text
		}
	}
	return s
}

// Clone returns a copy of r with its own block slice and meta map. Block
// payloads are shared.
func (r Record) Clone() Record {
	c := Record{Speaker: r.Speaker}
	if r.Blocks != nil {
		c.Blocks = append([]Block(nil), r.Blocks...)
	}
	if r.Meta != nil {
		c.Meta = make(map[string]any, len(r.Meta))
		for k, v := range r.Meta {
			c.Meta[k] = v
		}
	}
	return c
}

// CloneRecords clones each record of rs.
func CloneRecords(rs []Record) []Record {
	if rs == nil {
		return nil
	}
	out := make([]Record, len(rs))
	for i, r := range rs {
		out[i] = r.Clone()
	}
	return out
}

// Bool returns a pointer to v, for ToolResponseBlock.IsComplete.
func Bool(v bool) *bool {
	return &v
}
