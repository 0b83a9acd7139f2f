// Package history stores session history and provides the policies that
// bound it before each model call.
//
// A policy may drop or summarize whole turns. Guard wraps a policy and
// refuses any result that breaks a tool call/result pair the ledger cannot
// restore, so compression never produces a transcript the renderer would have
// to fail on.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"goa.design/goa-transcript/runtime/ledger"
	"goa.design/goa-transcript/runtime/model"
)

type (
	// Policy transforms history before rendering. Implementations must
	// respect turn boundaries and must not modify the input records.
	Policy func(ctx context.Context, records []model.Record) ([]model.Record, error)

	// Summarizer condenses records into a summary text.
	Summarizer interface {
		Summarize(ctx context.Context, records []model.Record) (string, error)
	}

	// SummarizerFunc adapts a function to Summarizer.
	SummarizerFunc func(ctx context.Context, records []model.Record) (string, error)

	// CompressOption configures Compress.
	CompressOption func(*compressConfig)

	compressConfig struct {
		speaker model.Speaker
		prefix  string
	}

	// turn is a human record followed by everything up to the next human
	// record. Tool-only records continue the turn.
	turn struct {
		records []model.Record
	}
)

const (
	// MetaKey marks records written by history policies.
	MetaKey = "goa_transcript_history"
	// MetaSummary is the MetaKey value of a compression summary.
	MetaSummary = "summary"
)

// ErrUnsafeCompression is returned by a guarded policy whose output breaks a
// call/result pair that cannot be recovered from the ledger.
var ErrUnsafeCompression = errors.New("history: unsafe compression")

// Summarize implements Summarizer.
func (f SummarizerFunc) Summarize(ctx context.Context, records []model.Record) (string, error) {
	return f(ctx, records)
}

// WithSummarySpeaker sets the speaker of the summary record. Defaults to
// human.
func WithSummarySpeaker(s model.Speaker) CompressOption {
	return func(c *compressConfig) { c.speaker = s }
}

// WithSummaryPrefix sets the text placed before the summary.
func WithSummaryPrefix(p string) CompressOption {
	return func(c *compressConfig) { c.prefix = p }
}

// KeepRecentTurns returns a policy keeping the last n turns. Leading summary
// records are always kept. n <= 0 disables the policy.
func KeepRecentTurns(n int) Policy {
	return func(_ context.Context, records []model.Record) ([]model.Record, error) {
		if n <= 0 || len(records) == 0 {
			return records, nil
		}
		head, turns := parseTurns(records)
		if len(turns) <= n {
			return records, nil
		}
		out := append([]model.Record(nil), head...)
		for _, t := range turns[len(turns)-n:] {
			out = append(out, t.records...)
		}
		return out, nil
	}
}

// Compress returns a policy that summarizes older turns once the turn count
// reaches triggerAt, keeping the last keepRecent turns verbatim. After
// compression history holds the summary and keepRecent turns, so it does not
// trigger again until it regrows to triggerAt.
func Compress(triggerAt, keepRecent int, s Summarizer, opts ...CompressOption) Policy {
	cfg := compressConfig{speaker: model.SpeakerHuman, prefix: "[Conversation Summary]\n"}
	for _, o := range opts {
		o(&cfg)
	}
	return func(ctx context.Context, records []model.Record) ([]model.Record, error) {
		if triggerAt <= 0 || keepRecent < 0 || s == nil || len(records) == 0 {
			return records, nil
		}
		head, turns := parseTurns(records)
		if len(turns) < triggerAt {
			return records, nil
		}
		split := len(turns) - keepRecent
		if split <= 0 {
			return records, nil
		}
		var older []model.Record
		older = append(older, head...)
		for _, t := range turns[:split] {
			older = append(older, t.records...)
		}
		text, err := s.Summarize(ctx, older)
		if err != nil {
			return records, fmt.Errorf("summarize history: %w", err)
		}
		if strings.TrimSpace(text) == "" {
			return records, nil
		}
		out := []model.Record{{
			Speaker: cfg.speaker,
			Blocks:  []model.Block{model.TextBlock{Text: cfg.prefix + text}},
			Meta:    map[string]any{MetaKey: MetaSummary},
		}}
		for _, t := range turns[split:] {
			out = append(out, t.records...)
		}
		return out, nil
	}
}

// Chain applies policies in order.
func Chain(policies ...Policy) Policy {
	return func(ctx context.Context, records []model.Record) ([]model.Record, error) {
		var err error
		for _, p := range policies {
			if p == nil {
				continue
			}
			if records, err = p(ctx, records); err != nil {
				return records, err
			}
		}
		return records, nil
	}
}

// Format renders records as plain text for summarization.
func Format(records []model.Record) string {
	var sb strings.Builder
	for _, r := range records {
		for _, b := range r.Blocks {
			switch v := b.(type) {
			case model.TextBlock:
				fmt.Fprintf(&sb, "%s: %s\n", r.Speaker, v.Text)
			case model.ToolCallBlock:
				fmt.Fprintf(&sb, "%s: [tool call %s %s]\n", r.Speaker, v.Name, compactJSON(v.Arguments))
			case model.ToolResponseBlock:
				if v.Error != nil {
					fmt.Fprintf(&sb, "%s: [tool error %s: %s]\n", r.Speaker, v.Name, v.Error.Message)
					continue
				}
				fmt.Fprintf(&sb, "%s: [tool result %s %s]\n", r.Speaker, v.Name, compactJSON(v.Result))
			}
		}
	}
	return sb.String()
}

// IsSummary reports whether r was written by Compress.
func IsSummary(r model.Record) bool {
	v, _ := r.Meta[MetaKey].(string)
	return v == MetaSummary
}

// parseTurns splits records into leading summaries and turns. Records before
// the first human record form a turn of their own.
func parseTurns(records []model.Record) ([]model.Record, []turn) {
	start := 0
	for start < len(records) && IsSummary(records[start]) {
		start++
	}
	head := records[:start]
	var (
		turns []turn
		cur   *turn
	)
	for _, r := range records[start:] {
		if cur == nil || (r.Speaker == model.SpeakerHuman && !r.ToolOnly()) {
			turns = append(turns, turn{})
			cur = &turns[len(turns)-1]
		}
		cur.records = append(cur.records, r)
	}
	return head, turns
}

func compactJSON(v any) string {
	if v == nil {
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// Guard wraps policy so that its output never orphans a call/result pair the
// renderer cannot close. A result whose call was removed is only allowed when
// the ledger still knows the call's tool name; a call whose result was
// removed is always recoverable. Violations return ErrUnsafeCompression and
// the original records.
func Guard(policy Policy, view ledger.View) Policy {
	return func(ctx context.Context, records []model.Record) ([]model.Record, error) {
		out, err := policy(ctx, records)
		if err != nil {
			return records, err
		}
		if err := checkPairs(records, out, view); err != nil {
			return records, err
		}
		return out, nil
	}
}

func checkPairs(in, out []model.Record, view ledger.View) error {
	before := make(map[string]bool)
	for _, r := range in {
		for _, c := range r.ToolCalls() {
			if c.ID != "" {
				before[c.ID] = true
			}
		}
	}
	calls := make(map[string]bool)
	for _, r := range out {
		for _, c := range r.ToolCalls() {
			calls[c.ID] = true
		}
	}
	for _, r := range out {
		for _, resp := range r.ToolResponses() {
			id := resp.CallID
			if !before[id] || calls[id] {
				continue
			}
			e, ok := lookup(view, id)
			if !ok || e.ToolName == "" {
				return fmt.Errorf("%w: result %q kept without its call", ErrUnsafeCompression, id)
			}
		}
	}
	return nil
}

func lookup(view ledger.View, id string) (ledger.Entry, bool) {
	if view == nil {
		return ledger.Entry{}, false
	}
	return view.Query(id)
}
