// Package transcript renders canonical conversation state into a transcript
// that every provider protocol accepts: each emitted tool call has exactly one
// completion, completions follow their calls, and no completion is sent twice.
//
// Build is a pure function of (history, ledger view, options). Calls whose
// results never reached history are closed with synthetic completions tagged
// with a reason code; the ledger's terminal result wins over stale or
// synthetic duplicates; arguments and payloads leave through an acyclic deep
// copy.
package transcript

import (
	"encoding/json"
	"fmt"
	"reflect"

	"goa.design/goa-transcript/runtime/diagnostics"
	"goa.design/goa-transcript/runtime/ledger"
	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/toolerrors"
)

type (
	// Options are the provider constraints of a render.
	Options struct {
		// StrictAdjacency requires each completion to immediately follow its
		// call.
		StrictAdjacency bool
	}

	// Source tells where an emitted completion came from.
	Source string

	// Call describes one emitted call and its completion.
	Call struct {
		ID     string
		Name   string
		Status model.Status
		Source Source
		Reason model.Reason
	}

	// Report carries the diagnostics collected during a render.
	Report struct {
		Observed    []string
		Dedup       []diagnostics.Decision
		Synthetic   []diagnostics.Synthetic
		Corrections []string
	}

	// Transcript is the rendered, protocol-valid record sequence.
	Transcript struct {
		Records []model.Record
		Calls   []Call
		Report  Report
	}
)

const (
	SourceHistory   Source = "history"
	SourceLedger    Source = "ledger"
	SourceSynthetic Source = "synthetic"
)

type (
	// piece is a normalized record: speaker attribution fixed, ids
	// assigned, duplicates and orphans removed.
	piece struct {
		speaker model.Speaker
		blocks  []model.Block
		meta    map[string]any
	}

	// at locates a block inside b.pieces.
	at struct {
		piece int
		block int
	}

	callRef struct {
		block model.ToolCallBlock
		pos   at
	}

	respRef struct {
		block model.ToolResponseBlock
		pos   at
	}

	// completion is the resolved completion of one call.
	completion struct {
		block  model.ToolResponseBlock
		source Source
		status model.Status
		// pos is set for history completions.
		pos *at
	}

	builder struct {
		view   ledger.View
		opts   Options
		pieces []piece
		calls  []callRef
		resps  map[string][]respRef
		chosen map[string]completion
		report Report
	}
)

// Build renders history against the ledger view. A nil view is replaced by
// ledger.ReconstructFromHistory(history). history is not modified.
func Build(history []model.Record, view ledger.View, opts Options) (*Transcript, error) {
	if view == nil {
		view = ledger.ReconstructFromHistory(history)
	}
	b := &builder{
		view:   view,
		opts:   opts,
		resps:  make(map[string][]respRef),
		chosen: make(map[string]completion),
	}
	if err := b.normalize(history); err != nil {
		return nil, err
	}
	b.collect()
	b.resolve()
	t := b.emit()
	if err := Verify(t.Records, opts.StrictAdjacency); err != nil {
		return t, err
	}
	return t, nil
}

// normalize fixes speaker attribution, assigns positional ids to calls that
// lack one, drops replayed duplicate calls and resolves orphan completions.
func (b *builder) normalize(history []model.Record) error {
	declared := make(map[string]bool)
	for _, r := range history {
		for _, blk := range r.Blocks {
			if c, ok := blk.(model.ToolCallBlock); ok && c.ID != "" {
				declared[c.ID] = true
			}
		}
	}

	var (
		seen      = make(map[string]string) // call id -> tool name
		anonymous []string                  // positional ids awaiting an id-less completion
		index     int
	)
	for ri, r := range history {
		if !r.Speaker.Valid() {
			return &CorruptionError{Record: ri, Block: -1, Reason: fmt.Sprintf("unknown speaker %q", r.Speaker)}
		}
		cur := piece{speaker: r.Speaker, meta: r.Meta}
		flush := func(next model.Speaker) {
			if len(cur.blocks) > 0 {
				b.pieces = append(b.pieces, cur)
				cur = piece{speaker: next}
				return
			}
			cur.speaker = next
		}
		add := func(want model.Speaker, blk model.Block) {
			if cur.speaker != want {
				flush(want)
			}
			cur.blocks = append(cur.blocks, blk)
		}

		for bi, blk := range r.Blocks {
			switch blk := blk.(type) {
			case model.ToolCallBlock:
				if blk.ID == "" && blk.Name == "" {
					return &CorruptionError{Record: ri, Block: bi, Reason: "tool call has neither id nor name"}
				}
				if blk.ID == "" {
					blk.ID = positionalID(index, declared)
					declared[blk.ID] = true
					anonymous = append(anonymous, blk.ID)
					b.correct("record %d block %d: assigned positional id %s", ri, bi, blk.ID)
				} else if name, dup := seen[blk.ID]; dup {
					if name != blk.Name {
						return &CorruptionError{Record: ri, Block: bi, Reason: fmt.Sprintf("call id %q reused by tools %q and %q", blk.ID, name, blk.Name)}
					}
					b.correct("record %d block %d: dropped replayed call %s", ri, bi, blk.ID)
					continue
				}
				seen[blk.ID] = blk.Name
				if r.Speaker != model.SpeakerAI {
					b.correct("record %d block %d: call %s reattributed from %s to ai", ri, bi, blk.ID, r.Speaker)
				}
				add(model.SpeakerAI, blk)
				index++

			case model.ToolResponseBlock:
				if blk.CallID == "" {
					if len(anonymous) == 0 {
						b.correct("record %d block %d: dropped completion without call id", ri, bi)
						continue
					}
					blk.CallID, anonymous = anonymous[0], anonymous[1:]
				}
				if !declared[blk.CallID] {
					if _, restored := seen[blk.CallID]; !restored {
						e, ok := b.view.Query(blk.CallID)
						if !ok || e.ToolName == "" {
							b.correct("record %d block %d: dropped orphan completion %s", ri, bi, blk.CallID)
							continue
						}
						flush(model.SpeakerAI)
						cur.blocks = append(cur.blocks, model.ToolCallBlock{ID: e.CallID, Name: e.ToolName, Arguments: e.Arguments})
						seen[e.CallID] = e.ToolName
						index++
						b.correct("record %d block %d: restored call %s from ledger", ri, bi, blk.CallID)
					}
				}
				if r.Speaker != model.SpeakerTool {
					b.correct("record %d block %d: completion %s reattributed from %s to tool", ri, bi, blk.CallID, r.Speaker)
				}
				add(model.SpeakerTool, blk)

			case nil:
				b.correct("record %d block %d: dropped nil block", ri, bi)

			default:
				add(r.Speaker, blk)
			}
		}
		flush(r.Speaker)
	}
	return nil
}

func (b *builder) collect() {
	for pi, p := range b.pieces {
		for bi, blk := range p.blocks {
			switch blk := blk.(type) {
			case model.ToolCallBlock:
				b.calls = append(b.calls, callRef{block: blk, pos: at{pi, bi}})
				b.report.Observed = append(b.report.Observed, blk.ID)
			case model.ToolResponseBlock:
				b.resps[blk.CallID] = append(b.resps[blk.CallID], respRef{block: blk, pos: at{pi, bi}})
			}
		}
	}
}

// resolve picks exactly one completion per call.
func (b *builder) resolve() {
	for _, c := range b.calls {
		id := c.block.ID
		cands := b.resps[id]
		entry, hasEntry := b.view.Query(id)

		var real []respRef
		for _, r := range cands {
			if model.Real(r.block) {
				real = append(real, r)
			}
		}

		var (
			chosen    completion
			rationale string
		)
		switch {
		case hasEntry && (entry.Status == model.StatusComplete || entry.Status == model.StatusErrored):
			if r, ok := matchEntry(real, entry); ok {
				pos := r.pos
				chosen = completion{block: r.block, source: SourceHistory, status: entry.Status, pos: &pos}
				rationale = "kept history completion matching the ledger's terminal result"
			} else {
				chosen = completion{block: fromEntry(entry, c.block.Name), source: SourceLedger, status: entry.Status}
				if len(real) > 0 {
					rationale = "ledger terminal result preferred over stale history completion"
				} else {
					rationale = "history lost the completion; rebuilt from the ledger's terminal result"
				}
			}
		case len(real) > 0:
			pos := real[0].pos
			chosen = completion{block: real[0].block, source: SourceHistory, status: model.InferStatus(real[0].block), pos: &pos}
			rationale = "kept first real history completion"
			if hasEntry && entry.Status == model.StatusCancelled {
				rationale = "kept real history completion over ledger cancellation"
			}
		default:
			reason := model.ReasonInterrupted
			if hasEntry && entry.Status == model.StatusCancelled {
				reason = model.ReasonCancelled
			}
			chosen = completion{block: synthesize(c.block, reason), source: SourceSynthetic, status: synthStatus(reason)}
			rationale = "no real completion; closed with synthetic completion"
			b.report.Synthetic = append(b.report.Synthetic, diagnostics.Synthetic{CallID: id, Reason: reason})
		}
		b.chosen[id] = chosen

		dropped := len(cands)
		if chosen.source == SourceHistory {
			dropped--
		}
		if dropped > 0 {
			b.report.Dedup = append(b.report.Dedup, diagnostics.Decision{
				CallID:    id,
				Kept:      string(chosen.source),
				Dropped:   dropped,
				Rationale: rationale,
			})
		}
	}
}

// emit lays out the final records.
func (b *builder) emit() *Transcript {
	t := &Transcript{}
	final := make(map[string]model.Block, len(b.calls))
	callPiece := make(map[string]int, len(b.calls))
	for _, c := range b.calls {
		ch := b.chosen[c.block.ID]
		final[c.block.ID] = b.egress(ch.block)
		callPiece[c.block.ID] = c.pos.piece
		t.Calls = append(t.Calls, Call{
			ID:     c.block.ID,
			Name:   c.block.Name,
			Status: ch.status,
			Source: ch.source,
			Reason: ch.block.Reason,
		})
	}
	// stays reports whether the chosen completion of id is emitted at its
	// history position rather than next to the call.
	stays := func(id string) bool {
		ch := b.chosen[id]
		return !b.opts.StrictAdjacency && ch.pos != nil && ch.pos.piece > callPiece[id]
	}
	// trailing holds relocated completions appended to the tool piece at
	// the given index.
	trailing := make(map[int][]model.Block)

	push := func(speaker model.Speaker, blocks []model.Block, meta map[string]any) {
		if len(blocks) == 0 {
			return
		}
		t.Records = append(t.Records, model.Record{Speaker: speaker, Blocks: blocks, Meta: meta})
	}

	for pi, p := range b.pieces {
		switch p.speaker {
		case model.SpeakerAI:
			if b.opts.StrictAdjacency {
				var run []model.Block
				meta := p.meta
				for _, blk := range p.blocks {
					run = append(run, b.egress(blk))
					c, ok := blk.(model.ToolCallBlock)
					if !ok {
						continue
					}
					push(model.SpeakerAI, run, meta)
					meta, run = nil, nil
					push(model.SpeakerTool, []model.Block{final[c.ID]}, nil)
				}
				push(model.SpeakerAI, run, meta)
				continue
			}
			var (
				out   = make([]model.Block, 0, len(p.blocks))
				moved []model.Block
			)
			for _, blk := range p.blocks {
				out = append(out, b.egress(blk))
				if c, ok := blk.(model.ToolCallBlock); ok && !stays(c.ID) {
					moved = append(moved, final[c.ID])
				}
			}
			push(model.SpeakerAI, out, p.meta)
			switch {
			case len(moved) == 0:
			case pi+1 < len(b.pieces) && b.pieces[pi+1].speaker == model.SpeakerTool:
				trailing[pi+1] = append(trailing[pi+1], moved...)
			default:
				push(model.SpeakerTool, moved, nil)
			}

		case model.SpeakerTool:
			out := make([]model.Block, 0, len(p.blocks))
			for bi, blk := range p.blocks {
				r, ok := blk.(model.ToolResponseBlock)
				if !ok {
					out = append(out, b.egress(blk))
					continue
				}
				ch := b.chosen[r.CallID]
				if stays(r.CallID) && *ch.pos == (at{pi, bi}) {
					out = append(out, final[r.CallID])
				}
			}
			out = append(out, trailing[pi]...)
			push(model.SpeakerTool, out, p.meta)

		default:
			out := make([]model.Block, 0, len(p.blocks))
			for _, blk := range p.blocks {
				out = append(out, b.egress(blk))
			}
			push(p.speaker, out, p.meta)
		}
	}
	t.Report = b.report
	return t
}

// egress copies blk for output, removing cycles from call arguments and
// completion payloads.
func (b *builder) egress(blk model.Block) model.Block {
	switch v := blk.(type) {
	case model.ToolCallBlock:
		args, n := Acyclic(v.Arguments)
		if n > 0 {
			b.correct("call %s: removed %d circular references from arguments", v.ID, n)
		}
		v.Arguments = args
		return v
	case model.ToolResponseBlock:
		res, n := Acyclic(v.Result)
		if n > 0 {
			b.correct("completion %s: removed %d circular references from result", v.CallID, n)
		}
		v.Result = res
		v.Error = v.Error.Clone()
		if v.IsComplete != nil {
			v.IsComplete = model.Bool(*v.IsComplete)
		}
		return v
	}
	return blk
}

func (b *builder) correct(format string, args ...any) {
	b.report.Corrections = append(b.report.Corrections, fmt.Sprintf(format, args...))
}

// positionalID derives an id for the index-th call from its position,
// avoiding ids already present in history.
func positionalID(index int, taken map[string]bool) string {
	id := fmt.Sprintf("call#%d", index)
	for n := 1; taken[id]; n++ {
		id = fmt.Sprintf("call#%d.%d", index, n)
	}
	return id
}

// matchEntry returns the first real candidate carrying the entry's terminal
// outcome.
func matchEntry(real []respRef, e ledger.Entry) (respRef, bool) {
	for _, r := range real {
		if model.InferStatus(r.block) != e.Status {
			continue
		}
		if e.Status == model.StatusErrored {
			if e.Error == nil || samePayload(r.block.Error, e.Error) {
				return r, true
			}
			continue
		}
		if samePayload(r.block.Result, e.Result) {
			return r, true
		}
	}
	return respRef{}, false
}

// canonicalJSON returns the JSON encoding of v. json.Marshal sorts map keys,
// so equal payloads encode identically whatever their map iteration order.
func canonicalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// samePayload compares payloads by their JSON encoding so values that went
// through a store round trip still match; it falls back to deep equality
// for values JSON cannot encode.
func samePayload(a, b any) bool {
	ja, errA := canonicalJSON(a)
	jb, errB := canonicalJSON(b)
	if errA == nil && errB == nil {
		return ja == jb
	}
	return reflect.DeepEqual(a, b)
}

func fromEntry(e ledger.Entry, name string) model.ToolResponseBlock {
	if e.ToolName != "" {
		name = e.ToolName
	}
	blk := model.ToolResponseBlock{CallID: e.CallID, Name: name, IsComplete: model.Bool(true)}
	if e.Status == model.StatusErrored {
		blk.Error = e.Error
		if blk.Error == nil {
			blk.Error = toolerrors.New("tool call failed")
		}
		return blk
	}
	blk.Result = e.Result
	return blk
}

func synthesize(c model.ToolCallBlock, reason model.Reason) model.ToolResponseBlock {
	code, msg := toolerrors.CodeInterrupted, "tool call was interrupted before a result was recorded"
	if reason == model.ReasonCancelled {
		code, msg = toolerrors.CodeCancelled, "tool call was cancelled"
	}
	return model.ToolResponseBlock{
		CallID:     c.ID,
		Name:       c.Name,
		Error:      toolerrors.WithCode(code, msg),
		IsComplete: model.Bool(false),
		Reason:     reason,
	}
}

func synthStatus(reason model.Reason) model.Status {
	if reason == model.ReasonCancelled {
		return model.StatusCancelled
	}
	return model.StatusPending
}
