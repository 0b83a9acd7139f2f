package transcript

import (
	"goa.design/goa-transcript/runtime/model"
)

// Verify checks the structural invariants of a rendered record sequence:
// every call has exactly one completion, every completion follows its call,
// no call id is emitted twice and, when strict is set, each completion is the
// block right after its call.
func Verify(records []model.Record, strict bool) error {
	type slot struct {
		call      int
		responses int
	}
	var (
		flat  []model.Block
		slots = make(map[string]*slot)
		order []string
	)
	for _, r := range records {
		flat = append(flat, r.Blocks...)
	}
	for i, blk := range flat {
		switch v := blk.(type) {
		case model.ToolCallBlock:
			if _, dup := slots[v.ID]; dup {
				return &RendererFault{Invariant: "unique-call", CallID: v.ID, Detail: "call emitted twice"}
			}
			slots[v.ID] = &slot{call: i}
			order = append(order, v.ID)
		case model.ToolResponseBlock:
			s, ok := slots[v.CallID]
			if !ok {
				return &RendererFault{Invariant: "placement", CallID: v.CallID, Detail: "completion precedes or lacks its call"}
			}
			s.responses++
			if s.responses > 1 {
				return &RendererFault{Invariant: "no-duplicate-completion", CallID: v.CallID, Detail: "more than one completion"}
			}
			if strict && s.call != i-1 {
				return &RendererFault{Invariant: "adjacency", CallID: v.CallID, Detail: "completion does not immediately follow its call"}
			}
		}
	}
	for _, id := range order {
		if slots[id].responses != 1 {
			return &RendererFault{Invariant: "pairing", CallID: id, Detail: "call has no completion"}
		}
	}
	return nil
}

