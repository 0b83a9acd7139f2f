package ledger

import (
	"context"

	"goa.design/goa-transcript/runtime/model"
)

// ReconstructFromHistory rebuilds a ledger from content records alone, for
// renders that have no live ledger. Calls create pending entries; each
// completion block applies the status inferred by model.InferStatus. The
// first terminal outcome observed for an id wins, matching the freeze rule
// of the live ledger.
func ReconstructFromHistory(records []model.Record) *Ledger {
	l := New()
	ctx := context.Background()
	for _, r := range records {
		for _, b := range r.Blocks {
			switch blk := b.(type) {
			case model.ToolCallBlock:
				if blk.ID == "" {
					continue
				}
				_, _ = l.Record(ctx, blk.ID, Patch{ToolName: blk.Name, Arguments: blk.Arguments})
			case model.ToolResponseBlock:
				if blk.CallID == "" {
					continue
				}
				p := Patch{ToolName: blk.Name, Status: model.InferStatus(blk)}
				if p.Status.Terminal() && !blk.Synthetic() {
					p.Result = blk.Result
					p.Error = blk.Error
				}
				_, _ = l.Record(ctx, blk.CallID, p)
			}
		}
	}
	return l
}
