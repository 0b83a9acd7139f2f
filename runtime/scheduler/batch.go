package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/goa-transcript/runtime/ledger"
	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/toolerrors"
)

type (
	// Completion is the settled outcome of one request, ready for the
	// continuation path.
	Completion struct {
		Request  Request
		Status   model.Status
		Response model.ToolResponseBlock
		Duration time.Duration
	}

	// Batch is a scheduled set of calls awaited together.
	Batch struct {
		s    *Scheduler
		reqs []Request
		stop context.CancelFunc
		done chan struct{}

		mu        sync.Mutex
		results   []*Completion
		settled   bool
		cancelled bool
	}
)

func newBatch(s *Scheduler, reqs []Request) *Batch {
	return &Batch{
		s:       s,
		reqs:    append([]Request(nil), reqs...),
		done:    make(chan struct{}),
		results: make([]*Completion, len(reqs)),
	}
}

// IDs returns the call ids of the batch in request order.
func (b *Batch) IDs() []string {
	ids := make([]string, len(b.reqs))
	for i, r := range b.reqs {
		ids[i] = r.CallID
	}
	return ids
}

// Done is closed when the batch settles.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Cancelled reports whether Cancel was called before the batch settled.
func (b *Batch) Cancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled
}

// Wait blocks until the batch settles and returns its completions in request
// order.
func (b *Batch) Wait(ctx context.Context) ([]Completion, error) {
	select {
	case <-b.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Completion, len(b.results))
	for i, c := range b.results {
		out[i] = *c
	}
	return out, nil
}

// Cancel finalizes every still-pending call of the batch as cancelled and
// settles the batch immediately. Calls already complete keep their result.
// Running tools see their context cancelled; whatever they return later is
// discarded. Cancel returns the ids it moved to cancelled and is a no-op on a
// settled batch.
func (b *Batch) Cancel() []string {
	b.mu.Lock()
	if b.settled {
		b.mu.Unlock()
		return nil
	}
	b.cancelled = true
	ctx := context.Background()
	ids := b.s.ledger.CancelPending(ctx, b.IDs())
	b.fillLocked()
	b.mu.Unlock()

	b.s.tel.Metrics.IncCounter("scheduler.batch.cancelled", 1)
	b.s.tel.Logger.Info(ctx, "tool batch cancelled", "calls", b.IDs(), "cancelled", ids)
	b.stop()
	b.s.release(b)
	return ids
}

// settle completes the batch after every call returned.
func (b *Batch) settle() {
	b.mu.Lock()
	if b.settled {
		b.mu.Unlock()
		return
	}
	b.fillLocked()
	b.mu.Unlock()
	b.stop()
	b.s.release(b)
}

// fillLocked builds completions for calls without one from the ledger and
// marks the batch settled.
func (b *Batch) fillLocked() {
	for i, r := range b.reqs {
		if b.results[i] != nil {
			continue
		}
		e, _ := b.s.ledger.Query(r.CallID)
		c := fromEntry(r, e)
		b.results[i] = &c
	}
	b.settled = true
	close(b.done)
}

// finish records the terminal state of call i and stores its completion
// unless the batch already settled.
func (s *Scheduler) finish(ctx context.Context, b *Batch, i int, req Request, resp model.ToolResponseBlock, start time.Time) {
	elapsed := time.Since(start)
	status := model.InferStatus(resp)
	if status == model.StatusPending {
		// a tool that returned without result or error completed with
		// nothing to say
		status = model.StatusComplete
		resp.IsComplete = model.Bool(true)
	}
	e, err := s.ledger.Record(ctx, req.CallID, ledger.Patch{Status: status, Result: resp.Result, Error: resp.Error})
	if errors.Is(err, ledger.ErrTerminal) {
		s.tel.Logger.Debug(ctx, "discarding late tool result", "call_id", req.CallID, "tool", req.Name, "ledger_status", string(e.Status))
		return
	}
	if err != nil {
		s.tel.Logger.Error(ctx, "ledger write failed", "call_id", req.CallID, "err", err)
		return
	}
	s.tel.Metrics.RecordTimer("scheduler.tool.duration", elapsed, "tool", req.Name, "status", string(status))
	s.tel.Metrics.IncCounter("scheduler.tool.status", 1, "tool", req.Name, "status", string(status))

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.settled {
		return
	}
	b.results[i] = &Completion{Request: req, Status: status, Response: resp, Duration: elapsed}
}

// fromEntry rebuilds a completion from the ledger.
func fromEntry(req Request, e ledger.Entry) Completion {
	resp := model.ToolResponseBlock{CallID: req.CallID, Name: req.Name, Result: e.Result, Error: e.Error}
	switch e.Status {
	case model.StatusCancelled:
		resp.Reason = model.ReasonCancelled
		resp.IsComplete = model.Bool(false)
		if resp.Error == nil {
			resp.Error = toolerrors.WithCode(toolerrors.CodeCancelled, "tool call cancelled")
		}
	case model.StatusComplete:
		resp.IsComplete = model.Bool(true)
	default:
		resp.IsComplete = model.Bool(false)
	}
	return Completion{Request: req, Status: e.Status, Response: resp}
}

func errorResponse(req Request, err error) model.ToolResponseBlock {
	return model.ToolResponseBlock{
		CallID:     req.CallID,
		Name:       req.Name,
		Error:      toolerrors.FromError(err),
		IsComplete: model.Bool(false),
	}
}

func invalidArguments(err error) error {
	te := toolerrors.NewWithCause("invalid arguments", err)
	te.Code = toolerrors.CodeInvalidArguments
	return te
}
