package session

import (
	"context"
	"fmt"

	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/scheduler"
)

// Turn is a submitted model turn. When the turn requested tool calls, Wait
// returns once their completions are in history.
type Turn struct {
	ctx      context.Context
	batch    *scheduler.Batch
	appended chan struct{}
	results  []scheduler.Completion
	err      error
}

// Batch returns the tool batch of the turn, nil when it had no calls.
func (t *Turn) Batch() *scheduler.Batch { return t.batch }

// Wait blocks until the completions of the turn reached history.
func (t *Turn) Wait(ctx context.Context) ([]scheduler.Completion, error) {
	select {
	case <-t.appended:
		return t.results, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel cancels the turn's pending tool calls and returns their ids.
func (t *Turn) Cancel() []string {
	if t.batch == nil {
		return nil
	}
	return t.batch.Cancel()
}

// Submit schedules the tool calls of a model turn as one batch and appends
// the turn to history. A turn the scheduler rejects never reaches history.
// Cancelling ctx cancels the batch.
func (s *Session) Submit(ctx context.Context, records ...model.Record) (*Turn, error) {
	var reqs []scheduler.Request
	for _, r := range records {
		for _, c := range r.ToolCalls() {
			if c.ID == "" || c.Name == "" {
				return nil, fmt.Errorf("%w: id %q name %q", ErrInvalidCall, c.ID, c.Name)
			}
			reqs = append(reqs, scheduler.Request{CallID: c.ID, Name: c.Name, Arguments: c.Arguments})
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	turn := &Turn{ctx: ctx, appended: make(chan struct{})}
	if len(reqs) > 0 {
		b, err := s.sched.Schedule(ctx, reqs)
		if err != nil {
			s.wg.Done()
			return nil, fmt.Errorf("schedule tool calls: %w", err)
		}
		turn.batch = b
	}
	reply := make(chan error, 1)
	err := s.send(appendTurn{ctx: ctx, records: records, reply: reply})
	if err == nil {
		err = <-reply
	}
	if err != nil {
		if turn.batch != nil {
			turn.batch.Cancel()
		}
		s.wg.Done()
		return nil, fmt.Errorf("append turn: %w", err)
	}
	if turn.batch == nil {
		close(turn.appended)
		s.wg.Done()
		return turn, nil
	}
	b := turn.batch
	s.mu.Lock()
	s.turns[turn] = struct{}{}
	s.mu.Unlock()
	s.tel.Logger.Debug(ctx, "tool batch scheduled", "session_id", s.id, "mode", string(s.mode), "calls", b.IDs())

	go s.await(turn)
	return turn, nil
}

// Cancel cancels every running tool batch of the session and returns the
// ids moved to cancelled. The cancelled completions reach history through
// the continuation loop like any other result.
func (s *Session) Cancel() []string {
	s.mu.Lock()
	turns := make([]*Turn, 0, len(s.turns))
	for t := range s.turns {
		turns = append(turns, t)
	}
	s.mu.Unlock()
	var ids []string
	for _, t := range turns {
		ids = append(ids, t.Cancel()...)
	}
	return ids
}

// RunScript submits each model turn in order, waiting for the tool
// completions of one turn before submitting the next. It returns the
// completions of every turn.
func (s *Session) RunScript(ctx context.Context, turns [][]model.Record) ([][]scheduler.Completion, error) {
	out := make([][]scheduler.Completion, 0, len(turns))
	for i, records := range turns {
		t, err := s.Submit(ctx, records...)
		if err != nil {
			return out, fmt.Errorf("turn %d: %w", i, err)
		}
		res, err := t.Wait(ctx)
		if err != nil {
			return out, fmt.Errorf("turn %d: %w", i, err)
		}
		out = append(out, res)
	}
	return out, nil
}

// await hands the settled batch of t to the continuation loop.
func (s *Session) await(t *Turn) {
	defer s.wg.Done()
	results, _ := t.batch.Wait(context.Background())
	reply := make(chan error, 1)
	err := s.send(appendCompletions{turn: t, results: results, reply: reply})
	if err == nil {
		err = <-reply
	}
	s.mu.Lock()
	delete(s.turns, t)
	s.mu.Unlock()
	t.results = results
	t.err = err
	close(t.appended)
}
