package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/goa-transcript/runtime/ledger"
	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/toolerrors"
)

func newScheduler(t *testing.T, exec Executor, opts ...Option) (*Scheduler, *ledger.Ledger) {
	t.Helper()
	l := ledger.New()
	s, err := New(l, exec, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, l
}

func wait(t *testing.T, b *Batch) []Completion {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := b.Wait(ctx)
	require.NoError(t, err)
	return out
}

func TestBatchRunsConcurrently(t *testing.T) {
	const n = 3
	var started sync.WaitGroup
	started.Add(n)
	all := make(chan struct{})
	go func() { started.Wait(); close(all) }()

	exec := ToolFunc(func(ctx context.Context, args any) (any, error) {
		started.Done()
		select {
		case <-all:
			return args, nil
		case <-time.After(3 * time.Second):
			return nil, errors.New("calls did not run concurrently")
		}
	})
	s, l := newScheduler(t, exec)

	b, err := s.Schedule(context.Background(), []Request{
		{CallID: "a", Name: "echo", Arguments: "A"},
		{CallID: "b", Name: "echo", Arguments: "B"},
		{CallID: "c", Name: "echo", Arguments: "C"},
	})
	require.NoError(t, err)
	out := wait(t, b)
	require.Len(t, out, n)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, id, out[i].Request.CallID)
		assert.Equal(t, model.StatusComplete, out[i].Status)
		e, ok := l.Query(id)
		require.True(t, ok)
		assert.Equal(t, model.StatusComplete, e.Status)
	}
	assert.Equal(t, "B", out[1].Response.Result)
}

func TestCancellationScenario(t *testing.T) {
	release := make(chan struct{})
	exec := Tools{
		"fast": ToolFunc(func(context.Context, any) (any, error) {
			return map[string]any{"answer": 42}, nil
		}),
		"slow": ToolFunc(func(context.Context, any) (any, error) {
			<-release // ignores cancellation on purpose
			return "late", nil
		}),
	}
	s, l := newScheduler(t, exec)
	b, err := s.Schedule(context.Background(), []Request{
		{CallID: "done", Name: "fast"},
		{CallID: "s1", Name: "slow"},
		{CallID: "s2", Name: "slow"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		e, _ := l.Query("done")
		return e.Status == model.StatusComplete
	}, 2*time.Second, 5*time.Millisecond)
	before, _ := l.Query("done")

	cancelled := b.Cancel()
	assert.ElementsMatch(t, []string{"s1", "s2"}, cancelled)
	out := wait(t, b)

	close(release)
	time.Sleep(50 * time.Millisecond)

	after, _ := l.Query("done")
	assert.Equal(t, before, after)
	assert.Equal(t, map[string]any{"answer": 42}, after.Result)
	for _, id := range []string{"s1", "s2"} {
		e, _ := l.Query(id)
		assert.Equal(t, model.StatusCancelled, e.Status)
		assert.Nil(t, e.Result)
	}
	assert.Equal(t, model.StatusComplete, out[0].Status)
	assert.Equal(t, model.StatusCancelled, out[1].Status)
	assert.Equal(t, model.ReasonCancelled, out[2].Response.Reason)
	assert.Nil(t, b.Cancel())
}

func TestContextCancellationCancelsBatch(t *testing.T) {
	exec := ToolFunc(func(ctx context.Context, _ any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s, l := newScheduler(t, exec)
	ctx, cancel := context.WithCancel(context.Background())
	b, err := s.Schedule(ctx, []Request{{CallID: "x", Name: "block"}})
	require.NoError(t, err)
	cancel()
	out := wait(t, b)
	assert.Equal(t, model.StatusCancelled, out[0].Status)
	e, _ := l.Query("x")
	assert.Equal(t, model.StatusCancelled, e.Status)
}

func TestEchoFiltering(t *testing.T) {
	exec := ExecutorFunc(func(_ context.Context, req Request) ([]model.Block, error) {
		return []model.Block{
			model.ToolCallBlock{ID: req.CallID, Name: req.Name, Arguments: req.Arguments},
			model.ToolResponseBlock{CallID: "someone-else", Result: "foreign"},
			model.ToolResponseBlock{CallID: req.CallID, Result: "genuine", Reason: model.ReasonInterrupted},
			model.ThinkingBlock{Text: "internal"},
		}, nil
	})
	s, _ := newScheduler(t, exec)
	b, err := s.Schedule(context.Background(), []Request{{CallID: "c", Name: "sub", Arguments: map[string]any{"q": 1}}})
	require.NoError(t, err)
	out := wait(t, b)
	assert.Equal(t, model.ToolResponseBlock{CallID: "c", Name: "sub", Result: "genuine"}, out[0].Response)
	assert.Equal(t, model.StatusComplete, out[0].Status)
}

func TestTextOutputBecomesResult(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, Request) ([]model.Block, error) {
		return []model.Block{model.TextBlock{Text: "line 1"}, model.TextBlock{Text: "line 2"}}, nil
	})
	s, _ := newScheduler(t, exec)
	b, err := s.Schedule(context.Background(), []Request{{CallID: "c", Name: "shell"}})
	require.NoError(t, err)
	out := wait(t, b)
	assert.Equal(t, "line 1\nline 2", out[0].Response.Result)
}

func TestToolErrorIsTerminalWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	exec := ToolFunc(func(context.Context, any) (any, error) {
		calls.Add(1)
		return nil, errors.New("upstream 500")
	})
	s, l := newScheduler(t, exec)
	b, err := s.Schedule(context.Background(), []Request{{CallID: "c", Name: "fetch"}})
	require.NoError(t, err)
	out := wait(t, b)
	assert.Equal(t, model.StatusErrored, out[0].Status)
	assert.Equal(t, "upstream 500", out[0].Response.Error.Message)
	assert.Equal(t, int32(1), calls.Load())
	e, _ := l.Query("c")
	assert.Equal(t, model.StatusErrored, e.Status)
}

func TestToolTimeout(t *testing.T) {
	exec := ToolFunc(func(ctx context.Context, _ any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s, _ := newScheduler(t, exec, WithToolTimeout(10*time.Millisecond))
	b, err := s.Schedule(context.Background(), []Request{{CallID: "c", Name: "slow"}})
	require.NoError(t, err)
	out := wait(t, b)
	assert.Equal(t, model.StatusErrored, out[0].Status)
	assert.Equal(t, toolerrors.CodeTimeout, out[0].Response.Error.Code)
}

func TestSchemaValidation(t *testing.T) {
	var called atomic.Bool
	exec := ToolFunc(func(context.Context, any) (any, error) {
		called.Store(true)
		return "ok", nil
	})
	schema := json.RawMessage(`{"type":"object","required":["city"],"properties":{"city":{"type":"string"}}}`)
	s, _ := newScheduler(t, exec, WithSchemas(map[string]json.RawMessage{"weather": schema}))

	b, err := s.Schedule(context.Background(), []Request{
		{CallID: "bad", Name: "weather", Arguments: map[string]any{"town": "Paris"}},
	})
	require.NoError(t, err)
	out := wait(t, b)
	assert.Equal(t, model.StatusErrored, out[0].Status)
	assert.Equal(t, toolerrors.CodeInvalidArguments, out[0].Response.Error.Code)
	assert.False(t, called.Load())

	b, err = s.Schedule(context.Background(), []Request{
		{CallID: "good", Name: "weather", Arguments: map[string]any{"city": "Paris"}},
	})
	require.NoError(t, err)
	out = wait(t, b)
	assert.Equal(t, model.StatusComplete, out[0].Status)
	assert.True(t, called.Load())

	_, err = New(ledger.New(), exec, WithSchemas(map[string]json.RawMessage{"x": json.RawMessage(`{"type":`)}))
	assert.Error(t, err)
}

func TestScheduleRejectsDuplicates(t *testing.T) {
	s, _ := newScheduler(t, ToolFunc(func(context.Context, any) (any, error) { return 1, nil }))
	_, err := s.Schedule(context.Background(), []Request{{CallID: "a", Name: "t"}, {CallID: "a", Name: "t"}})
	assert.ErrorIs(t, err, ErrDuplicateCall)

	b, err := s.Schedule(context.Background(), []Request{{CallID: "a", Name: "t"}})
	require.NoError(t, err)
	wait(t, b)
	_, err = s.Schedule(context.Background(), []Request{{CallID: "a", Name: "t"}})
	assert.ErrorIs(t, err, ErrDuplicateCall)

	_, err = s.Schedule(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
	_, err = s.Schedule(context.Background(), []Request{{Name: "t"}})
	assert.ErrorIs(t, err, ledger.ErrEmptyCallID)
}

func TestParallelismBound(t *testing.T) {
	var cur, peak atomic.Int32
	exec := ToolFunc(func(context.Context, any) (any, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		cur.Add(-1)
		return nil, nil
	})
	s, _ := newScheduler(t, exec, WithParallelism(1), WithRateLimit(1000, 10))
	reqs := []Request{{CallID: "1", Name: "t"}, {CallID: "2", Name: "t"}, {CallID: "3", Name: "t"}}
	b, err := s.Schedule(context.Background(), reqs)
	require.NoError(t, err)
	out := wait(t, b)
	assert.Equal(t, int32(1), peak.Load())
	for _, c := range out {
		assert.Equal(t, model.StatusComplete, c.Status)
	}
}

func TestCloseRejectsScheduling(t *testing.T) {
	l := ledger.New()
	s, err := New(l, ToolFunc(func(context.Context, any) (any, error) { return nil, nil }))
	require.NoError(t, err)
	s.Close()
	_, err = s.Schedule(context.Background(), []Request{{CallID: "a", Name: "t"}})
	assert.ErrorIs(t, err, ErrClosed)
}
