package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/toolerrors"
)

type recordingMirror struct {
	mu   sync.Mutex
	puts []Entry
}

func (m *recordingMirror) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts = append(m.puts, e)
	return nil
}

func TestRecordCreatesPendingEntry(t *testing.T) {
	l := New()
	e, err := l.Record(context.Background(), "c1", Patch{ToolName: "search", Arguments: map[string]any{"q": "go"}})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, e.Status)
	assert.Equal(t, "search", e.ToolName)
	assert.Equal(t, uint64(1), e.Seq)

	got, ok := l.Query("c1")
	require.True(t, ok)
	assert.Equal(t, e, got)

	_, ok = l.Query("missing")
	assert.False(t, ok)
}

func TestRecordRejectsEmptyIDAndBadStatus(t *testing.T) {
	l := New()
	_, err := l.Record(context.Background(), "", Patch{})
	assert.ErrorIs(t, err, ErrEmptyCallID)
	_, err = l.Record(context.Background(), "c1", Patch{Status: "done"})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestTerminalEntryIsFrozen(t *testing.T) {
	ctx := context.Background()
	l := New()
	_, err := l.Record(ctx, "c1", Patch{ToolName: "search"})
	require.NoError(t, err)
	done, err := l.Record(ctx, "c1", Patch{Status: model.StatusComplete, Result: "42"})
	require.NoError(t, err)

	_, err = l.Record(ctx, "c1", Patch{Status: model.StatusPending})
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = l.Record(ctx, "c1", Patch{Status: model.StatusCancelled})
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = l.Record(ctx, "c1", Patch{Status: model.StatusComplete, Result: "43"})
	assert.ErrorIs(t, err, ErrTerminal)

	again, err := l.Record(ctx, "c1", Patch{Status: model.StatusComplete, Result: "42"})
	require.NoError(t, err)
	assert.Equal(t, done, again)

	got, _ := l.Query("c1")
	assert.Equal(t, model.StatusComplete, got.Status)
	assert.Equal(t, "42", got.Result)
}

func TestCancelPendingLeavesCompleteUntouched(t *testing.T) {
	ctx := context.Background()
	mirror := &recordingMirror{}
	l := New(WithMirror(mirror))
	for _, id := range []string{"a", "b", "c"} {
		_, err := l.Record(ctx, id, Patch{ToolName: "t"})
		require.NoError(t, err)
	}
	_, err := l.Record(ctx, "a", Patch{Status: model.StatusComplete, Result: map[string]any{"ok": true}})
	require.NoError(t, err)
	before, _ := l.Query("a")

	cancelled := l.CancelPending(ctx, []string{"a", "b", "c", "unknown"})
	assert.Equal(t, []string{"b", "c"}, cancelled)

	after, _ := l.Query("a")
	assert.Equal(t, before, after)
	for _, id := range []string{"b", "c"} {
		e, _ := l.Query(id)
		assert.Equal(t, model.StatusCancelled, e.Status)
		assert.True(t, e.Error.Is(&toolerrors.ToolError{Code: toolerrors.CodeCancelled}))
	}

	// late result after cancellation is rejected
	_, err = l.Record(ctx, "b", Patch{Status: model.StatusComplete, Result: "late"})
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Len(t, mirror.puts, 6)
}

func TestConcurrentWritesNeverRegressComplete(t *testing.T) {
	ctx := context.Background()
	l := New()
	_, err := l.Record(ctx, "c1", Patch{ToolName: "t"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%8 == 3 {
				_, _ = l.Record(ctx, "c1", Patch{Status: model.StatusComplete, Result: "r"})
				return
			}
			_, _ = l.Record(ctx, "c1", Patch{Status: model.StatusPending})
		}(i)
	}
	wg.Wait()
	e, _ := l.Query("c1")
	assert.Equal(t, model.StatusComplete, e.Status)
	assert.Equal(t, "r", e.Result)
}

func TestSnapshotAndRestoreKeepCreationOrder(t *testing.T) {
	ctx := context.Background()
	l := New()
	for _, id := range []string{"z", "a", "m"} {
		_, err := l.Record(ctx, id, Patch{ToolName: id})
		require.NoError(t, err)
	}
	snap := l.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "z", snap[0].CallID)

	shuffled := []Entry{snap[2], snap[0], snap[1]}
	restored := Restore(shuffled)
	assert.Equal(t, snap, restored.Snapshot())

	e, err := restored.Record(ctx, "new", Patch{})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.Seq)
}

func TestStatusNeverLeavesTerminalProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	statuses := []model.Status{model.StatusPending, model.StatusComplete, model.StatusErrored, model.StatusCancelled}
	properties.Property("first terminal status is final", prop.ForAll(
		func(seq []int) bool {
			ctx := context.Background()
			l := New()
			var first model.Status
			for _, i := range seq {
				s := statuses[i]
				_, _ = l.Record(ctx, "c", Patch{Status: s})
				if first == "" && s.Terminal() {
					first = s
				}
			}
			e, _ := l.Query("c")
			if first == "" {
				return len(seq) == 0 || e.Status == model.StatusPending
			}
			return e.Status == first
		},
		gen.SliceOf(gen.IntRange(0, len(statuses)-1)),
	))
	properties.TestingRun(t)
}
