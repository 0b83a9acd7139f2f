// Package ledger implements the tool interaction ledger: the session-scoped,
// authoritative record of each tool call's lifecycle keyed by its canonical
// call identity.
//
// Entries move one way, from pending to exactly one of complete, errored or
// cancelled. Writes are idempotent upserts; a terminal entry is frozen, so a
// late result can never overwrite a cancellation and a cancellation can never
// overwrite a real result. Only the scheduler holds a *Ledger; every other
// component reads through View.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/telemetry"
	"goa.design/goa-transcript/runtime/toolerrors"
)

type (
	// Entry is the lifecycle record of one tool call.
	Entry struct {
		CallID    string                `json:"callId"`
		ToolName  string                `json:"toolName,omitempty"`
		Arguments any                   `json:"arguments,omitempty"`
		Status    model.Status          `json:"status"`
		Result    any                   `json:"result,omitempty"`
		Error     *toolerrors.ToolError `json:"error,omitempty"`
		// Seq is the creation order of the entry within the ledger.
		Seq uint64 `json:"seq"`
		// Version increments on every applied change.
		Version uint64 `json:"version"`
	}

	// Patch is a partial update. Zero fields leave the entry unchanged.
	Patch struct {
		ToolName  string
		Arguments any
		Status    model.Status
		Result    any
		Error     *toolerrors.ToolError
	}

	// View is the read side of the ledger handed to the renderer, the
	// compression guard and diagnostics.
	View interface {
		Query(callID string) (Entry, bool)
		Snapshot() []Entry
	}

	// Mirror receives every applied change, in per-entry version order, for
	// replication to other processes. Implementations must ignore versions
	// older than the one they hold.
	Mirror interface {
		Put(ctx context.Context, e Entry) error
	}

	// Option configures a Ledger.
	Option func(*Ledger)

	// Ledger is the in-process authoritative store. It is safe for
	// concurrent use.
	Ledger struct {
		mu      sync.RWMutex
		entries map[string]*Entry
		order   []string
		seq     uint64
		mirror  Mirror
		logger  telemetry.Logger
	}
)

var (
	// ErrEmptyCallID is returned when a write has no call id.
	ErrEmptyCallID = errors.New("ledger: empty call id")
	// ErrTerminal is returned when a write would change a terminal entry.
	ErrTerminal = errors.New("ledger: entry is terminal")
	// ErrInvalidStatus is returned for unknown status values.
	ErrInvalidStatus = errors.New("ledger: invalid status")
)

// WithMirror replicates applied changes to m.
func WithMirror(m Mirror) Option {
	return func(l *Ledger) { l.mirror = m }
}

// WithLogger sets the logger used to report rejected writes and mirror
// failures.
func WithLogger(logger telemetry.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New returns an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		entries: make(map[string]*Entry),
		logger:  telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Restore returns a ledger seeded with entries, typically loaded from a
// replicated store. Entries keep their Seq and Version.
func Restore(entries []Entry, opts ...Option) *Ledger {
	l := New(opts...)
	for _, e := range entries {
		if e.CallID == "" {
			continue
		}
		cp := e
		if _, ok := l.entries[e.CallID]; !ok {
			l.order = append(l.order, e.CallID)
		}
		l.entries[e.CallID] = &cp
		if e.Seq > l.seq {
			l.seq = e.Seq
		}
	}
	l.sortOrder()
	return l
}

// Record upserts the entry for callID. Creating an entry without a status
// makes it pending. Once an entry is terminal, a patch that would change its
// status or payload fails with ErrTerminal and leaves the entry untouched;
// re-applying the same terminal outcome is a no-op.
func (l *Ledger) Record(ctx context.Context, callID string, p Patch) (Entry, error) {
	if callID == "" {
		return Entry{}, ErrEmptyCallID
	}
	if p.Status != "" && !p.Status.Valid() {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidStatus, p.Status)
	}

	l.mu.Lock()
	cur, ok := l.entries[callID]
	if !ok {
		l.seq++
		cur = &Entry{CallID: callID, Status: model.StatusPending, Seq: l.seq}
		l.entries[callID] = cur
		l.order = append(l.order, callID)
	} else if cur.Status.Terminal() {
		if sameOutcome(*cur, p) {
			e := *cur
			l.mu.Unlock()
			return e, nil
		}
		e := *cur
		l.mu.Unlock()
		l.logger.Warn(ctx, "ledger write rejected", "call_id", callID, "status", string(e.Status), "patch_status", string(p.Status))
		return e, ErrTerminal
	}
	apply(cur, p)
	cur.Version++
	e := *cur
	l.mu.Unlock()

	l.replicate(ctx, e)
	return e, nil
}

// CancelPending moves every id in ids that is still pending to cancelled in
// one step and returns the ids it changed, in the order given. Terminal and
// unknown ids are skipped.
func (l *Ledger) CancelPending(ctx context.Context, ids []string) []string {
	var changed []Entry
	l.mu.Lock()
	for _, id := range ids {
		cur, ok := l.entries[id]
		if !ok || cur.Status.Terminal() {
			continue
		}
		cur.Status = model.StatusCancelled
		cur.Error = toolerrors.WithCode(toolerrors.CodeCancelled, "tool call cancelled")
		cur.Version++
		changed = append(changed, *cur)
	}
	l.mu.Unlock()

	out := make([]string, 0, len(changed))
	for _, e := range changed {
		l.replicate(ctx, e)
		out = append(out, e.CallID)
	}
	return out
}

// Query returns the entry for callID.
func (l *Ledger) Query(callID string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[callID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns a copy of all entries in creation order.
func (l *Ledger) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.entries[id])
	}
	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Ledger) replicate(ctx context.Context, e Entry) {
	if l.mirror == nil {
		return
	}
	if err := l.mirror.Put(ctx, e); err != nil {
		l.logger.Error(ctx, "ledger mirror failed", "call_id", e.CallID, "version", e.Version, "err", err)
	}
}

func (l *Ledger) sortOrder() {
	// insertion sort; restored ledgers are small and mostly ordered
	for i := 1; i < len(l.order); i++ {
		for j := i; j > 0 && l.entries[l.order[j]].Seq < l.entries[l.order[j-1]].Seq; j-- {
			l.order[j], l.order[j-1] = l.order[j-1], l.order[j]
		}
	}
}

func apply(e *Entry, p Patch) {
	if p.ToolName != "" {
		e.ToolName = p.ToolName
	}
	if p.Arguments != nil {
		e.Arguments = p.Arguments
	}
	if p.Status != "" {
		e.Status = p.Status
	}
	if p.Result != nil {
		e.Result = p.Result
	}
	if p.Error != nil {
		e.Error = p.Error
	}
}

// sameOutcome reports whether applying p to the terminal entry e would leave
// its status and payload unchanged.
func sameOutcome(e Entry, p Patch) bool {
	if p.Status != "" && p.Status != e.Status {
		return false
	}
	if p.Result != nil && !reflect.DeepEqual(p.Result, e.Result) {
		return false
	}
	if p.Error != nil && !reflect.DeepEqual(p.Error, e.Error) {
		return false
	}
	return true
}
