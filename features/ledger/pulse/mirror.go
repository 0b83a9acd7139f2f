// Package pulse replicates the tool interaction ledger to a Pulse replicated
// map so that other processes observe call lifecycles and a restarted process
// can restore its ledger.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"goa.design/goa-transcript/runtime/ledger"
)

type (
	// Map is the subset of the replicated map used by the mirror. It is
	// satisfied by *rmap.Map from goa.design/pulse/rmap and must be safe for
	// concurrent use.
	Map interface {
		Get(key string) (string, bool)
		Keys() []string
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
	}

	// Mirror implements ledger.Mirror on top of a replicated map. Each entry
	// is stored as JSON under a key scoped to the session. Writes are
	// version guarded: a put never replaces a newer or equal version.
	Mirror struct {
		m      Map
		prefix string
	}
)

const (
	keyPrefix  = "ledger:"
	maxRetries = 5
)

// ErrConflict is returned when a put keeps losing compare-and-swap races.
var ErrConflict = errors.New("ledger mirror: concurrent update conflict")

var _ ledger.Mirror = (*Mirror)(nil)

// New returns a mirror storing the ledger of session in m.
func New(m Map, session string) *Mirror {
	return &Mirror{m: m, prefix: keyPrefix + session + ":"}
}

// Put stores e unless the map already holds the same or a newer version.
func (m *Mirror) Put(ctx context.Context, e ledger.Entry) error {
	if e.CallID == "" {
		return ledger.ErrEmptyCallID
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry %q: %w", e.CallID, err)
	}
	val := string(b)
	key := m.prefix + e.CallID
	for range maxRetries {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur, ok := m.m.Get(key)
		if !ok {
			set, err := m.m.SetIfNotExists(ctx, key, val)
			if err != nil {
				return fmt.Errorf("store entry %q: %w", e.CallID, err)
			}
			if set {
				return nil
			}
			continue
		}
		var held ledger.Entry
		if err := json.Unmarshal([]byte(cur), &held); err == nil && held.Version >= e.Version {
			return nil
		}
		prev, err := m.m.TestAndSet(ctx, key, cur, val)
		if err != nil {
			return fmt.Errorf("store entry %q: %w", e.CallID, err)
		}
		if prev == cur {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrConflict, e.CallID)
}

// Load returns the replicated entries of the session in creation order.
func (m *Mirror) Load(ctx context.Context) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for _, k := range m.m.Keys() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !strings.HasPrefix(k, m.prefix) {
			continue
		}
		v, ok := m.m.Get(k)
		if !ok {
			continue
		}
		var e ledger.Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("unmarshal entry %q: %w", strings.TrimPrefix(k, m.prefix), err)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Restore loads the replicated entries and returns a ledger seeded with them
// that keeps mirroring to m.
func (m *Mirror) Restore(ctx context.Context, opts ...ledger.Option) (*ledger.Ledger, error) {
	entries, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}
	return ledger.Restore(entries, append(opts, ledger.WithMirror(m))...), nil
}
