package projection

import (
	"fmt"

	"goa.design/goa-transcript/runtime/model"
)

// IDs is the projection of one rendered transcript.
type IDs struct {
	Family Family
	// Calls and Results list projected ids in transcript order.
	Calls   []string
	Results []string

	byCanonical map[string]string
}

// Lookup returns the projected id of canonicalID.
func (ids *IDs) Lookup(canonicalID string) (string, bool) {
	if ids == nil {
		return "", false
	}
	id, ok := ids.byCanonical[canonicalID]
	return id, ok
}

// MustLookup returns the projected id of canonicalID or canonicalID itself
// when it was not part of the projection.
func (ids *IDs) MustLookup(canonicalID string) string {
	if id, ok := ids.Lookup(canonicalID); ok {
		return id
	}
	return canonicalID
}

// Transcript projects every call and result id of records with s. Calls are
// declared in transcript order first so positional formats number them by
// emission order. Empty ids are keyed by their position: the n-th call
// without an id projects from "call#<n>" and results without an id pair with
// those calls in order. The returned assignments are verified injective.
func Transcript(records []model.Record, s Strategy) (*IDs, error) {
	taken := make(map[string]bool)
	for _, r := range records {
		for _, c := range r.ToolCalls() {
			if c.ID != "" {
				taken[c.ID] = true
			}
		}
	}
	scope := NewScope()
	var (
		keys    []string
		pending []string
		index   int
	)
	for _, r := range records {
		for _, c := range r.ToolCalls() {
			key := c.ID
			if key == "" {
				key = positionalKey(index, taken)
				pending = append(pending, key)
			}
			scope.Declare(key, c.Name, index)
			keys = append(keys, key)
			index++
		}
	}

	ids := &IDs{Family: s.Family()}
	next := 0
	for _, r := range records {
		for _, b := range r.Blocks {
			switch blk := b.(type) {
			case model.ToolCallBlock:
				id, err := s.Project(keys[next], scope)
				if err != nil {
					return nil, err
				}
				next++
				ids.Calls = append(ids.Calls, id)
			case model.ToolResponseBlock:
				key := blk.CallID
				if key == "" {
					if len(pending) > 0 {
						key, pending = pending[0], pending[1:]
					} else {
						key = positionalKey(index, taken)
						scope.Declare(key, blk.Name, index)
						index++
					}
				}
				id, err := s.Project(key, scope)
				if err != nil {
					return nil, err
				}
				ids.Results = append(ids.Results, id)
			}
		}
	}
	if err := scope.Verify(); err != nil {
		if f, ok := err.(*Fault); ok {
			f.Family = s.Family()
		}
		return nil, err
	}
	ids.byCanonical = make(map[string]string, scope.Len())
	for k, v := range scope.assigned {
		ids.byCanonical[k] = v
	}
	return ids, nil
}

// positionalKey returns the canonical key of the call without an id at
// index, skipping keys already used by real ids.
func positionalKey(index int, taken map[string]bool) string {
	key := fmt.Sprintf("call#%d", index)
	for n := 1; taken[key]; n++ {
		key = fmt.Sprintf("call#%d.%d", index, n)
	}
	taken[key] = true
	return key
}
