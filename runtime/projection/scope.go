package projection

import (
	"fmt"
	"sort"
)

type (
	// Scope holds the assignments of one render. It is not safe for
	// concurrent use.
	Scope struct {
		assigned map[string]string // canonical -> projected
		owners   map[string]string // projected -> canonical
		calls    map[string]call
		next     int
	}

	// call is what a candidate function may derive an id from.
	call struct {
		canonicalID string
		toolName    string
		// index is the position of the call in the render, counted across
		// all records.
		index int
	}
)

// NewScope returns an empty scope.
func NewScope() *Scope {
	return &Scope{
		assigned: make(map[string]string),
		owners:   make(map[string]string),
		calls:    make(map[string]call),
	}
}

// Declare registers a call before projection so strategies that embed the
// tool name or position (Kimi) can use them. The first declaration of a
// canonical id wins.
func (s *Scope) Declare(canonicalID, toolName string, index int) {
	if _, ok := s.calls[canonicalID]; ok {
		return
	}
	s.calls[canonicalID] = call{canonicalID: canonicalID, toolName: toolName, index: index}
	if index >= s.next {
		s.next = index + 1
	}
}

// Lookup returns the projected id assigned to canonicalID.
func (s *Scope) Lookup(canonicalID string) (string, bool) {
	id, ok := s.assigned[canonicalID]
	return id, ok
}

// Len returns the number of assignments.
func (s *Scope) Len() int { return len(s.assigned) }

// Verify checks that the assignments are injective.
func (s *Scope) Verify() error {
	seen := make(map[string]string, len(s.assigned))
	keys := make([]string, 0, len(s.assigned))
	for k := range s.assigned {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, canonical := range keys {
		projected := s.assigned[canonical]
		if prev, dup := seen[projected]; dup {
			return &Fault{CanonicalID: canonical, Projected: projected, Reason: fmt.Sprintf("collides with canonical %q", prev)}
		}
		seen[projected] = canonical
	}
	return nil
}

// callFor returns the declared call, or a positional one for undeclared
// ids. An undeclared id takes the next free position, so the result only
// depends on the order of Project calls.
func (s *Scope) callFor(canonicalID string) call {
	if c, ok := s.calls[canonicalID]; ok {
		return c
	}
	c := call{canonicalID: canonicalID, index: s.next}
	s.next++
	s.calls[canonicalID] = c
	return c
}

func (s *Scope) assign(canonicalID, projected string) {
	s.assigned[canonicalID] = projected
	s.owners[projected] = canonicalID
}
