// Package projection maps canonical call identities to the tool call id
// format each provider family requires on the wire.
//
// A Scope covers one render. Within a scope projection is injective and
// memoized: distinct canonical ids never share a projected id, and a call and
// its result always receive the same one. Every candidate is derived from the
// canonical id, the call's position in the render and a collision attempt
// counter, never from time or randomness.
package projection

import (
	"fmt"
	"strings"

	"goa.design/goa-transcript/runtime/diagnostics"
)

type (
	// Family identifies a provider family. It selects the strategy once per
	// render.
	Family string

	// Strategy projects canonical ids for one family.
	Strategy interface {
		Family() Family
		// Project returns the provider id for canonicalID, recording the
		// assignment in scope.
		Project(canonicalID string, scope *Scope) (string, error)
	}

	// Fault reports a collision or a non-conformant projected id.
	Fault struct {
		Family      Family
		CanonicalID string
		Projected   string
		Reason      string
	}

	// candidateFunc derives the attempt-th candidate for a call.
	candidateFunc func(c call, attempt int) string

	// strategy is the single Strategy implementation; families differ only
	// in their candidate and validation functions.
	strategy struct {
		family    Family
		candidate candidateFunc
		valid     func(string) bool
	}
)

const (
	FamilyOpenAI    Family = "openai"
	FamilyAnthropic Family = "anthropic"
	FamilyKimi      Family = "kimi"
	FamilyMistral   Family = "mistral"
	FamilyBedrock   Family = "bedrock"
)

// maxAttempts bounds collision re-derivation. Reaching it is a fault.
const maxAttempts = 64

// Families lists every supported family.
func Families() []Family {
	return []Family{FamilyOpenAI, FamilyAnthropic, FamilyKimi, FamilyMistral, FamilyBedrock}
}

// ParseFamily parses a family name, case-insensitively.
func ParseFamily(s string) (Family, error) {
	f := Family(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Families() {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown provider family %q", s)
}

// For returns the strategy for f.
func For(f Family) (Strategy, error) {
	switch f {
	case FamilyOpenAI:
		return strategy{family: f, candidate: openAICandidate, valid: validOpenAI}, nil
	case FamilyAnthropic:
		return strategy{family: f, candidate: anthropicCandidate, valid: validAnthropic}, nil
	case FamilyKimi:
		return strategy{family: f, candidate: kimiCandidate, valid: validKimi}, nil
	case FamilyMistral:
		return strategy{family: f, candidate: mistralCandidate, valid: validMistral}, nil
	case FamilyBedrock:
		return strategy{family: f, candidate: bedrockCandidate, valid: validBedrock}, nil
	}
	return nil, fmt.Errorf("unknown provider family %q", f)
}

// StrictAdjacency reports whether the family's protocol requires each tool
// result to immediately follow its call. All supported families do; the
// switch keeps the decision next to the family definitions.
func (f Family) StrictAdjacency() bool {
	switch f {
	case FamilyOpenAI, FamilyAnthropic, FamilyKimi, FamilyMistral, FamilyBedrock:
		return true
	}
	return false
}

func (s strategy) Family() Family { return s.family }

func (s strategy) Project(canonicalID string, scope *Scope) (string, error) {
	if id, ok := scope.assigned[canonicalID]; ok {
		return id, nil
	}
	c := scope.callFor(canonicalID)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cand := s.candidate(c, attempt)
		if owner, taken := scope.owners[cand]; taken && owner != canonicalID {
			continue
		}
		if !s.valid(cand) {
			return "", &Fault{Family: s.family, CanonicalID: canonicalID, Projected: cand, Reason: "projected id does not match provider format"}
		}
		scope.assign(canonicalID, cand)
		return cand, nil
	}
	return "", &Fault{Family: s.family, CanonicalID: canonicalID, Reason: "no collision-free id after max attempts"}
}

func (f *Fault) Error() string {
	if f.Projected != "" {
		return fmt.Sprintf("projection fault (%s): %s: canonical %q projected %q", f.Family, f.Reason, f.CanonicalID, f.Projected)
	}
	return fmt.Sprintf("projection fault (%s): %s: canonical %q", f.Family, f.Reason, f.CanonicalID)
}

// FaultClass implements diagnostics.Classified.
func (*Fault) FaultClass() diagnostics.FaultClass {
	return diagnostics.FaultProjection
}
