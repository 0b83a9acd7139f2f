package transcript

import (
	"fmt"

	"goa.design/goa-transcript/runtime/diagnostics"
)

type (
	// CorruptionError reports a structural anomaly in history that cannot be
	// corrected by inference. Rendering fails closed.
	CorruptionError struct {
		Record int
		Block  int
		Reason string
	}

	// RendererFault reports a transcript invariant the renderer failed to
	// establish from its inputs. It always indicates a defect.
	RendererFault struct {
		Invariant string
		CallID    string
		Detail    string
	}
)

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("canonical state corruption at record %d block %d: %s", e.Record, e.Block, e.Reason)
}

// FaultClass implements diagnostics.Classified.
func (*CorruptionError) FaultClass() diagnostics.FaultClass {
	return diagnostics.FaultCanonicalStateCorruption
}

func (e *RendererFault) Error() string {
	if e.CallID == "" {
		return fmt.Sprintf("renderer fault: %s: %s", e.Invariant, e.Detail)
	}
	return fmt.Sprintf("renderer fault: %s: call %q: %s", e.Invariant, e.CallID, e.Detail)
}

// FaultClass implements diagnostics.Classified.
func (*RendererFault) FaultClass() diagnostics.FaultClass {
	return diagnostics.FaultRenderer
}
