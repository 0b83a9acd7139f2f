package model

// Status is the lifecycle state of one tool call.
type Status string

const (
	StatusPending   Status = "pending"
	StatusComplete  Status = "complete"
	StatusErrored   Status = "errored"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is one of the one-way final states.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusErrored, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// InferStatus derives the lifecycle state of a call from one of its
// completion blocks, for use when no ledger entry is available:
//
//  1. error present: errored
//  2. IsComplete true: complete
//  3. non-nil result and no error: complete
//  4. otherwise: pending
//
// Synthetic completions are not evidence of a real outcome: a cancellation
// marker infers cancelled and any other synthetic reason infers pending.
func InferStatus(b ToolResponseBlock) Status {
	switch {
	case b.Reason == ReasonCancelled:
		return StatusCancelled
	case b.Reason != "":
		return StatusPending
	case b.Error != nil:
		return StatusErrored
	case b.IsComplete != nil && *b.IsComplete:
		return StatusComplete
	case b.Result != nil:
		return StatusComplete
	}
	return StatusPending
}

// Real reports whether b is a genuine terminal completion produced by a tool.
func Real(b ToolResponseBlock) bool {
	s := InferStatus(b)
	return !b.Synthetic() && (s == StatusComplete || s == StatusErrored)
}
