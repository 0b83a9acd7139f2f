package history

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/goa-transcript/runtime/model"
)

type (
	// Store is the history of one session. Records are only ever appended;
	// compaction installs a new generation as a whole and never edits
	// records of the current one.
	Store interface {
		// Append adds records at the end of the current generation.
		Append(ctx context.Context, records ...model.Record) error
		// Load returns the records of the current generation in order.
		Load(ctx context.Context) ([]model.Record, error)
		// Compact replaces the current generation with records and returns
		// the new generation number.
		Compact(ctx context.Context, records []model.Record) (int, error)
	}

	// MemoryStore is an in-process Store.
	MemoryStore struct {
		mu         sync.RWMutex
		records    []model.Record
		generation int
	}
)

// ErrInvalidRecord is returned when a record has an unknown speaker.
var ErrInvalidRecord = errors.New("history: invalid record")

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, records ...model.Record) error {
	if err := Validate(records); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, model.CloneRecords(records)...)
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(context.Context) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.CloneRecords(s.records), nil
}

// Compact implements Store.
func (s *MemoryStore) Compact(_ context.Context, records []model.Record) (int, error) {
	if err := Validate(records); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = model.CloneRecords(records)
	s.generation++
	return s.generation, nil
}

// Generation returns the current generation number.
func (s *MemoryStore) Generation() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Validate reports records with an unknown speaker as ErrInvalidRecord.
func Validate(records []model.Record) error {
	for i, r := range records {
		if !r.Speaker.Valid() {
			return fmt.Errorf("%w: record %d has speaker %q", ErrInvalidRecord, i, r.Speaker)
		}
	}
	return nil
}
