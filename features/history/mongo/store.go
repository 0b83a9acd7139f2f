package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/goa-transcript/features/history/mongo/clients/mongo"
	"goa.design/goa-transcript/runtime/history"
	"goa.design/goa-transcript/runtime/model"
)

// Store implements history.Store for one session by delegating to the Mongo
// client.
type Store struct {
	client  clientsmongo.Client
	session string
}

var _ history.Store = (*Store)(nil)

// NewStore builds a Mongo-backed history store for session.
func NewStore(client clientsmongo.Client, session string) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if session == "" {
		return nil, errors.New("session id is required")
	}
	return &Store{client: client, session: session}, nil
}

// Append implements history.Store.
func (s *Store) Append(ctx context.Context, records ...model.Record) error {
	if err := history.Validate(records); err != nil {
		return err
	}
	return s.client.Append(ctx, s.session, records)
}

// Load implements history.Store.
func (s *Store) Load(ctx context.Context) ([]model.Record, error) {
	_, records, err := s.client.Load(ctx, s.session)
	return records, err
}

// Compact implements history.Store.
func (s *Store) Compact(ctx context.Context, records []model.Record) (int, error) {
	if err := history.Validate(records); err != nil {
		return 0, err
	}
	return s.client.Compact(ctx, s.session, records)
}

// Generation returns the current compaction generation of the session.
func (s *Store) Generation(ctx context.Context) (int, error) {
	gen, _, err := s.client.Load(ctx, s.session)
	return gen, err
}
