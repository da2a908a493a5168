package creds

import (
	"context"
	"encoding/json"

	"legalvault/pkg/domain"
	"legalvault/svc/db"

	"github.com/pkg/errors"
)

// Key is shared with accounts created by earlier releases of the app.
const Key = "govguide_identity_store"

// Store keeps every identity record as one JSON array under Key. Upsert
// replaces the whole array with a single write.
type Store struct {
	kv db.Store
}

func New(kv db.Store) *Store {
	return &Store{kv: kv}
}

func (s *Store) List(ctx context.Context) ([]domain.User, error) {
	raw, found, err := s.kv.Get(ctx, Key)
	if err != nil {
		return nil, errors.Wrap(err, "read identity store")
	}
	if !found || raw == "" {
		return []domain.User{}, nil
	}
	var users []domain.User
	if err := json.Unmarshal([]byte(raw), &users); err != nil {
		return nil, errors.Wrap(err, "decode identity store")
	}
	if users == nil {
		users = []domain.User{}
	}
	return users, nil
}
func (s *Store) Upsert(ctx context.Context, users []domain.User) error {
	if users == nil {
		users = []domain.User{}
	}
	raw, err := json.Marshal(users)
	if err != nil {
		return errors.Wrap(err, "encode identity store")
	}
	if err := s.kv.Set(ctx, Key, string(raw)); err != nil {
		return errors.Wrap(err, "write identity store")
	}
	return nil
}
func (s *Store) Count(ctx context.Context) (int, error) {
	users, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(users), nil
}
