package store

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/chomosuke/distributed-exchange/internal/domain"
)

// PebbleStore is the durable Store. Every Set/Delete uses pebble.Sync so
// the mutation is on disk before the ledger operation completes.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) the store under dir.
func OpenPebble(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) PutAccount(id domain.AccountID, doc []byte) error {
	return s.db.Set(accountKey(id), doc, pebble.Sync)
}

func (s *PebbleStore) GetAccount(id domain.AccountID) ([]byte, bool, error) {
	return s.get(accountKey(id))
}

func (s *PebbleStore) DeleteAccount(id domain.AccountID) error {
	return s.db.Delete(accountKey(id), pebble.Sync)
}

func (s *PebbleStore) PutState(doc []byte) error {
	return s.db.Set([]byte(stateKey), doc, pebble.Sync)
}

func (s *PebbleStore) GetState() ([]byte, bool, error) {
	return s.get([]byte(stateKey))
}

func (s *PebbleStore) get(key []byte) ([]byte, bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	doc := make([]byte, len(val))
	copy(doc, val)
	return doc, true, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
