package store

import (
	"sync"

	"github.com/chomosuke/distributed-exchange/internal/domain"
)

// MemoryStore is an in-memory Store for tests. It keeps the same
// whole-document semantics as the pebble store, including copies on
// both write and read so callers never alias stored bytes.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[domain.AccountID][]byte
	state    []byte
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[domain.AccountID][]byte),
	}
}

func (s *MemoryStore) PutAccount(id domain.AccountID, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.accounts[id] = append([]byte(nil), doc...)
	return nil
}

func (s *MemoryStore) GetAccount(id domain.AccountID) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	doc, ok := s.accounts[id]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), doc...), true, nil
}

func (s *MemoryStore) DeleteAccount(id domain.AccountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.accounts, id)
	return nil
}

func (s *MemoryStore) PutState(doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.state = append([]byte(nil), doc...)
	return nil
}

func (s *MemoryStore) GetState() ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	if s.state == nil {
		return nil, false, nil
	}
	return append([]byte(nil), s.state...), true, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
