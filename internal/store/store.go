// Package store persists node documents: one JSON document per account
// plus a single node-state document. Writes are synchronous
// write-through: every ledger mutation lands durably before the
// operation returns. Pebble is the durable implementation; the memory
// implementation backs tests.
package store

import (
	"errors"
	"fmt"

	"github.com/chomosuke/distributed-exchange/internal/domain"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Store is a whole-document overwrite keyed by account id or the node
// state key. There is no partial update: callers marshal the full
// document on every mutation so a crash never leaves a torn record.
type Store interface {
	// PutAccount overwrites the document for one account.
	PutAccount(id domain.AccountID, doc []byte) error

	// GetAccount returns the document for one account, or ok=false when
	// the account has no persisted record.
	GetAccount(id domain.AccountID) (doc []byte, ok bool, err error)

	// DeleteAccount removes an account's persisted record.
	DeleteAccount(id domain.AccountID) error

	// PutState overwrites the node-state document.
	PutState(doc []byte) error

	// GetState returns the node-state document, or ok=false on a fresh
	// store.
	GetState() (doc []byte, ok bool, err error)

	Close() error
}

const stateKey = "state"

func accountKey(id domain.AccountID) []byte {
	return []byte(fmt.Sprintf("account/%020d", id))
}
