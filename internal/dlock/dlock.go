// Package dlock wraps sync locks with a bounded acquisition timeout.
//
// A lock that cannot be acquired within the bound is a logic bug (a
// violated acquire order), not a recoverable condition, so the wrappers
// panic instead of returning an error. The global acquire order is:
// ledger State, then Matcher, then the peer table.
package dlock

import (
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout bounds every lock acquisition.
const DefaultTimeout = 5 * time.Second

func acquire(tag string, lock func()) {
	done := make(chan struct{})
	go func() {
		lock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(DefaultTimeout):
		panic(fmt.Sprintf("dlock: %s not acquired within %s, acquire order violated", tag, DefaultTimeout))
	}
}

// Mutex is a sync.Mutex whose Lock panics when it cannot be acquired
// within DefaultTimeout. The tag names the call site in the panic.
type Mutex struct {
	mu sync.Mutex
}

func (m *Mutex) Lock(tag string) {
	acquire(tag, m.mu.Lock)
}

func (m *Mutex) Unlock() {
	m.mu.Unlock()
}

// RWMutex is the reader/writer counterpart of Mutex.
type RWMutex struct {
	mu sync.RWMutex
}

func (m *RWMutex) Lock(tag string) {
	acquire(tag, m.mu.Lock)
}

func (m *RWMutex) Unlock() {
	m.mu.Unlock()
}

func (m *RWMutex) RLock(tag string) {
	acquire(tag, m.mu.RLock)
}

func (m *RWMutex) RUnlock() {
	m.mu.RUnlock()
}
