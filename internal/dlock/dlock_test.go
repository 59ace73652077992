package dlock

import (
	"sync"
	"testing"
)

func TestMutex_GuardsCriticalSection(t *testing.T) {
	var mu Mutex
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock("counter")
			counter++
			mu.Unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("expected 50, got %d", counter)
	}
}

func TestRWMutex_ConcurrentReaders(t *testing.T) {
	var mu RWMutex
	mu.RLock("first reader")
	// A second reader must not wait behind the first.
	done := make(chan struct{})
	go func() {
		mu.RLock("second reader")
		mu.RUnlock()
		close(done)
	}()
	<-done
	mu.RUnlock()

	mu.Lock("writer")
	mu.Unlock()
}
