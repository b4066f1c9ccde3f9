package syncutil

import (
	"sync"
	"testing"
)

func TestMutex_SerializesCriticalSection(t *testing.T) {
	var (
		mu      Mutex
		wg      sync.WaitGroup
		counter int
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			counter++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}

func TestRWMutex_AllowsConcurrentReaders(t *testing.T) {
	var mu RWMutex
	mu.RLock()
	mu.RLock()
	mu.RUnlock()
	mu.RUnlock()

	mu.Lock()
	mu.Unlock() //nolint:staticcheck // empty critical section
}
