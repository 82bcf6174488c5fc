package strategy

import (
	"sync"
	"testing"
	"time"
)

func TestOrderLocksSerialisePerKey(t *testing.T) {
	t.Parallel()
	locks := newOrderLocks()

	var mu sync.Mutex
	var inside int
	var maxInside int

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.Lock("order-1")
			defer locks.Unlock("order-1")

			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside)
	}
}

func TestOrderLocksIndependentKeys(t *testing.T) {
	t.Parallel()
	locks := newOrderLocks()

	locks.Lock("order-1")
	defer locks.Unlock("order-1")

	acquired := make(chan struct{})
	go func() {
		locks.Lock("order-2")
		defer locks.Unlock("order-2")
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("different keys must not block each other")
	}
}

func TestOrderLocksCleanUpEntries(t *testing.T) {
	t.Parallel()
	locks := newOrderLocks()

	for i := 0; i < 100; i++ {
		locks.Lock("order-1")
		locks.Unlock("order-1")
	}

	locks.mu.Lock()
	defer locks.mu.Unlock()
	if len(locks.held) != 0 {
		t.Errorf("held entries = %d, want 0 after all unlocks", len(locks.held))
	}
}
