package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestInFlightRegistry_RegisterAndCancel(t *testing.T) {
	r := NewInFlightRegistry()

	cancelled := false
	if !r.Register("req-1", func() { cancelled = true }) {
		t.Fatal("Register should accept a new id")
	}
	if r.Register("req-1", func() {}) {
		t.Error("Register should reject an id already in flight")
	}

	if !r.Cancel("req-1") {
		t.Error("Cancel should return true for registered id")
	}
	if !cancelled {
		t.Error("cancel function should have been called")
	}
	if r.Cancel("req-1") {
		t.Error("Cancel should return false after already cancelled")
	}
}

func TestInFlightRegistry_CancelUnknown(t *testing.T) {
	if NewInFlightRegistry().Cancel("missing") {
		t.Error("Cancel should return false for unknown id")
	}
}

func TestInFlightRegistry_Remove(t *testing.T) {
	r := NewInFlightRegistry()

	cancelled := false
	r.Register("req-1", func() { cancelled = true })
	r.Remove("req-1")
	r.Remove("missing")

	if r.Cancel("req-1") {
		t.Error("Cancel should return false after Remove")
	}
	if cancelled {
		t.Error("cancel function should not have been called by Remove")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestInFlightRegistry_ConcurrentAccess(t *testing.T) {
	r := NewInFlightRegistry()
	var cancelCount atomic.Int64
	const n = 100

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register(fmt.Sprintf("req-%d", i), func() { cancelCount.Add(1) })
		}()
	}
	wg.Wait()

	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				r.Cancel(fmt.Sprintf("req-%d", i))
			} else {
				r.Remove(fmt.Sprintf("req-%d", i))
			}
		}()
	}
	wg.Wait()

	if cancelCount.Load() != n/2 {
		t.Errorf("expected %d cancellations, got %d", n/2, cancelCount.Load())
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}
