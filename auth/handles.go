package auth

import (
	"sync"
	"sync/atomic"
)

// HandleTable maps ContextHandles to per-context provider state. Pure-Go
// providers use it to hand out opaque handles. It is safe for concurrent use.
type HandleTable[T any] struct {
	mu      sync.Mutex
	entries map[ContextHandle]T
	next    atomic.Uint64
}

// Put stores v under a fresh non-zero handle.
func (t *HandleTable[T]) Put(v T) ContextHandle {
	h := ContextHandle{Lower: uintptr(t.next.Add(1)), Upper: handleTag}
	t.mu.Lock()
	if t.entries == nil {
		t.entries = make(map[ContextHandle]T)
	}
	t.entries[h] = v
	t.mu.Unlock()
	return h
}

// Get returns the value stored under h.
func (t *HandleTable[T]) Get(h ContextHandle) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[h]
	return v, ok
}

// Delete removes h and reports whether it was present.
func (t *HandleTable[T]) Delete(h ContextHandle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[h]; !ok {
		return false
	}
	delete(t.entries, h)
	return true
}

// Len returns the number of live handles.
func (t *HandleTable[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// handleTag marks handles minted by HandleTable ("GoNg").
const handleTag uintptr = 0x476f4e67
