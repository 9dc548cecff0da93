package workflow

import (
	"context"
	"sync"
)

// Locker provides mutual exclusion per key. The engine locks on the request
// id around every mutating operation, so approvals, rejections and
// activations of one request never interleave.
type Locker interface {
	// Lock blocks until the key is held or ctx is done. The returned
	// function releases the lock and is safe to call more than once.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker creates a new process-local locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]*lockSlot)}
}

// Lock acquires the lock for key.
func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, slot, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, slot, true) })
	}, nil
}

func (l *MemoryLocker) release(key string, slot *lockSlot, held bool) {
	if held {
		<-slot.ch
	}
	l.mu.Lock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
	l.mu.Unlock()
}

// Held returns the number of keys with holders or waiters.
func (l *MemoryLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
