package supervisor

import (
	"context"
	"sync"
	"time"
)

// Latch is a one-shot readiness signal. It starts unset, can be set once and
// never resets. Waiters observe it through Done.
type Latch struct {
	once  sync.Once
	ch    chan struct{}
	mu    sync.RWMutex
	setAt time.Time
}

// NewLatch returns an unset latch.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// Set marks the latch. Only the first call returns true; every later call
// (including concurrent ones) is a no-op returning false.
func (l *Latch) Set() bool {
	first := false
	l.once.Do(func() {
		l.mu.Lock()
		l.setAt = time.Now()
		l.mu.Unlock()
		close(l.ch)
		first = true
	})
	return first
}

// Done is closed when the latch is set.
func (l *Latch) Done() <-chan struct{} {
	return l.ch
}

// IsSet reports whether Set has been called.
func (l *Latch) IsSet() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

// SetAt returns when the latch was set, or the zero time.
func (l *Latch) SetAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.setAt
}

// Wait blocks until the latch is set or ctx is done.
func (l *Latch) Wait(ctx context.Context) error {
	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
