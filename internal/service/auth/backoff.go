package auth

import (
	"sync"
	"time"
)

const (
	backoffWindow    = 60 * time.Second
	backoffThreshold = 3
	backoffStep      = 500 * time.Millisecond
	backoffMax       = 2 * time.Second
)

// failureTracker delays repeated authentication failures from one
// remote address. There is no permanent lockout; the window resets a
// minute after the first failure.
type failureTracker struct {
	mu      sync.Mutex
	entries map[string]failureState
	now     func() time.Time
}

type failureState struct {
	count     int
	windowEnd time.Time
}

func newFailureTracker() *failureTracker {
	return &failureTracker{
		entries: make(map[string]failureState),
		now:     time.Now,
	}
}

// Delay returns how long a response for this address should be held
// back given past failures.
func (t *failureTracker) Delay(addr string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.entries[addr]
	if !ok || t.now().After(state.windowEnd) {
		return 0
	}
	if state.count < backoffThreshold {
		return 0
	}
	delay := time.Duration(state.count-backoffThreshold+1) * backoffStep
	if delay > backoffMax {
		delay = backoffMax
	}
	return delay
}

// RecordFailure notes a failed attempt from the address.
func (t *failureTracker) RecordFailure(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	state, ok := t.entries[addr]
	if !ok || now.After(state.windowEnd) {
		t.entries[addr] = failureState{count: 1, windowEnd: now.Add(backoffWindow)}
		return
	}
	state.count++
	t.entries[addr] = state
}

// RecordSuccess clears failure history for the address.
func (t *failureTracker) RecordSuccess(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, addr)
}
