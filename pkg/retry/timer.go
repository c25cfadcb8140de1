package retry

import (
	"sync"
	"time"
)

// InstantTimer is a backoff.Timer that fires immediately and records every
// wait it was asked for. It stands in for the wall clock in tests and in
// dry runs.
type InstantTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	c     chan time.Time
}

func NewInstantTimer() *InstantTimer {
	return &InstantTimer{c: make(chan time.Time, 1)}
}

func (t *InstantTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.waits = append(t.waits, d)
	t.mu.Unlock()
	select {
	case t.c <- time.Now():
	default:
	}
}

func (t *InstantTimer) Stop() {}

func (t *InstantTimer) C() <-chan time.Time { return t.c }

// Waits returns the durations passed to Start so far.
func (t *InstantTimer) Waits() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Duration, len(t.waits))
	copy(out, t.waits)
	return out
}
