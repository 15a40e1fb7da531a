package api

import (
	"sync"
	"time"
)

// ledger is a sliding-window call budget. Timestamps of billed calls
// are kept in order; calls older than the window fall out, which is the
// only way budget comes back.
type ledger struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  []time.Time
	now    func() time.Time
}

func newLedger(limit int, window time.Duration) *ledger {
	return &ledger{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// check fails with *RateLimitError when the budget is exhausted.
// Nothing is recorded; only performed calls bill the ledger.
func (l *ledger) check() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if len(l.calls) >= l.limit {
		return &RateLimitError{
			Limit:   l.limit,
			ResetIn: l.calls[0].Add(l.window).Sub(now),
		}
	}

	return nil
}

// record bills one call at the current instant.
func (l *ledger) record() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls = append(l.calls, l.now())
}

// remaining reports the budget left in the current window.
func (l *ledger) remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())

	if n := l.limit - len(l.calls); n > 0 {
		return n
	}
	return 0
}

func (l *ledger) prune(now time.Time) {
	cutoff := now.Add(-l.window)

	i := 0
	for i < len(l.calls) && l.calls[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}
