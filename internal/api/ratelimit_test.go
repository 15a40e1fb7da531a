package api

import (
	"errors"
	"testing"
	"time"
)

func TestLedgerBudget(t *testing.T) {
	l := newLedger(50, 24*time.Hour)

	current := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return current }

	for i := 0; i < 50; i++ {
		if err := l.check(); err != nil {
			t.Fatalf("call %d refused: %v", i+1, err)
		}
		l.record()
		current = current.Add(time.Minute)
	}

	if got := l.remaining(); got != 0 {
		t.Errorf("remaining = %d, want 0", got)
	}

	err := l.check()
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("51st call: got %v, want *RateLimitError", err)
	}

	// oldest call was billed 50 minutes ago, so the window opens again
	// in 24h minus those 50 minutes
	if want := 24*time.Hour - 50*time.Minute; rle.ResetIn != want {
		t.Errorf("ResetIn = %s, want %s", rle.ResetIn, want)
	}
	if rle.Limit != 50 {
		t.Errorf("Limit = %d, want 50", rle.Limit)
	}
}

func TestLedgerReplenishes(t *testing.T) {
	l := newLedger(50, 24*time.Hour)

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	current := base
	l.now = func() time.Time { return current }

	for i := 0; i < 50; i++ {
		current = base.Add(time.Duration(i) * time.Minute)
		l.record()
	}

	current = base.Add(24*time.Hour - time.Second)
	if err := l.check(); err == nil {
		t.Fatal("budget available before the oldest call left the window")
	}

	// one second past the first call's expiry: exactly one slot back
	current = base.Add(24*time.Hour + time.Second)
	if err := l.check(); err != nil {
		t.Fatalf("budget not replenished: %v", err)
	}
	if got := l.remaining(); got != 1 {
		t.Errorf("remaining = %d, want 1", got)
	}

	current = base.Add(48 * time.Hour)
	if got := l.remaining(); got != 50 {
		t.Errorf("remaining after full window = %d, want 50", got)
	}
}

func TestLedgerCheckDoesNotBill(t *testing.T) {
	l := newLedger(1, time.Hour)

	for i := 0; i < 3; i++ {
		if err := l.check(); err != nil {
			t.Fatalf("check %d consumed budget: %v", i, err)
		}
	}

	l.record()

	if err := l.check(); err == nil {
		t.Fatal("budget not exhausted after the recorded call")
	}
}
