package stream

import "time"

// backoff produces the reconnect delay sequence: min, doubling per
// failed attempt, capped at max. A successful connection resets it.
type backoff struct {
	min  time.Duration
	max  time.Duration
	next time.Duration
}

func newBackoff(min, max time.Duration) *backoff {
	if max < min {
		max = min
	}
	return &backoff{min: min, max: max, next: min}
}

// Next returns the delay to sleep before the upcoming attempt and
// advances the sequence.
func (b *backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

func (b *backoff) Reset() {
	b.next = b.min
}
