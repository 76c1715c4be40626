package bridge

import "time"

// Backoff yields retry delays that double from floor up to ceil.
type Backoff struct {
	floor time.Duration
	ceil  time.Duration
	cur   time.Duration
}

func NewBackoff(floor, ceil time.Duration) Backoff {
	if ceil < floor {
		ceil = floor
	}
	return Backoff{floor: floor, ceil: ceil, cur: floor}
}

// Next returns the delay to wait before the upcoming retry and doubles the
// one after it.
func (b *Backoff) Next() time.Duration {
	d := b.cur
	if b.cur < b.ceil {
		b.cur = min(b.cur*2, b.ceil)
	}
	return d
}

// Reset drops the delay back to the floor after a success.
func (b *Backoff) Reset() {
	b.cur = b.floor
}
