package bridge

import "io"

// Pending holds bytes for a session whose connection is not up yet. Once a
// push would exceed the limit the buffer enters an overflow window: that push
// and every later one are dropped until the next Flush or Reset.
type Pending struct {
	chunks     [][]byte
	size       int
	limit      int
	overflowed bool
	dropped    int
}

func NewPending(limit int) Pending {
	return Pending{limit: limit}
}

// Push queues a copy of p. It reports true only for the push that opened an
// overflow window, so callers log once per window.
func (p *Pending) Push(b []byte) bool {
	if p.overflowed || p.size+len(b) > p.limit {
		p.dropped += len(b)
		if p.overflowed {
			return false
		}
		p.overflowed = true
		return true
	}
	p.chunks = append(p.chunks, append([]byte(nil), b...))
	p.size += len(b)
	return false
}

// Flush writes the queued chunks to w in arrival order and clears the buffer.
// On a write error the unwritten chunks are discarded too.
func (p *Pending) Flush(w io.Writer) (int, error) {
	defer p.Reset()

	total := 0
	for _, c := range p.chunks {
		n, err := w.Write(c)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Reset discards queued bytes and closes any overflow window.
func (p *Pending) Reset() {
	p.chunks = nil
	p.size = 0
	p.overflowed = false
}

// Len returns the number of queued bytes.
func (p *Pending) Len() int { return p.size }

// Dropped returns the number of bytes lost to overflow so far.
func (p *Pending) Dropped() int { return p.dropped }
