package protocol

import (
	"encoding/binary"
	"errors"
)

// maxBuffered is the most bytes the decoder holds while waiting for a frame.
const maxBuffered = PreambleSize + MaxInnerLen

// DecoderStats counts the recovery actions the decoder has taken.
type DecoderStats struct {
	Frames         uint64 // frames delivered
	ChecksumErrors uint64
	VersionErrors  uint64
	LengthErrors   uint64 // paylen/inner_len disagreement or undersized inner_len
	Resets         uint64 // full buffer resets (oversized length or buffer overflow)
	Discarded      uint64 // bytes thrown away while resynchronizing
}

// Decoder recovers frames from an unframed byte stream. It keeps a rolling
// buffer, resynchronizes on the magic sentinel, and only ever returns frames
// whose checksum verified. It is not safe for concurrent use.
type Decoder struct {
	buf   []byte
	stats DecoderStats
}

// NewDecoder creates an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, maxBuffered)}
}

// Feed consumes one byte and returns a frame if one completed. After Feed
// reports a frame, Next may hold more frames recovered from bytes that were
// already buffered.
func (d *Decoder) Feed(b byte) (Frame, bool) {
	if len(d.buf) >= maxBuffered {
		d.reset()
	}
	d.buf = append(d.buf, b)
	return d.Next()
}

// Write feeds every byte of p and returns all frames completed by it, in order.
func (d *Decoder) Write(p []byte) []Frame {
	var out []Frame
	for _, b := range p {
		f, ok := d.Feed(b)
		for ok {
			out = append(out, f)
			f, ok = d.Next()
		}
	}
	return out
}

// Next extracts a frame from the bytes already buffered, without consuming
// new input.
func (d *Decoder) Next() (Frame, bool) {
	for {
		d.sync()
		if len(d.buf) < PreambleSize {
			return Frame{}, false
		}

		innerLen := int(binary.LittleEndian.Uint16(d.buf[2:4]))
		if innerLen > MaxInnerLen {
			if len(d.buf) > PreambleSize {
				// Rescanning bytes already held after a drop: a later frame may
				// start inside them, so take the one-byte path.
				d.stats.LengthErrors++
				d.drop(1)
				continue
			}
			d.resetPreamble()
			continue
		}
		if innerLen < MinInnerLen {
			d.stats.LengthErrors++
			d.drop(1)
			continue
		}

		total := PreambleSize + innerLen
		if len(d.buf) < total {
			return Frame{}, false
		}

		f, err := parseFrame(d.buf[:total])
		if err != nil {
			// The magic may have matched inside payload bytes; retry one byte on.
			d.count(err)
			d.drop(1)
			continue
		}

		d.consume(total)
		d.stats.Frames++
		return f, true
	}
}

// Buffered reports how many bytes are waiting for a frame to complete.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Stats returns a snapshot of the recovery counters.
func (d *Decoder) Stats() DecoderStats { return d.stats }

// sync discards leading bytes until the buffer starts with the magic
// sentinel. A lone trailing Magic0 is kept as a potential frame start.
func (d *Decoder) sync() {
	i := 0
	for i < len(d.buf) {
		if d.buf[i] != Magic0 {
			i++
			continue
		}
		if i+1 < len(d.buf) && d.buf[i+1] != Magic1 {
			i++
			continue
		}
		break
	}
	if i > 0 {
		d.drop(i)
	}
}

func (d *Decoder) count(err error) {
	switch {
	case errors.Is(err, errBadChecksum):
		d.stats.ChecksumErrors++
	case errors.Is(err, errBadVersion):
		d.stats.VersionErrors++
	default:
		d.stats.LengthErrors++
	}
}

func (d *Decoder) drop(n int) {
	d.stats.Discarded += uint64(n)
	d.consume(n)
}

func (d *Decoder) consume(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}

// resetPreamble is the full reset for a freshly received oversized length.
// Only the 4-byte preamble is held at that point; a magic start inside its
// length field survives.
func (d *Decoder) resetPreamble() {
	d.stats.Resets++
	for i := 2; i < len(d.buf); i++ {
		if d.buf[i] == Magic0 && (i+1 == len(d.buf) || d.buf[i+1] == Magic1) {
			d.stats.Discarded += uint64(i)
			d.consume(i)
			return
		}
	}
	d.stats.Discarded += uint64(len(d.buf))
	d.buf = d.buf[:0]
}

func (d *Decoder) reset() {
	d.stats.Resets++
	d.stats.Discarded += uint64(len(d.buf))
	d.buf = d.buf[:0]
}
