// Package transport carries protocol frames over a serial byte stream.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/1ureka/apbridge/internal/protocol"
	"github.com/1ureka/apbridge/internal/util"
)

const (
	readBufferSize  = 4096
	frameBufferSize = 64 // decoded frame channel capacity
)

// Transport wraps one serial link (or any byte stream standing in for it),
// providing frame sending through a single writer goroutine and frame
// receiving through a reader goroutine that owns the decoder.
//
// Its lifecycle is governed by the underlying stream and the context passed
// at construction time: a read or write error, or ctx cancellation, shuts it
// down.
type Transport struct {
	rw     io.ReadWriteCloser
	sender *sender
	frames chan protocol.Frame

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error

	mu       sync.Mutex
	decStats protocol.DecoderStats
}

// New starts a Transport over rw. Closing the Transport closes rw.
func New(ctx context.Context, rw io.ReadWriteCloser) *Transport {
	tCtx, tCancel := context.WithCancel(ctx)

	t := &Transport{
		rw:     rw,
		frames: make(chan protocol.Frame, frameBufferSize),
		ctx:    tCtx,
		cancel: tCancel,
	}
	t.sender = newSender(tCtx, tCancel, rw)

	go t.readLoop()
	go func() {
		<-tCtx.Done()
		t.Close()
	}()

	return t
}

// Open opens a serial port and starts a Transport on it.
func Open(ctx context.Context, port string, baud int) (*Transport, error) {
	p, err := OpenSerial(port, baud)
	if err != nil {
		return nil, err
	}
	return New(ctx, p), nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Done returns a channel that is closed when the Transport is shut down.
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close shuts the Transport down and closes the underlying stream.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.closeErr = t.rw.Close()
	})
	return t.closeErr
}

// DecoderStats returns a snapshot of the inbound decoder's recovery counters.
func (t *Transport) DecoderStats() protocol.DecoderStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.decStats
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send enqueues a frame for transmission. It blocks while the outgoing queue
// is full and returns silently once the Transport is shut down.
func (t *Transport) Send(f protocol.Frame) {
	t.sender.send(t.ctx, f)
}

// TrySend enqueues a frame only if the outgoing queue has room, so callers
// that must not stall can shed datagrams while the serial line drains. It
// reports whether the frame was queued.
func (t *Transport) TrySend(f protocol.Frame) bool {
	if t.ctx.Err() != nil {
		return false
	}
	return t.sender.trySend(f)
}

// Frames returns the channel of checksum-verified inbound frames. It is never
// closed; select on Done alongside it.
func (t *Transport) Frames() <-chan protocol.Frame {
	return t.frames
}

// readLoop is the only goroutine that touches the decoder.
func (t *Transport) readLoop() {
	defer t.cancel()

	dec := protocol.NewDecoder()
	buf := make([]byte, readBufferSize)
	var bad uint64

	for {
		n, err := t.rw.Read(buf)
		if n > 0 {
			util.Stats.AddSerialRx(n)

			frames := dec.Write(buf[:n])
			st := dec.Stats()
			if nowBad := st.ChecksumErrors + st.VersionErrors + st.LengthErrors; nowBad > bad {
				util.Stats.FramesBad.Add(int64(nowBad - bad))
				bad = nowBad
			}
			t.mu.Lock()
			t.decStats = st
			t.mu.Unlock()

			for _, f := range frames {
				util.Stats.FramesRx.Add(1)
				select {
				case t.frames <- f:
				case <-t.ctx.Done():
					return
				}
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && t.ctx.Err() == nil {
				util.LogError("serial read failed: %v", err)
			}
			return
		}
		if t.ctx.Err() != nil {
			return
		}
	}
}
