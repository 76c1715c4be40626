package transport

import (
	"context"
	"io"

	"github.com/1ureka/apbridge/internal/protocol"
	"github.com/1ureka/apbridge/internal/util"
)

const sendBufferSize = 64 // outgoing frame channel capacity

// sender is a goroutine-based frame writer that serializes all writes to a
// single serial stream, so frames never interleave on the wire.
type sender struct {
	inbox chan protocol.Frame
}

// newSender creates a sender and starts the background loop. The loop exits
// when ctx is cancelled; a write error cancels ctx through fail.
func newSender(ctx context.Context, fail context.CancelFunc, w io.Writer) *sender {
	s := &sender{
		inbox: make(chan protocol.Frame, sendBufferSize),
	}

	go s.loop(ctx, fail, w)

	return s
}

// loop is the single-writer goroutine.
func (s *sender) loop(ctx context.Context, fail context.CancelFunc, w io.Writer) {
	buf := make([]byte, 0, protocol.EncodedSize(protocol.MaxPayloadSize))

	for {
		select {
		case f := <-s.inbox:
			data, err := protocol.AppendFrame(buf[:0], f)
			if err != nil {
				util.LogError("failed to encode frame (%s): %v", f, err)
				continue
			}

			if _, err := w.Write(data); err != nil {
				if ctx.Err() == nil {
					util.LogError("failed to write frame (%s): %v", f, err)
				}
				fail()
				return
			}

			util.Stats.AddSerialTx(len(data))
			util.Stats.FramesTx.Add(1)
		case <-ctx.Done():
			return
		}
	}
}

// trySend enqueues f only if the buffer has room.
func (s *sender) trySend(f protocol.Frame) bool {
	select {
	case s.inbox <- f:
		return true
	default:
		return false
	}
}

// send enqueues a frame for transmission. It blocks if the internal buffer
// is full and returns silently when ctx is already cancelled.
func (s *sender) send(ctx context.Context, f protocol.Frame) {
	select {
	case s.inbox <- f:
	case <-ctx.Done():
	}
}
