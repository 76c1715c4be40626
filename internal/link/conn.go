// Package link carries the serial byte stream between two relay hosts over
// a WebRTC DataChannel.
package link

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/1ureka/apbridge/internal/util"
	"github.com/pion/webrtc/v4"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	maxMessageSize = 16 * 1024  // largest chunk sent as one DataChannel message
	inboxSize      = 256        // received messages waiting for Read
)

// ErrClosed is returned by Write after the Conn has shut down.
var ErrClosed = errors.New("link: closed")

// Conn wraps a single PeerConnection + DataChannel pair as an
// io.ReadWriteCloser, so the relay can treat a remote serial port like a
// local one.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time. The PeerConnection state is recorded but does not
// drive open/close decisions.
type Conn struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	openSignal  chan struct{}
	drainSignal chan struct{}
	inbox       chan []byte
	rest        []byte // unread tail of the current message

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// New creates a Conn backed by a new PeerConnection and a pre-negotiated
// DataChannel. The caller performs signaling through the exposed methods
// (CreateOffer / CreateAnswer / …) and waits on Ready before relaying.
func New(ctx context.Context, cfg Config) (*Conn, error) {
	pc, err := newPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	cCtx, cCancel := context.WithCancel(ctx)

	c := &Conn{
		pc:          pc,
		dc:          dc,
		openSignal:  make(chan struct{}),
		drainSignal: make(chan struct{}, 1),
		inbox:       make(chan []byte, inboxSize),
		ctx:         cCtx,
		cancel:      cCancel,
		pcState:     webrtc.PeerConnectionStateNew,
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(c.openSignal) })
	})

	// DC close → cancel conn context.
	dc.OnClose(func() {
		util.LogWarning("DataChannel closed")
		cCancel()
	})

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case c.drainSignal <- struct{}{}:
		default:
		}
	})

	// Blocking here pushes back on the SCTP stream when Read falls behind.
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case c.inbox <- msg.Data:
		case <-cCtx.Done():
		}
	})

	// Record PC state (informational only).
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		c.mu.Lock()
		c.pcState = state
		c.mu.Unlock()
		if state == webrtc.PeerConnectionStateFailed {
			cCancel()
		}
	})

	return c, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open.
func (c *Conn) Ready() <-chan struct{} {
	return c.openSignal
}

// Done returns a channel that is closed when the Conn is shut down
// (DataChannel closed or parent context cancelled).
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection.
func (c *Conn) Close() error {
	c.cancel()
	return errors.Join(c.dc.Close(), c.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (c *Conn) ConnectionState() webrtc.PeerConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (c *Conn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (c *Conn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (c *Conn) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	c.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Read returns bytes in the order they were written on the far side. It
// reports io.EOF once the Conn is shut down and nothing is left to read.
func (c *Conn) Read(p []byte) (int, error) {
	if len(c.rest) == 0 {
		select {
		case msg := <-c.inbox:
			c.rest = msg
		case <-c.ctx.Done():
			return 0, io.EOF
		}
	}
	n := copy(p, c.rest)
	c.rest = c.rest[n:]
	return n, nil
}

// Write sends p, waiting for the channel to open and for the send buffer to
// drain below the high-water mark.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.openSignal:
	case <-c.ctx.Done():
		return 0, ErrClosed
	}

	written := 0
	for len(p) > 0 {
		if c.dc.BufferedAmount() > uint64(highWaterMark) {
			select {
			case <-c.drainSignal:
			case <-c.ctx.Done():
				return written, ErrClosed
			}
		}

		chunk := p[:min(len(p), maxMessageSize)]
		if err := c.dc.Send(append([]byte(nil), chunk...)); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}
