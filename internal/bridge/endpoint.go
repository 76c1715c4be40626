// Package bridge implements the session multiplexing that both radio
// endpoints run: TCP sessions and UDP flows are mapped onto frames of one
// serial link and rebuilt as real sockets on the far side.
//
// Each Endpoint owns a single loop. Socket readers, acceptors and connect
// attempts run in their own goroutines and hand results back to the loop as
// posted closures, so session and flow tables are only ever touched by the
// loop itself.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/1ureka/apbridge/internal/config"
	"github.com/1ureka/apbridge/internal/protocol"
	"github.com/1ureka/apbridge/internal/util"
)

const (
	taskBufferSize = 64
	maxLogPayload  = 200 // longest event line mirrored as a LOG frame
)

// ErrLinkClosed is returned by Run when the serial link goes away.
var ErrLinkClosed = errors.New("bridge: serial link closed")

// Transport moves frames over the serial link. Send waits for queue room;
// TrySend gives up at once when the queue is full.
type Transport interface {
	Send(f protocol.Frame)
	TrySend(f protocol.Frame) bool
	Frames() <-chan protocol.Frame
	Done() <-chan struct{}
}

// Dialer opens outbound TCP connections. A nil local address lets the
// system pick the source address and port.
type Dialer interface {
	Dial(ctx context.Context, local *net.TCPAddr, remote string) (net.Conn, error)
}

// Uplink reports whether the peer-facing network is usable.
type Uplink interface {
	Connected() bool
}

// NetDialer dials with the system TCP stack, allowing reuse of a recently
// closed source port.
type NetDialer struct{}

func (NetDialer) Dial(ctx context.Context, local *net.TCPAddr, remote string) (net.Conn, error) {
	d := net.Dialer{Control: reuseAddr}
	if local != nil {
		d.LocalAddr = local
	}
	return d.DialContext(ctx, "tcp", remote)
}

// Option customizes an Endpoint.
type Option func(*Endpoint)

// WithDialer replaces the dialer used for outbound sessions.
func WithDialer(d Dialer) Option {
	return func(e *Endpoint) { e.dialer = d }
}

// WithUplink gates outbound connect attempts on u.
func WithUplink(u Uplink) Option {
	return func(e *Endpoint) { e.uplink = u }
}

// Endpoint is one side of the bridge: the controller-facing AP or the
// peer-facing STA.
type Endpoint struct {
	cfg    config.Config
	role   config.Role
	tr     Transport
	dialer Dialer
	uplink Uplink

	ctx   context.Context
	tasks chan func()
	ready chan struct{}

	peerIP    net.IP // STA: where sessions and flows are sent, updated from inbound traffic
	peerHello string

	tcpAddrs []net.Addr
	udpAddrs []net.Addr

	out *outbound // STA only
	in  *inbound  // AP only
	udp *udpMirror
}

// New creates an endpoint for cfg.Role speaking over tr.
func New(cfg config.Config, tr Transport, opts ...Option) (*Endpoint, error) {
	if cfg.Role != config.RoleAP && cfg.Role != config.RoleSTA {
		return nil, fmt.Errorf("bridge: endpoint role must be ap or sta, got %q", cfg.Role)
	}

	e := &Endpoint{
		cfg:    cfg,
		role:   cfg.Role,
		tr:     tr,
		dialer: NetDialer{},
		uplink: NewStaticUplink(true),
		tasks:  make(chan func(), taskBufferSize),
		ready:  make(chan struct{}),
		peerIP: net.ParseIP(cfg.STA.PeerAddr),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.role == config.RoleSTA {
		e.out = newOutbound(e)
	} else {
		e.in = newInbound(e)
	}
	e.udp = newUDPMirror(e)

	return e, nil
}

// Ready is closed once Run has bound every listener and socket.
func (e *Endpoint) Ready() <-chan struct{} { return e.ready }

// TCPAddrs returns the controller-facing listener addresses. Valid after Ready.
func (e *Endpoint) TCPAddrs() []net.Addr { return e.tcpAddrs }

// UDPAddrs returns the sockets bound at startup. Valid after Ready.
func (e *Endpoint) UDPAddrs() []net.Addr { return e.udpAddrs }

// Policy returns the bandwidth policy applied to peer traffic (STA only).
func (e *Endpoint) Policy() *Policy { return e.udp.policy }

// Run binds the endpoint's sockets and processes frames, socket events and
// retry timers until ctx is cancelled or the link closes. Only setup errors
// and link loss are returned; session failures are handled in place.
func (e *Endpoint) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.ctx = ctx

	defer e.shutdown()
	if err := e.setup(); err != nil {
		return err
	}
	close(e.ready)

	util.LogSuccess("%s endpoint running", strings.ToUpper(string(e.role)))

	tick := time.NewTicker(e.cfg.Bridge.TickInterval.Duration)
	defer tick.Stop()

	var hello <-chan time.Time
	if d := e.cfg.Bridge.HelloInterval.Duration; d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		hello = t.C
		e.sendHello()
	}

	for {
		select {
		case f := <-e.tr.Frames():
			e.dispatch(f)
		case fn := <-e.tasks:
			fn()
		case now := <-tick.C:
			if e.out != nil {
				e.out.poll(now)
			}
		case <-hello:
			e.sendHello()
		case <-e.tr.Done():
			return ErrLinkClosed
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Endpoint) setup() error {
	if e.in != nil {
		if err := e.in.listen(); err != nil {
			return err
		}
		if err := e.udp.bindWellKnown(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Endpoint) shutdown() {
	if e.in != nil {
		e.in.close()
	}
	if e.out != nil {
		e.out.close()
	}
	e.udp.close()
}

// dispatch routes one verified frame to the manager that owns its type.
// Frames meant for the other role are ignored.
func (e *Endpoint) dispatch(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeHello:
		e.onHello(f)
	case protocol.TypeLog:
		util.LogInfo("[remote] %s", f.Payload)
	case protocol.TypeUDP:
		e.udp.fromWire(f)
	case protocol.TypeTCPOpen, protocol.TypeTCPData, protocol.TypeTCPClose,
		protocol.TypeTCPOpenOK, protocol.TypeTCPOpenFail:
		if e.out != nil {
			e.out.handle(f)
		} else {
			e.in.handle(f)
		}
	default:
		util.LogDebug("ignoring frame %s", f)
	}
}

func (e *Endpoint) onHello(f protocol.Frame) {
	who := string(f.Payload)
	if who == e.peerHello {
		return
	}
	e.peerHello = who
	if who == e.role.Hello() {
		util.LogWarning("link peer also announces itself as %s; check the relay wiring", who)
		return
	}
	util.LogInfo("link peer announced %q", who)
}

func (e *Endpoint) sendHello() {
	e.sendBestEffort(protocol.Frame{Type: protocol.TypeHello, Payload: []byte(e.role.Hello())})
}

// post hands fn to the loop. It reports false once the loop has stopped.
func (e *Endpoint) post(fn func()) bool {
	select {
	case e.tasks <- fn:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// event logs a notable transition and mirrors it onto the link.
func (e *Endpoint) event(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	util.LogInfo("%s", msg)
	e.mirror(msg)
}

func (e *Endpoint) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	util.LogWarning("%s", msg)
	e.mirror(msg)
}

func (e *Endpoint) mirror(msg string) {
	if !e.cfg.Bridge.LogFrames {
		return
	}
	if len(msg) > maxLogPayload {
		msg = msg[:maxLogPayload]
	}
	e.sendBestEffort(protocol.Frame{Type: protocol.TypeLog, Payload: []byte(e.role.Hello() + ": " + msg)})
}

// sendBestEffort queues a frame that may be lost (HELLO, LOG, UDP) without
// stalling the loop while the serial line drains. TCP frames go through
// Send: their loss would corrupt the stream.
func (e *Endpoint) sendBestEffort(f protocol.Frame) bool {
	if e.tr.TrySend(f) {
		return true
	}
	util.Stats.FramesDrop.Add(1)
	util.LogDebug("send queue full, dropped %s", f)
	return false
}

// writeConn writes p with the configured deadline.
func (e *Endpoint) writeConn(c net.Conn, p []byte) error {
	c.SetWriteDeadline(time.Now().Add(e.cfg.Bridge.WriteTimeout.Duration))
	_, err := c.Write(p)
	return err
}

// deadlineWriter applies the write deadline to every Write, for Pending.Flush.
type deadlineWriter struct {
	e *Endpoint
	c net.Conn
}

func (w deadlineWriter) Write(p []byte) (int, error) {
	if err := w.e.writeConn(w.c, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// readConn pumps a TCP connection into the loop. deliver is posted for each
// chunk and closed once with the terminating error.
func (e *Endpoint) readConn(c net.Conn, deliver func([]byte), closed func(error)) {
	buf := make([]byte, protocol.MaxPayloadSize)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if !e.post(func() { deliver(data) }) {
				return
			}
		}
		if err != nil {
			e.post(func() { closed(err) })
			return
		}
	}
}
