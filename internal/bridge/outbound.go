package bridge

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/1ureka/apbridge/internal/config"
	"github.com/1ureka/apbridge/internal/protocol"
	"github.com/1ureka/apbridge/internal/util"
)

type outState uint8

const (
	stateIdle outState = iota
	stateWantOpen
	stateConnecting
	stateOpen
	stateClosing
)

func (s outState) String() string {
	switch s {
	case stateWantOpen:
		return "WANT_OPEN"
	case stateConnecting:
		return "CONNECTING"
	case stateOpen:
		return "OPEN"
	case stateClosing:
		return "CLOSING"
	default:
		return "IDLE"
	}
}

// outSession is one peer-facing TCP session on the STA.
type outSession struct {
	id       uint16 // conn_id: the AP's listening port
	aux      uint16
	state    outState
	wantOpen bool
	conn     net.Conn

	gen         uint64 // generation of the in-flight or latest connect attempt
	attempts    int    // failed attempts since the last success
	nextAttempt time.Time
	backoff     Backoff
	bindPort    bool // bind the source port to id instead of an ephemeral one

	pending Pending
}

// outbound manages the STA's sessions: it connects to the real peer on the
// AP's behalf, retries with backoff and buffers data until the connection is
// up.
type outbound struct {
	e        *Endpoint
	cfg      config.STAConfig
	sessions *Arena[outSession]
	gen      uint64
	bindIP   net.IP
}

func newOutbound(e *Endpoint) *outbound {
	return &outbound{
		e:        e,
		cfg:      e.cfg.STA,
		sessions: NewArena[outSession](e.cfg.Bridge.MaxSessions),
		bindIP:   net.ParseIP(e.cfg.STA.BindAddr),
	}
}

func (o *outbound) find(id uint16) (int, *outSession) {
	return o.sessions.Find(func(s *outSession) bool { return s.id == id })
}

func (o *outbound) handle(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeTCPOpen:
		o.open(f)
	case protocol.TypeTCPData:
		o.data(f)
	case protocol.TypeTCPClose:
		o.remoteClose(f)
	default:
		util.LogDebug("STA ignoring %s", f)
	}
}

func (o *outbound) open(f protocol.Frame) {
	if _, s := o.find(f.ConnID); s != nil {
		if s.state == stateOpen && s.conn != nil {
			// The AP re-asserted a session we already hold; confirm without reconnecting.
			o.e.tr.Send(protocol.Frame{Type: protocol.TypeTCPOpenOK, ConnID: s.id, AuxPort: s.aux})
		}
		s.wantOpen = true
		util.LogDebug("[conn %d] OPEN while %s", s.id, s.state)
		return
	}

	h, s, ok := o.sessions.Alloc()
	if !ok {
		o.e.warn("[conn %d] no free session slot (%d in use)", f.ConnID, o.sessions.Len())
		o.e.tr.Send(protocol.Frame{
			Type: protocol.TypeTCPOpenFail, ConnID: f.ConnID, AuxPort: f.AuxPort,
			Payload: []byte("no free session slot"),
		})
		return
	}

	*s = outSession{
		id:       f.ConnID,
		aux:      f.AuxPort,
		state:    stateWantOpen,
		wantOpen: true,
		backoff:  NewBackoff(o.cfg.BackoffFloor.Duration, o.cfg.BackoffCap.Duration),
		bindPort: true,
		pending:  NewPending(o.e.cfg.Bridge.PendingLimit),
	}
	util.LogDebug("[conn %d] session allocated in slot %d", s.id, h)

	o.poll(time.Now())
}

func (o *outbound) data(f protocol.Frame) {
	h, s := o.find(f.ConnID)
	if s == nil {
		util.LogDebug("[conn %d] DATA for unknown session dropped", f.ConnID)
		return
	}

	if s.state != stateOpen || s.conn == nil {
		if s.pending.Push(f.Payload) {
			o.e.warn("[conn %d] pending buffer full (%d bytes), dropping until connected", s.id, s.pending.Len())
		}
		return
	}

	if err := o.e.writeConn(s.conn, f.Payload); err != nil {
		o.e.warn("[conn %d] write failed: %v", s.id, err)
		o.teardown(h, s, true)
		return
	}
	util.Stats.AddTCPFromWire(len(f.Payload))
}

func (o *outbound) remoteClose(f protocol.Frame) {
	h, s := o.find(f.ConnID)
	if s == nil {
		return
	}
	o.e.event("[conn %d] closed by AP", s.id)
	o.teardown(h, s, false)
}

// poll starts due connect attempts and reaps sessions nobody wants.
func (o *outbound) poll(now time.Time) {
	o.sessions.Each(func(h int, s *outSession) {
		if !s.wantOpen && s.conn == nil && s.state != stateConnecting {
			o.teardown(h, s, true)
			return
		}
		if s.wantOpen && s.state == stateWantOpen && !now.Before(s.nextAttempt) && o.e.uplink.Connected() {
			o.connect(h, s)
		}
	})
}

func (o *outbound) connect(h int, s *outSession) {
	o.gen++
	gen := o.gen
	s.gen = gen
	s.state = stateConnecting

	var local *net.TCPAddr
	if s.bindPort || o.bindIP != nil {
		local = &net.TCPAddr{IP: o.bindIP}
		if s.bindPort {
			local.Port = int(s.id)
		}
	}
	remote := net.JoinHostPort(o.e.peerIP.String(), strconv.Itoa(int(s.aux)))

	src := "ephemeral"
	if s.bindPort {
		src = strconv.Itoa(int(s.id))
	}
	o.e.event("[conn %d] connecting to %s from port %s (attempt %d)", s.id, remote, src, s.attempts+1)

	id, timeout := s.id, o.cfg.ConnectTimeout.Duration
	go func() {
		ctx, cancel := context.WithTimeout(o.e.ctx, timeout)
		conn, err := o.e.dialer.Dial(ctx, local, remote)
		cancel()

		posted := o.e.post(func() { o.connected(h, id, gen, conn, err) })
		if !posted && conn != nil {
			conn.Close()
		}
	}()
}

// connected applies a connect result unless the attempt went stale.
func (o *outbound) connected(h int, id uint16, gen uint64, conn net.Conn, err error) {
	s := o.sessions.Get(h)
	if s == nil || s.id != id || s.gen != gen || s.state != stateConnecting {
		if conn != nil {
			conn.Close()
		}
		util.LogDebug("[conn %d] stale connect result (generation %d) discarded", id, gen)
		return
	}

	if err != nil {
		o.failed(s, err)
		return
	}

	s.conn = conn
	s.state = stateOpen
	s.attempts = 0
	s.backoff.Reset()
	util.Stats.TCPOpened.Add(1)

	o.e.tr.Send(protocol.Frame{Type: protocol.TypeTCPOpenOK, ConnID: s.id, AuxPort: s.aux})
	o.e.event("[conn %d] connected %s -> %s", s.id, conn.LocalAddr(), conn.RemoteAddr())

	if n := s.pending.Len(); n > 0 {
		if _, err := s.pending.Flush(deadlineWriter{o.e, conn}); err != nil {
			o.e.warn("[conn %d] flushing %d pending bytes failed: %v", s.id, n, err)
			o.teardown(h, s, true)
			return
		}
		util.Stats.AddTCPFromWire(n)
		util.LogDebug("[conn %d] flushed %d pending bytes", s.id, n)
	}

	go o.e.readConn(conn,
		func(p []byte) { o.fromConn(h, id, conn, p) },
		func(err error) { o.connClosed(h, id, conn, err) },
	)
}

func (o *outbound) failed(s *outSession, err error) {
	util.Stats.ConnectFails.Add(1)
	s.attempts++
	s.state = stateWantOpen

	cause := connectCause(err)
	o.e.tr.Send(protocol.Frame{
		Type: protocol.TypeTCPOpenFail, ConnID: s.id, AuxPort: s.aux,
		Payload: []byte(cause),
	})

	if o.shouldToggle(err) {
		s.bindPort = !s.bindPort
	}

	if o.cfg.MaxConnectAttempts > 0 && s.attempts >= o.cfg.MaxConnectAttempts {
		s.wantOpen = false
		o.e.warn("[conn %d] connect failed (%s), giving up after %d attempts", s.id, cause, s.attempts)
		return
	}

	delay := s.backoff.Next()
	s.nextAttempt = time.Now().Add(delay)
	o.e.warn("[conn %d] connect failed (%s), retry in %s", s.id, cause, delay)
}

func (o *outbound) shouldToggle(err error) bool {
	switch o.cfg.ToggleBindOn {
	case config.ToggleNever:
		return false
	case config.ToggleOnError:
		return true
	default:
		return isTimeout(err)
	}
}

func (o *outbound) fromConn(h int, id uint16, conn net.Conn, p []byte) {
	s := o.sessions.Get(h)
	if s == nil || s.id != id || s.conn != conn {
		return
	}
	o.e.tr.Send(protocol.Frame{Type: protocol.TypeTCPData, ConnID: s.id, AuxPort: s.aux, Payload: p})
	util.Stats.AddTCPToWire(len(p))
}

func (o *outbound) connClosed(h int, id uint16, conn net.Conn, err error) {
	s := o.sessions.Get(h)
	if s == nil || s.id != id || s.conn != conn {
		return
	}
	o.e.event("[conn %d] peer connection ended: %v", s.id, err)
	s.conn.Close()
	s.conn = nil
	s.state = stateClosing
	s.wantOpen = false
	o.teardown(h, s, true)
}

// teardown closes and frees a session, optionally telling the AP.
func (o *outbound) teardown(h int, s *outSession, notify bool) {
	if s.conn != nil {
		s.conn.Close()
	}
	if notify {
		o.e.tr.Send(protocol.Frame{Type: protocol.TypeTCPClose, ConnID: s.id, AuxPort: s.aux})
	}
	util.Stats.TCPClosed.Add(1)
	util.LogDebug("[conn %d] session freed from slot %d (%s)", s.id, h, s.state)
	o.sessions.Free(h)
}

func (o *outbound) close() {
	o.sessions.Each(func(h int, s *outSession) {
		if s.conn != nil {
			s.conn.Close()
		}
		o.sessions.Free(h)
	})
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// connectCause turns a dial error into the short text carried by OPEN_FAIL.
func connectCause(err error) string {
	switch {
	case isTimeout(err):
		return "timeout"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "refused"
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return "unreachable"
	case errors.Is(err, syscall.EADDRINUSE):
		return "source port in use"
	}
	msg := err.Error()
	if len(msg) > 64 {
		msg = msg[:64]
	}
	return msg
}
