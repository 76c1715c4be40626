package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/1ureka/apbridge/internal/protocol"
	"github.com/1ureka/apbridge/internal/util"
)

// inSession is the controller-facing side of one TCP session on the AP.
type inSession struct {
	port          uint16 // well-known listening port, also the conn_id
	conn          net.Conn
	epoch         uint64 // identifies conn; events from a replaced conn carry an old epoch
	upstreamReady bool
}

// inbound accepts controller connections on the well-known ports and keeps
// at most one live socket per port. A reconnecting controller replaces the
// socket without disturbing the STA's session for that port.
type inbound struct {
	e         *Endpoint
	sessions  *Arena[inSession]
	listeners []net.Listener
	epoch     uint64
}

func newInbound(e *Endpoint) *inbound {
	return &inbound{
		e:        e,
		sessions: NewArena[inSession](e.cfg.Bridge.MaxSessions),
	}
}

func (in *inbound) listen() error {
	lc := net.ListenConfig{Control: reuseAddr}
	for _, p := range in.e.cfg.AP.TCPPorts {
		addr := net.JoinHostPort(in.e.cfg.AP.ListenAddr, strconv.Itoa(p))
		ln, err := lc.Listen(context.Background(), "tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		in.listeners = append(in.listeners, ln)
		in.e.tcpAddrs = append(in.e.tcpAddrs, ln.Addr())

		port := util.PortOf(ln.Addr())
		util.LogInfo("[conn %d] listening on %s", port, ln.Addr())
		go in.acceptLoop(ln, port)
	}
	return nil
}

func (in *inbound) acceptLoop(ln net.Listener, port uint16) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				util.LogError("[conn %d] accept error: %v", port, err)
			}
			return
		}
		if !in.e.post(func() { in.accepted(port, conn) }) {
			conn.Close()
			return
		}
	}
}

func (in *inbound) find(port uint16) (int, *inSession) {
	return in.sessions.Find(func(s *inSession) bool { return s.port == port })
}

func (in *inbound) accepted(port uint16, conn net.Conn) {
	h, s := in.find(port)
	if s != nil && s.conn != nil {
		// Replace only the controller-facing socket; the STA keeps its session.
		in.e.event("[conn %d] controller reconnected from %s, replacing %s", port, conn.RemoteAddr(), s.conn.RemoteAddr())
		s.conn.Close()
	}
	if s == nil {
		var ok bool
		h, s, ok = in.sessions.Alloc()
		if !ok {
			in.e.warn("[conn %d] no free session slot, rejecting %s", port, conn.RemoteAddr())
			conn.Close()
			return
		}
		s.port = port
		in.e.event("[conn %d] controller connected from %s", port, conn.RemoteAddr())
	}

	in.epoch++
	epoch := in.epoch
	s.conn = conn
	s.epoch = epoch
	s.upstreamReady = false
	util.Stats.TCPOpened.Add(1)

	connID, aux := protocol.TCPSessionID(port)
	in.e.tr.Send(protocol.Frame{Type: protocol.TypeTCPOpen, ConnID: connID, AuxPort: aux})

	go in.e.readConn(conn,
		func(p []byte) { in.fromConn(h, epoch, p) },
		func(err error) { in.connClosed(h, epoch, err) },
	)
}

func (in *inbound) current(h int, epoch uint64) *inSession {
	s := in.sessions.Get(h)
	if s == nil || s.epoch != epoch {
		return nil
	}
	return s
}

func (in *inbound) fromConn(h int, epoch uint64, p []byte) {
	s := in.current(h, epoch)
	if s == nil {
		return
	}
	connID, aux := protocol.TCPSessionID(s.port)
	in.e.tr.Send(protocol.Frame{Type: protocol.TypeTCPData, ConnID: connID, AuxPort: aux, Payload: p})
	util.Stats.AddTCPToWire(len(p))
}

func (in *inbound) connClosed(h int, epoch uint64, err error) {
	s := in.current(h, epoch)
	if s == nil {
		// A replaced socket finishing; the session lives on.
		return
	}
	in.e.event("[conn %d] controller disconnected: %v", s.port, err)
	in.teardown(h, s, true)
}

func (in *inbound) handle(f protocol.Frame) {
	h, s := in.find(f.ConnID)
	if s == nil {
		util.LogDebug("[conn %d] %s for unknown session ignored", f.ConnID, f.Type)
		return
	}

	switch f.Type {
	case protocol.TypeTCPOpenOK:
		if !s.upstreamReady {
			in.e.event("[conn %d] upstream ready", s.port)
		}
		s.upstreamReady = true

	case protocol.TypeTCPOpenFail:
		// Keep the controller socket; the STA keeps retrying.
		s.upstreamReady = false
		util.LogInfo("[conn %d] upstream not ready: %s", s.port, f.Payload)

	case protocol.TypeTCPData:
		if s.conn == nil {
			return
		}
		if err := in.e.writeConn(s.conn, f.Payload); err != nil {
			in.e.warn("[conn %d] write to controller failed: %v", s.port, err)
			in.teardown(h, s, true)
			return
		}
		util.Stats.AddTCPFromWire(len(f.Payload))

	case protocol.TypeTCPClose:
		in.e.event("[conn %d] closed by STA", s.port)
		in.teardown(h, s, false)

	default:
		util.LogDebug("AP ignoring %s", f)
	}
}

func (in *inbound) teardown(h int, s *inSession, notify bool) {
	if s.conn != nil {
		s.conn.Close()
	}
	if notify {
		connID, aux := protocol.TCPSessionID(s.port)
		in.e.tr.Send(protocol.Frame{Type: protocol.TypeTCPClose, ConnID: connID, AuxPort: aux})
	}
	util.Stats.TCPClosed.Add(1)
	in.sessions.Free(h)
}

func (in *inbound) close() {
	for _, ln := range in.listeners {
		ln.Close()
	}
	in.sessions.Each(func(h int, s *inSession) {
		if s.conn != nil {
			s.conn.Close()
		}
		in.sessions.Free(h)
	})
}
