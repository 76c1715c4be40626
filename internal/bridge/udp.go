package bridge

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/1ureka/apbridge/internal/config"
	"github.com/1ureka/apbridge/internal/protocol"
	"github.com/1ureka/apbridge/internal/util"
)

// flow is one bound datagram socket, keyed by its local port. Flows are
// created on demand and live until the endpoint stops.
type flow struct {
	port uint16
	conn *net.UDPConn
}

// udpMirror keeps per-port sockets on both endpoints so that datagrams leave
// from the port the other side expects.
//
// On the AP the local port is the peer-side port (the well-known ports, or
// any other the STA names) and datagrams go back to the controller. On the
// STA the local port mirrors the controller's port and datagrams go to the
// real peer.
type udpMirror struct {
	e      *Endpoint
	flows  *Arena[flow]
	bindIP net.IP
	policy *Policy

	controllerIP net.IP // AP: learned from the latest controller datagram
	fullLogged   bool
}

func newUDPMirror(e *Endpoint) *udpMirror {
	m := &udpMirror{
		e:     e,
		flows: NewArena[flow](e.cfg.Bridge.MaxFlows),
	}
	if e.role == config.RoleAP {
		m.bindIP = net.ParseIP(e.cfg.AP.ListenAddr)
		m.controllerIP = net.ParseIP(e.cfg.AP.ControllerAddr)
	} else {
		m.bindIP = net.ParseIP(e.cfg.STA.BindAddr)
		m.policy = NewPolicy(e.cfg.STA.BulkPorts, e.cfg.STA.BulkRate)
	}
	return m
}

// bindWellKnown binds the AP's fixed UDP ports. Failing here is fatal, unlike
// the lazy binds done later.
func (m *udpMirror) bindWellKnown() error {
	for _, p := range m.e.cfg.AP.UDPPorts {
		f, err := m.bind(uint16(p))
		if err != nil {
			return err
		}
		m.e.udpAddrs = append(m.e.udpAddrs, f.conn.LocalAddr())
	}
	return nil
}

func (m *udpMirror) lookup(port uint16) *flow {
	_, f := m.flows.Find(func(f *flow) bool { return f.port == port })
	return f
}

func (m *udpMirror) bind(port uint16) (*flow, error) {
	h, f, ok := m.flows.Alloc()
	if !ok {
		return nil, fmt.Errorf("flow table full (%d)", m.flows.Cap())
	}

	ip := ""
	if m.bindIP != nil {
		ip = m.bindIP.String()
	}
	addr := net.JoinHostPort(ip, strconv.Itoa(int(port)))

	lc := net.ListenConfig{Control: reuseAddr}
	pc, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		m.flows.Free(h)
		return nil, fmt.Errorf("failed to bind udp %s: %w", addr, err)
	}

	conn := pc.(*net.UDPConn)
	f.port = util.PortOf(conn.LocalAddr())
	f.conn = conn
	util.LogInfo("[flow %d] bound %s", f.port, conn.LocalAddr())

	go m.readLoop(f.port, conn)
	return f, nil
}

// obtain returns the flow for port, binding it on first use.
func (m *udpMirror) obtain(port uint16) *flow {
	if f := m.lookup(port); f != nil {
		return f
	}
	f, err := m.bind(port)
	if err != nil {
		if !m.fullLogged {
			m.fullLogged = true
			m.e.warn("[flow %d] dropping datagrams: %v", port, err)
		}
		return nil
	}
	m.fullLogged = false
	return f
}

func (m *udpMirror) readLoop(port uint16, conn *net.UDPConn) {
	buf := make([]byte, protocol.MaxPayloadSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)
		if !m.e.post(func() { m.fromSocket(port, src, data) }) {
			return
		}
	}
}

// fromSocket frames a datagram received on a local flow socket.
func (m *udpMirror) fromSocket(port uint16, src *net.UDPAddr, p []byte) {
	var id protocol.UDPFlowID
	if m.e.role == config.RoleAP {
		// From the controller: its source port and the port it targeted.
		if !src.IP.Equal(m.controllerIP) {
			util.LogDebug("controller address is now %s", src.IP)
		}
		m.controllerIP = src.IP
		id = protocol.UDPFlowID{Controller: uint16(src.Port), Peer: port}
	} else {
		// From the peer: a reply to the controller port this socket mirrors.
		if !src.IP.Equal(m.e.peerIP) {
			m.e.event("peer address changed %s -> %s", m.e.peerIP, src.IP)
			m.e.peerIP = src.IP
		}
		if !m.policy.Allow(uint16(src.Port)) {
			return
		}
		id = protocol.UDPFlowID{Controller: port, Peer: uint16(src.Port)}
	}

	if m.e.sendBestEffort(id.Frame(p)) {
		util.Stats.UDPToWire.Add(1)
	}
}

// fromWire replays a UDP frame from the other endpoint onto a local socket.
func (m *udpMirror) fromWire(fr protocol.Frame) {
	id := protocol.UDPFlowFromFrame(fr)

	var local uint16
	var dst *net.UDPAddr
	if m.e.role == config.RoleAP {
		if m.controllerIP == nil {
			util.LogDebug("[flow %d] no controller address yet, dropping reply", id.Peer)
			return
		}
		local = id.Peer
		dst = &net.UDPAddr{IP: m.controllerIP, Port: int(id.Controller)}
	} else {
		local = id.Controller
		dst = &net.UDPAddr{IP: m.e.peerIP, Port: int(id.Peer)}
	}

	f := m.obtain(local)
	if f == nil {
		return
	}
	if _, err := f.conn.WriteToUDP(fr.Payload, dst); err != nil {
		util.LogDebug("[flow %d] send to %s failed: %v", f.port, dst, err)
		return
	}
	util.Stats.UDPFromWire.Add(1)
}

func (m *udpMirror) close() {
	m.flows.Each(func(h int, f *flow) {
		if f.conn != nil {
			f.conn.Close()
		}
		m.flows.Free(h)
	})
}
