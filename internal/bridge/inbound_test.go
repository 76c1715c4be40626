package bridge

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/1ureka/apbridge/internal/config"
	"github.com/1ureka/apbridge/internal/protocol"
	"github.com/1ureka/apbridge/internal/util"
)

func dialAP(t *testing.T, e *Endpoint) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", e.TCPAddrs()[0].String())
	if err != nil {
		t.Fatalf("dial AP: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStableTCPIdentity(t *testing.T) {
	link := newFakeLink()
	ap := startEndpoint(t, testConfig(config.RoleAP), link)
	port := util.PortOf(ap.TCPAddrs()[0])

	first := dialAP(t, ap)
	o1 := link.expect(t, protocol.TypeTCPOpen)
	first.Close()
	link.expect(t, protocol.TypeTCPClose)

	dialAP(t, ap)
	o2 := link.expect(t, protocol.TypeTCPOpen)

	if o1.ConnID != port || o1.AuxPort != port {
		t.Fatalf("first OPEN %d/%d, want listening port %d", o1.ConnID, o1.AuxPort, port)
	}
	if o1.ConnID != o2.ConnID || o1.AuxPort != o2.AuxPort {
		t.Fatalf("identity changed across reconnect: %s vs %s", o1, o2)
	}
}

func TestReconnectReplacesSocketWithoutClose(t *testing.T) {
	link := newFakeLink()
	ap := startEndpoint(t, testConfig(config.RoleAP), link)

	first := dialAP(t, ap)
	link.expect(t, protocol.TypeTCPOpen)

	second := dialAP(t, ap)
	link.expect(t, protocol.TypeTCPOpen)

	// The replaced socket is closed by the AP...
	first.SetReadDeadline(time.Now().Add(waitTimeout))
	if _, err := first.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("replaced socket read: %v, want EOF", err)
	}
	// ...without tearing down the session upstream.
	link.quiet(t, 100*time.Millisecond)

	second.Write([]byte("hi"))
	d := link.expect(t, protocol.TypeTCPData)
	if string(d.Payload) != "hi" {
		t.Fatalf("data %q", d.Payload)
	}
}

func TestOpenFailKeepsControllerSocket(t *testing.T) {
	link := newFakeLink()
	ap := startEndpoint(t, testConfig(config.RoleAP), link)
	port := util.PortOf(ap.TCPAddrs()[0])

	ctrl := dialAP(t, ap)
	link.expect(t, protocol.TypeTCPOpen)

	link.in <- protocol.Frame{Type: protocol.TypeTCPOpenFail, ConnID: port, AuxPort: port, Payload: []byte("timeout")}
	link.in <- protocol.Frame{Type: protocol.TypeTCPOpenOK, ConnID: port, AuxPort: port}
	link.in <- dataFrame(port, "telemetry")

	buf := make([]byte, len("telemetry"))
	ctrl.SetReadDeadline(time.Now().Add(waitTimeout))
	if _, err := io.ReadFull(ctrl, buf); err != nil {
		t.Fatalf("controller read: %v", err)
	}
	if string(buf) != "telemetry" {
		t.Fatalf("controller got %q", buf)
	}
	link.quiet(t, 50*time.Millisecond)
}

func TestRemoteCloseDropsControllerSocket(t *testing.T) {
	link := newFakeLink()
	ap := startEndpoint(t, testConfig(config.RoleAP), link)
	port := util.PortOf(ap.TCPAddrs()[0])

	ctrl := dialAP(t, ap)
	link.expect(t, protocol.TypeTCPOpen)

	link.in <- closeFrame(port)
	ctrl.SetReadDeadline(time.Now().Add(waitTimeout))
	if _, err := ctrl.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("controller read after CLOSE: %v, want EOF", err)
	}
	link.quiet(t, 50*time.Millisecond)
}

func TestUnknownSessionFramesIgnored(t *testing.T) {
	link := newFakeLink()
	startEndpoint(t, testConfig(config.RoleAP), link)

	link.in <- dataFrame(1234, "stale")
	link.in <- closeFrame(1234)
	link.in <- protocol.Frame{Type: protocol.TypeTCPOpenOK, ConnID: 1234, AuxPort: 1234}
	link.quiet(t, 50*time.Millisecond)
}
