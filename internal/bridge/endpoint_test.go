package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/apbridge/internal/config"
	"github.com/1ureka/apbridge/internal/protocol"
	"github.com/1ureka/apbridge/internal/transport"
	"github.com/1ureka/apbridge/internal/util"
)

func TestMain(m *testing.M) {
	util.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

const waitTimeout = 3 * time.Second

// fakeLink stands in for the serial transport: the test injects frames on
// in and observes what the endpoint sends on out.
type fakeLink struct {
	in   chan protocol.Frame
	out  chan protocol.Frame
	done chan struct{}
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		in:   make(chan protocol.Frame, 64),
		out:  make(chan protocol.Frame, 4096),
		done: make(chan struct{}),
	}
}

func (l *fakeLink) Send(f protocol.Frame)          { l.out <- f }
func (l *fakeLink) Frames() <-chan protocol.Frame { return l.in }
func (l *fakeLink) Done() <-chan struct{}         { return l.done }

func (l *fakeLink) TrySend(f protocol.Frame) bool {
	select {
	case l.out <- f:
		return true
	default:
		return false
	}
}

// expect waits for the next session frame, skipping HELLO and LOG.
func (l *fakeLink) expect(t *testing.T, typ protocol.Type) protocol.Frame {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case f := <-l.out:
			if f.Type == protocol.TypeHello || f.Type == protocol.TypeLog {
				continue
			}
			if f.Type != typ {
				t.Fatalf("got %s, want %s", f, typ)
			}
			return f
		case <-deadline:
			t.Fatalf("timeout waiting for %s", typ)
			return protocol.Frame{}
		}
	}
}

// quiet asserts that no session frame arrives for d.
func (l *fakeLink) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case f := <-l.out:
			if f.Type == protocol.TypeHello || f.Type == protocol.TypeLog {
				continue
			}
			t.Fatalf("unexpected frame %s", f)
		case <-deadline:
			return
		}
	}
}

func testConfig(role config.Role) config.Config {
	cfg := config.Default()
	cfg.Role = role
	cfg.AP.ListenAddr = "127.0.0.1"
	cfg.AP.TCPPorts = []int{0}
	cfg.AP.UDPPorts = []int{0}
	cfg.STA.PeerAddr = "127.0.0.3"
	cfg.STA.BindAddr = "127.0.0.2"
	cfg.STA.ConnectTimeout = config.Duration{Duration: time.Second}
	cfg.STA.BackoffFloor = config.Duration{Duration: 10 * time.Millisecond}
	cfg.STA.BackoffCap = config.Duration{Duration: 40 * time.Millisecond}
	cfg.Bridge.TickInterval = config.Duration{Duration: 5 * time.Millisecond}
	cfg.Bridge.HelloInterval = config.Duration{}
	cfg.Bridge.LogFrames = false
	return cfg
}

func startEndpoint(t *testing.T, cfg config.Config, tr Transport, opts ...Option) *Endpoint {
	t.Helper()

	e, err := New(cfg, tr, opts...)
	if err != nil {
		t.Fatalf("new endpoint: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})

	select {
	case <-e.Ready():
	case err := <-errc:
		t.Fatalf("endpoint stopped during setup: %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("endpoint setup timed out")
	}
	return e
}

// pipeDialer hands out one end of an in-memory pipe per dial and keeps the
// other end for the test. Dials block until release is closed, when set.
type pipeDialer struct {
	mu      sync.Mutex
	release chan struct{}
	peers   chan net.Conn
	locals  []*net.TCPAddr
	remotes []string
}

func newPipeDialer(gated bool) *pipeDialer {
	d := &pipeDialer{peers: make(chan net.Conn, 8)}
	if gated {
		d.release = make(chan struct{})
	}
	return d
}

func (d *pipeDialer) Dial(ctx context.Context, local *net.TCPAddr, remote string) (net.Conn, error) {
	d.mu.Lock()
	d.locals = append(d.locals, local)
	d.remotes = append(d.remotes, remote)
	d.mu.Unlock()

	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	ours, theirs := net.Pipe()
	d.peers <- theirs
	return ours, nil
}

func (d *pipeDialer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.remotes)
}

func (d *pipeDialer) peer(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-d.peers:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(waitTimeout):
		t.Fatal("no connection dialed")
		return nil
	}
}

func TestNewRejectsRelayRole(t *testing.T) {
	if _, err := New(testConfig(config.RoleRelay), newFakeLink()); err == nil {
		t.Fatal("relay role accepted by endpoint")
	}
}

func TestRunReturnsWhenLinkCloses(t *testing.T) {
	link := newFakeLink()
	e, err := New(testConfig(config.RoleSTA), link)
	if err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() { errc <- e.Run(context.Background()) }()

	close(link.done)
	select {
	case err := <-errc:
		if !errors.Is(err, ErrLinkClosed) {
			t.Fatalf("Run returned %v, want ErrLinkClosed", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
	}
}

func TestHelloAndLogFrames(t *testing.T) {
	cfg := testConfig(config.RoleSTA)
	cfg.Bridge.HelloInterval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Bridge.LogFrames = true

	link := newFakeLink()
	startEndpoint(t, cfg, link, WithDialer(newPipeDialer(false)))

	sawHello, sawLog := false, false
	link.in <- protocol.Frame{Type: protocol.TypeTCPOpen, ConnID: 7060, AuxPort: 7060}

	deadline := time.After(waitTimeout)
	for !sawHello || !sawLog {
		select {
		case f := <-link.out:
			switch f.Type {
			case protocol.TypeHello:
				sawHello = string(f.Payload) == "STA"
			case protocol.TypeLog:
				sawLog = true
			}
		case <-deadline:
			t.Fatalf("hello=%v log=%v", sawHello, sawLog)
		}
	}
}

// End to end: controller -> AP -> serial pipe -> STA -> peer, and back.
func TestEndToEndTCP(t *testing.T) {
	peerLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer peerLn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, b := net.Pipe()
	apLink := transport.New(ctx, a)
	staLink := transport.New(ctx, b)

	ap := startEndpoint(t, testConfig(config.RoleAP), apLink)
	startEndpoint(t, testConfig(config.RoleSTA), staLink, WithDialer(redirectDialer{peerLn.Addr().String()}))

	go func() {
		c, err := peerLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()

	ctrl, err := net.Dial("tcp", ap.TCPAddrs()[0].String())
	if err != nil {
		t.Fatal(err)
	}
	defer ctrl.Close()

	msg := []byte("takeoff")
	if _, err := ctrl.Write(msg); err != nil {
		t.Fatal(err)
	}
	ctrl.SetReadDeadline(time.Now().Add(waitTimeout))
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(ctrl, got); err != nil {
		t.Fatalf("echo read: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("echo = %q, want %q", got, msg)
	}
}

// redirectDialer sends every connection to a fixed address.
type redirectDialer struct{ addr string }

func (r redirectDialer) Dial(ctx context.Context, _ *net.TCPAddr, _ string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", r.addr)
}
