package signaling

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/apbridge/internal/link"
	"github.com/1ureka/apbridge/internal/util"
)

func TestMain(m *testing.M) {
	util.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func TestGeneratePIN(t *testing.T) {
	pin := generatePIN(6)
	if len(pin) != 6 {
		t.Fatalf("len = %d, want 6", len(pin))
	}
	if strings.Trim(pin, "0123456789") != "" {
		t.Fatalf("PIN %q has non-digits", pin)
	}
}

func TestServerRejectsWrongPIN(t *testing.T) {
	srv := newServer("123456")
	port, err := srv.start("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer srv.close()

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws?pin=000000", port)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial with wrong PIN succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v, want 401", resp)
	}
}

func TestServerAcceptsOneClient(t *testing.T) {
	srv := newServer("42")
	port, err := srv.start("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer srv.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws?pin=42", port)
	first, err := connect(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	got, err := srv.waitForClient(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer got.Close()

	second, err := connect(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := second.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("second client: err = %v, want policy violation close", err)
	}
}

// wsPair returns both ends of a signaling WebSocket.
func wsPair(t *testing.T) (host, client *websocket.Conn) {
	t.Helper()
	srv := newServer("1")
	port, err := srv.start("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err = connect(ctx, fmt.Sprintf("ws://127.0.0.1:%d/ws?pin=1", port))
	if err != nil {
		t.Fatal(err)
	}
	host, err = srv.waitForClient(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		host.Close()
		client.Close()
	})
	return host, client
}

func TestWatchHangupAfterDescription(t *testing.T) {
	tests := []struct {
		name       string
		haveRemote bool
		wantErr    bool
	}{
		{name: "before description", haveRemote: false, wantErr: true},
		{name: "after description", haveRemote: true, wantErr: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			host, client := wsPair(t)
			r := &receiver{ws: host, haveRemote: tc.haveRemote}

			errc := make(chan error, 1)
			go func() { errc <- r.watch() }()
			client.Close()

			select {
			case err := <-errc:
				if (err != nil) != tc.wantErr {
					t.Fatalf("watch() = %v, want error: %v", err, tc.wantErr)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("watch did not return after hang-up")
			}
		})
	}
}

func TestEstablishLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("establishes a real WebRTC session")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := link.Config{Loopback: true}
	announced := make(chan string, 1)
	type result struct {
		conn *link.Conn
		err  error
	}
	hostCh := make(chan result, 1)
	go func() {
		c, err := EstablishAsHost(ctx, HostOptions{
			Addr: "127.0.0.1:0",
			Link: cfg,
			Announce: func(port int, pin string) {
				announced <- fmt.Sprintf("ws://127.0.0.1:%d/ws?pin=%s", port, pin)
			},
		})
		hostCh <- result{c, err}
	}()

	var url string
	select {
	case url = <-announced:
	case <-ctx.Done():
		t.Fatal("host never announced")
	}

	client, err := EstablishAsClient(ctx, url, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	res := <-hostCh
	if res.err != nil {
		t.Fatal(res.err)
	}
	host := res.conn
	defer host.Close()

	if _, err := host.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q, want ping", buf)
	}
}
