package signaling

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/apbridge/internal/util"
)

// relayServer is the WebSocket endpoint the host relay exposes while it waits
// for the other relay to pair. It hands over exactly one connection, the
// first one presenting the PIN, and refuses the rest.
type relayServer struct {
	pin      string
	upgrader websocket.Upgrader
	srv      *http.Server
	paired   chan *websocket.Conn
	taken    atomic.Bool
}

func newServer(pin string) *relayServer {
	s := &relayServer{
		pin: pin,
		// The other relay dials from a CLI, not a browser; there is no Origin to check.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		paired:   make(chan *websocket.Conn, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.pair)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// start listens on addr and serves in the background. It returns the bound
// port, which is what the user forwards to the other host.
func (s *relayServer) start(addr string) (int, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start signaling server on %s: %w", addr, err)
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogDebug("signaling server stopped: %v", err)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func (s *relayServer) pair(w http.ResponseWriter, r *http.Request) {
	if subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("pin")), []byte(s.pin)) != 1 {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if !s.taken.CompareAndSwap(false, true) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "relay already paired"))
		conn.Close()
		return
	}
	s.paired <- conn
}

// waitForClient blocks until the other relay has paired or ctx ends.
func (s *relayServer) waitForClient(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-s.paired:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// close stops accepting; an already paired connection stays open.
func (s *relayServer) close() {
	s.srv.Close()
}

// connect dials the host relay's signaling URL.
func connect(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to reach host relay at %s: %w", url, err)
	}
	return conn, nil
}

// generatePIN returns length random decimal digits.
func generatePIN(length int) string {
	digits := make([]byte, length)
	ten := big.NewInt(10)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, ten)
		digits[i] = '0' + byte(n.Int64())
	}
	return string(digits)
}
