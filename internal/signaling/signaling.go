// Package signaling pairs two relay hosts over a short-lived WebSocket and
// hands back a ready link.Conn. SDP and ICE details stay internal.
package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/apbridge/internal/link"
	"github.com/1ureka/apbridge/internal/util"
)

const (
	pinLength = 6
	openGrace = 15 * time.Second // wait for the DataChannel once the peer hangs up
)

// HostOptions configures the host side of signaling.
type HostOptions struct {
	Addr string      // WS listen address; ":0" picks a random port
	PIN  string      // client must present this PIN; generated when empty
	Link link.Config // WebRTC settings for the resulting link

	// Announce is called once the WS server is listening so the user can
	// pass port and PIN to the other host. Defaults to a log line.
	Announce func(port int, pin string)
}

// EstablishAsHost starts a WS server, waits for the client, sends the offer
// and returns once the DataChannel is open. The WS server is closed before
// returning.
func EstablishAsHost(ctx context.Context, opts HostOptions) (*link.Conn, error) {
	if opts.Addr == "" {
		opts.Addr = ":0"
	}
	if opts.PIN == "" {
		opts.PIN = generatePIN(pinLength)
	}
	if opts.Announce == nil {
		opts.Announce = func(port int, pin string) {
			util.LogInfo("signaling server on port %d, PIN %s; waiting for client...", port, pin)
		}
	}

	srv := newServer(opts.PIN)
	port, err := srv.start(opts.Addr)
	if err != nil {
		return nil, err
	}
	defer srv.close()
	opts.Announce(port, opts.PIN)

	ws, err := srv.waitForClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for client: %w", err)
	}
	defer ws.Close()
	util.LogInfo("signaling client connected")

	return negotiate(ctx, ws, opts.Link, true)
}

// EstablishAsClient dials the host's WS URL (including ?pin=) and answers
// its offer, returning once the DataChannel is open.
func EstablishAsClient(ctx context.Context, wsURL string, cfg link.Config) (*link.Conn, error) {
	ws, err := connect(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	defer ws.Close()
	util.LogInfo("signaling connected: %s", wsURL)

	return negotiate(ctx, ws, cfg, false)
}

// negotiate runs the SDP/ICE exchange over ws. The offerer side sends the
// offer; the other side answers from within the receiver.
func negotiate(ctx context.Context, ws *websocket.Conn, cfg link.Config, offerer bool) (*link.Conn, error) {
	conn, err := link.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create link: %w", err)
	}

	s := &sender{conn: conn, ws: ws}
	r := &receiver{conn: conn, ws: ws, sender: s}

	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := s.sendCandidate(c); err != nil {
			util.LogDebug("signaling: candidate not sent: %v", err)
		}
	})

	// watch exits when ws is closed by the caller's defer.
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch()
	}()

	if offerer {
		if err := s.sendOffer(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to send offer: %w", err)
		}
	}

	var grace <-chan time.Time
	for {
		select {
		case <-conn.Ready():
			util.LogSuccess("WebRTC DataChannel established, closing signaling")
			return conn, nil
		case err := <-errCh:
			if err != nil {
				conn.Close()
				return nil, fmt.Errorf("signaling failed: %w", err)
			}
			// Descriptions are exchanged; the channel can still open.
			util.LogDebug("signaling peer hung up, waiting for the DataChannel")
			errCh = nil
			grace = time.After(openGrace)
		case <-grace:
			conn.Close()
			return nil, fmt.Errorf("signaling failed: DataChannel not open %s after the peer hung up", openGrace)
		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		}
	}
}
