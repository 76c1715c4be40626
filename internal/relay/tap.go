package relay

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/1ureka/apbridge/internal/protocol"
	"github.com/1ureka/apbridge/internal/util"
)

const tapQueueSize = 256

// Sink receives frames seen by the tap.
type Sink func(dir Direction, f protocol.Frame)

// tap decodes a copy of one direction off the forwarding path.
type tap struct {
	queue   chan []byte
	skipped atomic.Int64
}

func newTap(ctx context.Context, dir Direction, sink Sink) *tap {
	t := &tap{queue: make(chan []byte, tapQueueSize)}
	go t.loop(ctx, dir, sink)
	return t
}

// offer never blocks; a full queue drops the chunk.
func (t *tap) offer(p []byte) {
	select {
	case t.queue <- append([]byte(nil), p...):
	default:
		t.skipped.Add(1)
	}
}

func (t *tap) loop(ctx context.Context, dir Direction, sink Sink) {
	dec := protocol.NewDecoder()
	for {
		select {
		case chunk := <-t.queue:
			for _, f := range dec.Write(chunk) {
				sink(dir, f)
			}
		case <-ctx.Done():
			return
		}
	}
}

// PrintOptions selects what PrintSink shows besides LOG lines.
type PrintOptions struct {
	Hello     bool     // HELLO frames, at debug level
	UDPFrames int      // first N UDP frames per direction
	TCPFrames int      // first N TCP_DATA frames per direction
	HeadBytes int      // payload bytes shown as hex for UDP and TCP_DATA
	Ports     []uint16 // only count frames whose aux port is listed; empty = all
}

// PrintSink logs LOG frames and, per opts, HELLO frames and the head of the
// first few data frames in each direction.
func PrintSink(opts PrintOptions) Sink {
	ports := make(map[uint16]bool, len(opts.Ports))
	for _, p := range opts.Ports {
		ports[p] = true
	}

	var mu sync.Mutex
	udpLeft := map[Direction]int{APToSTA: opts.UDPFrames, STAToAP: opts.UDPFrames}
	tcpLeft := map[Direction]int{APToSTA: opts.TCPFrames, STAToAP: opts.TCPFrames}

	// take reports whether one more frame of this kind may be shown.
	take := func(left map[Direction]int, dir Direction, f protocol.Frame) bool {
		if len(ports) > 0 && !ports[f.AuxPort] {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if left[dir] <= 0 {
			return false
		}
		left[dir]--
		return true
	}

	return func(dir Direction, f protocol.Frame) {
		switch f.Type {
		case protocol.TypeLog:
			txt := strings.TrimRight(string(f.Payload), "\r\n ")
			// Wi-Fi heartbeat lines would drown everything else.
			if strings.HasPrefix(txt, "wifi: hb") {
				return
			}
			util.LogInfo("[%s] LOG: %s", dir, txt)
		case protocol.TypeHello:
			if opts.Hello {
				util.LogDebug("[%s] HELLO: %s", dir, f.Payload)
			}
		case protocol.TypeUDP:
			if take(udpLeft, dir, f) {
				util.LogInfo("[%s] UDP conn=%d port=%d len=%d head=%s", dir, f.ConnID, f.AuxPort, len(f.Payload), hexHead(f.Payload, opts.HeadBytes))
			}
		case protocol.TypeTCPData:
			if take(tcpLeft, dir, f) {
				util.LogInfo("[%s] TCP_DATA conn=%d port=%d len=%d head=%s", dir, f.ConnID, f.AuxPort, len(f.Payload), hexHead(f.Payload, opts.HeadBytes))
			}
		}
	}
}

func hexHead(p []byte, n int) string {
	n = max(n, 0)
	if n < len(p) {
		p = p[:n]
	}
	return hex.EncodeToString(p)
}
