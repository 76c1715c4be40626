package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/1ureka/apbridge/internal/protocol"
	"github.com/google/go-cmp/cmp"
)

func recvFrame(t *testing.T, tr *Transport) protocol.Frame {
	t.Helper()
	select {
	case f := <-tr.Frames():
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
		return protocol.Frame{}
	}
}

func TestTransportRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := net.Pipe()
	ta := New(ctx, a)
	tb := New(ctx, b)
	defer ta.Close()
	defer tb.Close()

	want := []protocol.Frame{
		{Type: protocol.TypeHello, Payload: []byte("AP")},
		{Type: protocol.TypeTCPOpen, ConnID: 7060, AuxPort: 7060},
		{Type: protocol.TypeTCPData, ConnID: 7060, AuxPort: 7060, Payload: make([]byte, protocol.MaxPayloadSize)},
		{Type: protocol.TypeUDP, ConnID: 6000, AuxPort: 40000, Payload: []byte{1, 2, 3}},
	}
	for _, f := range want {
		ta.Send(f)
	}
	for i, w := range want {
		got := recvFrame(t, tb)
		if diff := cmp.Diff(w, got); diff != "" {
			t.Fatalf("frame %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestTransportSkipsLineNoise(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := net.Pipe()
	tb := New(ctx, b)
	defer tb.Close()
	defer a.Close()

	frame, err := protocol.Encode(protocol.Frame{Type: protocol.TypeLog, Payload: []byte("hello")})
	if err != nil {
		t.Fatal(err)
	}
	corrupt := append([]byte(nil), frame...)
	corrupt[len(corrupt)-1] ^= 0xFF

	go func() {
		a.Write([]byte{0x00, 0x13, 0xD0, 0x42})
		a.Write(corrupt)
		a.Write(frame[:5])
		a.Write(frame[5:])
	}()

	got := recvFrame(t, tb)
	if string(got.Payload) != "hello" || got.Type != protocol.TypeLog {
		t.Fatalf("unexpected frame: %s", got)
	}

	deadline := time.Now().Add(time.Second)
	for tb.DecoderStats().ChecksumErrors == 0 {
		if time.Now().After(deadline) {
			t.Fatal("checksum error was not counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTransportDoneOnPeerClose(t *testing.T) {
	a, b := net.Pipe()
	tb := New(context.Background(), b)

	a.Close()

	select {
	case <-tb.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not shut down after the stream closed")
	}
}
