package util

import (
	"net"
	"testing"
)

func TestFormatBytesFixedWidth(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{100 * 1024, " 0.1 MiB"},
	}
	for _, tc := range testCases {
		got := formatBytes(tc.in)
		if got != tc.want {
			t.Errorf("formatBytes(%v) = %q, want %q", tc.in, got, tc.want)
		}
		if len(got) != 8 {
			t.Errorf("formatBytes(%v) has width %d, want 8", tc.in, len(got))
		}
	}
}

func TestPortOf(t *testing.T) {
	if got := PortOf(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}); got != 40000 {
		t.Errorf("PortOf(udp) = %d, want 40000", got)
	}
	if got := PortOf(&net.TCPAddr{Port: 7060}); got != 7060 {
		t.Errorf("PortOf(tcp) = %d, want 7060", got)
	}
	if got := PortOf(&net.UnixAddr{Name: "x"}); got != 0 {
		t.Errorf("PortOf(unix) = %d, want 0", got)
	}
	if ip := IPOf(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2)}); !ip.Equal(net.IPv4(10, 0, 0, 2)) {
		t.Errorf("IPOf = %v", ip)
	}
}
