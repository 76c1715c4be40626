package link

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used for ICE candidate gathering. No TURN: the two
// relay hosts are expected to reach each other directly.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config selects how the PeerConnection gathers candidates.
type Config struct {
	STUNServers []string
	// Loopback also offers 127.0.0.1 candidates, for two relays on one host.
	Loopback bool
}

// DefaultConfig returns a Config using DefaultSTUNServers.
func DefaultConfig() Config {
	return Config{STUNServers: DefaultSTUNServers}
}

// newPeerConnection creates a PeerConnection for cfg.
func newPeerConnection(cfg Config) (*webrtc.PeerConnection, error) {
	var se webrtc.SettingEngine
	if cfg.Loopback {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	config := webrtc.Configuration{}
	if len(cfg.STUNServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: cfg.STUNServers}}
	}
	return api.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated, ordered DataChannel. Serial frames
// are split across messages at arbitrary points, so the byte stream must
// arrive in order. Negotiated mode (ID 0) lets both sides create the channel
// without waiting for OnDataChannel.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("serial", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
