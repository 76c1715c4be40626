package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/apbridge/internal/link"
)

// receiver applies incoming signaling messages to the link.
type receiver struct {
	conn   *link.Conn
	ws     *websocket.Conn
	sender *sender

	// Candidates can overtake the description they belong to; hold them
	// until a remote description is set.
	haveRemote bool
	early      []webrtc.ICECandidateInit
}

// watch reads messages until the WebSocket closes. A close after the remote
// description was applied returns nil: the other relay may already have its
// DataChannel open and hang up while ICE finishes here.
func (r *receiver) watch() error {
	for {
		var msg message
		if err := r.ws.ReadJSON(&msg); err != nil {
			if r.haveRemote {
				return nil
			}
			return fmt.Errorf("failed to read WS message: %w", err)
		}

		switch msg.Type {
		case msgTypeOffer:
			if err := r.setRemote(webrtc.SDPTypeOffer, msg.SDP); err != nil {
				return err
			}
			if err := r.sender.sendAnswer(); err != nil {
				return err
			}

		case msgTypeAnswer:
			if err := r.setRemote(webrtc.SDPTypeAnswer, msg.SDP); err != nil {
				return err
			}

		case msgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return fmt.Errorf("failed to parse ICE candidate: %w", err)
			}
			if !r.haveRemote {
				r.early = append(r.early, init)
				continue
			}
			if err := r.conn.AddICECandidate(init); err != nil {
				return err
			}
		}
	}
}

func (r *receiver) setRemote(typ webrtc.SDPType, sdp string) error {
	if err := r.conn.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return err
	}
	r.haveRemote = true
	for _, c := range r.early {
		if err := r.conn.AddICECandidate(c); err != nil {
			return err
		}
	}
	r.early = nil
	return nil
}
