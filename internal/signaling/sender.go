package signaling

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/apbridge/internal/link"
)

// sender writes this relay's half of the negotiation. Candidates are
// gathered on pion's goroutines while the receiver may be answering, so
// every write goes through one mutex.
type sender struct {
	conn *link.Conn
	ws   *websocket.Conn
	mu   sync.Mutex
}

func (s *sender) send(msg message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteJSON(msg)
}

// describe applies a freshly created description locally, then ships it.
func (s *sender) describe(typ msgType, create func() (webrtc.SessionDescription, error)) error {
	desc, err := create()
	if err != nil {
		return fmt.Errorf("create %s: %w", typ, err)
	}
	if err := s.conn.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("apply local %s: %w", typ, err)
	}
	return s.send(message{Type: typ, SDP: desc.SDP})
}

// sendOffer opens the negotiation; only the host relay calls it.
func (s *sender) sendOffer() error {
	return s.describe(msgTypeOffer, s.conn.CreateOffer)
}

// sendAnswer replies to the host relay's offer.
func (s *sender) sendAnswer() error {
	return s.describe(msgTypeAnswer, s.conn.CreateAnswer)
}

// sendCandidate trickles one local ICE candidate to the other relay.
func (s *sender) sendCandidate(c *webrtc.ICECandidate) error {
	data, err := json.Marshal(c.ToJSON())
	if err != nil {
		return err
	}
	return s.send(message{Type: msgTypeCandidate, Candidate: string(data)})
}
