package protocol

// TCPSessionID returns the (ConnID, AuxPort) pair for a TCP session. Both
// carry the controller-facing well-known listening port, never the
// controller's ephemeral source port, so reconnects keep the same identity.
func TCPSessionID(listenPort uint16) (connID, auxPort uint16) {
	return listenPort, listenPort
}

// UDPFlowID names a mirrored datagram flow. Controller is the port on the
// controller side (its source port outbound, its destination port on
// replies); Peer is the port used on the real network.
type UDPFlowID struct {
	Controller uint16
	Peer       uint16
}

// Frame wraps payload into a UDP frame addressed to this flow.
func (id UDPFlowID) Frame(payload []byte) Frame {
	return Frame{Type: TypeUDP, ConnID: id.Controller, AuxPort: id.Peer, Payload: payload}
}

// UDPFlowFromFrame reads the flow identity out of a UDP frame.
func UDPFlowFromFrame(f Frame) UDPFlowID {
	return UDPFlowID{Controller: f.ConnID, Peer: f.AuxPort}
}
