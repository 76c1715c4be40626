// Package protocol defines the serial frame format shared by both radio
// endpoints and the streaming decoder that recovers frames from a byte stream.
package protocol

import "fmt"

// Type identifies the kind of frame.
type Type uint8

// Frame type constants.
const (
	TypeHello Type = 0x01 // periodic role announcement ("AP" / "STA")
	TypeUDP   Type = 0x02 // one datagram
	TypeLog   Type = 0x03 // human-readable event line

	TypeTCPOpen     Type = 0x10 // open (or re-assert) a TCP session
	TypeTCPOpenOK   Type = 0x11 // upstream connection established
	TypeTCPOpenFail Type = 0x12 // upstream connect attempt failed
	TypeTCPData     Type = 0x13 // TCP stream bytes
	TypeTCPClose    Type = 0x14 // session closed
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeUDP:
		return "UDP"
	case TypeLog:
		return "LOG"
	case TypeTCPOpen:
		return "TCP_OPEN"
	case TypeTCPOpenOK:
		return "TCP_OPEN_OK"
	case TypeTCPOpenFail:
		return "TCP_OPEN_FAIL"
	case TypeTCPData:
		return "TCP_DATA"
	case TypeTCPClose:
		return "TCP_CLOSE"
	default:
		return fmt.Sprintf("0x%02x", uint8(t))
	}
}

// Wire constants.
const (
	Magic0  byte = 0xD0
	Magic1  byte = 0xB0
	Version byte = 0x01

	PreambleSize = 4 // magic[2] + inner_len
	HeaderSize   = 8 // version(1) + type(1) + conn_id(2) + aux_port(2) + paylen(2)
	ChecksumSize = 2

	// MinInnerLen is the inner length of a frame with an empty payload.
	MinInnerLen = HeaderSize + ChecksumSize
	// MaxInnerLen bounds [version..checksum]; larger lengths are treated as corruption.
	MaxInnerLen = 4096
	// MaxPayloadSize is the largest payload a single frame can carry.
	MaxPayloadSize = MaxInnerLen - HeaderSize - ChecksumSize
)

// Frame is one decoded, checksum-verified unit of the serial protocol.
// It refers to sessions and flows only by identifier.
type Frame struct {
	Type    Type
	ConnID  uint16
	AuxPort uint16
	Payload []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("%s conn=%d port=%d len=%d", f.Type, f.ConnID, f.AuxPort, len(f.Payload))
}
