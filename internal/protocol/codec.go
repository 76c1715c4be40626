package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrPayloadTooLarge is returned when a payload does not fit in one frame.
var ErrPayloadTooLarge = errors.New("protocol: payload too large")

// EncodedSize returns the on-wire size of a frame carrying n payload bytes.
func EncodedSize(n int) int {
	return PreambleSize + HeaderSize + n + ChecksumSize
}

// Encode serializes a Frame into a self-delimited byte slice for the serial link.
func Encode(f Frame) ([]byte, error) {
	return AppendFrame(make([]byte, 0, EncodedSize(len(f.Payload))), f)
}

// AppendFrame appends the encoded frame to dst and returns the extended slice.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return dst, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(f.Payload), MaxPayloadSize)
	}

	innerLen := uint16(HeaderSize + len(f.Payload) + ChecksumSize)

	dst = append(dst, Magic0, Magic1)
	dst = binary.LittleEndian.AppendUint16(dst, innerLen)

	start := len(dst)
	dst = append(dst, Version, byte(f.Type))
	dst = binary.LittleEndian.AppendUint16(dst, f.ConnID)
	dst = binary.LittleEndian.AppendUint16(dst, f.AuxPort)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(f.Payload)))
	dst = append(dst, f.Payload...)

	crc := UpdateCRC(CRCInit, dst[start:])
	return binary.LittleEndian.AppendUint16(dst, crc), nil
}

// parseFrame validates one complete candidate frame (preamble included) and
// returns it with a copied payload. The caller guarantees len(raw) equals
// PreambleSize + inner_len.
func parseFrame(raw []byte) (Frame, error) {
	inner := raw[PreambleSize:]
	if inner[0] != Version {
		return Frame{}, errBadVersion
	}
	paylen := int(binary.LittleEndian.Uint16(inner[6:8]))
	if paylen+HeaderSize+ChecksumSize != len(inner) {
		return Frame{}, errBadLength
	}

	body := inner[:HeaderSize+paylen]
	want := binary.LittleEndian.Uint16(inner[HeaderSize+paylen:])
	if UpdateCRC(CRCInit, body) != want {
		return Frame{}, errBadChecksum
	}

	f := Frame{
		Type:    Type(inner[1]),
		ConnID:  binary.LittleEndian.Uint16(inner[2:4]),
		AuxPort: binary.LittleEndian.Uint16(inner[4:6]),
	}
	if paylen > 0 {
		f.Payload = make([]byte, paylen)
		copy(f.Payload, inner[HeaderSize:HeaderSize+paylen])
	}
	return f, nil
}

var (
	errBadVersion  = errors.New("protocol: version mismatch")
	errBadLength   = errors.New("protocol: length mismatch")
	errBadChecksum = errors.New("protocol: checksum mismatch")
)
