package protocol

// CRCInit is the initial value of the frame checksum.
const CRCInit uint16 = 0xFFFF

const crcPoly uint16 = 0x1021

var crcTable = makeCRCTable()

func makeCRCTable() (t [256]uint16) {
	for i := range t {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crcPoly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}

// UpdateCRC folds p into a running CRC-16/CCITT-FALSE (poly 0x1021, no
// reflection, no final xor). Start from CRCInit; the header and payload can
// be folded in separate calls.
func UpdateCRC(crc uint16, p []byte) uint16 {
	for _, b := range p {
		crc = crc<<8 ^ crcTable[byte(crc>>8)^b]
	}
	return crc
}

// Checksum returns the CRC of p starting from CRCInit.
func Checksum(p []byte) uint16 {
	return UpdateCRC(CRCInit, p)
}
