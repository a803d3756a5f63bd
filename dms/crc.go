package dms

// crcTable CRC-16/ARC, reflected polynomial 0xa001
var crcTable [256]uint16

func init() {
	for i := range crcTable {
		c := uint16(i)
		for k := 0; k < 8; k++ {
			if c&1 != 0 {
				c = c>>1 ^ 0xa001
			} else {
				c >>= 1
			}
		}
		crcTable[i] = c
	}
}

// crc16 checksum used for the file header, track headers and packed track data
func crc16(b []byte) uint16 {
	var crc uint16
	for _, c := range b {
		crc = crcTable[byte(crc)^c] ^ crc>>8
	}
	return crc
}

// sum16 plain byte sum of unpacked track data
func sum16(b []byte) uint16 {
	var s uint16
	for _, c := range b {
		s += uint16(c)
	}
	return s
}
