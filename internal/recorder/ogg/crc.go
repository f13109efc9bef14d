package ogg

// Ogg uses a direct (non-reflected) CRC-32 with polynomial 0x04c11db7,
// zero initial value, and no final XOR. The stdlib hash/crc32 only provides
// reflected variants, so the table is built here.

var crcTable = makeCRCTable()

func makeCRCTable() [256]uint32 {
	const poly = 0x04c11db7
	var t [256]uint32
	for i := range t {
		r := uint32(i) << 24
		for range 8 {
			if r&0x80000000 != 0 {
				r = (r << 1) ^ poly
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}

// crcUpdate folds data into the running checksum.
func crcUpdate(crc uint32, data []byte) uint32 {
	for _, b := range data {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}
