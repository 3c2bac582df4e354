package itemstore

// PatternSize is the length of the cyclic filler block.
const PatternSize = 1024

var pattern [PatternSize]byte

func init() {
	for i := range pattern {
		pattern[i] = 'A' + byte(i%26)
	}
}

// PatternAt returns the filler byte at payload offset i.
func PatternAt(i int) byte {
	return pattern[i%PatternSize]
}

// Fill writes the filler pattern over dst, one 1024-byte block at a time.
func Fill(dst []byte) {
	for off := 0; off < len(dst); off += PatternSize {
		copy(dst[off:], pattern[:])
	}
}
