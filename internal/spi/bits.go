package spi

func byteCount(bits int) int {
	return (bits + 7) / 8
}

// EncodeBits packs count levels LSB-first into ceil(count/8) bytes.
// Missing levels are encoded as false, surplus levels are ignored.
func EncodeBits(levels []bool, count int) []byte {
	buf := make([]byte, byteCount(count))
	for i := 0; i < count && i < len(levels); i++ {
		if levels[i] {
			buf[i/8] |= 1 << (i % 8)
		}
	}
	return buf
}

// DecodeBits unpacks count LSB-first bits from buf.
// buf must hold at least ceil(count/8) bytes.
func DecodeBits(buf []byte, count int) []bool {
	out := make([]bool, count)
	for i := range out {
		out[i] = buf[i/8]&(1<<(i%8)) != 0
	}
	return out
}
