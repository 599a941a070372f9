package spi

const checksumSeed = 0x39

// Checksum computes the XRC of a byte range: a running XOR seeded with 0x39.
func Checksum(data []byte) byte {
	xrc := byte(checksumSeed)
	for _, b := range data {
		xrc ^= b
	}
	return xrc
}
