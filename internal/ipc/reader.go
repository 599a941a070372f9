package ipc

import (
	"encoding/binary"
	"fmt"
)

// reader decodes little-endian fields and remembers the first error, so a
// decoder can read a whole record and check once.
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.buf) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMessageTooShort, n, r.pos, len(r.buf)-r.pos)
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) bytes(n int) []byte {
	return r.take(n)
}

func (r *reader) str() string {
	n := int(r.u8())
	return string(r.take(n))
}

// appendString writes a u8 length prefix; longer strings are cut at 255 bytes.
func appendString(buf []byte, s string) []byte {
	if len(s) > 0xFF {
		s = s[:0xFF]
	}
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}
