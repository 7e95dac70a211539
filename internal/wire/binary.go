// Package wire implements the framewire binary control-frame codec: the
// big-endian integer primitives and the control-frame/descriptor layouts
// described in the protocol specification.
package wire

import "encoding/binary"

// PutUint16 writes v at buf[off:off+2], most significant byte first.
func PutUint16(buf []byte, off int, v uint16) {
	binary.BigEndian.PutUint16(buf[off:], v)
}

// Uint16 reads a big-endian uint16 from buf[off:off+2].
func Uint16(buf []byte, off int) uint16 {
	return binary.BigEndian.Uint16(buf[off:])
}

// PutInt32 writes v at buf[off:off+4], most significant byte first.
func PutInt32(buf []byte, off int, v int32) {
	binary.BigEndian.PutUint32(buf[off:], uint32(v))
}

// Int32 reads a big-endian, two's-complement int32 from buf[off:off+4].
func Int32(buf []byte, off int) int32 {
	return int32(binary.BigEndian.Uint32(buf[off:]))
}
