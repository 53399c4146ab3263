package vox

import (
	"encoding/binary"
	"math"
	"strconv"
)

// Uint32From64 reads a little-endian 64-bit count at the start of b whose upper 32 bits
// must be zero.  A nonzero upper word is reported with the given error kind.
func Uint32From64(b []byte, field string, kind ErrorKind) (uint32, error) {
	if len(b) < 8 {
		return 0, NewError(MalformedPayload, field, "", "need 8 bytes, have %d", len(b))
	}
	v := binary.LittleEndian.Uint64(b)
	if v>>32 != 0 {
		return 0, NewError(kind, field, strconv.FormatUint(v, 10), "value exceeds 2^32-1")
	}
	return uint32(v), nil
}

// Float32sFromBytes decodes little-endian float32 values, independent of host byte order.
func Float32sFromBytes(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// Uint32sFromBytes decodes little-endian uint32 values.
func Uint32sFromBytes(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}

// Uint64sFromBytes decodes little-endian uint64 values.
func Uint64sFromBytes(b []byte) []uint64 {
	out := make([]uint64, len(b)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return out
}

// BytesFromFloat32s encodes float32 values in little-endian order.
func BytesFromFloat32s(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// BytesFromUint32s encodes uint32 values in little-endian order.
func BytesFromUint32s(v []uint32) []byte {
	out := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[i*4:], x)
	}
	return out
}

// BytesFromUint64s encodes uint64 values in little-endian order.
func BytesFromUint64s(v []uint64) []byte {
	out := make([]byte, len(v)*8)
	for i, x := range v {
		binary.LittleEndian.PutUint64(out[i*8:], x)
	}
	return out
}
