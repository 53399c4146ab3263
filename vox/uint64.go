package vox

import (
	"strconv"
)

// ParseUint64 parses an unsigned 64-bit identifier written in the given radix,
// typically 10 or 16.  No sign or radix prefix is accepted.
func ParseUint64(text string, radix int) (uint64, error) {
	if radix < 2 || radix > 36 {
		return 0, NewError(ParseError, "radix", strconv.Itoa(radix), "radix must be within [2,36]")
	}
	id, err := strconv.ParseUint(text, radix, 64)
	if err != nil {
		return 0, &Error{Kind: ParseError, Field: "uint64", Value: text, Err: err}
	}
	return id, nil
}

// FormatUint64 writes the identifier in the given radix.  Hex output is lowercase.
func FormatUint64(id uint64, radix int) string {
	return strconv.FormatUint(id, radix)
}

// MaxMortonCode is the largest code DecodeMorton accepts.
const MaxMortonCode = 1<<32 - 1

// DecodeMorton de-interleaves the bits of a Morton code into x, y and z coordinates.
// Bit i of the code goes to axis i mod 3.  Codes above 32 bits are rejected.
func DecodeMorton(code uint64) (Point3d, error) {
	if code > MaxMortonCode {
		return Point3d{}, NewError(UnsupportedRange, "morton code", FormatUint64(code, 16),
			"codes of 2^32 or more are not supported")
	}
	var p Point3d
	for bit := uint(0); bit < 32; bit++ {
		if code&(1<<bit) != 0 {
			p[bit%3] |= 1 << (bit / 3)
		}
	}
	return p, nil
}

// EncodeMorton interleaves the low 21 bits of each non-negative coordinate into a
// Morton code.  It is the inverse of DecodeMorton for codes that fit in 32 bits.
func EncodeMorton(p Point3d) uint64 {
	var code uint64
	for i := uint(0); i < 21; i++ {
		for axis := uint(0); axis < 3; axis++ {
			if uint32(p[axis])&(1<<i) != 0 {
				code |= 1 << (3*i + axis)
			}
		}
	}
	return code
}
