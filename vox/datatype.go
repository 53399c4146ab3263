/*
   This file handles the element types of voxel data and how they are named on the wire.
*/

package vox

import (
	"encoding/json"
	"strings"
)

// DataType identifies the type of a single voxel value, e.g., a uint8 or a float32.
type DataType uint8

const (
	T_uint8 DataType = iota
	T_int8
	T_uint16
	T_int16
	T_uint32
	T_int32
	T_uint64
	T_int64
	T_float32
	T_float64
)

var typeBytes = map[DataType]int{
	T_uint8:   1,
	T_int8:    1,
	T_uint16:  2,
	T_int16:   2,
	T_uint32:  4,
	T_int32:   4,
	T_uint64:  8,
	T_int64:   8,
	T_float32: 4,
	T_float64: 8,
}

var typeNames = map[DataType]string{
	T_uint8:   "uint8",
	T_int8:    "int8",
	T_uint16:  "uint16",
	T_int16:   "int16",
	T_uint32:  "uint32",
	T_int32:   "int32",
	T_uint64:  "uint64",
	T_int64:   "int64",
	T_float32: "float32",
	T_float64: "float64",
}

// Bytes returns the # of bytes for one value of the type.
func (t DataType) Bytes() int {
	return typeBytes[t]
}

func (t DataType) String() string {
	if name, found := typeNames[t]; found {
		return name
	}
	return "unknown"
}

// ParseDataType converts a name like "uint64" (case insensitive) into a DataType.
func ParseDataType(s string) (DataType, error) {
	lower := strings.ToLower(s)
	for t, name := range typeNames {
		if name == lower {
			return t, nil
		}
	}
	return 0, NewError(ParseError, "data type", s, "unknown data type")
}

func (t DataType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *DataType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return WrapError(ParseError, "data type", err)
	}
	parsed, err := ParseDataType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
