/*
	Package chunk decodes the binary payload of one volume chunk into a typed voxel
	buffer.  Each chunk source is described by a Params value whose Encoding selects the
	decoder; decoders are looked up once in a Registry when the source is built.
*/
package chunk

import (
	"fmt"
	"strings"

	"github.com/janelia-flyem/ngsource/vox"
)

// Encoding is the wire encoding of a chunk payload.
type Encoding uint8

const (
	UnknownEncoding Encoding = iota

	// Raw is an uncompressed little-endian voxel array, x fastest, possibly wrapped by
	// a content Compression.
	Raw

	// JPEG is a single grayscale or RGB JPEG image of width size[0] and height
	// size[1] * size[2].
	JPEG

	// CompressedSegmentation is the neuroglancer compressed segmentation format,
	// possibly gzip wrapped.
	CompressedSegmentation

	// LabelBlocks is a DVID block stream of gzip-compressed label blocks.
	LabelBlocks

	// JPEGBlocks is a DVID block stream of JPEG-compressed image blocks.
	JPEGBlocks
)

var encodingNames = map[Encoding]string{
	Raw:                    "raw",
	JPEG:                   "jpeg",
	CompressedSegmentation: "compressed_segmentation",
	LabelBlocks:            "label_blocks",
	JPEGBlocks:             "jpeg_blocks",
}

func (e Encoding) String() string {
	if name, found := encodingNames[e]; found {
		return name
	}
	return fmt.Sprintf("encoding %d", uint8(e))
}

// ParseEncoding returns the Encoding for a name as used in precomputed info files.
// Unknown names are UnsupportedEncoding errors.
func ParseEncoding(s string) (Encoding, error) {
	lower := strings.ToLower(s)
	for e, name := range encodingNames {
		if name == lower {
			return e, nil
		}
	}
	return UnknownEncoding, vox.NewError(vox.UnsupportedEncoding, "encoding", s, "no decoder for this encoding")
}

// Compression is a content compression wrapped around a Raw payload.
type Compression uint8

const (
	// Uncompressed payloads may still arrive gzip or zstd compressed; those are
	// recognized by their magic bytes.
	Uncompressed Compression = iota
	Gzip
	Zstd
	Snappy

	// LZ4 is a bare LZ4 block with no size header, as sent by DVID.  The uncompressed
	// size is implied by the chunk size.
	LZ4
)

func (c Compression) String() string {
	switch c {
	case Uncompressed:
		return "none"
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression %d", uint8(c))
	}
}

// Params is the encoding-specific description of a chunk source's payloads.  Only the
// fields relevant to the Encoding are used.
type Params struct {
	Encoding    Encoding
	DataType    vox.DataType
	NumChannels int

	// Raw
	Compression Compression

	// CompressedSegmentation compression block size.
	BlockSize vox.Point3d

	// LabelBlocks and JPEGBlocks edge length of the server's blocks.
	BlockEdge int32
}

func (p Params) String() string {
	s := fmt.Sprintf("%s %s x %d", p.Encoding, p.DataType, p.channels())
	switch p.Encoding {
	case Raw:
		if p.Compression != Uncompressed {
			s += " (" + p.Compression.String() + ")"
		}
	case CompressedSegmentation:
		s += " block " + p.BlockSize.String()
	case LabelBlocks, JPEGBlocks:
		s += fmt.Sprintf(" block edge %d", p.BlockEdge)
	}
	return s
}

func (p Params) channels() int {
	if p.NumChannels <= 0 {
		return 1
	}
	return p.NumChannels
}

// Validate checks that the parameters are usable for the encoding.
func (p Params) Validate() error {
	if p.NumChannels < 0 {
		return fmt.Errorf("bad number of channels %d", p.NumChannels)
	}
	unsupported := func(format string, args ...interface{}) error {
		return vox.NewError(vox.UnsupportedEncoding, "encoding", p.Encoding.String(), format, args...)
	}
	switch p.Encoding {
	case Raw:
		if p.DataType.Bytes() == 0 {
			return unsupported("unknown data type %s", p.DataType)
		}
		if p.Compression > LZ4 {
			return unsupported("unknown content compression %s", p.Compression)
		}
	case JPEG, JPEGBlocks:
		if p.DataType != vox.T_uint8 {
			return unsupported("requires uint8 data, not %s", p.DataType)
		}
		if n := p.channels(); n != 1 && n != 3 {
			return unsupported("requires 1 or 3 channels, not %d", n)
		}
		if p.Encoding == JPEGBlocks && p.BlockEdge <= 0 {
			return fmt.Errorf("block edge must be positive, got %d", p.BlockEdge)
		}
	case CompressedSegmentation:
		if p.DataType != vox.T_uint32 && p.DataType != vox.T_uint64 {
			return unsupported("requires uint32 or uint64 data, not %s", p.DataType)
		}
		for i := 0; i < 3; i++ {
			if p.BlockSize[i] <= 0 {
				return fmt.Errorf("compressed segmentation block size must be positive, got %s", p.BlockSize)
			}
		}
	case LabelBlocks:
		if p.DataType != vox.T_uint64 {
			return unsupported("requires uint64 data, not %s", p.DataType)
		}
		if p.channels() != 1 {
			return unsupported("requires 1 channel, not %d", p.NumChannels)
		}
		if p.BlockEdge <= 0 || p.BlockEdge%8 != 0 {
			return fmt.Errorf("label block edge must be a positive multiple of 8, got %d", p.BlockEdge)
		}
	default:
		return unsupported("no decoder for this encoding")
	}
	return nil
}
