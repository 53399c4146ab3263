package chunk

import (
	"bytes"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/janelia-flyem/ngsource/vox"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// zstd decoders are safe for concurrent DecodeAll calls.
var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

// IsGzip returns true if data starts with the gzip magic bytes.
func IsGzip(data []byte) bool {
	return bytes.HasPrefix(data, gzipMagic)
}

// IsZstd returns true if data starts with the zstd frame magic bytes.
func IsZstd(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}

// Gunzip decompresses a gzip payload.
func Gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, vox.WrapError(vox.MalformedPayload, "gzip", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, vox.WrapError(vox.MalformedPayload, "gzip", err)
	}
	return out, nil
}

// SniffUncompress removes a gzip or zstd content encoding that HTTP clients and blob
// stores may or may not have already removed.  Data that starts with the magic bytes
// but does not decompress is returned unchanged, since raw voxels can begin with them.
func SniffUncompress(data []byte) []byte {
	var out []byte
	var err error
	switch {
	case IsGzip(data):
		out, err = Gunzip(data)
	case IsZstd(data):
		out, err = unzstd(data)
	default:
		return data
	}
	if err != nil {
		vox.Debugf("payload of %d bytes starts with compression magic but is not compressed: %v\n", len(data), err)
		return data
	}
	return out
}

// Uncompress removes the content compression from a payload.  Uncompressed payloads
// go through SniffUncompress.  expectedBytes is only needed for LZ4.
func Uncompress(data []byte, c Compression, expectedBytes int64) ([]byte, error) {
	switch c {
	case Uncompressed:
		return SniffUncompress(data), nil
	case Gzip:
		if !IsGzip(data) {
			return data, nil
		}
		return Gunzip(data)
	case Zstd:
		return unzstd(data)
	case Snappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, vox.WrapError(vox.MalformedPayload, "snappy", err)
		}
		return out, nil
	case LZ4:
		if expectedBytes == 0 {
			return nil, nil
		}
		out := make([]byte, expectedBytes)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, vox.WrapError(vox.MalformedPayload, "lz4", err)
		}
		return out[:n], nil
	default:
		return nil, vox.NewError(vox.UnsupportedEncoding, "compression", c.String(), "unknown content compression")
	}
}

func unzstd(data []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, vox.WrapError(vox.MalformedPayload, "zstd", err)
	}
	return out, nil
}
