package chunk

import (
	"encoding/binary"
	"io"

	"github.com/janelia-flyem/ngsource/labels"
	"github.com/janelia-flyem/ngsource/multiscale"
	"github.com/janelia-flyem/ngsource/vox"
)

// StreamBlock is one record of a DVID block stream as returned by the "blocks" and
// "subvolblocks" endpoints.  Coord is in block coordinates.
type StreamBlock struct {
	Coord vox.Point3d
	Data  []byte
}

// ReadBlockStream splits a block stream into its records.  Each record is
//
//      3 * int32   block coordinate
//      int32       # bytes N of block data
//      N bytes     block data in the requested compression
//
// All integers are little-endian.  Unset blocks are absent from the stream.
func ReadBlockStream(data []byte) ([]StreamBlock, error) {
	var blocks []StreamBlock
	pos := 0
	for pos < len(data) {
		if len(data)-pos < 16 {
			return nil, vox.NewError(vox.MalformedPayload, "block stream", "", "record header at byte %d truncated", pos)
		}
		var b StreamBlock
		for i := 0; i < 3; i++ {
			b.Coord[i] = int32(binary.LittleEndian.Uint32(data[pos+4*i:]))
		}
		n := int32(binary.LittleEndian.Uint32(data[pos+12:]))
		pos += 16
		if n < 0 || int(n) > len(data)-pos {
			return nil, vox.NewError(vox.MalformedPayload, "block stream", b.Coord.String(),
				"block of %d bytes at byte %d overruns %d byte stream", n, pos, len(data))
		}
		b.Data = data[pos : pos+int(n)]
		pos += int(n)
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// WriteBlockStream writes blocks in the format read by ReadBlockStream.
func WriteBlockStream(w io.Writer, blocks []StreamBlock) error {
	var hdr [16]byte
	for _, b := range blocks {
		for i := 0; i < 3; i++ {
			binary.LittleEndian.PutUint32(hdr[4*i:], uint32(b.Coord[i]))
		}
		binary.LittleEndian.PutUint32(hdr[12:], uint32(len(b.Data)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := w.Write(b.Data); err != nil {
			return err
		}
	}
	return nil
}

// blockOffset returns where a block's first voxel lands in the chunk buffer.
func blockOffset(coord vox.Point3d, edge int32, req multiscale.ChunkRequest) vox.Point3d {
	return coord.Mult(vox.Point3d{edge, edge, edge}).Sub(req.Corner)
}

func decodeLabelBlocks(p Params, req multiscale.ChunkRequest, data []byte) (*VoxelBuffer, error) {
	records, err := ReadBlockStream(data)
	if err != nil {
		return nil, err
	}
	buf := NewVoxelBuffer(vox.T_uint64, 1, req.Size)
	for _, rec := range records {
		raw, err := Uncompress(rec.Data, Gzip, 0)
		if err != nil {
			return nil, err
		}
		var block labels.Block
		if err := block.UnmarshalBinary(raw); err != nil {
			return nil, err
		}
		lbls, size := block.MakeLabelVolume()
		blockBuf := NewVoxelBuffer(vox.T_uint64, 1, size)
		if err := blockBuf.SetLabels(lbls); err != nil {
			return nil, err
		}
		if err := buf.CopyFrom(blockBuf, blockOffset(rec.Coord, p.BlockEdge, req)); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func decodeJPEGBlocks(p Params, req multiscale.ChunkRequest, data []byte) (*VoxelBuffer, error) {
	records, err := ReadBlockStream(data)
	if err != nil {
		return nil, err
	}
	buf := NewVoxelBuffer(p.DataType, p.NumChannels, req.Size)
	edge := p.BlockEdge
	for _, rec := range records {
		blockBuf := NewVoxelBuffer(p.DataType, p.NumChannels, vox.Point3d{edge, edge, edge})
		if err := decodeJPEGInto(blockBuf, rec.Data); err != nil {
			return nil, err
		}
		if err := buf.CopyFrom(blockBuf, blockOffset(rec.Coord, edge, req)); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
