package chunk

import (
	"fmt"
	"io"
	"strings"

	"github.com/janelia-flyem/ngsource/labels"
	"github.com/janelia-flyem/ngsource/vox"
)

// ExportFormat is the file format used when saving a fetched chunk.
type ExportFormat uint8

const (
	// ExportRaw writes the buffer's little-endian voxel data.
	ExportRaw ExportFormat = iota

	// ExportLabelBlock writes a gzipped DVID label block, as stored by labelmap instances.
	ExportLabelBlock

	// ExportCompressedSegmentation writes neuroglancer compressed segmentation with
	// 64-bit labels and 8x8x8 compression blocks.
	ExportCompressedSegmentation
)

var exportNames = map[ExportFormat]string{
	ExportRaw:                    "raw",
	ExportLabelBlock:             "labelblock",
	ExportCompressedSegmentation: "compressed_segmentation",
}

func (f ExportFormat) String() string {
	if name, found := exportNames[f]; found {
		return name
	}
	return fmt.Sprintf("export format %d", uint8(f))
}

// ParseExportFormat returns the format with the given name.
func ParseExportFormat(s string) (ExportFormat, error) {
	for f, name := range exportNames {
		if strings.EqualFold(s, name) {
			return f, nil
		}
	}
	return ExportRaw, fmt.Errorf("unknown export format %q", s)
}

// LabelBlock packs a single-channel uint32 or uint64 buffer into a DVID label block.
// The block is padded with label 0 to the next multiple of 8 voxels along each axis.
func (b *VoxelBuffer) LabelBlock() (*labels.Block, error) {
	if b.NumChannels != 1 || (b.DataType != vox.T_uint32 && b.DataType != vox.T_uint64) {
		return nil, fmt.Errorf("can't make label block from %s", b)
	}
	var size vox.Point3d
	for i := 0; i < 3; i++ {
		size[i] = (b.Size[i] + labels.SubBlockSize - 1) / labels.SubBlockSize * labels.SubBlockSize
	}
	lbls := make([]uint64, size.Prod())
	var pos vox.Point3d
	for pos[2] = 0; pos[2] < b.Size[2]; pos[2]++ {
		for pos[1] = 0; pos[1] < b.Size[1]; pos[1]++ {
			i := int64(pos[2])*int64(size[0])*int64(size[1]) + int64(pos[1])*int64(size[0])
			for pos[0] = 0; pos[0] < b.Size[0]; pos[0]++ {
				lbls[i] = b.Value(pos, 0)
				i++
			}
		}
	}
	return labels.MakeBlock(lbls, size)
}

// Export writes the buffer in the given format.  Only label buffers can be written as
// label blocks or compressed segmentation.
func (b *VoxelBuffer) Export(w io.Writer, f ExportFormat) error {
	if f == ExportRaw {
		_, err := w.Write(b.Data)
		return err
	}
	block, err := b.LabelBlock()
	if err != nil {
		return err
	}
	switch f {
	case ExportLabelBlock:
		gz, err := block.CompressGZIP()
		if err != nil {
			return err
		}
		_, err = w.Write(gz)
		return err
	case ExportCompressedSegmentation:
		return block.WriteGoogleCompression(w)
	default:
		return fmt.Errorf("can't export %s", f)
	}
}
