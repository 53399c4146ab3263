package chunk

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/janelia-flyem/ngsource/vox"
)

// VoxelBuffer holds the decoded voxels of one chunk.  Data is little-endian with x
// varying fastest, then y, z and channel.
type VoxelBuffer struct {
	DataType    vox.DataType
	NumChannels int
	Size        vox.Point3d
	Data        []byte
}

// NewVoxelBuffer returns a zeroed buffer.
func NewVoxelBuffer(t vox.DataType, numChannels int, size vox.Point3d) *VoxelBuffer {
	if numChannels <= 0 {
		numChannels = 1
	}
	n := size.Prod() * int64(numChannels) * int64(t.Bytes())
	return &VoxelBuffer{
		DataType:    t,
		NumChannels: numChannels,
		Size:        size,
		Data:        make([]byte, n),
	}
}

// NumVoxels returns the # of voxels per channel.
func (b *VoxelBuffer) NumVoxels() int64 {
	return b.Size.Prod()
}

// NumBytes returns the expected length of Data.
func (b *VoxelBuffer) NumBytes() int64 {
	return b.NumVoxels() * int64(b.NumChannels) * int64(b.DataType.Bytes())
}

func (b *VoxelBuffer) String() string {
	return fmt.Sprintf("%s x %d voxel buffer of size %s", b.DataType, b.NumChannels, b.Size)
}

func (b *VoxelBuffer) index(pos vox.Point3d, channel int) (int64, bool) {
	for i := 0; i < 3; i++ {
		if pos[i] < 0 || pos[i] >= b.Size[i] {
			return 0, false
		}
	}
	if channel < 0 || channel >= b.NumChannels {
		return 0, false
	}
	i := int64(pos[0]) + int64(b.Size[0])*(int64(pos[1])+int64(b.Size[1])*int64(pos[2]))
	return i + int64(channel)*b.NumVoxels(), true
}

// Value returns the voxel at pos as a uint64, reinterpreting signed values and
// truncating floats.  Positions outside the buffer return 0.
func (b *VoxelBuffer) Value(pos vox.Point3d, channel int) uint64 {
	i, ok := b.index(pos, channel)
	if !ok {
		return 0
	}
	n := int64(b.DataType.Bytes())
	d := b.Data[i*n:]
	switch b.DataType {
	case vox.T_uint8, vox.T_int8:
		return uint64(d[0])
	case vox.T_uint16, vox.T_int16:
		return uint64(binary.LittleEndian.Uint16(d))
	case vox.T_uint32, vox.T_int32:
		return uint64(binary.LittleEndian.Uint32(d))
	case vox.T_float32:
		return uint64(math.Float32frombits(binary.LittleEndian.Uint32(d)))
	case vox.T_float64:
		return uint64(math.Float64frombits(binary.LittleEndian.Uint64(d)))
	default:
		return binary.LittleEndian.Uint64(d)
	}
}

// SetValue stores an integer voxel value, truncated to the buffer's data type.
func (b *VoxelBuffer) SetValue(pos vox.Point3d, channel int, v uint64) {
	i, ok := b.index(pos, channel)
	if !ok {
		return
	}
	n := int64(b.DataType.Bytes())
	d := b.Data[i*n:]
	switch n {
	case 1:
		d[0] = uint8(v)
	case 2:
		binary.LittleEndian.PutUint16(d, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(d, uint32(v))
	default:
		binary.LittleEndian.PutUint64(d, v)
	}
}

// Uint8s returns the data of a uint8 buffer.
func (b *VoxelBuffer) Uint8s() ([]uint8, error) {
	if b.DataType != vox.T_uint8 {
		return nil, fmt.Errorf("buffer holds %s, not uint8", b.DataType)
	}
	return b.Data, nil
}

// Uint32s returns a copy of the data of a uint32 buffer.
func (b *VoxelBuffer) Uint32s() ([]uint32, error) {
	if b.DataType != vox.T_uint32 {
		return nil, fmt.Errorf("buffer holds %s, not uint32", b.DataType)
	}
	return vox.Uint32sFromBytes(b.Data), nil
}

// Uint64s returns a copy of the data of a uint64 buffer.
func (b *VoxelBuffer) Uint64s() ([]uint64, error) {
	if b.DataType != vox.T_uint64 {
		return nil, fmt.Errorf("buffer holds %s, not uint64", b.DataType)
	}
	return vox.Uint64sFromBytes(b.Data), nil
}

// Float32s returns a copy of the data of a float32 buffer.
func (b *VoxelBuffer) Float32s() ([]float32, error) {
	if b.DataType != vox.T_float32 {
		return nil, fmt.Errorf("buffer holds %s, not float32", b.DataType)
	}
	return vox.Float32sFromBytes(b.Data), nil
}

// SetLabels fills a uint32 or uint64 buffer from labels ordered like Data.
func (b *VoxelBuffer) SetLabels(lbls []uint64) error {
	if int64(len(lbls)) != b.NumVoxels()*int64(b.NumChannels) {
		return fmt.Errorf("got %d labels for %s", len(lbls), b)
	}
	switch b.DataType {
	case vox.T_uint32:
		for i, v := range lbls {
			binary.LittleEndian.PutUint32(b.Data[i*4:], uint32(v))
		}
	case vox.T_uint64:
		for i, v := range lbls {
			binary.LittleEndian.PutUint64(b.Data[i*8:], v)
		}
	default:
		return fmt.Errorf("can't store labels in %s", b)
	}
	return nil
}

// CopyFrom copies the single-channel src buffer into b with src's voxel (0,0,0) at
// offset in b.  Voxels falling outside b are dropped.
func (b *VoxelBuffer) CopyFrom(src *VoxelBuffer, offset vox.Point3d) error {
	if src.DataType != b.DataType || src.NumChannels != b.NumChannels {
		return fmt.Errorf("can't copy %s into %s", src, b)
	}
	lo := offset.Max(vox.Point3d{0, 0, 0})
	hi := offset.Add(src.Size).Min(b.Size)
	if hi[0] <= lo[0] || hi[1] <= lo[1] || hi[2] <= lo[2] {
		return nil
	}
	n := int64(b.DataType.Bytes())
	rowBytes := int64(hi[0]-lo[0]) * n
	for c := 0; c < b.NumChannels; c++ {
		for z := lo[2]; z < hi[2]; z++ {
			for y := lo[1]; y < hi[1]; y++ {
				dst, _ := b.index(vox.Point3d{lo[0], y, z}, c)
				s, _ := src.index(vox.Point3d{lo[0] - offset[0], y - offset[1], z - offset[2]}, c)
				copy(b.Data[dst*n:dst*n+rowBytes], src.Data[s*n:s*n+rowBytes])
			}
		}
	}
	return nil
}
