package labels

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/janelia-flyem/ngsource/vox"
)

const SubBlockSize = 8
const DefaultSubBlocksPerBlock = 8
const DefaultBlockSize = DefaultSubBlocksPerBlock * SubBlockSize

const MaxBlockSize = 1024 // N^3 < max uint32, so N <= 2^10
const MaxSubBlockSize = MaxBlockSize / SubBlockSize

// Block is the unit of storage for compressed DVID labels, as returned by the DVID
// "blocks" endpoint with compression=blocks.  It holds a block-level label list with
// sub-block indices into the list, and the number of bits for encoding values is not
// required to be a power of two.
//
// Blocks cover nx * ny * nz voxels where each dimension is a multiple of 8.  Internally,
// labels are stored in 8x8x8 sub-blocks.  There are gx * gy * gz sub-blocks where
// gx = nx / 8; gy = ny / 8; gz = nz / 8.
//
// The byte layout will be the following if there are N labels in the Block:
//
//      3 * uint32      values of gx, gy, and gz
//      uint32          # of labels (N), cannot exceed uint32.
//      N * uint64      packed labels in little-endian format.
//
//      ----- Data below is only included if N > 1, otherwise it is a solid block.
//            Nsb = # sub-blocks = gx * gy * gz
//
//      Nsb * uint16        # of labels for sub-blocks (Ns[i]).
//                              If Ns[i] == 0, the sub-block is all label 0.
//
//      Nsb * Ns * uint32   label indices for sub-blocks where Ns = sum of Ns[i] over all sub-blocks.
//
//      Nsb * values        sub-block indices for each voxel, packed MSB first using
//                              ceil(log2(Ns[i])) bits per voxel, padded so no two
//                              sub-blocks have indices in the same byte.
type Block struct {
	Labels []uint64    // labels in Block.
	Size   vox.Point3d // # voxels in each dimension for this block

	// The following exported properties are only non-nil if len(Labels) > 1

	NumSBLabels []uint16 // # of labels for each sub-block
	SBIndices   []uint32 // indices into Labels array
	SBValues    []byte   // compressed voxel values giving index into SBIndices.

	data []byte // serialized format as described above
}

// MakeSolidBlock returns a Block that represents a single label of the given block size.
func MakeSolidBlock(label uint64, blockSize vox.Point3d) *Block {
	b := new(Block)
	b.data = make([]byte, 24)

	b.Labels = []uint64{label}
	b.Size = blockSize

	gx := uint32(blockSize[0] / SubBlockSize)
	gy := uint32(blockSize[1] / SubBlockSize)
	gz := uint32(blockSize[2] / SubBlockSize)

	binary.LittleEndian.PutUint32(b.data[0:4], gx)
	binary.LittleEndian.PutUint32(b.data[4:8], gy)
	binary.LittleEndian.PutUint32(b.data[8:12], gz)
	binary.LittleEndian.PutUint32(b.data[12:16], 1)
	binary.LittleEndian.PutUint64(b.data[16:24], label)

	return b
}

// MakeBlock returns a compressed label Block given labels in x-fastest order.  It is the
// inverse of MakeLabelVolume().
func MakeBlock(lbls []uint64, bsize vox.Point3d) (*Block, error) {
	if int64(len(lbls)) != bsize.Prod() {
		return nil, fmt.Errorf("label array of length %d does not match block size %s", len(lbls), bsize)
	}
	for i := 0; i < 3; i++ {
		if bsize[i] <= 0 || bsize[i]%SubBlockSize != 0 {
			return nil, fmt.Errorf("block size %s not supported, must be positive multiple of %d", bsize, SubBlockSize)
		}
		if bsize[i] > MaxBlockSize {
			return nil, fmt.Errorf("block size %s exceeds max dimension of %d voxels", bsize, MaxBlockSize)
		}
	}
	return encodeBlock(lbls, bsize)
}

// CompressGZIP returns a gzip compressed encoding of the serialized block data.
func (b Block) CompressGZIP() ([]byte, error) {
	var gzipOut bytes.Buffer
	data, err := b.MarshalBinary()
	if err != nil {
		return nil, err
	}
	zw := gzip.NewWriter(&gzipOut)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return gzipOut.Bytes(), nil
}

// Value returns the label for a voxel using its 3d location within block.  If the given
// location is outside the block extent, label 0 is returned.  Note that this function
// is inefficient for multi-voxel value retrieval.
func (b *Block) Value(pos vox.Point3d) uint64 {
	if pos[0] < 0 || pos[0] >= b.Size[0] || pos[1] < 0 || pos[1] >= b.Size[1] || pos[2] < 0 || pos[2] >= b.Size[2] {
		return 0
	}
	if len(b.Labels) == 0 {
		return 0
	}
	if len(b.Labels) == 1 {
		return b.Labels[0]
	}
	sbz := pos[2] / SubBlockSize
	sby := pos[1] / SubBlockSize
	sbx := pos[0] / SubBlockSize
	gx, gy := b.Size[0]/SubBlockSize, b.Size[1]/SubBlockSize
	sbNum := sbz*gx*gy + sby*gx + sbx
	var bitPos uint32
	var idxPos int
	for sb := int32(0); sb < sbNum; sb++ {
		n := b.NumSBLabels[sb]
		idxPos += int(n)
		if n > 1 {
			bitPos += SubBlockSize * SubBlockSize * SubBlockSize * bitsFor(n)
			if bitPos%8 != 0 {
				bitPos += 8 - (bitPos % 8)
			}
		}
	}
	n := b.NumSBLabels[sbNum]
	switch n {
	case 0:
		return 0
	case 1:
		return b.Labels[b.SBIndices[idxPos]]
	}
	bits := bitsFor(n)
	x, y, z := pos[0]%SubBlockSize, pos[1]%SubBlockSize, pos[2]%SubBlockSize
	bitPos += uint32(z*SubBlockSize*SubBlockSize+y*SubBlockSize+x) * bits
	val := getPackedValue(b.SBValues, bitPos, bits)
	return b.Labels[b.SBIndices[idxPos+int(val)]]
}

// MakeLabelVolume returns labels in x-fastest order, i.e., consecutive values are
// (0,0,0), (1,0,0), (2,0,0) ... (0,1,0).  There is no sharing of memory between
// the returned slice and the Block data.
func (b Block) MakeLabelVolume() (lbls []uint64, size vox.Point3d) {
	size = b.Size

	numVoxels := b.Size.Prod()
	lbls = make([]uint64, numVoxels)

	gx, gy, gz := b.Size[0]/SubBlockSize, b.Size[1]/SubBlockSize, b.Size[2]/SubBlockSize

	if len(b.Labels) < 2 {
		if len(b.Labels) == 1 {
			label := b.Labels[0]
			for i := range lbls {
				lbls[i] = label
			}
		}
		return
	}

	subBlockNumVoxels := SubBlockSize * SubBlockSize * SubBlockSize
	sbLabels := make([]uint64, subBlockNumVoxels) // preallocate max # of labels for sub-block

	var indexPos, bitpos uint32
	var subBlockNum int
	var sx, sy, sz int32
	for sz = 0; sz < gz; sz++ {
		for sy = 0; sy < gy; sy++ {
			for sx = 0; sx < gx; sx++ {

				numSBLabels := b.NumSBLabels[subBlockNum]
				bits := bitsFor(numSBLabels)

				for i := uint16(0); i < numSBLabels; i++ {
					sbLabels[i] = b.Labels[b.SBIndices[indexPos]]
					indexPos++
				}

				lblpos := sz*SubBlockSize*b.Size[0]*b.Size[1] + sy*SubBlockSize*b.Size[0] + sx*SubBlockSize

				var x, y, z int32
				for z = 0; z < SubBlockSize; z++ {
					for y = 0; y < SubBlockSize; y++ {
						for x = 0; x < SubBlockSize; x++ {
							switch numSBLabels {
							case 0:
								lbls[lblpos] = 0
							case 1:
								lbls[lblpos] = sbLabels[0]
							default:
								index := getPackedValue(b.SBValues, bitpos, bits)
								lbls[lblpos] = sbLabels[index]
								bitpos += bits
							}
							lblpos++
						}
						lblpos += b.Size[0] - SubBlockSize
					}
					lblpos += b.Size[0]*b.Size[1] - b.Size[0]*SubBlockSize
				}
				if bitpos%8 != 0 {
					bitpos += 8 - (bitpos % 8)
				}
				subBlockNum++
			}
		}
	}
	return
}

// MarshalBinary implements the encoding.BinaryMarshaler interface. Note that for
// efficiency, the returned byte slice will share memory with the receiver Block.
func (b Block) MarshalBinary() ([]byte, error) {
	return b.data, nil
}

// UnmarshalBinary implements the encoding.BinaryUnmarshaler interface.  The source
// byte slice is copied so the receiver block does not depend on the passed slice.
func (b *Block) UnmarshalBinary(data []byte) error {
	if len(data) < 24 {
		return vox.NewError(vox.MalformedPayload, "label block", "", "can't unmarshal block binary of length %d", len(data))
	}
	b.data = make([]byte, len(data))
	copy(b.data, data)
	return b.setExportedVars()
}

// WriteGoogleCompression writes the block in the neuroglancer compressed segmentation
// format with 64-bit labels and 8x8x8 compression blocks.
func (b Block) WriteGoogleCompression(w io.Writer) error {
	lbls, size := b.MakeLabelVolume()
	words, err := EncodeCompressedSegmentation(lbls, size, vox.Point3d{SubBlockSize, SubBlockSize, SubBlockSize}, true)
	if err != nil {
		return err
	}
	_, err = w.Write(vox.BytesFromUint32s(words))
	return err
}

// assumes b.data is set and we need to compute all other properties of a Block
func (b *Block) setExportedVars() error {
	malformed := func(format string, args ...interface{}) error {
		return vox.NewError(vox.MalformedPayload, "label block", "", format, args...)
	}
	gx := binary.LittleEndian.Uint32(b.data[0:4])
	gy := binary.LittleEndian.Uint32(b.data[4:8])
	gz := binary.LittleEndian.Uint32(b.data[8:12])
	if gx > MaxSubBlockSize || gy > MaxSubBlockSize || gz > MaxSubBlockSize {
		return malformed("%d x %d x %d sub-blocks exceed max dimension of %d voxels (%d sub-blocks)", gx, gy, gz, MaxBlockSize, MaxSubBlockSize)
	}
	numSubBlocks := uint64(gx) * uint64(gy) * uint64(gz)

	b.Size[0] = int32(gx * SubBlockSize)
	b.Size[1] = int32(gy * SubBlockSize)
	b.Size[2] = int32(gz * SubBlockSize)

	numLabels := uint64(binary.LittleEndian.Uint32(b.data[12:16]))
	if numLabels == 0 {
		return malformed("block has 0 labels, which is not allowed")
	}
	pos := uint64(16)
	if pos+numLabels*8 > uint64(len(b.data)) {
		return malformed("%d labels need %d bytes, block has %d", numLabels, pos+numLabels*8, len(b.data))
	}
	b.Labels = vox.Uint64sFromBytes(b.data[pos : pos+numLabels*8])
	pos += numLabels * 8

	if numLabels == 1 {
		b.NumSBLabels = nil
		b.SBIndices = nil
		b.SBValues = nil
		return nil
	}

	nbytes := numSubBlocks * 2
	if pos+nbytes > uint64(len(b.data)) {
		return malformed("sub-block label counts truncated")
	}
	b.NumSBLabels = make([]uint16, numSubBlocks)
	var numSubBlockIndices, numValueBytes uint64
	for i := range b.NumSBLabels {
		n := binary.LittleEndian.Uint16(b.data[pos+uint64(i)*2:])
		b.NumSBLabels[i] = n
		numSubBlockIndices += uint64(n)
		if n > 1 {
			numValueBytes += (SubBlockSize*SubBlockSize*SubBlockSize*uint64(bitsFor(n)) + 7) / 8
		}
	}
	pos += nbytes

	subBlockIndexBytes := numSubBlockIndices * 4
	if pos+subBlockIndexBytes+numValueBytes > uint64(len(b.data)) {
		return malformed("sub-block indices and values need %d bytes, block has %d", pos+subBlockIndexBytes+numValueBytes, len(b.data))
	}
	b.SBIndices = vox.Uint32sFromBytes(b.data[pos : pos+subBlockIndexBytes])
	for _, index := range b.SBIndices {
		if uint64(index) >= numLabels {
			return malformed("sub-block label index %d exceeds %d labels", index, numLabels)
		}
	}
	pos += subBlockIndexBytes
	b.SBValues = b.data[pos:]
	return nil
}

// left mask for bithead at each bit position in a byte
var leftBitMask [8]byte = [8]byte{
	0xFF, 0x7F, 0x3F, 0x1F, 0x0F, 0x07, 0x03, 0x01,
}

// encodeBlock iterates through the labels in 8x8x8 sub-blocks and packs them.
func encodeBlock(data []uint64, bsize vox.Point3d) (*Block, error) {
	gx, gy, gz := uint32(bsize[0]/SubBlockSize), uint32(bsize[1]/SubBlockSize), uint32(bsize[2]/SubBlockSize)
	numSubBlocks := gx * gy * gz

	numSubBlockLabels := make([]uint16, numSubBlocks) // # of labels in each sub-block
	subBlockLabels := make([][]uint64, numSubBlocks)  // labels of each sub-block in order of appearance

	dy := uint32(bsize[0])
	dz := uint32(bsize[0]) * uint32(bsize[1])

	svalues := make([]byte, numSubBlocks*512*2) // max size allocation for sub-blocks' encoded values
	var bitpos int

	var subBlockNum int
	for sz := uint32(0); sz < gz; sz++ {
		uz := sz * SubBlockSize
		for sy := uint32(0); sy < gy; sy++ {
			uy := sy * SubBlockSize
			for sx := uint32(0); sx < gx; sx++ {
				ux := sx * SubBlockSize

				// 1st pass: get # labels for this sub-block
				var numSBLabels uint16
				slabels := make(map[uint64]uint16) // map of label -> index position in sub-block
				var order []uint64

				upos := uz*dz + uy*dy + ux
				for z := 0; z < SubBlockSize; z++ {
					for y := 0; y < SubBlockSize; y++ {
						for x := 0; x < SubBlockSize; x++ {
							label := data[upos]
							if _, found := slabels[label]; !found {
								slabels[label] = numSBLabels
								order = append(order, label)
								numSBLabels++
							}
							upos++
						}
						upos += dy - SubBlockSize
					}
					upos += dz - dy*SubBlockSize
				}
				subBlockLabels[subBlockNum] = order
				numSubBlockLabels[subBlockNum] = numSBLabels

				// 2nd pass through sub-block, write indices now that we know required bits per voxel.
				bits := int(bitsFor(numSBLabels))
				if bits > 0 {
					upos = uz*dz + uy*dy + ux
					for z := 0; z < SubBlockSize; z++ {
						for y := 0; y < SubBlockSize; y++ {
							for x := 0; x < SubBlockSize; x++ {
								index := slabels[data[upos]]
								bithead := bitpos % 8
								bytepos := bitpos >> 3
								if bithead+bits <= 8 {
									// index totally within this byte
									leftshift := uint(8 - bits - bithead)
									svalues[bytepos] |= byte(index << leftshift)
								} else {
									// this straddles a byte boundary
									leftshift := uint(16 - bits - bithead)
									index <<= leftshift
									svalues[bytepos] |= byte((index & 0xFF00) >> 8)
									svalues[bytepos+1] = byte(index & 0x00FF)
								}
								bitpos += bits
								upos++
							}
							upos += dy - SubBlockSize
						}
						upos += dz - dy*SubBlockSize
					}

					// make sure a byte doesn't have two sub-blocks' encoded values
					if bitpos%8 != 0 {
						bitpos += 8 - (bitpos % 8)
					}
				}
				subBlockNum++
			}
		}
	}

	// Compute block-level label table in order of first appearance.
	var numSubBlockIndices uint32
	var blockLabels []uint64
	labelIndex := make(map[uint64]uint32)
	for _, order := range subBlockLabels {
		numSubBlockIndices += uint32(len(order))
		for _, label := range order {
			if _, found := labelIndex[label]; !found {
				labelIndex[label] = uint32(len(blockLabels))
				blockLabels = append(blockLabels, label)
			}
		}
	}
	if len(blockLabels) == 1 {
		return MakeSolidBlock(blockLabels[0], bsize), nil
	}
	numLabels := uint32(len(blockLabels))

	// Write all the data to the Block buffer.
	subBlockIndexBytes := numSubBlockIndices * 4
	subBlockValueBytes := uint32(bitpos >> 3)
	blockBytes := 16 + numLabels*8 + numSubBlocks*2 + subBlockIndexBytes + subBlockValueBytes
	data8 := make([]byte, blockBytes)

	binary.LittleEndian.PutUint32(data8[0:4], gx)
	binary.LittleEndian.PutUint32(data8[4:8], gy)
	binary.LittleEndian.PutUint32(data8[8:12], gz)
	binary.LittleEndian.PutUint32(data8[12:16], numLabels)

	pos := uint32(16)
	for _, label := range blockLabels {
		binary.LittleEndian.PutUint64(data8[pos:], label)
		pos += 8
	}
	for _, n := range numSubBlockLabels {
		binary.LittleEndian.PutUint16(data8[pos:], n)
		pos += 2
	}
	for _, order := range subBlockLabels {
		for _, label := range order {
			binary.LittleEndian.PutUint32(data8[pos:], labelIndex[label])
			pos += 4
		}
	}
	copy(data8[pos:], svalues[:subBlockValueBytes])

	b := new(Block)
	b.data = data8
	if err := b.setExportedVars(); err != nil {
		return nil, err
	}
	return b, nil
}

// returns the # of bits necessary to hold an index for n values.
// 0 and 1 should return 0.
func bitsFor(n uint16) (bits uint32) {
	if n < 2 {
		return 0
	}
	n--
	for {
		if n > 0 {
			bits++
		} else {
			return
		}
		n >>= 1
	}
}

// getPackedValue returns a 9 bit value from a packed array of values of "bits" bits
// starting from "bithead" bits into the given byte slice.  Values cannot straddle
// more than 2 bytes.
func getPackedValue(b []byte, bitHead, bits uint32) (index uint16) {
	bytePos := bitHead >> 3
	bitPos := bitHead % 8
	if bitPos+bits <= 8 {
		// index totally within this byte
		rightshift := uint(8 - bitPos - bits)
		index = uint16((b[bytePos] & leftBitMask[bitPos]) >> rightshift)
	} else {
		// index spans byte boundaries
		index = uint16(b[bytePos]&leftBitMask[bitPos]) << 8
		index |= uint16(b[bytePos+1])
		index >>= uint(16 - bitPos - bits)
	}
	return
}
