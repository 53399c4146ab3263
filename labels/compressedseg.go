package labels

import (
	"fmt"

	"github.com/janelia-flyem/ngsource/vox"
)

// The neuroglancer compressed segmentation format, see
// https://github.com/google/neuroglancer/tree/master/src/neuroglancer/sliceview/compressed_segmentation
//
// All values are little-endian uint32 words.  The data starts with one word per channel
// giving the offset of that channel's data.  Each channel has a two-word header per
// compression block, ordered x fastest:
//
//      word 0      lookup table offset (low 24 bits) | encoded bits (high 8 bits)
//      word 1      encoded values offset
//
// Offsets are in words relative to the channel offset.  Encoded values hold one index
// into the lookup table per voxel of the full block, packed LSB first into words.  Lookup
// table entries are 1 word for 32-bit labels and 2 words for 64-bit labels.

var validEncodingBits = map[uint32]bool{0: true, 1: true, 2: true, 4: true, 8: true, 16: true, 32: true}

// DecodeCompressedSegmentation decodes a compressed segmentation chunk of the given voxel
// size.  The returned labels are ordered x fastest, then y, z and channel.  If uint64Labels
// is false, lookup table entries are single words.
func DecodeCompressedSegmentation(data []uint32, volSize, blockSize vox.Point3d, numChannels int, uint64Labels bool) ([]uint64, error) {
	for i := 0; i < 3; i++ {
		if volSize[i] <= 0 || blockSize[i] <= 0 {
			return nil, fmt.Errorf("bad volume size %s or block size %s", volSize, blockSize)
		}
	}
	if numChannels < 1 {
		return nil, fmt.Errorf("bad number of channels %d", numChannels)
	}
	malformed := func(format string, args ...interface{}) error {
		return vox.NewError(vox.MalformedPayload, "compressed segmentation", "", format, args...)
	}
	if len(data) < numChannels {
		return nil, malformed("need %d channel offsets, have %d words", numChannels, len(data))
	}
	entryWords := uint64(1)
	if uint64Labels {
		entryWords = 2
	}
	n := uint64(len(data))

	var grid vox.Point3d
	for i := 0; i < 3; i++ {
		grid[i] = (volSize[i] + blockSize[i] - 1) / blockSize[i]
	}
	channelVoxels := volSize.Prod()
	out := make([]uint64, channelVoxels*int64(numChannels))

	for channel := 0; channel < numChannels; channel++ {
		base := uint64(data[channel])
		channelOut := out[int64(channel)*channelVoxels:]
		for bz := int32(0); bz < grid[2]; bz++ {
			for by := int32(0); by < grid[1]; by++ {
				for bx := int32(0); bx < grid[0]; bx++ {
					blockIndex := uint64(bx) + uint64(grid[0])*(uint64(by)+uint64(grid[1])*uint64(bz))
					headerPos := base + 2*blockIndex
					if headerPos+1 >= n {
						return nil, malformed("block header %d at word %d beyond %d words", blockIndex, headerPos, n)
					}
					h0 := data[headerPos]
					tableOffset := base + uint64(h0&0xffffff)
					bits := h0 >> 24
					if !validEncodingBits[bits] {
						return nil, malformed("invalid encoding bits %d in block %d", bits, blockIndex)
					}
					valuesOffset := base + uint64(data[headerPos+1])
					mask := uint64(1)<<bits - 1

					for z := int32(0); z < blockSize[2]; z++ {
						vz := bz*blockSize[2] + z
						if vz >= volSize[2] {
							break
						}
						for y := int32(0); y < blockSize[1]; y++ {
							vy := by*blockSize[1] + y
							if vy >= volSize[1] {
								break
							}
							for x := int32(0); x < blockSize[0]; x++ {
								vx := bx*blockSize[0] + x
								if vx >= volSize[0] {
									break
								}
								var value uint64
								if bits > 0 {
									index := uint64(x) + uint64(blockSize[0])*(uint64(y)+uint64(blockSize[1])*uint64(z))
									bitOffset := index * uint64(bits)
									wordPos := valuesOffset + bitOffset/32
									if wordPos >= n {
										return nil, malformed("encoded value at word %d beyond %d words", wordPos, n)
									}
									value = (uint64(data[wordPos]) >> (bitOffset % 32)) & mask
								}
								entryPos := tableOffset + value*entryWords
								if entryPos+entryWords > n {
									return nil, malformed("lookup table entry at word %d beyond %d words", entryPos, n)
								}
								label := uint64(data[entryPos])
								if uint64Labels {
									label |= uint64(data[entryPos+1]) << 32
								}
								outPos := int64(vx) + int64(volSize[0])*(int64(vy)+int64(volSize[1])*int64(vz))
								channelOut[outPos] = label
							}
						}
					}
				}
			}
		}
	}
	return out, nil
}

// EncodeCompressedSegmentation encodes labels ordered x fastest, then y, z and channel.
// The number of channels is len(lbls) / voxels in volSize.  If uint64Labels is false,
// labels must fit in 32 bits.
func EncodeCompressedSegmentation(lbls []uint64, volSize, blockSize vox.Point3d, uint64Labels bool) ([]uint32, error) {
	for i := 0; i < 3; i++ {
		if volSize[i] <= 0 || blockSize[i] <= 0 {
			return nil, fmt.Errorf("bad volume size %s or block size %s", volSize, blockSize)
		}
	}
	channelVoxels := volSize.Prod()
	if int64(len(lbls))%channelVoxels != 0 || len(lbls) == 0 {
		return nil, fmt.Errorf("label array of length %d is not a multiple of volume size %s", len(lbls), volSize)
	}
	numChannels := int64(len(lbls)) / channelVoxels
	out := make([]uint32, numChannels)
	for channel := int64(0); channel < numChannels; channel++ {
		out[channel] = uint32(len(out))
		var err error
		out, err = encodeChannel(out, lbls[channel*channelVoxels:(channel+1)*channelVoxels], volSize, blockSize, uint64Labels)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func encodeChannel(out []uint32, lbls []uint64, volSize, blockSize vox.Point3d, uint64Labels bool) ([]uint32, error) {
	base := len(out)
	var grid vox.Point3d
	for i := 0; i < 3; i++ {
		grid[i] = (volSize[i] + blockSize[i] - 1) / blockSize[i]
	}
	numBlocks := int(grid.Prod())
	out = append(out, make([]uint32, 2*numBlocks)...)
	blockVoxels := blockSize.Prod()
	indices := make([]uint32, blockVoxels)

	for bz := int32(0); bz < grid[2]; bz++ {
		for by := int32(0); by < grid[1]; by++ {
			for bx := int32(0); bx < grid[0]; bx++ {
				table := make(map[uint64]uint32)
				var entries []uint64
				for i := range indices {
					indices[i] = 0
				}
				for z := int32(0); z < blockSize[2]; z++ {
					vz := bz*blockSize[2] + z
					for y := int32(0); y < blockSize[1]; y++ {
						vy := by*blockSize[1] + y
						for x := int32(0); x < blockSize[0]; x++ {
							vx := bx*blockSize[0] + x
							if vx >= volSize[0] || vy >= volSize[1] || vz >= volSize[2] {
								continue
							}
							label := lbls[int64(vx)+int64(volSize[0])*(int64(vy)+int64(volSize[1])*int64(vz))]
							if !uint64Labels && label>>32 != 0 {
								return nil, fmt.Errorf("label %d does not fit in 32 bits", label)
							}
							index, found := table[label]
							if !found {
								index = uint32(len(entries))
								table[label] = index
								entries = append(entries, label)
							}
							indices[int64(x)+int64(blockSize[0])*(int64(y)+int64(blockSize[1])*int64(z))] = index
						}
					}
				}
				bits := encodingBitsFor(len(entries))

				valuesOffset := len(out) - base
				if bits > 0 {
					numWords := (int64(bits)*blockVoxels + 31) / 32
					values := make([]uint32, numWords)
					for i, index := range indices {
						bitOffset := int64(i) * int64(bits)
						values[bitOffset/32] |= index << uint(bitOffset%32)
					}
					out = append(out, values...)
				}
				tableOffset := len(out) - base
				if tableOffset >= 1<<24 {
					return nil, fmt.Errorf("lookup table offset %d exceeds 24 bits", tableOffset)
				}
				for _, label := range entries {
					out = append(out, uint32(label))
					if uint64Labels {
						out = append(out, uint32(label>>32))
					}
				}
				blockIndex := int(bx) + int(grid[0])*(int(by)+int(grid[1])*int(bz))
				out[base+2*blockIndex] = uint32(tableOffset) | bits<<24
				out[base+2*blockIndex+1] = uint32(valuesOffset)
			}
		}
	}
	return out, nil
}

// encodingBitsFor returns the smallest allowed bit width able to index n table entries.
func encodingBitsFor(n int) uint32 {
	var bits uint32
	for (1 << bits) < n {
		bits++
	}
	switch {
	case bits == 0, bits == 1, bits == 2:
	case bits <= 4:
		bits = 4
	case bits <= 8:
		bits = 8
	case bits <= 16:
		bits = 16
	default:
		bits = 32
	}
	return bits
}
