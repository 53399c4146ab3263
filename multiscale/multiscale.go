/*
Package multiscale describes multiscale (pyramid) volumes and derives the chunk grid
for each level.  Level L has voxels 2^L times the base voxel size and its voxel bounds
are aligned to a fixed block edge so every chunk request addresses whole blocks.
*/
package multiscale

import (
	"fmt"
	"math"

	"github.com/janelia-flyem/ngsource/vox"
)

// DefaultBlockEdge is the block edge in voxels that level bounds are aligned to.
const DefaultBlockEdge = 64

// VolumeKind distinguishes intensity images from labeled segmentation.
type VolumeKind uint8

const (
	Image VolumeKind = iota
	Segmentation
)

func (k VolumeKind) String() string {
	switch k {
	case Image:
		return "image"
	case Segmentation:
		return "segmentation"
	default:
		return "unknown"
	}
}

// ParseVolumeKind accepts "image" or "segmentation".
func ParseVolumeKind(s string) (VolumeKind, error) {
	switch s {
	case "image":
		return Image, nil
	case "segmentation":
		return Segmentation, nil
	}
	return Image, vox.NewError(vox.ParseError, "volume type", s, "expected image or segmentation")
}

// LevelDescriptor describes one level of a multiscale volume.  Lower is inclusive and
// Upper exclusive.
type LevelDescriptor struct {
	Level      int
	VoxelSize  vox.Vector3d
	Lower      vox.Point3d
	Upper      vox.Point3d
	ChunkSizes []vox.Point3d

	// CompressedBlockSize is nonzero only for compressed segmentation encodings.
	CompressedBlockSize vox.Point3d

	// Key is the opaque per-level fetch key, e.g., an instance name or path suffix.
	Key string
}

// Size returns the extent of the level in voxels.
func (l LevelDescriptor) Size() vox.Point3d {
	return l.Upper.Sub(l.Lower)
}

// Validate checks that the level bounds are a positive multiple of blockEdge on every
// axis.  A blockEdge of zero or less skips the alignment check.
func (l LevelDescriptor) Validate(blockEdge int32) error {
	size := l.Size()
	for i := 0; i < 3; i++ {
		if size[i] <= 0 {
			return fmt.Errorf("level %d has empty extent %s -> %s", l.Level, l.Lower, l.Upper)
		}
		if blockEdge > 0 && (size[i]%blockEdge != 0 || floorMod(l.Lower[i], blockEdge) != 0) {
			return fmt.Errorf("level %d bounds %s -> %s not aligned to block edge %d", l.Level, l.Lower, l.Upper, blockEdge)
		}
	}
	if len(l.ChunkSizes) == 0 {
		return fmt.Errorf("level %d has no chunk sizes", l.Level)
	}
	return nil
}

// VolumeDescriptor describes a multiscale volume.  It is not modified after parsing.
type VolumeDescriptor struct {
	DataType    vox.DataType
	NumChannels int
	Kind        VolumeKind
	Levels      []LevelDescriptor
}

// Level returns the descriptor for level index i.
func (v *VolumeDescriptor) Level(i int) (LevelDescriptor, error) {
	if i < 0 || i >= len(v.Levels) {
		return LevelDescriptor{}, fmt.Errorf("level %d out of range, volume has %d levels", i, len(v.Levels))
	}
	return v.Levels[i], nil
}

// LevelVoxelSize returns the physical voxel size at level L, baseSize * 2^L.
func LevelVoxelSize(baseSize vox.Vector3d, level int) vox.Vector3d {
	return baseSize.Scale(math.Pow(2, float64(level)))
}

// AlignedBounds computes the block-aligned voxel bounds of level L given base level
// bounds.  baseLower is inclusive and baseMax is the inclusive maximum voxel at the
// base level.  The returned upper bound is exclusive.  Alignment is toward negative
// infinity for the lower bound and toward positive infinity for the upper bound.
func AlignedBounds(baseLower, baseMax vox.Point3d, baseVoxelSize vox.Vector3d, level int, blockEdge int32) (lower, upper vox.Point3d, err error) {
	if blockEdge <= 0 {
		err = fmt.Errorf("block edge must be positive, got %d", blockEdge)
		return
	}
	if level < 0 {
		err = fmt.Errorf("level must be non-negative, got %d", level)
		return
	}
	levelSize := LevelVoxelSize(baseVoxelSize, level)
	for i := 0; i < 3; i++ {
		if baseVoxelSize[i] <= 0 {
			err = fmt.Errorf("voxel size must be positive, got %s", baseVoxelSize)
			return
		}
		ratio := baseVoxelSize[i] / levelSize[i]

		lo := int32(math.Floor(float64(baseLower[i]) * ratio))
		lower[i] = lo - floorMod(lo, blockEdge)

		hi := int32(math.Ceil(float64(baseMax[i]+1) * ratio))
		if r := floorMod(hi, blockEdge); r != 0 {
			hi += blockEdge - r
		}
		upper[i] = hi
	}
	return
}

// BuildLevels returns numLevels descriptors with aligned bounds.  keyFn supplies the
// per-level fetch key and may be nil.
func BuildLevels(baseLower, baseMax vox.Point3d, baseVoxelSize vox.Vector3d, numLevels int, blockEdge int32, chunkSizes []vox.Point3d, keyFn func(level int) string) ([]LevelDescriptor, error) {
	if numLevels < 1 {
		return nil, fmt.Errorf("need at least one level, got %d", numLevels)
	}
	levels := make([]LevelDescriptor, numLevels)
	for level := 0; level < numLevels; level++ {
		lower, upper, err := AlignedBounds(baseLower, baseMax, baseVoxelSize, level, blockEdge)
		if err != nil {
			return nil, err
		}
		levels[level] = LevelDescriptor{
			Level:      level,
			VoxelSize:  LevelVoxelSize(baseVoxelSize, level),
			Lower:      lower,
			Upper:      upper,
			ChunkSizes: chunkSizes,
		}
		if keyFn != nil {
			levels[level].Key = keyFn(level)
		}
	}
	return levels, nil
}

// CountLevels returns the number of levels of a named volume.  If maxDownresLevel is
// non-nil, there are *maxDownresLevel+1 levels.  Otherwise sibling names "name_1",
// "name_2", ... are probed with exists and counting stops at the first missing level.
func CountLevels(name string, maxDownresLevel *int, exists func(name string) bool) (int, error) {
	if maxDownresLevel != nil {
		if *maxDownresLevel < 0 {
			return 0, vox.NewError(vox.ParseError, "MaxDownresLevel", fmt.Sprintf("%d", *maxDownresLevel), "must be non-negative")
		}
		return *maxDownresLevel + 1, nil
	}
	numLevels := 1
	for exists != nil && exists(LevelName(name, numLevels)) {
		numLevels++
	}
	return numLevels, nil
}

// LevelName returns the conventional instance name for level L of a volume.  Level 0
// is the unadorned name.
func LevelName(name string, level int) string {
	if level == 0 {
		return name
	}
	return fmt.Sprintf("%s_%d", name, level)
}

// floorMod returns x mod m in [0, m).
func floorMod(x, m int32) int32 {
	r := x % m
	if r < 0 {
		r += m
	}
	return r
}
