package multiscale

import (
	"fmt"

	"github.com/janelia-flyem/ngsource/vox"
)

// DefaultChunkSize is used when a level does not list any chunk sizes.
var DefaultChunkSize = vox.Point3d{64, 64, 64}

// DefaultMaxChunkVoxels bounds the chunk size chosen by NegotiateChunkSize.
const DefaultMaxChunkVoxels = 1 << 18

// ChunkRequest addresses one chunk of one level.  Corner is in level voxel coordinates.
type ChunkRequest struct {
	Level  int
	Corner vox.Point3d
	Size   vox.Point3d
}

// End returns the exclusive upper corner of the chunk.
func (r ChunkRequest) End() vox.Point3d {
	return r.Corner.Add(r.Size)
}

func (r ChunkRequest) String() string {
	return fmt.Sprintf("level %d chunk %s size %s", r.Level, r.Corner, r.Size)
}

// NumVoxels returns the number of voxels in the chunk.
func (r ChunkRequest) NumVoxels() int64 {
	return r.Size.Prod()
}

// NegotiateChunkSize picks the chunk size for a level from its candidates: the largest
// candidate with at most maxVoxels voxels that is a whole multiple of blockSize on every
// axis.  A zero blockSize imposes no multiple.  If no candidate is small enough, the
// smallest acceptable candidate is returned.
func NegotiateChunkSize(candidates []vox.Point3d, blockSize vox.Point3d, maxVoxels int64) (vox.Point3d, error) {
	if len(candidates) == 0 {
		candidates = []vox.Point3d{DefaultChunkSize}
	}
	if maxVoxels <= 0 {
		maxVoxels = DefaultMaxChunkVoxels
	}
	var best, smallest vox.Point3d
	var bestVoxels, smallestVoxels int64
	for _, cand := range candidates {
		if cand[0] <= 0 || cand[1] <= 0 || cand[2] <= 0 {
			return vox.Point3d{}, fmt.Errorf("bad chunk size candidate %s", cand)
		}
		if !isMultiple(cand, blockSize) {
			continue
		}
		n := cand.Prod()
		if smallestVoxels == 0 || n < smallestVoxels {
			smallest, smallestVoxels = cand, n
		}
		if n <= maxVoxels && n > bestVoxels {
			best, bestVoxels = cand, n
		}
	}
	if bestVoxels != 0 {
		return best, nil
	}
	if smallestVoxels != 0 {
		return smallest, nil
	}
	return vox.Point3d{}, fmt.Errorf("no chunk size among %v is a multiple of block size %s", candidates, blockSize)
}

func isMultiple(size, blockSize vox.Point3d) bool {
	for i := 0; i < 3; i++ {
		if blockSize[i] > 0 && size[i]%blockSize[i] != 0 {
			return false
		}
	}
	return true
}

// ChunkGrid partitions a level into chunks of a fixed size anchored at the level's
// lower bound.  Chunks on the upper boundary are clipped to the level bounds.
type ChunkGrid struct {
	level     LevelDescriptor
	chunkSize vox.Point3d
}

// NewChunkGrid returns the chunk grid for a level.
func NewChunkGrid(level LevelDescriptor, chunkSize vox.Point3d) (ChunkGrid, error) {
	for i := 0; i < 3; i++ {
		if chunkSize[i] <= 0 {
			return ChunkGrid{}, fmt.Errorf("chunk size must be positive, got %s", chunkSize)
		}
		if level.Upper[i] <= level.Lower[i] {
			return ChunkGrid{}, fmt.Errorf("level %d has empty extent %s -> %s", level.Level, level.Lower, level.Upper)
		}
	}
	return ChunkGrid{level: level, chunkSize: chunkSize}, nil
}

// ChunkSize returns the unclipped chunk size.
func (g ChunkGrid) ChunkSize() vox.Point3d {
	return g.chunkSize
}

// GridSize returns the number of chunks along each axis.
func (g ChunkGrid) GridSize() vox.Point3d {
	var n vox.Point3d
	size := g.level.Size()
	for i := 0; i < 3; i++ {
		n[i] = (size[i] + g.chunkSize[i] - 1) / g.chunkSize[i]
	}
	return n
}

// Chunk returns the request for the chunk at grid position pos.
func (g ChunkGrid) Chunk(pos vox.Point3d) (ChunkRequest, error) {
	n := g.GridSize()
	var req ChunkRequest
	req.Level = g.level.Level
	for i := 0; i < 3; i++ {
		if pos[i] < 0 || pos[i] >= n[i] {
			return ChunkRequest{}, fmt.Errorf("chunk position %s outside grid %s", pos, n)
		}
		req.Corner[i] = g.level.Lower[i] + pos[i]*g.chunkSize[i]
		req.Size[i] = g.chunkSize[i]
		if end := req.Corner[i] + req.Size[i]; end > g.level.Upper[i] {
			req.Size[i] = g.level.Upper[i] - req.Corner[i]
		}
	}
	return req, nil
}

// ChunkContaining returns the chunk holding the given level voxel coordinate.
func (g ChunkGrid) ChunkContaining(voxel vox.Point3d) (ChunkRequest, error) {
	var pos vox.Point3d
	for i := 0; i < 3; i++ {
		if voxel[i] < g.level.Lower[i] || voxel[i] >= g.level.Upper[i] {
			return ChunkRequest{}, fmt.Errorf("voxel %s outside level %d bounds %s -> %s", voxel, g.level.Level, g.level.Lower, g.level.Upper)
		}
		pos[i] = (voxel[i] - g.level.Lower[i]) / g.chunkSize[i]
	}
	return g.Chunk(pos)
}

// Intersecting returns the chunks overlapping the voxel region [lo, hi), ordered with
// x varying fastest.
func (g ChunkGrid) Intersecting(lo, hi vox.Point3d) []ChunkRequest {
	lo = lo.Max(g.level.Lower)
	hi = hi.Min(g.level.Upper)
	var begin, end vox.Point3d
	for i := 0; i < 3; i++ {
		if hi[i] <= lo[i] {
			return nil
		}
		begin[i] = (lo[i] - g.level.Lower[i]) / g.chunkSize[i]
		end[i] = (hi[i] - g.level.Lower[i] + g.chunkSize[i] - 1) / g.chunkSize[i]
	}
	var reqs []ChunkRequest
	for z := begin[2]; z < end[2]; z++ {
		for y := begin[1]; y < end[1]; y++ {
			for x := begin[0]; x < end[0]; x++ {
				req, err := g.Chunk(vox.Point3d{x, y, z})
				if err == nil {
					reqs = append(reqs, req)
				}
			}
		}
	}
	return reqs
}

// All returns every chunk of the level.
func (g ChunkGrid) All() []ChunkRequest {
	return g.Intersecting(g.level.Lower, g.level.Upper)
}
