package precomputed

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/janelia-flyem/ngsource/chunk"
	"github.com/janelia-flyem/ngsource/transport"
	"github.com/janelia-flyem/ngsource/vox"
)

// Each shard file begins with a fixed-size index of 2^minishard_bits [begin, end) byte
// ranges of minishard indices, relative to the end of the shard index.  A minishard
// index is three arrays of n uint64: delta-coded chunk ids, delta-coded offsets of the
// chunk data relative to the end of the previous chunk, and chunk sizes.

type valueLoc struct {
	pos  uint64 // byte of value start relative to start of file
	size uint64 // size of value in bytes
}

type shardT struct {
	sync.RWMutex
	index      []byte // fixed-size shard index
	minishards map[uint64]map[uint64]valueLoc
}

// shardedScale locates chunks of a sharded scale.
type shardedScale struct {
	transport transport.Transport
	endpoint  string
	key       string
	sharding  Sharding
	chunkSize vox.Point3d
	offset    vox.Point3d

	numBits       [3]uint8 // required bits per dimension of the chunk grid
	maxBits       uint8    // max of required bits across dimensions
	minishardMask uint64   // bit mask for minishard bits in hashed chunk ID
	shardMask     uint64   // bit mask for shard bits in hashed chunk ID
	shardIndexEnd uint64   // where minishard indices begin in every file

	shardIndexMu sync.RWMutex
	shardIndex   map[string]*shardT // cache of shard filename to shard data
}

// log2 returns the power of 2 necessary to cover the given value.
func log2(value int32) uint8 {
	var exp uint8
	pow := int32(1)
	for pow < value {
		pow *= 2
		exp++
	}
	return exp
}

func newShardedScale(t transport.Transport, endpoint string, s Scale) (*shardedScale, error) {
	sh := *s.Sharding
	switch sh.Hash {
	case "identity":
	default:
		return nil, vox.NewError(vox.UnsupportedEncoding, "sharding hash", sh.Hash, "scale %q uses an unimplemented hash", s.Key)
	}
	if int(sh.PreshiftBits)+int(sh.MinishardBits)+int(sh.ShardBits) > 64 {
		return nil, vox.NewError(vox.ParseError, "sharding", s.Key, "preshift, minishard and shard bits exceed 64")
	}
	ss := &shardedScale{
		transport:  t,
		endpoint:   endpoint,
		key:        s.Key,
		sharding:   sh,
		chunkSize:  s.ChunkSizes[0],
		offset:     s.VoxelOffset,
		shardIndex: make(map[string]*shardT),
	}
	for dim := 0; dim < 3; dim++ {
		gridSize := (s.Size[dim] + ss.chunkSize[dim] - 1) / ss.chunkSize[dim]
		ss.numBits[dim] = log2(gridSize)
		if ss.numBits[dim] > ss.maxBits {
			ss.maxBits = ss.numBits[dim]
		}
	}

	const on uint64 = 0xFFFFFFFFFFFFFFFF
	minishardOff := (on >> sh.MinishardBits) << sh.MinishardBits
	ss.minishardMask = ^minishardOff
	excessBits := 64 - sh.ShardBits - sh.MinishardBits
	ss.shardMask = (minishardOff << excessBits) >> excessBits
	ss.shardIndexEnd = (1 << uint64(sh.MinishardBits)) * 16
	vox.Debugf("scale %q: minishard mask %016x, shard mask %016x\n", s.Key, ss.minishardMask, ss.shardMask)
	return ss, nil
}

// mortonCode returns the compressed morton code of a chunk grid position.  Bits of
// dimensions that have run out of range are dropped rather than interleaved as zeros.
func (ss *shardedScale) mortonCode(gridPos vox.Point3d) (code uint64) {
	var coords [3]uint64
	for dim := 0; dim < 3; dim++ {
		coords[dim] = uint64(gridPos[dim])
	}
	var outBit uint8
	for curBit := uint8(0); curBit < ss.maxBits; curBit++ {
		for dim := 0; dim < 3; dim++ {
			if curBit < ss.numBits[dim] {
				code |= (coords[dim] & 1) << outBit
				outBit++
				coords[dim] >>= 1
			}
		}
	}
	return
}

// ChunkID returns the chunk id of the chunk with the given corner.
func (ss *shardedScale) ChunkID(corner vox.Point3d) uint64 {
	return ss.mortonCode(corner.Sub(ss.offset).Div(ss.chunkSize))
}

func (ss *shardedScale) calcShard(chunkID uint64) (fname string, minishard uint64) {
	hashedID := chunkID >> ss.sharding.PreshiftBits
	minishard = hashedID & ss.minishardMask
	shard := (hashedID & ss.shardMask) >> ss.sharding.MinishardBits
	shardPadding := 1
	if ss.sharding.ShardBits > 4 {
		shardPadding = 1 + int(ss.sharding.ShardBits-1)/4
	}
	fname = fmt.Sprintf("%s/%0*x.shard", ss.key, shardPadding, shard)
	return
}

// rangeRead returns nil, nil if the shard file does not exist.
func (ss *shardedScale) rangeRead(ctx context.Context, fname string, offset, size uint64) ([]byte, error) {
	data, err := ss.transport.Do(ctx, &transport.Request{
		Endpoint:  ss.endpoint,
		Path:      fname,
		Offset:    int64(offset),
		Length:    int64(size),
		Immutable: true,
	})
	if errors.Is(err, transport.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) != size {
		return nil, vox.NewError(vox.MalformedPayload, "shard", fname, "read %d bytes at %d, expected %d", len(data), offset, size)
	}
	return data, nil
}

func (ss *shardedScale) getMinishardMap(ctx context.Context, shardFile string, minishard uint64) (map[uint64]valueLoc, error) {
	ss.shardIndexMu.RLock()
	shard, found := ss.shardIndex[shardFile]
	ss.shardIndexMu.RUnlock()
	if !found {
		index, err := ss.rangeRead(ctx, shardFile, 0, ss.shardIndexEnd)
		if err != nil {
			return nil, err
		}
		if index == nil {
			return nil, nil
		}
		shard = &shardT{index: index, minishards: make(map[uint64]map[uint64]valueLoc)}
		ss.shardIndexMu.Lock()
		ss.shardIndex[shardFile] = shard
		ss.shardIndexMu.Unlock()
	}

	shard.RLock()
	minishardMap, found := shard.minishards[minishard]
	shard.RUnlock()
	if found {
		return minishardMap, nil
	}
	minishardMap, err := ss.loadMinishardMap(ctx, shardFile, shard, minishard)
	if err != nil {
		return nil, err
	}
	shard.Lock()
	shard.minishards[minishard] = minishardMap
	shard.Unlock()
	return minishardMap, nil
}

func (ss *shardedScale) loadMinishardMap(ctx context.Context, shardFile string, shard *shardT, minishard uint64) (map[uint64]valueLoc, error) {
	timedLog := vox.NewTimeLog()
	pos := minishard * 16
	begByte := binary.LittleEndian.Uint64(shard.index[pos:pos+8]) + ss.shardIndexEnd
	endByte := binary.LittleEndian.Uint64(shard.index[pos+8:pos+16]) + ss.shardIndexEnd
	if endByte < begByte {
		return nil, vox.NewError(vox.MalformedPayload, "shard index", shardFile, "minishard %d has end %d before begin %d", minishard, endByte, begByte)
	}
	if endByte == begByte {
		return map[uint64]valueLoc{}, nil
	}
	rawData, err := ss.rangeRead(ctx, shardFile, begByte, endByte-begByte)
	if err != nil {
		return nil, err
	}
	if rawData == nil {
		return nil, fmt.Errorf("shard file %q disappeared", shardFile)
	}

	var minishardData []byte
	switch ss.sharding.IndexEncoding {
	case "", "raw":
		minishardData = rawData
	case "gzip":
		if minishardData, err = chunk.Gunzip(rawData); err != nil {
			return nil, err
		}
	default:
		return nil, vox.NewError(vox.UnsupportedEncoding, "minishard_index_encoding", ss.sharding.IndexEncoding, "expected raw or gzip")
	}

	indexSize := len(minishardData)
	if indexSize%24 != 0 {
		return nil, vox.NewError(vox.MalformedPayload, "minishard index", shardFile, "length %d bytes is not a multiple of 24", indexSize)
	}
	n := uint64(indexSize) / 24
	minishardMap := make(map[uint64]valueLoc, n)

	var chunkID, offset uint64
	idPos, offsetPos, sizePos := uint64(0), n*8, n*16
	dataEnd := ss.shardIndexEnd
	for i := uint64(0); i < n; i++ {
		chunkID += binary.LittleEndian.Uint64(minishardData[idPos : idPos+8])
		offset = dataEnd + binary.LittleEndian.Uint64(minishardData[offsetPos:offsetPos+8])
		size := binary.LittleEndian.Uint64(minishardData[sizePos : sizePos+8])
		minishardMap[chunkID] = valueLoc{pos: offset, size: size}
		dataEnd = offset + size
		idPos += 8
		offsetPos += 8
		sizePos += 8
	}
	timedLog.Debugf("loaded minishard %d of %q with %s encoding: %d entries", minishard, shardFile, ss.sharding.IndexEncoding, n)
	return minishardMap, nil
}

// Get returns the stored data of the chunk with the given corner or nil if the chunk
// is not stored.
func (ss *shardedScale) Get(ctx context.Context, corner vox.Point3d) ([]byte, error) {
	chunkID := ss.ChunkID(corner)
	shardFile, minishard := ss.calcShard(chunkID)
	minishardMap, err := ss.getMinishardMap(ctx, shardFile, minishard)
	if err != nil {
		return nil, err
	}
	loc, found := minishardMap[chunkID]
	if !found {
		return nil, nil
	}
	data, err := ss.rangeRead(ctx, shardFile, loc.pos, loc.size)
	if err != nil {
		return nil, err
	}
	if ss.sharding.DataEncoding == "gzip" {
		return chunk.Gunzip(data)
	}
	return data, nil
}
