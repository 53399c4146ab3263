package precomputed

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/janelia-flyem/ngsource/chunk"
	"github.com/janelia-flyem/ngsource/multiscale"
	"github.com/janelia-flyem/ngsource/vox"
)

const infoSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["type", "data_type", "num_channels", "scales"],
	"properties": {
		"@type": {"const": "neuroglancer_multiscale_volume"},
		"type": {"enum": ["image", "segmentation"]},
		"data_type": {"enum": ["uint8", "int8", "uint16", "int16", "uint32", "int32", "uint64", "float32"]},
		"num_channels": {"type": "integer", "minimum": 1},
		"mesh": {"type": "string"},
		"skeletons": {"type": "string"},
		"scales": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["key", "size", "resolution", "chunk_sizes", "encoding"],
				"properties": {
					"key": {"type": "string", "minLength": 1},
					"size": {"$ref": "#/definitions/positiveTriple"},
					"voxel_offset": {"$ref": "#/definitions/intTriple"},
					"resolution": {
						"type": "array", "minItems": 3, "maxItems": 3,
						"items": {"type": "number", "exclusiveMinimum": 0}
					},
					"chunk_sizes": {
						"type": "array", "minItems": 1,
						"items": {"$ref": "#/definitions/positiveTriple"}
					},
					"encoding": {"type": "string"},
					"compressed_segmentation_block_size": {"$ref": "#/definitions/positiveTriple"},
					"sharding": {
						"type": "object",
						"required": ["@type", "hash", "minishard_bits", "shard_bits"],
						"properties": {
							"@type": {"const": "neuroglancer_uint64_sharded_v1"},
							"hash": {"type": "string"},
							"preshift_bits": {"type": "integer", "minimum": 0, "maximum": 64},
							"minishard_bits": {"type": "integer", "minimum": 0, "maximum": 64},
							"shard_bits": {"type": "integer", "minimum": 0, "maximum": 64},
							"minishard_index_encoding": {"enum": ["raw", "gzip"]},
							"data_encoding": {"enum": ["raw", "gzip"]}
						}
					}
				}
			}
		}
	},
	"definitions": {
		"intTriple": {
			"type": "array", "minItems": 3, "maxItems": 3,
			"items": {"type": "integer"}
		},
		"positiveTriple": {
			"type": "array", "minItems": 3, "maxItems": 3,
			"items": {"type": "integer", "minimum": 1}
		}
	}
}`

var compiledSchema = jsonschema.MustCompileString("info.schema.json", infoSchema)

// Sharding is the sharded storage layout of a scale.
type Sharding struct {
	FormatType    string `json:"@type"`
	Hash          string `json:"hash"`
	PreshiftBits  uint8  `json:"preshift_bits"`
	MinishardBits uint8  `json:"minishard_bits"`
	ShardBits     uint8  `json:"shard_bits"`
	IndexEncoding string `json:"minishard_index_encoding"` // "raw" or "gzip"
	DataEncoding  string `json:"data_encoding"`            // "raw" or "gzip"
}

// Scale is one resolution of a precomputed volume.
type Scale struct {
	Key                             string        `json:"key"`
	Size                            vox.Point3d   `json:"size"`
	VoxelOffset                     vox.Point3d   `json:"voxel_offset"`
	Resolution                      vox.Vector3d  `json:"resolution"`
	ChunkSizes                      []vox.Point3d `json:"chunk_sizes"`
	Encoding                        string        `json:"encoding"`
	CompressedSegmentationBlockSize vox.Point3d   `json:"compressed_segmentation_block_size"`
	Sharding                        *Sharding     `json:"sharding"`
}

// Info is the parsed "info" object at the root of a precomputed volume.
type Info struct {
	StoreType   string       `json:"@type"`
	VolumeType  string       `json:"type"`
	DataType    vox.DataType `json:"data_type"`
	NumChannels int          `json:"num_channels"`
	Scales      []Scale      `json:"scales"`
	MeshDir     string       `json:"mesh"`
	SkelDir     string       `json:"skeletons"`
}

// ParseInfo validates and parses an info object.
func ParseInfo(data []byte) (*Info, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, vox.WrapError(vox.ParseError, "info", err)
	}
	if err := compiledSchema.Validate(v); err != nil {
		return nil, vox.WrapError(vox.ParseError, "info", err)
	}
	info := new(Info)
	if err := json.Unmarshal(data, info); err != nil {
		return nil, vox.WrapError(vox.ParseError, "info", err)
	}
	return info, nil
}

// Kind returns the volume kind.
func (info *Info) Kind() multiscale.VolumeKind {
	kind, _ := multiscale.ParseVolumeKind(info.VolumeType)
	return kind
}

// Params returns the chunk parameters of a scale.  Encodings without a decoder are
// UnsupportedEncoding errors.
func (info *Info) Params(scale int) (chunk.Params, error) {
	s := info.Scales[scale]
	p := chunk.Params{DataType: info.DataType, NumChannels: info.NumChannels}
	switch s.Encoding {
	case "raw":
		p.Encoding = chunk.Raw
	case "jpeg":
		p.Encoding = chunk.JPEG
	case "compressed_segmentation":
		p.Encoding = chunk.CompressedSegmentation
		p.BlockSize = s.CompressedSegmentationBlockSize
		if p.BlockSize == (vox.Point3d{}) {
			return p, vox.NewError(vox.ParseError, "compressed_segmentation_block_size", "", "required for scale %q", s.Key)
		}
	default:
		return p, vox.NewError(vox.UnsupportedEncoding, "encoding", s.Encoding, "scale %q can't be decoded", s.Key)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// VolumeDescriptor returns one level per scale.  Level bounds are the scale's voxel
// offset and size.
func (info *Info) VolumeDescriptor() (*multiscale.VolumeDescriptor, error) {
	desc := &multiscale.VolumeDescriptor{
		DataType:    info.DataType,
		NumChannels: info.NumChannels,
		Kind:        info.Kind(),
	}
	for i, s := range info.Scales {
		level := multiscale.LevelDescriptor{
			Level:      i,
			VoxelSize:  s.Resolution,
			Lower:      s.VoxelOffset,
			Upper:      s.VoxelOffset.Add(s.Size),
			ChunkSizes: s.ChunkSizes,
			Key:        s.Key,
		}
		if s.Encoding == "compressed_segmentation" {
			level.CompressedBlockSize = s.CompressedSegmentationBlockSize
		}
		if err := level.Validate(0); err != nil {
			return nil, fmt.Errorf("scale %q: %v", s.Key, err)
		}
		desc.Levels = append(desc.Levels, level)
	}
	return desc, nil
}

// Bounds returns the bounds of the base scale in voxels.
func (info *Info) Bounds() vox.Bounds {
	s := info.Scales[0]
	return vox.BoundsFromCorners(s.VoxelOffset.Vector3d(), s.VoxelOffset.Add(s.Size).Vector3d())
}
