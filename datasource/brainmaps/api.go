package brainmaps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/janelia-flyem/ngsource/chunk"
	"github.com/janelia-flyem/ngsource/multiscale"
	"github.com/janelia-flyem/ngsource/transport"
	"github.com/janelia-flyem/ngsource/vox"
)

// DefaultEndpoint is the production Brainmaps API server.
const DefaultEndpoint = "https://brainmaps.googleapis.com"

// DefaultChunkSizes are the candidate chunk sizes offered for every level.
var DefaultChunkSizes = []vox.Point3d{{64, 64, 64}, {128, 128, 32}}

var volumeIDPattern = regexp.MustCompile(`^([^:/?]+):([^:/?]+):([^:/?]+)$`)

// ChangeSpec selects the state of a change stack for segmentation, mesh and skeleton
// requests.
type ChangeSpec struct {
	ChangeStackID    string `json:"change_stack_id"`
	TimeStamp        int64  `json:"time_stamp,omitempty"`
	SkipEquivalences bool   `json:"skip_equivalences,omitempty"`
}

// Location identifies a volume, and optionally one of its meshes, on a Brainmaps server.
type Location struct {
	Endpoint string
	VolumeID string
	MeshName string

	// Change is nil when no change stack is selected.
	Change *ChangeSpec

	Options url.Values
}

func (l Location) String() string {
	s := l.VolumeID
	if l.MeshName != "" {
		s += "/" + l.MeshName
	}
	if len(l.Options) != 0 {
		s += "?" + l.Options.Encode()
	}
	return s
}

// ParseURL parses the path of a Brainmaps source URL,
// project:dataset:volume[/mesh][?options].
func ParseURL(path string) (Location, error) {
	loc := Location{Endpoint: DefaultEndpoint}
	if i := strings.Index(path, "?"); i >= 0 {
		opts, err := url.ParseQuery(path[i+1:])
		if err != nil {
			return loc, vox.WrapError(vox.ParseError, "Brainmaps URL options", err)
		}
		loc.Options = opts
		path = path[:i]
	}
	if i := strings.Index(path, "/"); i >= 0 {
		loc.MeshName = path[i+1:]
		path = path[:i]
		if loc.MeshName == "" || strings.Contains(loc.MeshName, "/") {
			return loc, vox.NewError(vox.ParseError, "Brainmaps URL", path, "expected project:dataset:volume/mesh")
		}
	}
	if !volumeIDPattern.MatchString(path) {
		return loc, vox.NewError(vox.ParseError, "Brainmaps URL", path, "expected project:dataset:volume")
	}
	loc.VolumeID = path
	if ep := loc.Options.Get("endpoint"); ep != "" {
		loc.Endpoint = strings.TrimSuffix(ep, "/")
	}
	if cs := loc.Options.Get("changestack"); cs != "" {
		loc.Change = &ChangeSpec{ChangeStackID: cs}
		if ts := loc.Options.Get("timestamp"); ts != "" {
			v, err := strconv.ParseInt(ts, 10, 64)
			if err != nil {
				return loc, vox.NewError(vox.ParseError, "timestamp", ts, "expected integer")
			}
			loc.Change.TimeStamp = v
		}
		if skip := loc.Options.Get("skip_equivalences"); skip != "" {
			v, err := strconv.ParseBool(skip)
			if err != nil {
				return loc, vox.NewError(vox.ParseError, "skip_equivalences", skip, "expected boolean")
			}
			loc.Change.SkipEquivalences = v
		}
	}
	return loc, nil
}

// jsonInt64 accepts the API's 64-bit integers, which are sent as decimal strings, as
// well as plain JSON numbers.
type jsonInt64 int64

func (v *jsonInt64) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return vox.NewError(vox.ParseError, "integer", string(b), "expected integer")
	}
	*v = jsonInt64(n)
	return nil
}

type xyzInt struct {
	X, Y, Z jsonInt64
}

type xyzFloat struct {
	X, Y, Z float64
}

// Geometry is one scale of a volume as listed by the server.
type Geometry struct {
	VolumeSize   xyzInt    `json:"volumeSize"`
	ChannelCount jsonInt64 `json:"channelCount"`
	ChannelType  string    `json:"channelType"`
	PixelSize    xyzFloat  `json:"pixelSize"`
}

var channelTypes = map[string]vox.DataType{
	"UINT8":  vox.T_uint8,
	"UINT16": vox.T_uint16,
	"UINT32": vox.T_uint32,
	"UINT64": vox.T_uint64,
	"FLOAT":  vox.T_float32,
}

// VolumeInfo is the parsed geometry of a volume.
type VolumeInfo struct {
	DataType    vox.DataType
	NumChannels int
	Scales      []Geometry
}

// ParseVolumeInfo parses the response of GET /v1/volumes/{id}.  All scales must agree
// on channel count and type.
func ParseVolumeInfo(data []byte) (*VolumeInfo, error) {
	var resp struct {
		Geometry []Geometry `json:"geometry"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, vox.WrapError(vox.ParseError, "volume geometry", err)
	}
	if len(resp.Geometry) == 0 {
		return nil, vox.NewError(vox.ParseError, "geometry", "", "volume has no scales")
	}
	info := new(VolumeInfo)
	for i, g := range resp.Geometry {
		t, found := channelTypes[g.ChannelType]
		if !found {
			return nil, vox.NewError(vox.ParseError, "channelType", g.ChannelType, "unsupported channel type")
		}
		if g.ChannelCount <= 0 {
			return nil, vox.NewError(vox.ParseError, "channelCount", strconv.Itoa(int(g.ChannelCount)), "must be positive")
		}
		if i == 0 {
			info.DataType = t
			info.NumChannels = int(g.ChannelCount)
		} else if t != info.DataType || int(g.ChannelCount) != info.NumChannels {
			return nil, fmt.Errorf("scale %d is %s x %d, scale 0 is %s x %d", i, t, g.ChannelCount, info.DataType, info.NumChannels)
		}
		if g.VolumeSize.X <= 0 || g.VolumeSize.Y <= 0 || g.VolumeSize.Z <= 0 {
			return nil, vox.NewError(vox.ParseError, "volumeSize", fmt.Sprintf("%v", g.VolumeSize), "must be positive")
		}
		if g.PixelSize.X <= 0 || g.PixelSize.Y <= 0 || g.PixelSize.Z <= 0 {
			return nil, vox.NewError(vox.ParseError, "pixelSize", fmt.Sprintf("%v", g.PixelSize), "must be positive")
		}
	}
	info.Scales = resp.Geometry
	return info, nil
}

// Kind returns Segmentation for single channel 64-bit volumes.
func (info *VolumeInfo) Kind() multiscale.VolumeKind {
	if info.DataType == vox.T_uint64 && info.NumChannels == 1 {
		return multiscale.Segmentation
	}
	return multiscale.Image
}

// DefaultEncoding is compressed segmentation for segmentation, JPEG for single channel
// uint8 images and raw otherwise.
func (info *VolumeInfo) DefaultEncoding() chunk.Encoding {
	switch {
	case info.Kind() == multiscale.Segmentation:
		return chunk.CompressedSegmentation
	case info.DataType == vox.T_uint8 && info.NumChannels == 1:
		return chunk.JPEG
	default:
		return chunk.Raw
	}
}

// VolumeDescriptor returns one level per scale.  Scales are addressed by index so each
// level key is its scale index.
func (info *VolumeInfo) VolumeDescriptor(encoding chunk.Encoding) (*multiscale.VolumeDescriptor, error) {
	desc := &multiscale.VolumeDescriptor{
		DataType:    info.DataType,
		NumChannels: info.NumChannels,
		Kind:        info.Kind(),
	}
	for i, g := range info.Scales {
		level := multiscale.LevelDescriptor{
			Level:      i,
			VoxelSize:  vox.Vector3d{g.PixelSize.X, g.PixelSize.Y, g.PixelSize.Z},
			Upper:      vox.Point3d{int32(g.VolumeSize.X), int32(g.VolumeSize.Y), int32(g.VolumeSize.Z)},
			ChunkSizes: DefaultChunkSizes,
			Key:        strconv.Itoa(i),
		}
		if encoding == chunk.CompressedSegmentation {
			level.CompressedBlockSize = vox.Point3d{8, 8, 8}
		}
		if err := level.Validate(0); err != nil {
			return nil, err
		}
		desc.Levels = append(desc.Levels, level)
	}
	return desc, nil
}

// MeshInfo names a mesh collection of a volume.
type MeshInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func get(ctx context.Context, t transport.Transport, endpoint, path string, v interface{}) error {
	return transport.GetJSON(ctx, t, &transport.Request{Endpoint: endpoint, Path: path, Kind: transport.JSON}, v)
}

// ListVolumes returns the ids of the volumes visible to the caller.
func ListVolumes(ctx context.Context, t transport.Transport, endpoint string) ([]string, error) {
	var resp struct {
		VolumeID []string `json:"volumeId"`
	}
	if err := get(ctx, t, endpoint, "/v1/volumes", &resp); err != nil {
		return nil, err
	}
	return resp.VolumeID, nil
}

// GetVolumeInfo fetches the geometry of a volume, remembering it in memo if not nil.
func GetVolumeInfo(ctx context.Context, t transport.Transport, memo *transport.Memo, endpoint, volumeID string) (*VolumeInfo, error) {
	fetch := func(ctx context.Context) (interface{}, error) {
		data, err := t.Do(ctx, &transport.Request{Endpoint: endpoint, Path: "/v1/volumes/" + volumeID, Kind: transport.JSON})
		if err != nil {
			return nil, fmt.Errorf("geometry of Brainmaps volume %s: %w", volumeID, err)
		}
		return ParseVolumeInfo(data)
	}
	var v interface{}
	var err error
	if memo == nil {
		v, err = fetch(ctx)
	} else {
		v, err = memo.Get(ctx, "brainmaps:volume:"+endpoint+"/"+volumeID, fetch)
	}
	if err != nil {
		return nil, err
	}
	return v.(*VolumeInfo), nil
}

// ListMeshes returns the mesh collections of a volume.
func ListMeshes(ctx context.Context, t transport.Transport, endpoint, volumeID string) ([]MeshInfo, error) {
	var resp struct {
		Meshes []MeshInfo `json:"meshes"`
	}
	if err := get(ctx, t, endpoint, "/v1/objects/"+volumeID+"/meshes", &resp); err != nil {
		return nil, err
	}
	return resp.Meshes, nil
}

// ListChangeStacks returns the change stacks of a volume.
func ListChangeStacks(ctx context.Context, t transport.Transport, endpoint, volumeID string) ([]string, error) {
	var resp struct {
		ChangeStackID []string `json:"changeStackId"`
	}
	if err := get(ctx, t, endpoint, "/v1/changes/"+volumeID+"/change_stacks", &resp); err != nil {
		return nil, err
	}
	return resp.ChangeStackID, nil
}
