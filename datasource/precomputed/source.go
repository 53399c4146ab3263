/*
	Package precomputed reads volumes and meshes stored in the neuroglancer precomputed
	format from buckets or HTTP servers.

	Source URLs give the directory holding the "info" object:

		precomputed://gs://bucket/path/to/volume
		precomputed://s3://bucket/volume
		precomputed://file:///data/volume
		precomputed://https://host/path/to/volume

	Unsharded chunks are stored as objects named
	{scale key}/{x0}-{x1}_{y0}-{y1}_{z0}-{z1}.  Sharded scales using the identity hash
	are read through the shard indices with ranged reads.
*/
package precomputed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/janelia-flyem/go/semver"

	"github.com/janelia-flyem/ngsource/annotation"
	"github.com/janelia-flyem/ngsource/chunk"
	"github.com/janelia-flyem/ngsource/datasource"
	"github.com/janelia-flyem/ngsource/mesh"
	"github.com/janelia-flyem/ngsource/multiscale"
	"github.com/janelia-flyem/ngsource/transport"
	"github.com/janelia-flyem/ngsource/vox"
)

func init() {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		vox.Errorf("Unable to make semver in precomputed source: %v\n", err)
	}
	datasource.RegisterProvider(Provider{ver})
}

// GetInfo fetches and parses the info object of a volume, remembering it in memo if
// not nil.
func GetInfo(ctx context.Context, t transport.Transport, memo *transport.Memo, endpoint string) (*Info, error) {
	fetch := func(ctx context.Context) (interface{}, error) {
		data, err := t.Do(ctx, &transport.Request{Endpoint: endpoint, Path: "info", Kind: transport.JSON})
		if err != nil {
			return nil, fmt.Errorf("info of precomputed volume %s: %w", endpoint, err)
		}
		return ParseInfo(data)
	}
	var v interface{}
	var err error
	if memo == nil {
		v, err = fetch(ctx)
	} else {
		v, err = memo.Get(ctx, "precomputed:info:"+endpoint, fetch)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Info), nil
}

// ChunkKey returns the object name of an unsharded chunk.
func ChunkKey(scaleKey string, req multiscale.ChunkRequest) string {
	end := req.End()
	return fmt.Sprintf("%s/%d-%d_%d-%d_%d-%d", scaleKey,
		req.Corner[0], end[0], req.Corner[1], end[1], req.Corner[2], end[2])
}

// VolumeSource fetches chunks of a precomputed volume.
type VolumeSource struct {
	transport transport.Transport
	endpoint  string
	desc      *multiscale.VolumeDescriptor
	decoders  []chunk.Decoder
	sharded   []*shardedScale // nil entries for unsharded scales
}

// NewVolumeSource returns a source for the volume at endpoint.  Every scale must have
// a supported encoding.
func NewVolumeSource(t transport.Transport, endpoint string, info *Info) (*VolumeSource, error) {
	desc, err := info.VolumeDescriptor()
	if err != nil {
		return nil, err
	}
	v := &VolumeSource{
		transport: t,
		endpoint:  endpoint,
		desc:      desc,
		decoders:  make([]chunk.Decoder, len(info.Scales)),
		sharded:   make([]*shardedScale, len(info.Scales)),
	}
	for i, s := range info.Scales {
		p, err := info.Params(i)
		if err != nil {
			return nil, err
		}
		if v.decoders[i], err = chunk.DefaultRegistry.Decoder(p); err != nil {
			return nil, err
		}
		if s.Sharding != nil {
			if v.sharded[i], err = newShardedScale(t, endpoint, s); err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}

func (v *VolumeSource) Descriptor() *multiscale.VolumeDescriptor { return v.desc }

// Params returns the chunk parameters of the base scale.
func (v *VolumeSource) Params() chunk.Params { return v.decoders[0].Params() }

// FetchChunk fetches and decodes a chunk.  Chunks that are not stored are all zero.
func (v *VolumeSource) FetchChunk(ctx context.Context, req multiscale.ChunkRequest) (*chunk.VoxelBuffer, error) {
	level, err := v.desc.Level(req.Level)
	if err != nil {
		return nil, err
	}
	decoder := v.decoders[req.Level]
	var data []byte
	if ss := v.sharded[req.Level]; ss != nil {
		data, err = ss.Get(ctx, req.Corner)
	} else {
		data, err = v.transport.Do(ctx, &transport.Request{Endpoint: v.endpoint, Path: ChunkKey(level.Key, req), Immutable: true})
		if errors.Is(err, transport.ErrNotFound) {
			data, err = nil, nil
		}
	}
	if err != nil {
		return nil, err
	}
	if data == nil {
		p := decoder.Params()
		return chunk.NewVoxelBuffer(p.DataType, p.NumChannels, req.Size), nil
	}
	return decoder.Decode(req, data)
}

// MeshSource reads meshes stored as a manifest per object, {mesh dir}/{id}:0, and one
// object per fragment.
type MeshSource struct {
	transport transport.Transport
	endpoint  string
	dir       string
}

func NewMeshSource(t transport.Transport, endpoint, dir string) *MeshSource {
	return &MeshSource{transport: t, endpoint: endpoint, dir: strings.Trim(dir, "/")}
}

// FetchMesh fetches and merges every fragment of an object.  Fragments are not
// spatially indexed so clip is ignored.
func (m *MeshSource) FetchMesh(ctx context.Context, objectID uint64, clip *vox.Bounds) (*mesh.Mesh, error) {
	manifest, err := m.transport.Do(ctx, &transport.Request{
		Endpoint: m.endpoint,
		Path:     m.dir + "/" + strconv.FormatUint(objectID, 10) + ":0",
		Kind:     transport.JSON,
	})
	if err != nil {
		return nil, err
	}
	ids, err := mesh.DecodeLegacyManifest(manifest)
	if err != nil {
		return nil, err
	}
	fragments := make([]mesh.Fragment, 0, len(ids))
	for _, id := range ids {
		data, err := m.transport.Do(ctx, &transport.Request{Endpoint: m.endpoint, Path: m.dir + "/" + string(id), Immutable: true})
		if err != nil {
			return nil, err
		}
		f, err := mesh.DecodeLegacyFragment(id, data)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, f)
	}
	return mesh.Merge(fragments), nil
}

// DataBoundsID is the id of the single annotation of a BoundsSource.
const DataBoundsID = "data-bounds"

// BoundsSource is a read-only annotation source holding a box around the volume.
type BoundsSource struct {
	box *annotation.Annotation
}

func NewBoundsSource(info *Info) *BoundsSource {
	b := info.Bounds()
	return &BoundsSource{box: &annotation.Annotation{
		Type:        annotation.AxisAlignedBox,
		ID:          DataBoundsID,
		Description: "data bounds",
		PointA:      b.Min(),
		PointB:      b.Max(),
	}}
}

func (s *BoundsSource) ReadOnly() bool { return true }

func (s *BoundsSource) InBounds(ctx context.Context, bounds vox.Bounds) ([]*annotation.Annotation, error) {
	return annotation.Filter([]*annotation.Annotation{s.box}, bounds), nil
}

func (s *BoundsSource) ForSegment(ctx context.Context, segment uint64) ([]*annotation.Annotation, error) {
	return nil, nil
}

func (s *BoundsSource) Get(ctx context.Context, id string) (*annotation.Annotation, error) {
	if id != DataBoundsID {
		return nil, nil
	}
	return s.box, nil
}

func (s *BoundsSource) Add(ctx context.Context, a *annotation.Annotation) (string, error) {
	return "", datasource.ErrReadOnly
}

func (s *BoundsSource) Update(ctx context.Context, a *annotation.Annotation) error {
	return datasource.ErrReadOnly
}

func (s *BoundsSource) Delete(ctx context.Context, id string) error {
	return datasource.ErrReadOnly
}

// Provider opens precomputed:// sources.
type Provider struct {
	semver semver.Version
}

func (p Provider) Scheme() string { return "precomputed" }

func (p Provider) Description() string { return "neuroglancer precomputed" }

func (p Provider) SemVer() semver.Version { return p.semver }

// transportFor returns the HTTP transport for http(s) endpoints and the blob transport
// otherwise.
func transportFor(env *datasource.Env, endpoint string) transport.Transport {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return env.HTTP
	}
	return env.Blob
}

func (p Provider) Open(ctx context.Context, env *datasource.Env, path string) (*datasource.Source, error) {
	endpoint := strings.TrimSuffix(path, "/")
	if !strings.Contains(endpoint, "://") {
		return nil, vox.NewError(vox.ParseError, "precomputed URL", path, "expected a bucket or http(s) URL")
	}
	t := transportFor(env, endpoint)
	info, err := GetInfo(ctx, t, env.Memo, endpoint)
	if err != nil {
		return nil, err
	}
	vs, err := NewVolumeSource(t, endpoint, info)
	if err != nil {
		return nil, err
	}
	src := &datasource.Source{Volume: vs, Annotations: NewBoundsSource(info)}
	if info.MeshDir != "" {
		src.Mesh = NewMeshSource(t, endpoint, info.MeshDir)
	}
	return src, nil
}
