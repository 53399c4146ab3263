/*
	Package brainmaps reads volumes, meshes, skeletons and spatial annotations from a
	Brainmaps API server.

	Source URLs have the form

		brainmaps://<project>:<dataset>:<volume>[/<mesh name>][?options]

	where options are

		changestack=<id>          read segmentation, meshes and skeletons as of a change
		                          stack and enable its annotations
		timestamp=<ms>            change stack time stamp
		skip_equivalences=true    ignore change stack equivalences
		encoding=raw|jpeg|compressed_segmentation
		compression=snappy        fetch raw chunks snappy compressed
		endpoint=<url>            server other than brainmaps.googleapis.com
*/
package brainmaps

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/janelia-flyem/go/semver"

	"github.com/janelia-flyem/ngsource/chunk"
	"github.com/janelia-flyem/ngsource/datasource"
	"github.com/janelia-flyem/ngsource/mesh"
	"github.com/janelia-flyem/ngsource/multiscale"
	"github.com/janelia-flyem/ngsource/skeleton"
	"github.com/janelia-flyem/ngsource/transport"
	"github.com/janelia-flyem/ngsource/vox"
)

func init() {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		vox.Errorf("Unable to make semver in brainmaps source: %v\n", err)
	}
	datasource.RegisterProvider(Provider{ver})
}

type subvolumeGeometry struct {
	Corner string `json:"corner"`
	Size   string `json:"size"`
	Scale  int    `json:"scale"`
}

type imageFormatOptions struct {
	ImageFormat                     string `json:"image_format,omitempty"`
	JPEGQuality                     int    `json:"jpeg_quality,omitempty"`
	CompressedSegmentationBlockSize string `json:"compressed_segmentation_block_size,omitempty"`
}

type subvolumeRequest struct {
	Geometry           subvolumeGeometry   `json:"geometry"`
	SubvolumeFormat    string              `json:"subvolume_format"`
	ImageFormatOptions *imageFormatOptions `json:"image_format_options,omitempty"`
	ChangeSpec         *ChangeSpec         `json:"change_spec,omitempty"`
}

// VolumeSource fetches subvolumes of a Brainmaps volume.
type VolumeSource struct {
	transport transport.Transport
	endpoint  string
	volumeID  string
	change    *ChangeSpec
	desc      *multiscale.VolumeDescriptor
	decoder   chunk.Decoder
}

// NewVolumeSource returns a source fetching chunks with the given encoding and, for raw
// chunks, compression.
func NewVolumeSource(t transport.Transport, loc Location, info *VolumeInfo, encoding chunk.Encoding, compression chunk.Compression) (*VolumeSource, error) {
	p := chunk.Params{
		Encoding:    encoding,
		DataType:    info.DataType,
		NumChannels: info.NumChannels,
	}
	switch encoding {
	case chunk.Raw:
		if compression != chunk.Uncompressed && compression != chunk.Snappy {
			return nil, vox.NewError(vox.UnsupportedEncoding, "compression", compression.String(), "raw Brainmaps chunks support snappy compression")
		}
		p.Compression = compression
	case chunk.JPEG:
	case chunk.CompressedSegmentation:
		p.BlockSize = vox.Point3d{8, 8, 8}
	default:
		return nil, vox.NewError(vox.UnsupportedEncoding, "encoding", encoding.String(), "not available from Brainmaps")
	}
	decoder, err := chunk.DefaultRegistry.Decoder(p)
	if err != nil {
		return nil, err
	}
	desc, err := info.VolumeDescriptor(encoding)
	if err != nil {
		return nil, err
	}
	return &VolumeSource{
		transport: t,
		endpoint:  loc.Endpoint,
		volumeID:  loc.VolumeID,
		change:    loc.Change,
		desc:      desc,
		decoder:   decoder,
	}, nil
}

func (v *VolumeSource) Descriptor() *multiscale.VolumeDescriptor { return v.desc }

func (v *VolumeSource) Params() chunk.Params { return v.decoder.Params() }

// SubvolumeRequest returns the body of the subvolume request for a chunk.
func (v *VolumeSource) SubvolumeRequest(req multiscale.ChunkRequest) ([]byte, error) {
	if _, err := v.desc.Level(req.Level); err != nil {
		return nil, err
	}
	body := subvolumeRequest{
		Geometry: subvolumeGeometry{
			Corner: req.Corner.Join(","),
			Size:   req.Size.Join(","),
			Scale:  req.Level,
		},
		ChangeSpec: v.change,
	}
	p := v.decoder.Params()
	switch p.Encoding {
	case chunk.Raw:
		body.SubvolumeFormat = "RAW"
		if p.Compression == chunk.Snappy {
			body.SubvolumeFormat = "RAW_SNAPPY"
		}
	case chunk.JPEG:
		body.SubvolumeFormat = "SINGLE_IMAGE"
		body.ImageFormatOptions = &imageFormatOptions{ImageFormat: "JPEG", JPEGQuality: 70}
	case chunk.CompressedSegmentation:
		body.SubvolumeFormat = "RAW"
		body.ImageFormatOptions = &imageFormatOptions{CompressedSegmentationBlockSize: p.BlockSize.Join(",")}
	}
	return json.Marshal(body)
}

func (v *VolumeSource) FetchChunk(ctx context.Context, req multiscale.ChunkRequest) (*chunk.VoxelBuffer, error) {
	payload, err := v.SubvolumeRequest(req)
	if err != nil {
		return nil, err
	}
	data, err := v.transport.Do(ctx, &transport.Request{
		Endpoint:  v.endpoint,
		Method:    "POST",
		Path:      "/v1/volumes/" + v.volumeID + "/subvolume:binary",
		Payload:   payload,
		Immutable: v.change == nil,
	})
	if err != nil {
		return nil, err
	}
	return v.decoder.Decode(req, data)
}

// MeshSource fetches meshes by listing an object's fragments and retrieving them in
// batches.
type MeshSource struct {
	transport    transport.Transport
	endpoint     string
	volumeID     string
	meshName     string
	change       *ChangeSpec
	maxRetries   int
	fragmentSize float64
}

// NewMeshSource returns a mesh source.  A maxRetries or fragmentSize of zero selects
// the defaults.
func NewMeshSource(t transport.Transport, loc Location, maxRetries int, fragmentSize float64) *MeshSource {
	if maxRetries <= 0 {
		maxRetries = mesh.DefaultMaxRetries
	}
	if fragmentSize <= 0 {
		fragmentSize = mesh.DefaultFragmentSize
	}
	return &MeshSource{
		transport:    t,
		endpoint:     loc.Endpoint,
		volumeID:     loc.VolumeID,
		meshName:     loc.MeshName,
		change:       loc.Change,
		maxRetries:   maxRetries,
		fragmentSize: fragmentSize,
	}
}

// ManifestPath returns the path listing the fragments of an object.
func (m *MeshSource) ManifestPath(objectID uint64) string {
	path := fmt.Sprintf("/v1/objects/%s/meshes/%s:listfragments?object_id=%d", m.volumeID, m.meshName, objectID)
	if m.change != nil {
		path += "&header.changeStackId=" + m.change.ChangeStackID + "&return_supervoxel_ids=true"
	}
	return path
}

// Batches returns the serialized fragment batches of an object, restricted to clip if
// it is not nil.
func (m *MeshSource) Batches(ctx context.Context, objectID uint64, clip *vox.Bounds) ([]string, error) {
	data, err := m.transport.Do(ctx, &transport.Request{Endpoint: m.endpoint, Path: m.ManifestPath(objectID), Kind: transport.JSON})
	if err != nil {
		return nil, err
	}
	ids, err := mesh.DecodeManifest(data, m.change != nil)
	if err != nil {
		return nil, err
	}
	if clip != nil {
		if ids, err = mesh.FilterFragments(ids, *clip, m.fragmentSize); err != nil {
			return nil, err
		}
	}
	return mesh.GroupIntoBatches(ids, mesh.BatchSize)
}

func (m *MeshSource) roundTrip(ctx context.Context, req *mesh.BatchRequest) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return m.transport.Do(ctx, &transport.Request{
		Endpoint: m.endpoint,
		Method:   "POST",
		Path:     "/v1/objects/meshes:batch",
		Payload:  payload,
	})
}

// FetchBatch fetches one batch returned by Batches.
func (m *MeshSource) FetchBatch(ctx context.Context, objectID uint64, batch string) (*mesh.Mesh, error) {
	return mesh.FetchBatch(ctx, m.roundTrip, m.volumeID, m.meshName, objectID, m.change != nil, batch, m.maxRetries)
}

// FetchMesh fetches every batch of an object and merges them into one mesh.
func (m *MeshSource) FetchMesh(ctx context.Context, objectID uint64, clip *vox.Bounds) (*mesh.Mesh, error) {
	batches, err := m.Batches(ctx, objectID, clip)
	if err != nil {
		return nil, err
	}
	var fragments []mesh.Fragment
	for _, batch := range batches {
		ids, err := mesh.ParseBatch(batch)
		if err != nil {
			return nil, err
		}
		f := mesh.NewBatchFetch(m.volumeID, m.meshName, objectID, m.change != nil, ids)
		f.MaxRetries = m.maxRetries
		if _, err := f.Run(ctx, m.roundTrip); err != nil {
			return nil, err
		}
		fragments = append(fragments, f.Fragments()...)
	}
	return mesh.Merge(fragments), nil
}

type skeletonRequest struct {
	ObjectID   string      `json:"object_id"`
	ChangeSpec *ChangeSpec `json:"change_spec,omitempty"`
}

// SkeletonSource fetches skeletons stored alongside a mesh collection.
type SkeletonSource struct {
	transport transport.Transport
	endpoint  string
	volumeID  string
	meshName  string
	change    *ChangeSpec
}

func NewSkeletonSource(t transport.Transport, loc Location) *SkeletonSource {
	return &SkeletonSource{transport: t, endpoint: loc.Endpoint, volumeID: loc.VolumeID, meshName: loc.MeshName, change: loc.Change}
}

func (s *SkeletonSource) FetchSkeleton(ctx context.Context, objectID uint64) (*skeleton.Skeleton, error) {
	payload, err := json.Marshal(skeletonRequest{ObjectID: strconv.FormatUint(objectID, 10), ChangeSpec: s.change})
	if err != nil {
		return nil, err
	}
	data, err := s.transport.Do(ctx, &transport.Request{
		Endpoint: s.endpoint,
		Method:   "POST",
		Path:     fmt.Sprintf("/v1/objects/%s/meshes/%s/skeleton:binary", s.volumeID, s.meshName),
		Payload:  payload,
	})
	if err != nil {
		return nil, err
	}
	return skeleton.Decode(data)
}

// Provider opens brainmaps:// sources.
type Provider struct {
	semver semver.Version
}

func (p Provider) Scheme() string { return "brainmaps" }

func (p Provider) Description() string { return "Google Brainmaps API" }

func (p Provider) SemVer() semver.Version { return p.semver }

// chunkFormat returns the encoding and compression selected by URL options.
func chunkFormat(loc Location, info *VolumeInfo) (chunk.Encoding, chunk.Compression, error) {
	encoding := info.DefaultEncoding()
	if name := loc.Options.Get("encoding"); name != "" {
		e, err := chunk.ParseEncoding(name)
		if err != nil {
			return encoding, chunk.Uncompressed, err
		}
		encoding = e
	}
	switch c := loc.Options.Get("compression"); c {
	case "":
		return encoding, chunk.Uncompressed, nil
	case "snappy":
		return encoding, chunk.Snappy, nil
	default:
		return encoding, chunk.Uncompressed, vox.NewError(vox.UnsupportedEncoding, "compression", c, "only snappy is supported")
	}
}

func (p Provider) Open(ctx context.Context, env *datasource.Env, path string) (*datasource.Source, error) {
	loc, err := ParseURL(path)
	if err != nil {
		return nil, err
	}
	info, err := GetVolumeInfo(ctx, env.HTTP, env.Memo, loc.Endpoint, loc.VolumeID)
	if err != nil {
		return nil, err
	}
	encoding, compression, err := chunkFormat(loc, info)
	if err != nil {
		return nil, err
	}
	vs, err := NewVolumeSource(env.HTTP, loc, info, encoding, compression)
	if err != nil {
		return nil, err
	}
	src := &datasource.Source{Volume: vs}
	if loc.MeshName != "" {
		src.Mesh = NewMeshSource(env.HTTP, loc, env.Config.Mesh.MaxBatchRetries, float64(env.Config.Mesh.FragmentSize))
		src.Skeleton = NewSkeletonSource(env.HTTP, loc)
	}
	if loc.Change != nil {
		src.Annotations = NewAnnotationSource(env.HTTP, loc)
	}
	return src, nil
}

// Complete completes volume ids, then mesh names once a volume id and "/" are given.
func (p Provider) Complete(ctx context.Context, env *datasource.Env, partial string) ([]string, error) {
	loc := Location{Endpoint: DefaultEndpoint}
	if i := strings.Index(partial, "/"); i >= 0 {
		volumeID, prefix := partial[:i], partial[i+1:]
		meshes, err := ListMeshes(ctx, env.HTTP, loc.Endpoint, volumeID)
		if err != nil {
			return nil, err
		}
		var completions []string
		for _, m := range meshes {
			if strings.HasPrefix(m.Name, prefix) {
				completions = append(completions, volumeID+"/"+m.Name)
			}
		}
		return completions, nil
	}
	volumes, err := ListVolumes(ctx, env.HTTP, loc.Endpoint)
	if err != nil {
		return nil, err
	}
	var completions []string
	for _, id := range volumes {
		if strings.HasPrefix(id, partial) {
			completions = append(completions, id)
		}
	}
	return completions, nil
}
