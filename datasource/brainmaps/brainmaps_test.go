package brainmaps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/golang/snappy"
	. "github.com/janelia-flyem/go/gocheck"

	"github.com/janelia-flyem/ngsource/annotation"
	"github.com/janelia-flyem/ngsource/chunk"
	"github.com/janelia-flyem/ngsource/datasource"
	"github.com/janelia-flyem/ngsource/labels"
	"github.com/janelia-flyem/ngsource/mesh"
	"github.com/janelia-flyem/ngsource/multiscale"
	"github.com/janelia-flyem/ngsource/skeleton"
	"github.com/janelia-flyem/ngsource/transport"
	"github.com/janelia-flyem/ngsource/vox"
)

func Test(t *testing.T) { TestingT(t) }

type BrainmapsSuite struct{}

var _ = Suite(&BrainmapsSuite{})

const (
	segGeometry = `{"geometry":[
		{"volumeSize":{"x":"256","y":"256","z":"128"},"channelCount":"1","channelType":"UINT64","pixelSize":{"x":8,"y":8,"z":40}},
		{"volumeSize":{"x":"128","y":"128","z":"64"},"channelCount":"1","channelType":"UINT64","pixelSize":{"x":16,"y":16,"z":80}}]}`
	imageGeometry = `{"geometry":[
		{"volumeSize":{"x":100,"y":100,"z":100},"channelCount":"1","channelType":"UINT16","pixelSize":{"x":4,"y":4,"z":4}}]}`
)

// fakeServer answers Brainmaps API requests in memory.
type fakeServer struct {
	c *C

	mu       sync.Mutex
	requests []*transport.Request
	batches  int
}

func (s *fakeServer) record(req *transport.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
}

func (s *fakeServer) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, r := range s.requests {
		if r.Path == path {
			n++
		}
	}
	return n
}

func (s *fakeServer) Do(ctx context.Context, req *transport.Request) ([]byte, error) {
	s.record(req)
	notFound := &transport.StatusError{URL: req.Endpoint + req.Path, StatusCode: 404}
	switch {
	case req.Path == "/v1/volumes":
		return []byte(`{"volumeId":["p:d:seg","p:d:image","q:d:other"]}`), nil
	case req.Path == "/v1/volumes/p:d:seg":
		return []byte(segGeometry), nil
	case req.Path == "/v1/volumes/p:d:image":
		return []byte(imageGeometry), nil
	case req.Path == "/v1/objects/p:d:seg/meshes":
		return []byte(`{"meshes":[{"name":"mesh_v1","type":"TRIANGLES"},{"name":"skel","type":"LINE_SEGMENTS"}]}`), nil
	case req.Path == "/v1/changes/p:d:seg/change_stacks":
		return []byte(`{"changeStackId":["cs1","cs2"]}`), nil
	case strings.HasSuffix(req.Path, "/subvolume:binary"):
		return s.subvolume(req)
	case strings.HasPrefix(req.Path, "/v1/objects/p:d:seg/meshes/mesh_v1:listfragments"):
		if strings.Contains(req.Path, "changeStackId=cs1") {
			return []byte(`{"fragmentKey":["0","7"],"supervoxelId":["11","12"]}`), nil
		}
		return []byte(`{"fragmentKey":["0","7"]}`), nil
	case req.Path == "/v1/objects/meshes:batch":
		return s.batch(req)
	case req.Path == "/v1/objects/p:d:seg/meshes/mesh_v1/skeleton:binary":
		var body skeletonRequest
		s.c.Assert(json.Unmarshal(req.Payload, &body), IsNil)
		if body.ObjectID != "5" {
			return nil, notFound
		}
		skel := &skeleton.Skeleton{Vertices: []float32{0, 0, 0, 1, 2, 3}, Edges: []uint32{0, 1}}
		return skel.Encode(), nil
	case strings.HasPrefix(req.Path, "/v1/changes/p:d:seg/cs1/spatials:"):
		return s.spatials(req)
	}
	return nil, notFound
}

func (s *fakeServer) subvolume(req *transport.Request) ([]byte, error) {
	var body subvolumeRequest
	s.c.Assert(json.Unmarshal(req.Payload, &body), IsNil)
	size := vox.Point3d{64, 64, 64}
	switch {
	case strings.Contains(req.Path, "p:d:seg"):
		s.c.Assert(body.SubvolumeFormat, Equals, "RAW")
		s.c.Assert(body.ImageFormatOptions.CompressedSegmentationBlockSize, Equals, "8,8,8")
		lbls := make([]uint64, size.Prod())
		for i := range lbls {
			lbls[i] = uint64(body.Geometry.Scale + 100)
		}
		words, err := labels.EncodeCompressedSegmentation(lbls, size, vox.Point3d{8, 8, 8}, true)
		s.c.Assert(err, IsNil)
		return vox.BytesFromUint32s(words), nil
	default:
		s.c.Assert(body.SubvolumeFormat, Equals, "RAW_SNAPPY")
		raw := make([]byte, size.Prod()*2)
		raw[0], raw[1] = 0x34, 0x12
		return snappy.Encode(nil, raw), nil
	}
}

// batch returns only the first fragment asked for so every fetch needs a retry.
func (s *fakeServer) batch(req *transport.Request) ([]byte, error) {
	var body mesh.BatchRequest
	s.c.Assert(json.Unmarshal(req.Payload, &body), IsNil)
	s.mu.Lock()
	s.batches++
	s.mu.Unlock()
	entry := body.Batches[0]
	var objectID uint64
	fmt.Sscanf(entry.ObjectID, "%d", &objectID)
	key := entry.FragmentKeys[0]
	offset := float32(0)
	if key == "7" {
		offset = 10
	}
	vertices := []float32{offset, 0, 0, offset + 1, 0, 0, offset, 1, 0}
	return mesh.AppendBatchRecord(nil, objectID, key, vertices, []uint32{0, 1, 2}), nil
}

func (s *fakeServer) spatials(req *transport.Request) ([]byte, error) {
	switch {
	case strings.HasSuffix(req.Path, ":get"):
		var q spatialsQuery
		s.c.Assert(json.Unmarshal(req.Payload, &q), IsNil)
		if q.ID != "" {
			switch q.ID {
			case "p:d:seg:cs1:LOCATION.1":
				return []byte(`{"annotations":[{"id":"p:d:seg:cs1:LOCATION.1","type":"LOCATION","corner":"1,2,3","size":"0,0,0","payload":"soma"}]}`), nil
			case "p:d:seg:cs1:LOCATION.4":
				return []byte(`{"annotations":[{"id":"q:d:other:cs1:LOCATION.4","type":"LOCATION","corner":"1,2,3","size":"0,0,0"}]}`), nil
			case "p:d:seg:cs1:LOCATION.5":
				return []byte(`{"annotations":[]}`), nil
			}
			return nil, &transport.StatusError{StatusCode: 404}
		}
		s.c.Assert(q.IgnorePayload, Equals, true)
		switch q.Type {
		case annotation.Location:
			if len(q.ObjectLabels) != 0 {
				s.c.Assert(q.ObjectLabels, DeepEquals, []string{"42"})
				return []byte(`{"annotations":[{"id":"p:d:seg:cs1:LOCATION.1","type":"LOCATION","corner":"1,2,3","size":"0,0,0","objectLabels":["42"]}]}`), nil
			}
			return []byte(`{"annotations":[
				{"id":"p:d:seg:cs1:LOCATION.1","type":"LOCATION","corner":"1,2,3","size":"0,0,0"},
				{"id":"p:d:seg:cs1:LOCATION.2","type":"LOCATION","corner":"500,500,500","size":"0,0,0"}]}`), nil
		case annotation.LineType:
			return []byte(`{"annotations":[{"id":"p:d:seg:cs1:LINE.3","type":"LINE","corner":"0,0,0","size":"10,10,10"}]}`), nil
		default:
			return []byte(`{}`), nil
		}
	case strings.HasSuffix(req.Path, ":push"):
		var push spatialsPush
		s.c.Assert(json.Unmarshal(req.Payload, &push), IsNil)
		s.c.Assert(push.Annotations, HasLen, 1)
		if push.Annotations[0].ID != "" {
			return []byte(`{}`), nil
		}
		return []byte(`{"ids":["p:d:seg:cs1:VOLUME.9"]}`), nil
	case strings.HasSuffix(req.Path, ":delete"):
		var del spatialsDelete
		s.c.Assert(json.Unmarshal(req.Payload, &del), IsNil)
		s.c.Assert(del.Type, Equals, annotation.LineType)
		s.c.Assert(del.IDs, DeepEquals, []string{"p:d:seg:cs1:LINE.3"})
		return []byte(`{}`), nil
	}
	return nil, &transport.StatusError{StatusCode: 404}
}

func newTestEnv(c *C) (*datasource.Env, *fakeServer) {
	server := &fakeServer{c: c}
	return datasource.NewTestEnv(server), server
}

func (s *BrainmapsSuite) TestParseURL(c *C) {
	loc, err := ParseURL("p:d:v/mesh?changestack=cs&timestamp=123&skip_equivalences=true")
	c.Assert(err, IsNil)
	c.Assert(loc.Endpoint, Equals, DefaultEndpoint)
	c.Assert(loc.VolumeID, Equals, "p:d:v")
	c.Assert(loc.MeshName, Equals, "mesh")
	c.Assert(*loc.Change, Equals, ChangeSpec{ChangeStackID: "cs", TimeStamp: 123, SkipEquivalences: true})

	loc, err = ParseURL("p:d:v?endpoint=http://localhost:9000/")
	c.Assert(err, IsNil)
	c.Assert(loc.Endpoint, Equals, "http://localhost:9000")
	c.Assert(loc.Change, IsNil)

	for _, bad := range []string{"p:d", "p:d:v/", "p:d:v/a/b", "p:d:v?changestack=x&timestamp=abc"} {
		_, err = ParseURL(bad)
		c.Assert(errors.Is(err, vox.ParseError), Equals, true, Commentf("url %q", bad))
	}
}

func (s *BrainmapsSuite) TestParseVolumeInfo(c *C) {
	info, err := ParseVolumeInfo([]byte(segGeometry))
	c.Assert(err, IsNil)
	c.Assert(info.DataType, Equals, vox.T_uint64)
	c.Assert(info.Kind(), Equals, multiscale.Segmentation)
	c.Assert(info.DefaultEncoding(), Equals, chunk.CompressedSegmentation)

	desc, err := info.VolumeDescriptor(chunk.CompressedSegmentation)
	c.Assert(err, IsNil)
	c.Assert(desc.Levels, HasLen, 2)
	c.Assert(desc.Levels[1].Upper, Equals, vox.Point3d{128, 128, 64})
	c.Assert(desc.Levels[1].VoxelSize, Equals, vox.Vector3d{16, 16, 80})
	c.Assert(desc.Levels[1].Key, Equals, "1")
	c.Assert(desc.Levels[0].CompressedBlockSize, Equals, vox.Point3d{8, 8, 8})

	info, err = ParseVolumeInfo([]byte(imageGeometry))
	c.Assert(err, IsNil)
	c.Assert(info.DefaultEncoding(), Equals, chunk.Raw)

	bad := []string{
		`{"geometry":[]}`,
		`{"geometry":[{"volumeSize":{"x":1,"y":1,"z":1},"channelCount":1,"channelType":"COMPLEX","pixelSize":{"x":1,"y":1,"z":1}}]}`,
		`{"geometry":[{"volumeSize":{"x":1,"y":0,"z":1},"channelCount":1,"channelType":"UINT8","pixelSize":{"x":1,"y":1,"z":1}}]}`,
		`{"geometry":[{"volumeSize":{"x":"a","y":1,"z":1},"channelCount":1,"channelType":"UINT8","pixelSize":{"x":1,"y":1,"z":1}}]}`,
	}
	for _, data := range bad {
		_, err = ParseVolumeInfo([]byte(data))
		c.Assert(err, NotNil, Commentf("geometry %s", data))
	}
}

func (s *BrainmapsSuite) TestVolume(c *C) {
	env, server := newTestEnv(c)
	ctx := context.Background()

	src, err := env.Open(ctx, "brainmaps://p:d:seg")
	c.Assert(err, IsNil)
	c.Assert(src.Mesh, IsNil)
	c.Assert(src.Annotations, IsNil)
	c.Assert(src.Volume.Params().Encoding, Equals, chunk.CompressedSegmentation)

	req := multiscale.ChunkRequest{Level: 1, Corner: vox.Point3d{64, 0, 0}, Size: vox.Point3d{64, 64, 64}}
	buf, err := src.Volume.FetchChunk(ctx, req)
	c.Assert(err, IsNil)
	c.Assert(buf.Value(vox.Point3d{3, 4, 5}, 0), Equals, uint64(101))

	payload, err := src.Volume.(*VolumeSource).SubvolumeRequest(req)
	c.Assert(err, IsNil)
	c.Assert(string(payload), Equals, `{"geometry":{"corner":"64,0,0","size":"64,64,64","scale":1},"subvolume_format":"RAW","image_format_options":{"compressed_segmentation_block_size":"8,8,8"}}`)

	_, err = src.Volume.FetchChunk(ctx, multiscale.ChunkRequest{Level: 2, Size: vox.Point3d{64, 64, 64}})
	c.Assert(err, NotNil)

	src, err = env.Open(ctx, "brainmaps://p:d:image?compression=snappy")
	c.Assert(err, IsNil)
	buf, err = src.Volume.FetchChunk(ctx, multiscale.ChunkRequest{Size: vox.Point3d{64, 64, 64}})
	c.Assert(err, IsNil)
	c.Assert(buf.Value(vox.Point3d{0, 0, 0}, 0), Equals, uint64(0x1234))

	_, err = env.Open(ctx, "brainmaps://p:d:image?encoding=label_blocks")
	c.Assert(errors.Is(err, vox.UnsupportedEncoding), Equals, true)
	_, err = env.Open(ctx, "brainmaps://p:d:image?compression=gzip")
	c.Assert(errors.Is(err, vox.UnsupportedEncoding), Equals, true)
	_, err = env.Open(ctx, "brainmaps://p:d:missing")
	c.Assert(errors.Is(err, transport.ErrNotFound), Equals, true)

	// geometry is memoized per volume
	c.Assert(server.count("/v1/volumes/p:d:seg"), Equals, 1)
}

func (s *BrainmapsSuite) TestChangeSpec(c *C) {
	env, _ := newTestEnv(c)
	src, err := env.Open(context.Background(), "brainmaps://p:d:seg/mesh_v1?changestack=cs1&timestamp=99")
	c.Assert(err, IsNil)
	payload, err := src.Volume.(*VolumeSource).SubvolumeRequest(multiscale.ChunkRequest{Size: vox.Point3d{64, 64, 64}})
	c.Assert(err, IsNil)
	c.Assert(strings.HasSuffix(string(payload), `"change_spec":{"change_stack_id":"cs1","time_stamp":99}}`), Equals, true)

	ms := src.Mesh.(*MeshSource)
	c.Assert(ms.ManifestPath(42), Equals, "/v1/objects/p:d:seg/meshes/mesh_v1:listfragments?object_id=42&header.changeStackId=cs1&return_supervoxel_ids=true")
}

func (s *BrainmapsSuite) TestMesh(c *C) {
	env, server := newTestEnv(c)
	ctx := context.Background()
	src, err := env.Open(ctx, "brainmaps://p:d:seg/mesh_v1")
	c.Assert(err, IsNil)
	c.Assert(src.Mesh, NotNil)

	m, err := src.Mesh.FetchMesh(ctx, 42, nil)
	c.Assert(err, IsNil)
	c.Assert(m.NumVertices(), Equals, 6)
	c.Assert(m.NumTriangles(), Equals, 2)
	c.Assert(m.Indices[3:], DeepEquals, []uint32{3, 4, 5})
	c.Assert(m.Normals, HasLen, 18)
	c.Assert(server.batches, Equals, 2)

	clip := vox.Bounds{Center: vox.Vector3d{100, 100, 100}, Size: vox.Vector3d{10, 10, 10}}
	batches, err := src.Mesh.(*MeshSource).Batches(ctx, 42, &clip)
	c.Assert(err, IsNil)
	c.Assert(batches, DeepEquals, []string{`["0"]`})
	m, err = src.Mesh.FetchMesh(ctx, 42, &clip)
	c.Assert(err, IsNil)
	c.Assert(m.NumVertices(), Equals, 3)

	// change tracked fragments carry their supervoxel
	src, err = env.Open(ctx, "brainmaps://p:d:seg/mesh_v1?changestack=cs1")
	c.Assert(err, IsNil)
	ms := src.Mesh.(*MeshSource)
	batches, err = ms.Batches(ctx, 42, nil)
	c.Assert(err, IsNil)
	c.Assert(batches, HasLen, 1)
	m, err = ms.FetchBatch(ctx, 42, batches[0])
	c.Assert(err, IsNil)
	c.Assert(m.NumVertices(), Equals, 6)
}

func (s *BrainmapsSuite) TestSkeleton(c *C) {
	env, _ := newTestEnv(c)
	ctx := context.Background()
	src, err := env.Open(ctx, "brainmaps://p:d:seg/mesh_v1")
	c.Assert(err, IsNil)
	skel, err := src.Skeleton.FetchSkeleton(ctx, 5)
	c.Assert(err, IsNil)
	c.Assert(skel.NumVertices(), Equals, 2)
	c.Assert(skel.Vertex(1), Equals, vox.Vector3d{1, 2, 3})

	_, err = src.Skeleton.FetchSkeleton(ctx, 6)
	c.Assert(errors.Is(err, transport.ErrNotFound), Equals, true)
}

func (s *BrainmapsSuite) TestAnnotations(c *C) {
	env, _ := newTestEnv(c)
	ctx := context.Background()
	src, err := env.Open(ctx, "brainmaps://p:d:seg?changestack=cs1")
	c.Assert(err, IsNil)
	anns := src.Annotations
	c.Assert(anns, NotNil)
	c.Assert(anns.ReadOnly(), Equals, false)

	found, err := anns.InBounds(ctx, vox.BoundsFromCorners(vox.Vector3d{0, 0, 0}, vox.Vector3d{20, 20, 20}))
	c.Assert(err, IsNil)
	c.Assert(found, HasLen, 2)
	c.Assert(found[0].ID, Equals, "LOCATION.1")
	c.Assert(found[1].ID, Equals, "LINE.3")
	c.Assert(found[1].PointB, Equals, vox.Vector3d{10, 10, 10})

	found, err = anns.ForSegment(ctx, 42)
	c.Assert(err, IsNil)
	c.Assert(found, HasLen, 1)
	c.Assert(found[0].Segments, DeepEquals, []uint64{42})

	a, err := anns.Get(ctx, "LOCATION.1")
	c.Assert(err, IsNil)
	c.Assert(a.Description, Equals, "soma")
	c.Assert(a.Point, Equals, vox.Vector3d{1, 2, 3})
	a, err = anns.Get(ctx, "LOCATION.8")
	c.Assert(err, IsNil)
	c.Assert(a, IsNil)


	_, err = anns.Get(ctx, "LOCATION.4")
	c.Assert(errors.Is(err, vox.PrefixMismatch), Equals, true)
	_, err = anns.Get(ctx, "LOCATION.5")
	c.Assert(errors.Is(err, vox.ParseError), Equals, true)

	box := &annotation.Annotation{Type: annotation.AxisAlignedBox, PointA: vox.Vector3d{5, 5, 5}, PointB: vox.Vector3d{0, 0, 0}}
	id, err := anns.Add(ctx, box)
	c.Assert(err, IsNil)
	c.Assert(id, Equals, "VOLUME.9")
	box.ID = id
	c.Assert(anns.Update(ctx, box), IsNil)
	c.Assert(anns.Delete(ctx, "LINE.3"), IsNil)
}

func (s *BrainmapsSuite) TestComplete(c *C) {
	env, _ := newTestEnv(c)
	ctx := context.Background()
	completions, err := env.Complete(ctx, "brainmaps://p:d:")
	c.Assert(err, IsNil)
	c.Assert(completions, DeepEquals, []string{"brainmaps://p:d:seg", "brainmaps://p:d:image"})

	completions, err = env.Complete(ctx, "brainmaps://p:d:seg/me")
	c.Assert(err, IsNil)
	c.Assert(completions, DeepEquals, []string{"brainmaps://p:d:seg/mesh_v1"})

	stacks, err := ListChangeStacks(ctx, env.HTTP, DefaultEndpoint, "p:d:seg")
	c.Assert(err, IsNil)
	c.Assert(stacks, DeepEquals, []string{"cs1", "cs2"})
}
