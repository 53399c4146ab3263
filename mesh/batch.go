package mesh

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/janelia-flyem/ngsource/vox"
)

// DefaultMaxRetries bounds the # of follow-up requests issued for fragments a server
// left out of earlier responses.
const DefaultMaxRetries = 10

// BatchEntry lists the fragment keys requested for one object.
type BatchEntry struct {
	ObjectID     string   `json:"object_id"`
	FragmentKeys []string `json:"fragment_keys"`
}

// BatchRequest is the JSON body of one batch round trip.
type BatchRequest struct {
	VolumeID string       `json:"volume_id"`
	MeshName string       `json:"mesh_name"`
	Batches  []BatchEntry `json:"batches"`
}

// NumKeys returns the total # of fragment keys requested.
func (r *BatchRequest) NumKeys() int {
	var n int
	for _, b := range r.Batches {
		n += len(b.FragmentKeys)
	}
	return n
}

// RoundTripper issues one batch request and returns the binary response.
type RoundTripper func(ctx context.Context, req *BatchRequest) ([]byte, error)

// Fragment is one decoded fragment whose vertex and index bytes still reference the
// response buffer.  Both are little-endian.
type Fragment struct {
	ID           FragmentID
	NumVertices  uint32
	NumTriangles uint32
	vertexBytes  []byte
	indexBytes   []byte
}

// Vertices returns the fragment's vertex positions, 3 per vertex.
func (f *Fragment) Vertices() []float32 {
	return vox.Float32sFromBytes(f.vertexBytes)
}

// Indices returns the fragment's triangle vertex indices, 3 per triangle.
func (f *Fragment) Indices() []uint32 {
	return vox.Uint32sFromBytes(f.indexBytes)
}

// outstanding is an insertion-ordered set of fragment ids.
type outstanding struct {
	order   []FragmentID
	present map[FragmentID]struct{}
}

func newOutstanding(ids []FragmentID) *outstanding {
	s := &outstanding{present: make(map[FragmentID]struct{}, len(ids))}
	for _, id := range ids {
		if _, found := s.present[id]; !found {
			s.present[id] = struct{}{}
			s.order = append(s.order, id)
		}
	}
	return s
}

func (s *outstanding) remove(id FragmentID) bool {
	if _, found := s.present[id]; !found {
		return false
	}
	delete(s.present, id)
	return true
}

func (s *outstanding) len() int {
	return len(s.present)
}

func (s *outstanding) list() []FragmentID {
	ids := make([]FragmentID, 0, len(s.present))
	for _, id := range s.order {
		if _, found := s.present[id]; found {
			ids = append(ids, id)
		}
	}
	s.order = ids
	return ids
}

// BatchFetch retrieves a set of fragments of one mesh object, reissuing requests for
// fragments missing from a response until all have arrived.
type BatchFetch struct {
	VolumeID       string
	MeshName       string
	ObjectID       uint64
	ChangeTracking bool

	// MaxRetries is the # of follow-up requests allowed after the first.
	MaxRetries int

	outstanding *outstanding
	fragments   []Fragment
	requests    int
}

// NewBatchFetch returns a fetch of the given fragment ids.  Duplicate ids collapse.
func NewBatchFetch(volumeID, meshName string, objectID uint64, changeTracking bool, ids []FragmentID) *BatchFetch {
	return &BatchFetch{
		VolumeID:       volumeID,
		MeshName:       meshName,
		ObjectID:       objectID,
		ChangeTracking: changeTracking,
		MaxRetries:     DefaultMaxRetries,
		outstanding:    newOutstanding(ids),
	}
}

// Outstanding returns the ids not yet received, in request order.
func (f *BatchFetch) Outstanding() []FragmentID {
	return f.outstanding.list()
}

// Done returns true when every requested fragment has been received.
func (f *BatchFetch) Done() bool {
	return f.outstanding.len() == 0
}

// Requests returns the # of requests built so far.
func (f *BatchFetch) Requests() int {
	return f.requests
}

// Fragments returns the fragments received so far.
func (f *BatchFetch) Fragments() []Fragment {
	return f.fragments
}

// NextRequest returns the request for all outstanding fragments.  It returns nil when
// nothing is outstanding and fails with BatchRetryExhausted once the retry limit is hit.
func (f *BatchFetch) NextRequest() (*BatchRequest, error) {
	ids := f.outstanding.list()
	if len(ids) == 0 {
		return nil, nil
	}
	if f.requests > f.MaxRetries {
		return nil, vox.NewError(vox.BatchRetryExhausted, "mesh batch", strconv.FormatUint(f.ObjectID, 10),
			"%d fragments still missing after %d requests", len(ids), f.requests)
	}
	f.requests++
	req := &BatchRequest{VolumeID: f.VolumeID, MeshName: f.MeshName}
	if !f.ChangeTracking {
		entry := BatchEntry{ObjectID: strconv.FormatUint(f.ObjectID, 10)}
		for _, id := range ids {
			entry.FragmentKeys = append(entry.FragmentKeys, string(id))
		}
		req.Batches = []BatchEntry{entry}
		return req, nil
	}
	entryIndex := make(map[string]int)
	for _, id := range ids {
		objectID, key := id.Split()
		i, found := entryIndex[objectID]
		if !found {
			i = len(req.Batches)
			entryIndex[objectID] = i
			req.Batches = append(req.Batches, BatchEntry{ObjectID: objectID})
		}
		req.Batches[i].FragmentKeys = append(req.Batches[i].FragmentKeys, key)
	}
	return req, nil
}

// record header: object id, key length, then after the key # vertices and # triangles
const recordHeaderSize = 8 + 8 + 8 + 8

// DecodeResponse consumes one batch response.  Every record must name an outstanding
// fragment; each one received is removed from the outstanding set.
func (f *BatchFetch) DecodeResponse(data []byte) error {
	truncated := func(pos int, format string, args ...interface{}) error {
		return vox.NewError(vox.TruncatedBatchResponse, "mesh batch", fmt.Sprintf("byte %d of %d", pos, len(data)), format, args...)
	}
	pos := 0
	for pos < len(data) {
		if pos+recordHeaderSize > len(data) {
			return truncated(pos, "record header needs %d bytes", recordHeaderSize)
		}
		var prefix string
		if f.ChangeTracking {
			prefix = strconv.FormatUint(binary.LittleEndian.Uint64(data[pos:]), 10) + Separator
		}
		pos += 8
		keyLen, err := vox.Uint32From64(data[pos:], "fragment key length", vox.MalformedPayload)
		if err != nil {
			return err
		}
		pos += 8
		if uint64(pos)+uint64(keyLen)+16 > uint64(len(data)) {
			return truncated(pos, "fragment key of %d bytes and counts overrun response", keyLen)
		}
		id := FragmentID(prefix + string(data[pos:pos+int(keyLen)]))
		if !f.outstanding.remove(id) {
			return vox.NewError(vox.UnexpectedFragment, "fragment key", string(id), "fragment was not requested or already received")
		}
		pos += int(keyLen)
		numVertices, err := vox.Uint32From64(data[pos:], "vertex count", vox.MalformedPayload)
		if err != nil {
			return err
		}
		pos += 8
		numTriangles, err := vox.Uint32From64(data[pos:], "triangle count", vox.MalformedPayload)
		if err != nil {
			return err
		}
		pos += 8
		vertexBytes := uint64(numVertices) * 12
		indexBytes := uint64(numTriangles) * 12
		if uint64(pos)+vertexBytes+indexBytes > uint64(len(data)) {
			return truncated(pos, "%d vertices and %d triangles overrun response", numVertices, numTriangles)
		}
		vstart := pos
		istart := vstart + int(vertexBytes)
		end := istart + int(indexBytes)
		f.fragments = append(f.fragments, Fragment{
			ID:           id,
			NumVertices:  numVertices,
			NumTriangles: numTriangles,
			vertexBytes:  data[vstart:istart],
			indexBytes:   data[istart:end],
		})
		pos = end
	}
	return nil
}

// Run drives the fetch to completion and returns the merged mesh.  The context is
// checked before each round trip.
func (f *BatchFetch) Run(ctx context.Context, rt RoundTripper) (*Mesh, error) {
	for {
		req, err := f.NextRequest()
		if err != nil {
			return nil, err
		}
		if req == nil {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.requests > 1 {
			vox.Warningf("Object %d mesh %q: requesting %d fragments missing from earlier response (request %d)\n",
				f.ObjectID, f.MeshName, req.NumKeys(), f.requests)
		}
		tlog := vox.NewTimeLog()
		data, err := rt(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("mesh batch request for object %d: %w", f.ObjectID, err)
		}
		tlog.Debugf("Object %d mesh %q: received %s for %d fragments", f.ObjectID, f.MeshName,
			humanize.Bytes(uint64(len(data))), req.NumKeys())
		if err := f.DecodeResponse(data); err != nil {
			return nil, err
		}
	}
	return Merge(f.fragments), nil
}

// FetchBatch fetches one serialized batch of fragment ids and returns its merged mesh.
func FetchBatch(ctx context.Context, rt RoundTripper, volumeID, meshName string, objectID uint64, changeTracking bool, batch string, maxRetries int) (*Mesh, error) {
	ids, err := ParseBatch(batch)
	if err != nil {
		return nil, err
	}
	f := NewBatchFetch(volumeID, meshName, objectID, changeTracking, ids)
	if maxRetries > 0 {
		f.MaxRetries = maxRetries
	}
	return f.Run(ctx, rt)
}

// AppendBatchRecord appends one batch response record to dst.
func AppendBatchRecord(dst []byte, objectID uint64, key string, vertices []float32, indices []uint32) []byte {
	var word [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(word[:], v)
		dst = append(dst, word[:]...)
	}
	put(objectID)
	put(uint64(len(key)))
	dst = append(dst, key...)
	put(uint64(len(vertices) / 3))
	put(uint64(len(indices) / 3))
	dst = append(dst, vox.BytesFromFloat32s(vertices)...)
	return append(dst, vox.BytesFromUint32s(indices)...)
}
