package mesh

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/janelia-flyem/ngsource/vox"
)

// DecodeLegacyManifest parses a precomputed mesh manifest, {"fragments": [names...]}.
func DecodeLegacyManifest(data []byte) ([]FragmentID, error) {
	var m struct {
		Fragments *[]string `json:"fragments"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, vox.WrapError(vox.ParseError, "mesh manifest", err)
	}
	if m.Fragments == nil {
		return nil, vox.NewError(vox.ParseError, "fragments", "", "missing fragment list")
	}
	ids := make([]FragmentID, len(*m.Fragments))
	for i, name := range *m.Fragments {
		ids[i] = FragmentID(name)
	}
	return ids, nil
}

// DecodeLegacyFragment parses a precomputed mesh fragment:
//
//      uint32                  # vertices N
//      N * 3 * float32         vertex positions
//      M * 3 * uint32          triangle vertex indices to the end of data
//
// All values are little-endian.
func DecodeLegacyFragment(id FragmentID, data []byte) (Fragment, error) {
	malformed := func(format string, args ...interface{}) error {
		return vox.NewError(vox.MalformedPayload, "mesh fragment", string(id), format, args...)
	}
	if len(data) < 4 {
		return Fragment{}, malformed("need 4 bytes for vertex count, have %d", len(data))
	}
	numVertices := binary.LittleEndian.Uint32(data)
	vend := 4 + uint64(numVertices)*12
	if vend > uint64(len(data)) {
		return Fragment{}, malformed("%d vertices need %d bytes, have %d", numVertices, vend, len(data))
	}
	indexBytes := uint64(len(data)) - vend
	if indexBytes%12 != 0 {
		return Fragment{}, malformed("%d index bytes is not a whole # of triangles", indexBytes)
	}
	return Fragment{
		ID:           id,
		NumVertices:  numVertices,
		NumTriangles: uint32(indexBytes / 12),
		vertexBytes:  data[4:vend],
		indexBytes:   data[vend:],
	}, nil
}

// EncodeLegacyFragment writes a fragment in the format read by DecodeLegacyFragment.
func EncodeLegacyFragment(vertices []float32, indices []uint32) ([]byte, error) {
	if len(vertices)%3 != 0 || len(indices)%3 != 0 {
		return nil, fmt.Errorf("got %d vertex coordinates and %d indices, need multiples of 3", len(vertices), len(indices))
	}
	out := make([]byte, 4, 4+4*len(vertices)+4*len(indices))
	binary.LittleEndian.PutUint32(out, uint32(len(vertices)/3))
	out = append(out, vox.BytesFromFloat32s(vertices)...)
	out = append(out, vox.BytesFromUint32s(indices)...)
	return out, nil
}
