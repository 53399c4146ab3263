/*
	Package skeleton decodes neuron skeletons, graphs of 3d vertices joined by edges,
	from the binary skeleton format and from SWC text.
*/
package skeleton

import (
	"fmt"

	"github.com/janelia-flyem/ngsource/vox"
)

const headerSize = 16

// Skeleton holds 3 vertex coordinates per vertex and 2 vertex indices per edge.  Radii
// is empty or holds one radius per vertex.
type Skeleton struct {
	Vertices []float32
	Edges    []uint32
	Radii    []float32
}

// NumVertices returns the # of vertices.
func (s *Skeleton) NumVertices() int {
	return len(s.Vertices) / 3
}

// NumEdges returns the # of edges.
func (s *Skeleton) NumEdges() int {
	return len(s.Edges) / 2
}

// Vertex returns the position of vertex i.
func (s *Skeleton) Vertex(i int) vox.Vector3d {
	return vox.Vector3d{float64(s.Vertices[3*i]), float64(s.Vertices[3*i+1]), float64(s.Vertices[3*i+2])}
}

// Validate checks that every edge joins existing vertices.
func (s *Skeleton) Validate() error {
	if len(s.Vertices)%3 != 0 || len(s.Edges)%2 != 0 {
		return fmt.Errorf("skeleton has %d vertex coordinates and %d edge indices", len(s.Vertices), len(s.Edges))
	}
	if len(s.Radii) != 0 && len(s.Radii) != s.NumVertices() {
		return fmt.Errorf("skeleton has %d radii for %d vertices", len(s.Radii), s.NumVertices())
	}
	n := uint32(s.NumVertices())
	for i, v := range s.Edges {
		if v >= n {
			return vox.NewError(vox.MalformedPayload, "edge", fmt.Sprintf("%d", v),
				"edge %d references vertex beyond %d vertices", i/2, n)
		}
	}
	return nil
}

// Decode parses the binary skeleton format:
//
//      uint64              # vertices N, must be < 2^32
//      uint64              # edges M, must be < 2^32
//      N * 3 * float32     vertex positions
//      M * 2 * uint32      vertex indices of each edge
//
// All values are little-endian.  Counts of 2^32 or more are UnsupportedRange errors and
// a buffer too short for the counts is a MalformedPayload error.
func Decode(data []byte) (*Skeleton, error) {
	if len(data) < headerSize {
		return nil, vox.NewError(vox.MalformedPayload, "skeleton header", "", "need %d bytes, have %d", headerSize, len(data))
	}
	numVertices, err := vox.Uint32From64(data, "vertex count", vox.UnsupportedRange)
	if err != nil {
		return nil, err
	}
	numEdges, err := vox.Uint32From64(data[8:], "edge count", vox.UnsupportedRange)
	if err != nil {
		return nil, err
	}
	vertexEnd := headerSize + uint64(numVertices)*12
	edgeEnd := vertexEnd + uint64(numEdges)*8
	if edgeEnd > uint64(len(data)) {
		return nil, vox.NewError(vox.MalformedPayload, "skeleton", fmt.Sprintf("%d bytes", len(data)),
			"%d vertices and %d edges need %d bytes", numVertices, numEdges, edgeEnd)
	}
	s := &Skeleton{
		Vertices: vox.Float32sFromBytes(data[headerSize:vertexEnd]),
		Edges:    vox.Uint32sFromBytes(data[vertexEnd:edgeEnd]),
	}
	return s, nil
}

// Encode writes the skeleton in the binary format read by Decode.  Radii are dropped.
func (s *Skeleton) Encode() []byte {
	out := make([]byte, headerSize, headerSize+4*len(s.Vertices)+4*len(s.Edges))
	copy(out, vox.BytesFromUint64s([]uint64{uint64(s.NumVertices()), uint64(s.NumEdges())}))
	out = append(out, vox.BytesFromFloat32s(s.Vertices[:3*s.NumVertices()])...)
	return append(out, vox.BytesFromUint32s(s.Edges[:2*s.NumEdges()])...)
}
