/*
	Package mesh fetches and assembles triangle meshes made of separately stored
	fragments.  A mesh object's manifest lists its fragment ids, which are requested in
	batches; the binary batch responses are decoded into fragments and merged into one
	indexed mesh with per-vertex normals.
*/
package mesh

import (
	"bufio"
	"fmt"
	"io"
	"math"
)

// Mesh is an indexed triangle mesh.  Vertices and Normals hold 3 values per vertex and
// Indices 3 vertex indices per triangle.
type Mesh struct {
	Vertices []float32
	Indices  []uint32
	Normals  []float32
}

// NumVertices returns the # of vertices.
func (m *Mesh) NumVertices() int {
	return len(m.Vertices) / 3
}

// NumTriangles returns the # of triangles.
func (m *Mesh) NumTriangles() int {
	return len(m.Indices) / 3
}

// Merge concatenates fragments into one mesh, offsetting each fragment's indices by the
// # of vertices preceding it, and computes vertex normals.
func Merge(fragments []Fragment) *Mesh {
	var totalVertices, totalIndices int
	for _, f := range fragments {
		totalVertices += int(f.NumVertices)
		totalIndices += 3 * int(f.NumTriangles)
	}
	m := &Mesh{
		Vertices: make([]float32, 0, 3*totalVertices),
		Indices:  make([]uint32, 0, totalIndices),
	}
	var vertexOffset uint32
	for i := range fragments {
		f := &fragments[i]
		m.Vertices = append(m.Vertices, f.Vertices()...)
		for _, index := range f.Indices() {
			m.Indices = append(m.Indices, index+vertexOffset)
		}
		vertexOffset += f.NumVertices
	}
	m.Normals = ComputeVertexNormals(m.Vertices, m.Indices)
	return m
}

// ComputeVertexNormals averages the unit normals of the triangles incident on each
// vertex, weighting each by 1 / (# incident triangles), and normalizes the result.
// Degenerate triangles contribute a zero vector.  Indices beyond the vertex array are
// ignored.
func ComputeVertexNormals(positions []float32, indices []uint32) []float32 {
	numVertices := uint32(len(positions) / 3)
	normals := make([]float32, len(positions))
	faceCount := make([]float32, numVertices)
	numIndices := len(indices) - len(indices)%3
	for _, index := range indices[:numIndices] {
		if index < numVertices {
			faceCount[index]++
		}
	}
	for i := 0; i < numIndices; i += 3 {
		i0, i1, i2 := indices[i], indices[i+1], indices[i+2]
		if i0 >= numVertices || i1 >= numVertices || i2 >= numVertices {
			continue
		}
		var v1v0, v2v1 [3]float32
		for j := uint32(0); j < 3; j++ {
			v1v0[j] = positions[3*i1+j] - positions[3*i0+j]
			v2v1[j] = positions[3*i2+j] - positions[3*i1+j]
		}
		n := normalize([3]float32{
			v1v0[1]*v2v1[2] - v1v0[2]*v2v1[1],
			v1v0[2]*v2v1[0] - v1v0[0]*v2v1[2],
			v1v0[0]*v2v1[1] - v1v0[1]*v2v1[0],
		})
		for _, index := range []uint32{i0, i1, i2} {
			scale := 1 / faceCount[index]
			for j := uint32(0); j < 3; j++ {
				normals[3*index+j] += scale * n[j]
			}
		}
	}
	for v := uint32(0); v < numVertices; v++ {
		n := normalize([3]float32{normals[3*v], normals[3*v+1], normals[3*v+2]})
		copy(normals[3*v:3*v+3], n[:])
	}
	return normals
}

// normalize returns the unit vector, or the zero vector unchanged.
func normalize(v [3]float32) [3]float32 {
	lengthSq := v[0]*v[0] + v[1]*v[1] + v[2]*v[2]
	if lengthSq <= 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(float64(lengthSq)))
	return [3]float32{v[0] * inv, v[1] * inv, v[2] * inv}
}

// WriteOBJ writes the mesh in Wavefront OBJ format with vertex normals.
func (m *Mesh) WriteOBJ(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for i := 0; i+2 < len(m.Vertices); i += 3 {
		fmt.Fprintf(bw, "v %g %g %g\n", m.Vertices[i], m.Vertices[i+1], m.Vertices[i+2])
	}
	hasNormals := len(m.Normals) == len(m.Vertices)
	if hasNormals {
		for i := 0; i+2 < len(m.Normals); i += 3 {
			fmt.Fprintf(bw, "vn %g %g %g\n", m.Normals[i], m.Normals[i+1], m.Normals[i+2])
		}
	}
	for i := 0; i+2 < len(m.Indices); i += 3 {
		// OBJ indices are 1-based
		a, b, c := m.Indices[i]+1, m.Indices[i+1]+1, m.Indices[i+2]+1
		if hasNormals {
			fmt.Fprintf(bw, "f %d//%d %d//%d %d//%d\n", a, a, b, b, c, c)
		} else {
			fmt.Fprintf(bw, "f %d %d %d\n", a, b, c)
		}
	}
	return bw.Flush()
}
