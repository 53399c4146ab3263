package skeleton

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/janelia-flyem/ngsource/vox"
)

func testSkeleton() *Skeleton {
	return &Skeleton{
		Vertices: []float32{0, 0, 0, 10, 0, 0, 10, 10, 0},
		Edges:    []uint32{0, 1, 1, 2},
	}
}

func TestDecode(t *testing.T) {
	s := testSkeleton()
	decoded, err := Decode(s.Encode())
	if err != nil {
		t.Fatalf("unable to decode skeleton: %v", err)
	}
	if decoded.NumVertices() != 3 || decoded.NumEdges() != 2 {
		t.Fatalf("expected 3 vertices and 2 edges, got %d and %d", decoded.NumVertices(), decoded.NumEdges())
	}
	if v := decoded.Vertex(2); v != (vox.Vector3d{10, 10, 0}) {
		t.Errorf("bad vertex 2: %s", v)
	}
	if decoded.Edges[3] != 2 {
		t.Errorf("bad edges: %v", decoded.Edges)
	}
	if err := decoded.Validate(); err != nil {
		t.Error(err)
	}
}

func TestDecodeShort(t *testing.T) {
	// header claims 3 vertices and 2 edges but only 2 vertices are present
	data := make([]byte, 16+2*12)
	binary.LittleEndian.PutUint64(data[0:], 3)
	binary.LittleEndian.PutUint64(data[8:], 2)
	_, err := Decode(data)
	if !errors.Is(err, vox.MalformedPayload) {
		t.Fatalf("expected MalformedPayload, got %v", err)
	}

	full := testSkeleton().Encode()
	for _, n := range []int{0, 8, 15, len(full) - 1} {
		if _, err := Decode(full[:n]); !errors.Is(err, vox.MalformedPayload) {
			t.Errorf("expected MalformedPayload for %d bytes, got %v", n, err)
		}
	}
}

func TestDecodeRange(t *testing.T) {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint64(data[0:], 1<<32)
	if _, err := Decode(data); !errors.Is(err, vox.UnsupportedRange) {
		t.Errorf("expected UnsupportedRange for vertex count, got %v", err)
	}
	binary.LittleEndian.PutUint64(data[0:], 0)
	binary.LittleEndian.PutUint64(data[8:], 1<<40)
	if _, err := Decode(data); !errors.Is(err, vox.UnsupportedRange) {
		t.Errorf("expected UnsupportedRange for edge count, got %v", err)
	}
	binary.LittleEndian.PutUint64(data[8:], 0)
	s, err := Decode(data)
	if err != nil || s.NumVertices() != 0 {
		t.Errorf("expected empty skeleton, got %v, %v", s, err)
	}
}

func TestValidate(t *testing.T) {
	s := testSkeleton()
	s.Edges = append(s.Edges, 2, 3)
	if err := s.Validate(); !errors.Is(err, vox.MalformedPayload) {
		t.Errorf("expected MalformedPayload for dangling edge, got %v", err)
	}
}

func TestSWC(t *testing.T) {
	s := testSkeleton()
	var buf bytes.Buffer
	if err := s.WriteSWC(&buf); err != nil {
		t.Fatal(err)
	}
	expected := "1 0 0 0 0 1 -1\n2 0 10 0 0 1 1\n3 0 10 10 0 1 2\n"
	if buf.String() != expected {
		t.Fatalf("expected SWC:\n%s\ngot:\n%s", expected, buf.String())
	}
	parsed, err := ParseSWC(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.NumVertices() != 3 || parsed.NumEdges() != 2 {
		t.Fatalf("round trip gave %d vertices and %d edges", parsed.NumVertices(), parsed.NumEdges())
	}
	for i, v := range parsed.Vertices {
		if v != s.Vertices[i] {
			t.Fatalf("vertex coordinate %d: expected %g, got %g", i, s.Vertices[i], v)
		}
	}
	if len(parsed.Radii) != 3 || parsed.Radii[0] != 1 {
		t.Errorf("bad radii %v", parsed.Radii)
	}
}

func TestParseSWC(t *testing.T) {
	swc := `# comment
10 2 1.5 2 3 0.5 -1

12 2 4 5 6 0.5 11
11 2 7 8 9 0.5 10
`
	s, err := ParseSWC(strings.NewReader(swc))
	if err != nil {
		t.Fatal(err)
	}
	if s.NumVertices() != 3 || s.NumEdges() != 2 {
		t.Fatalf("expected 3 vertices and 2 edges, got %d and %d", s.NumVertices(), s.NumEdges())
	}
	// node 12 (vertex 1) has parent 11 (vertex 2)
	if s.Edges[0] != 2 || s.Edges[1] != 1 {
		t.Errorf("bad edges %v", s.Edges)
	}
	if s.Vertices[0] != 1.5 {
		t.Errorf("bad vertices %v", s.Vertices)
	}

	bad := []string{
		"1 2 3",
		"1 2 a 4 5 6 -1",
		"1 2 3 4 5 6 7",
		"1 2 3 4 5 6 -1\n1 2 3 4 5 6 -1",
	}
	for _, b := range bad {
		if _, err := ParseSWC(strings.NewReader(b)); !errors.Is(err, vox.ParseError) {
			t.Errorf("expected ParseError for %q, got %v", b, err)
		}
	}
}
