package skeleton

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/janelia-flyem/ngsource/vox"
)

// ParseSWC reads an SWC skeleton.  Each non-comment line is
//
//      id type x y z radius parent
//
// where a parent of -1 marks a root.  Lines may reference parents defined later.
func ParseSWC(r io.Reader) (*Skeleton, error) {
	s := new(Skeleton)
	index := make(map[int64]uint32)
	var parents []int64
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 7 {
			return nil, vox.NewError(vox.ParseError, fmt.Sprintf("swc line %d", lineNum), line, "expected 7 fields, got %d", len(fields))
		}
		id, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, &vox.Error{Kind: vox.ParseError, Field: fmt.Sprintf("swc line %d id", lineNum), Value: fields[0], Err: err}
		}
		if _, found := index[id]; found {
			return nil, vox.NewError(vox.ParseError, fmt.Sprintf("swc line %d id", lineNum), fields[0], "duplicate node id")
		}
		var values [4]float32
		for i := range values {
			f, err := strconv.ParseFloat(fields[2+i], 32)
			if err != nil {
				return nil, &vox.Error{Kind: vox.ParseError, Field: fmt.Sprintf("swc line %d", lineNum), Value: fields[2+i], Err: err}
			}
			values[i] = float32(f)
		}
		parent, err := strconv.ParseInt(fields[6], 10, 64)
		if err != nil {
			return nil, &vox.Error{Kind: vox.ParseError, Field: fmt.Sprintf("swc line %d parent", lineNum), Value: fields[6], Err: err}
		}
		index[id] = uint32(len(parents))
		parents = append(parents, parent)
		s.Vertices = append(s.Vertices, values[0], values[1], values[2])
		s.Radii = append(s.Radii, values[3])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	for i, parent := range parents {
		if parent < 0 {
			continue
		}
		p, found := index[parent]
		if !found {
			return nil, vox.NewError(vox.ParseError, "swc parent", strconv.FormatInt(parent, 10), "parent node not defined")
		}
		s.Edges = append(s.Edges, p, uint32(i))
	}
	return s, nil
}

// WriteSWC writes the skeleton in SWC format with 1-based node ids.  Parents come from a
// breadth-first traversal starting at the lowest numbered vertex of each connected
// component.  Edges closing a cycle are dropped.
func (s *Skeleton) WriteSWC(w io.Writer) error {
	if err := s.Validate(); err != nil {
		return err
	}
	n := s.NumVertices()
	adjacency := make([][]int, n)
	for e := 0; e < s.NumEdges(); e++ {
		a, b := int(s.Edges[2*e]), int(s.Edges[2*e+1])
		adjacency[a] = append(adjacency[a], b)
		adjacency[b] = append(adjacency[b], a)
	}
	parent := make([]int, n)
	visited := make([]bool, n)
	for i := range parent {
		parent[i] = -1
	}
	for root := 0; root < n; root++ {
		if visited[root] {
			continue
		}
		visited[root] = true
		queue := []int{root}
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			for _, u := range adjacency[v] {
				if !visited[u] {
					visited[u] = true
					parent[u] = v
					queue = append(queue, u)
				}
			}
		}
	}

	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		radius := float32(1)
		if len(s.Radii) == n {
			radius = s.Radii[i]
		}
		p := parent[i]
		if p >= 0 {
			p++
		}
		fmt.Fprintf(&buf, "%d 0 %g %g %g %g %d\n", i+1, s.Vertices[3*i], s.Vertices[3*i+1], s.Vertices[3*i+2], radius, p)
	}
	_, err := w.Write(buf.Bytes())
	return err
}
