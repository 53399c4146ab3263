/*
	Package annotation converts spatial annotation records exchanged with an annotation
	server into typed geometric annotations: points, lines, axis-aligned boxes and
	ellipsoids.
*/
package annotation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/janelia-flyem/ngsource/vox"
)

// Type is the geometric variant of an Annotation.
type Type uint8

const (
	Point Type = iota
	Line
	AxisAlignedBox
	Ellipsoid
)

func (t Type) String() string {
	switch t {
	case Point:
		return "point"
	case Line:
		return "line"
	case AxisAlignedBox:
		return "axis_aligned_bounding_box"
	case Ellipsoid:
		return "ellipsoid"
	default:
		return fmt.Sprintf("annotation type %d", uint8(t))
	}
}

// Annotation is a geometric annotation.  Which geometric fields are used depends on
// Type: Point uses Point; Line and AxisAlignedBox use PointA and PointB; Ellipsoid uses
// Center and Radii.
type Annotation struct {
	Type Type

	// ID without any server namespace prefix.
	ID string

	Description string

	// Segments are the ids of associated segments.  Nil if the record had none.
	Segments []uint64

	Point          vox.Vector3d
	PointA, PointB vox.Vector3d
	Center, Radii  vox.Vector3d
}

func (a *Annotation) String() string {
	switch a.Type {
	case Point:
		return fmt.Sprintf("%s %q at %s", a.Type, a.ID, a.Point)
	case Line, AxisAlignedBox:
		return fmt.Sprintf("%s %q from %s to %s", a.Type, a.ID, a.PointA, a.PointB)
	default:
		return fmt.Sprintf("%s %q at %s radii %s", a.Type, a.ID, a.Center, a.Radii)
	}
}

// Bounds returns the axis-aligned extent of the annotation.
func (a *Annotation) Bounds() vox.Bounds {
	switch a.Type {
	case Point:
		return vox.Bounds{Center: a.Point}
	case Line, AxisAlignedBox:
		return vox.BoundsFromCorners(a.PointA, a.PointB)
	default:
		return vox.Bounds{Center: a.Center, Size: a.Radii.Scale(2)}
	}
}

// Filter returns the annotations whose extent intersects clip, keeping order.
func Filter(anns []*Annotation, clip vox.Bounds) []*Annotation {
	var kept []*Annotation
	for _, a := range anns {
		if a.Bounds().Intersects(clip) {
			kept = append(kept, a)
		}
	}
	return kept
}

// SegmentStrings returns the decimal segment ids or nil.
func (a *Annotation) SegmentStrings() []string {
	if a.Segments == nil {
		return nil
	}
	out := make([]string, len(a.Segments))
	for i, id := range a.Segments {
		out[i] = strconv.FormatUint(id, 10)
	}
	return out
}

// TypeFromID returns the spatial type encoded in an annotation id, the part before the
// first '.'.  Ids without a '.' have an empty type.
func TypeFromID(id string) SpatialType {
	i := strings.Index(id, ".")
	if i < 0 {
		return ""
	}
	return SpatialType(id[:i])
}
