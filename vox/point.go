package vox

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Point3d is an ordered list of three 32-bit signed integers, used for voxel coordinates
// and sizes.
type Point3d [3]int32

// SetMinimum sets the point to the minimum elements of current and passed points.
func (p *Point3d) SetMinimum(p2 Point3d) {
	for i := 0; i < 3; i++ {
		if p[i] > p2[i] {
			p[i] = p2[i]
		}
	}
}

// SetMaximum sets the point to the maximum elements of current and passed points.
func (p *Point3d) SetMaximum(p2 Point3d) {
	for i := 0; i < 3; i++ {
		if p[i] < p2[i] {
			p[i] = p2[i]
		}
	}
}

func (p Point3d) Add(x Point3d) Point3d {
	return Point3d{p[0] + x[0], p[1] + x[1], p[2] + x[2]}
}

func (p Point3d) Sub(x Point3d) Point3d {
	return Point3d{p[0] - x[0], p[1] - x[1], p[2] - x[2]}
}

func (p Point3d) Mult(x Point3d) Point3d {
	return Point3d{p[0] * x[0], p[1] * x[1], p[2] * x[2]}
}

func (p Point3d) Div(x Point3d) Point3d {
	return Point3d{p[0] / x[0], p[1] / x[1], p[2] / x[2]}
}

func (p Point3d) AddScalar(value int32) Point3d {
	return Point3d{p[0] + value, p[1] + value, p[2] + value}
}

func (p Point3d) Prod() int64 {
	return int64(p[0]) * int64(p[1]) * int64(p[2])
}

// Min returns the element-wise minimum of the two points.
func (p Point3d) Min(x Point3d) Point3d {
	p.SetMinimum(x)
	return p
}

// Max returns the element-wise maximum of the two points.
func (p Point3d) Max(x Point3d) Point3d {
	p.SetMaximum(x)
	return p
}

// Vector3d converts the point to floats.
func (p Point3d) Vector3d() Vector3d {
	return Vector3d{float64(p[0]), float64(p[1]), float64(p[2])}
}

func (p Point3d) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p[0], p[1], p[2])
}

// Join returns the coordinates joined by the separator, e.g., "64_64_64" for DVID URLs.
func (p Point3d) Join(sep string) string {
	return fmt.Sprintf("%d%s%d%s%d", p[0], sep, p[1], sep, p[2])
}

// StringToPoint3d parses a string of format "%d<sep>%d<sep>%d".
func StringToPoint3d(str, separator string) (Point3d, error) {
	elems := strings.Split(str, separator)
	if len(elems) != 3 {
		return Point3d{}, NewError(ParseError, "point", str, "expected 3 coordinates")
	}
	var p Point3d
	for i, elem := range elems {
		v, err := strconv.ParseInt(strings.TrimSpace(elem), 10, 32)
		if err != nil {
			return Point3d{}, WrapError(ParseError, "point", err)
		}
		p[i] = int32(v)
	}
	return p, nil
}

// Vector3d is a 3D vector of 64-bit floats, a recommended type for math operations.
type Vector3d [3]float64

func StringToVector3d(str, separator string) (Vector3d, error) {
	elems := strings.Split(str, separator)
	if len(elems) != 3 {
		return Vector3d{}, NewError(ParseError, "vector", str, "expected 3 coordinates")
	}
	var v Vector3d
	for i, elem := range elems {
		f, err := strconv.ParseFloat(strings.TrimSpace(elem), 64)
		if err != nil {
			return Vector3d{}, WrapError(ParseError, "vector", err)
		}
		v[i] = f
	}
	return v, nil
}

// Distance returns the distance between two points a and b.
func (v Vector3d) Distance(x Vector3d) float64 {
	dx := x[0] - v[0]
	dy := x[1] - v[1]
	dz := x[2] - v[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func (v Vector3d) Subtract(x Vector3d) Vector3d {
	return Vector3d{v[0] - x[0], v[1] - x[1], v[2] - x[2]}
}

func (v Vector3d) Add(x Vector3d) Vector3d {
	return Vector3d{v[0] + x[0], v[1] + x[1], v[2] + x[2]}
}

func (v Vector3d) Mult(x Vector3d) Vector3d {
	return Vector3d{v[0] * x[0], v[1] * x[1], v[2] * x[2]}
}

func (v Vector3d) Scale(s float64) Vector3d {
	return Vector3d{v[0] * s, v[1] * s, v[2] * s}
}

func (v Vector3d) DivideScalar(x float64) Vector3d {
	return Vector3d{v[0] / x, v[1] / x, v[2] / x}
}

func (v Vector3d) Min(x Vector3d) Vector3d {
	return Vector3d{math.Min(v[0], x[0]), math.Min(v[1], x[1]), math.Min(v[2], x[2])}
}

func (v Vector3d) Max(x Vector3d) Vector3d {
	return Vector3d{math.Max(v[0], x[0]), math.Max(v[1], x[1]), math.Max(v[2], x[2])}
}

func (v *Vector3d) Increment(x Vector3d) {
	(*v)[0] += x[0]
	(*v)[1] += x[1]
	(*v)[2] += x[2]
}

// IsZero returns true if all components are zero.
func (v Vector3d) IsZero() bool {
	return v[0] == 0 && v[1] == 0 && v[2] == 0
}

// Round rounds each component to the nearest integer with halves rounded up.
func (v Vector3d) Round() Point3d {
	return Point3d{
		int32(math.Floor(v[0] + 0.5)),
		int32(math.Floor(v[1] + 0.5)),
		int32(math.Floor(v[2] + 0.5)),
	}
}

func (v Vector3d) String() string {
	return fmt.Sprintf("(%f,%f,%f)", v[0], v[1], v[2])
}
