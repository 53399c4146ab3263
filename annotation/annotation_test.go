package annotation

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"testing"

	. "github.com/janelia-flyem/go/gocheck"

	"github.com/janelia-flyem/ngsource/vox"
)

func Test(t *testing.T) { TestingT(t) }

type AnnotationSuite struct{}

var _ = Suite(&AnnotationSuite{})

var codec = NewCodec("vol", "cs")

func strptr(s string) *string { return &s }

func record(typ SpatialType, corner, size string) *Record {
	return &Record{ID: "vol:cs:" + string(typ) + ".1", Type: typ, Corner: strptr(corner), Size: strptr(size)}
}

func (s *AnnotationSuite) TestDecodeVariants(c *C) {
	a, err := codec.Decode(record(Location, "1,2,3", "0,0,0"))
	c.Assert(err, IsNil)
	c.Assert(a.Type, Equals, Point)
	c.Assert(a.Point, Equals, vox.Vector3d{1, 2, 3})
	c.Assert(a.ID, Equals, "LOCATION.1")
	c.Assert(a.Segments, IsNil)

	a, err = codec.Decode(record(Location, "0,0,0", "4,6,8"))
	c.Assert(err, IsNil)
	c.Assert(a.Type, Equals, Ellipsoid)
	c.Assert(a.Center, Equals, vox.Vector3d{2, 3, 4})
	c.Assert(a.Radii, Equals, vox.Vector3d{2, 3, 4})

	a, err = codec.Decode(record(LineType, "-5,0,1", "10,1,1"))
	c.Assert(err, IsNil)
	c.Assert(a.Type, Equals, Line)
	c.Assert(a.PointA, Equals, vox.Vector3d{-5, 0, 1})
	c.Assert(a.PointB, Equals, vox.Vector3d{5, 1, 2})

	rec := record(Volume, "1.5,2,3", "1,1,1")
	rec.Payload = strptr("a box")
	a, err = codec.Decode(rec)
	c.Assert(err, IsNil)
	c.Assert(a.Type, Equals, AxisAlignedBox)
	c.Assert(a.PointA, Equals, vox.Vector3d{1.5, 2, 3})
	c.Assert(a.Description, Equals, "a box")
}

func (s *AnnotationSuite) TestDecodeErrors(c *C) {
	rec := record(Location, "1,2,3", "0,0,0")
	rec.ID = "other:cs:LOCATION.1"
	_, err := codec.Decode(rec)
	c.Assert(errors.Is(err, vox.PrefixMismatch), Equals, true)

	_, err = codec.Decode(record(Location, "1,2", "0,0,0"))
	c.Assert(errors.Is(err, vox.ParseError), Equals, true)

	_, err = codec.Decode(record("POLYGON", "1,2,3", "0,0,0"))
	c.Assert(errors.Is(err, vox.ParseError), Equals, true)

	rec = record(Location, "1,2,3", "0,0,0")
	rec.Size = nil
	_, err = codec.Decode(rec)
	c.Assert(errors.Is(err, vox.ParseError), Equals, true)

	_, err = codec.DecodeExpected(record(Location, "1,2,3", "0,0,0"), "LOCATION.2")
	c.Assert(errors.Is(err, vox.ParseError), Equals, true)
}

func (s *AnnotationSuite) TestObjectLabels(c *C) {
	var rec Record
	err := json.Unmarshal([]byte(`{"id":"vol:cs:x","type":"LOCATION","corner":"0,0,0","size":"0,0,0",
		"objectLabels":["18446744073709551615", 42]}`), &rec)
	c.Assert(err, IsNil)
	a, err := codec.Decode(&rec)
	c.Assert(err, IsNil)
	c.Assert(a.Segments, DeepEquals, []uint64{math.MaxUint64, 42})
	c.Assert(a.SegmentStrings(), DeepEquals, []string{"18446744073709551615", "42"})

	err = json.Unmarshal([]byte(`{"objectLabels":["abc"]}`), &rec)
	c.Assert(errors.Is(err, vox.ParseError), Equals, true)
}

func (s *AnnotationSuite) TestEncode(c *C) {
	rec, err := codec.Encode(&Annotation{Type: Line, PointA: vox.Vector3d{5, 0, 9}, PointB: vox.Vector3d{1, 2, 3}})
	c.Assert(err, IsNil)
	c.Assert(rec.Type, Equals, LineType)
	c.Assert(rec.Corner, Equals, "1,0,3")
	c.Assert(rec.Size, Equals, "4,2,6")
	c.Assert(rec.ObjectLabels, IsNil)
	c.Assert(rec.ID, Equals, "")

	rec, err = codec.Encode(&Annotation{Type: Point, Point: vox.Vector3d{1.4, -2.5, 2.5}, Segments: []uint64{7}})
	c.Assert(err, IsNil)
	c.Assert(rec.Type, Equals, Location)
	c.Assert(rec.Corner, Equals, "1,-2,3")
	c.Assert(rec.Size, Equals, "0,0,0")
	c.Assert(rec.ObjectLabels, DeepEquals, []string{"7"})

	rec, err = codec.EncodeWithID(&Annotation{ID: "LOCATION.9", Type: Ellipsoid, Center: vox.Vector3d{10, 10, 10}, Radii: vox.Vector3d{2, 3, 4}})
	c.Assert(err, IsNil)
	c.Assert(rec.ID, Equals, "vol:cs:LOCATION.9")
	c.Assert(rec.Corner, Equals, "8,7,6")
	c.Assert(rec.Size, Equals, "4,6,8")

	data, err := json.Marshal(rec)
	c.Assert(err, IsNil)
	c.Assert(string(data), Equals, `{"id":"vol:cs:LOCATION.9","type":"LOCATION","corner":"8,7,6","size":"4,6,8","payload":""}`)
}

func (s *AnnotationSuite) TestTypeFromID(c *C) {
	c.Assert(TypeFromID("LINE.123"), Equals, LineType)
	c.Assert(TypeFromID("nodot"), Equals, SpatialType(""))
}

func (s *AnnotationSuite) TestResponses(c *C) {
	anns, err := codec.DecodeList([]byte(`{}`))
	c.Assert(err, IsNil)
	c.Assert(anns, HasLen, 0)

	anns, err = codec.DecodeList([]byte(`{"annotations":[
		{"id":"vol:cs:LOCATION.1","type":"LOCATION","corner":"1,1,1","size":"0,0,0"},
		{"id":"vol:cs:VOLUME.2","type":"VOLUME","corner":"1,1,1","size":"2,2,2"}]}`))
	c.Assert(err, IsNil)
	c.Assert(anns, HasLen, 2)
	c.Assert(anns[1].Type, Equals, AxisAlignedBox)

	_, err = codec.DecodeList([]byte(`{"annotations":[{"id":"x:LOCATION.1","type":"LOCATION","corner":"1,1,1","size":"0,0,0"}]}`))
	c.Assert(errors.Is(err, vox.PrefixMismatch), Equals, true)

	a, err := codec.DecodeSingle([]byte(`{"annotations":[{"id":"vol:cs:LOCATION.1","type":"LOCATION","corner":"1,1,1","size":"0,0,0"}]}`), "LOCATION.1")
	c.Assert(err, IsNil)
	c.Assert(a.Point, Equals, vox.Vector3d{1, 1, 1})
	_, err = codec.DecodeSingle([]byte(`{"annotations":[]}`), "LOCATION.1")
	c.Assert(errors.Is(err, vox.ParseError), Equals, true)

	id, err := codec.DecodePushResponse([]byte(`{"ids":["vol:cs:LINE.5"]}`))
	c.Assert(err, IsNil)
	c.Assert(id, Equals, "LINE.5")
	_, err = codec.DecodePushResponse([]byte(`{"ids":["vol:cs:LINE.5","vol:cs:LINE.6"]}`))
	c.Assert(errors.Is(err, vox.ParseError), Equals, true)
	_, err = codec.DecodePushResponse([]byte(`{"ids":["other:LINE.5"]}`))
	c.Assert(errors.Is(err, vox.PrefixMismatch), Equals, true)
}

func (s *AnnotationSuite) TestFilter(c *C) {
	anns := []*Annotation{
		{ID: "p", Type: Point, Point: vox.Vector3d{0, 0, 0}},
		{ID: "b", Type: AxisAlignedBox, PointA: vox.Vector3d{10, 10, 10}, PointB: vox.Vector3d{5, 5, 5}},
		{ID: "e", Type: Ellipsoid, Center: vox.Vector3d{100, 0, 0}, Radii: vox.Vector3d{5, 5, 5}},
	}
	clip := vox.Bounds{Center: vox.Vector3d{3, 3, 3}, Size: vox.Vector3d{6, 6, 6}}
	kept := Filter(anns, clip)
	c.Assert(kept, HasLen, 2)
	c.Assert(kept[0].ID, Equals, "p")
	c.Assert(kept[1].ID, Equals, "b")

	clip = vox.Bounds{Center: vox.Vector3d{94, 0, 0}, Size: vox.Vector3d{2, 2, 2}}
	kept = Filter(anns, clip)
	c.Assert(kept, HasLen, 1)
	c.Assert(kept[0].ID, Equals, "e")
}

// Encoding then decoding integer-valued annotations is the identity, and ellipsoids
// come back within rounding error.
func TestRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	randPoint := func() vox.Vector3d {
		return vox.Vector3d{float64(r.Intn(2000) - 1000), float64(r.Intn(2000) - 1000), float64(r.Intn(2000) - 1000)}
	}
	push := func(rec *PushRecord) *Record {
		return &Record{ID: "vol:cs:id", Type: rec.Type, Corner: &rec.Corner, Size: &rec.Size, Payload: &rec.Payload}
	}
	for trial := 0; trial < 500; trial++ {
		var a Annotation
		a.ID = "id"
		a.Description = "note"
		switch trial % 4 {
		case 0:
			a.Type = Point
			a.Point = randPoint()
		case 1, 2:
			a.Type = Line
			if trial%4 == 2 {
				a.Type = AxisAlignedBox
			}
			a.PointA = randPoint()
			a.PointB = randPoint()
		case 3:
			a.Type = Ellipsoid
			a.Center = randPoint().Add(vox.Vector3d{0.3, 0.25, 0.1})
			a.Radii = vox.Vector3d{float64(1 + r.Intn(50)), 0.4 + float64(r.Intn(50)), float64(1 + r.Intn(50))}
		}
		rec, err := codec.Encode(&a)
		if err != nil {
			t.Fatal(err)
		}
		got, err := codec.Decode(push(rec))
		if err != nil {
			t.Fatal(err)
		}
		if got.Type != a.Type || got.Description != a.Description || got.ID != a.ID {
			t.Fatalf("round trip of %s gave %s", &a, got)
		}
		switch a.Type {
		case Point:
			if got.Point != a.Point {
				t.Fatalf("point %s came back as %s", a.Point, got.Point)
			}
		case Line, AxisAlignedBox:
			lo, hi := a.PointA.Min(a.PointB), a.PointA.Max(a.PointB)
			if got.PointA != lo || got.PointB != hi {
				t.Fatalf("%s %s-%s came back as %s-%s", a.Type, lo, hi, got.PointA, got.PointB)
			}
		case Ellipsoid:
			for i := 0; i < 3; i++ {
				if math.Abs(got.Center[i]-a.Center[i]) > 0.5+1e-9 || math.Abs(got.Radii[i]-a.Radii[i]) > 0.5+1e-9 {
					t.Fatalf("ellipsoid %s radii %s came back as %s radii %s", a.Center, a.Radii, got.Center, got.Radii)
				}
			}
		}
	}
}
