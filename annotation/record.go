package annotation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/janelia-flyem/ngsource/vox"
)

// SpatialType is the server's name for the shape of a spatial record.
type SpatialType string

const (
	Location SpatialType = "LOCATION"
	LineType SpatialType = "LINE"
	Volume   SpatialType = "VOLUME"
)

// SpatialTypes lists every spatial type, in the order they are fetched.
var SpatialTypes = []SpatialType{Location, LineType, Volume}

// Record is a spatial record as returned by the server.  Corner and size are comma
// separated triplets.
type Record struct {
	ID           string      `json:"id"`
	Type         SpatialType `json:"type"`
	Corner       *string     `json:"corner"`
	Size         *string     `json:"size"`
	Payload      *string     `json:"payload"`
	ObjectLabels LabelList   `json:"objectLabels"`
}

// PushRecord is a spatial record as sent to the server.
type PushRecord struct {
	ID           string      `json:"id,omitempty"`
	Type         SpatialType `json:"type"`
	Corner       string      `json:"corner"`
	Size         string      `json:"size"`
	ObjectLabels []string    `json:"object_labels,omitempty"`
	Payload      string      `json:"payload"`
}

// LabelList is a JSON list of 64-bit ids given as decimal strings or numbers.
type LabelList []uint64

func (l *LabelList) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*l = nil
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return vox.WrapError(vox.ParseError, "objectLabels", err)
	}
	out := make(LabelList, len(raw))
	for i, r := range raw {
		text := string(bytes.TrimSpace(r))
		if strings.HasPrefix(text, `"`) {
			if err := json.Unmarshal(r, &text); err != nil {
				return vox.WrapError(vox.ParseError, "objectLabels", err)
			}
		}
		id, err := vox.ParseUint64(text, 10)
		if err != nil {
			return err
		}
		out[i] = id
	}
	*l = out
	return nil
}

var tripletRegexp = regexp.MustCompile(`(-?[0-9]+(?:\.[0-9]+)?),(-?[0-9]+(?:\.[0-9]+)?),(-?[0-9]+(?:\.[0-9]+)?)`)

// ParseTriplet parses "x,y,z" with integer or decimal coordinates.
func ParseTriplet(field, s string) (vox.Vector3d, error) {
	m := tripletRegexp.FindStringSubmatch(s)
	if m == nil {
		return vox.Vector3d{}, vox.NewError(vox.ParseError, field, s, "expected comma separated number triplet")
	}
	var v vox.Vector3d
	for i := 0; i < 3; i++ {
		f, err := strconv.ParseFloat(m[i+1], 64)
		if err != nil {
			return vox.Vector3d{}, &vox.Error{Kind: vox.ParseError, Field: field, Value: s, Err: err}
		}
		v[i] = f
	}
	return v, nil
}

// FormatTriplet rounds each coordinate to the nearest integer, halves rounding up, and
// joins them with commas.
func FormatTriplet(v vox.Vector3d) string {
	return v.Round().Join(",")
}

// Codec converts records of one annotation namespace.  Server ids are the Prefix
// followed by the client id.
type Codec struct {
	Prefix string
}

// NewCodec returns the codec for the annotations of a volume's change stack.
func NewCodec(volumeID, changeStack string) Codec {
	return Codec{Prefix: volumeID + ":" + changeStack + ":"}
}

// FullID returns the server id for a client id.
func (c Codec) FullID(id string) string {
	return c.Prefix + id
}

// StripPrefix returns the client id for a server id.
func (c Codec) StripPrefix(fullID string) (string, error) {
	if !strings.HasPrefix(fullID, c.Prefix) {
		return "", vox.NewError(vox.PrefixMismatch, "id", fullID, "expected prefix %q", c.Prefix)
	}
	return fullID[len(c.Prefix):], nil
}

// Decode converts a server record.  A LOCATION with zero size is a Point and with
// nonzero size an Ellipsoid filling the corner/size box.
func (c Codec) Decode(rec *Record) (*Annotation, error) {
	if rec.Corner == nil {
		return nil, vox.NewError(vox.ParseError, "corner", "", "missing corner")
	}
	if rec.Size == nil {
		return nil, vox.NewError(vox.ParseError, "size", "", "missing size")
	}
	corner, err := ParseTriplet("corner", *rec.Corner)
	if err != nil {
		return nil, err
	}
	size, err := ParseTriplet("size", *rec.Size)
	if err != nil {
		return nil, err
	}
	id, err := c.StripPrefix(rec.ID)
	if err != nil {
		return nil, err
	}
	a := &Annotation{ID: id}
	if rec.Payload != nil {
		a.Description = *rec.Payload
	}
	if rec.ObjectLabels != nil {
		a.Segments = []uint64(rec.ObjectLabels)
	}
	switch rec.Type {
	case Location:
		if size.IsZero() {
			a.Type = Point
			a.Point = corner
		} else {
			a.Type = Ellipsoid
			a.Radii = size.Scale(0.5)
			a.Center = corner.Add(a.Radii)
		}
	case LineType:
		a.Type = Line
		a.PointA = corner
		a.PointB = corner.Add(size)
	case Volume:
		a.Type = AxisAlignedBox
		a.PointA = corner
		a.PointB = corner.Add(size)
	default:
		return nil, vox.NewError(vox.ParseError, "type", string(rec.Type), "unknown spatial annotation type")
	}
	return a, nil
}

// DecodeExpected decodes a record that must have the given client id.
func (c Codec) DecodeExpected(rec *Record, expectedID string) (*Annotation, error) {
	a, err := c.Decode(rec)
	if err != nil {
		return nil, err
	}
	if a.ID != expectedID {
		return nil, vox.NewError(vox.ParseError, "id", rec.ID, "expected annotation %q", expectedID)
	}
	return a, nil
}

// Encode converts an annotation to a record for pushing.  The id is left empty.
func (c Codec) Encode(a *Annotation) (*PushRecord, error) {
	rec := &PushRecord{
		ObjectLabels: a.SegmentStrings(),
		Payload:      a.Description,
	}
	switch a.Type {
	case Line, AxisAlignedBox:
		lo := a.PointA.Min(a.PointB)
		hi := a.PointA.Max(a.PointB)
		rec.Type = Volume
		if a.Type == Line {
			rec.Type = LineType
		}
		rec.Corner = FormatTriplet(lo)
		rec.Size = FormatTriplet(hi.Subtract(lo))
	case Point:
		rec.Type = Location
		rec.Corner = FormatTriplet(a.Point)
		rec.Size = "0,0,0"
	case Ellipsoid:
		rec.Type = Location
		rec.Corner = FormatTriplet(a.Center.Subtract(a.Radii))
		rec.Size = FormatTriplet(a.Radii.Scale(2))
	default:
		return nil, fmt.Errorf("can't encode %s", a.Type)
	}
	return rec, nil
}

// EncodeWithID is Encode with the record id set to the annotation's server id.
func (c Codec) EncodeWithID(a *Annotation) (*PushRecord, error) {
	rec, err := c.Encode(a)
	if err != nil {
		return nil, err
	}
	rec.ID = c.FullID(a.ID)
	return rec, nil
}

// ListResponse is the body of a spatial record query.
type ListResponse struct {
	Annotations []*Record `json:"annotations"`
}

// DecodeList decodes every record of a query response.  A response without an
// "annotations" field holds no records.
func (c Codec) DecodeList(data []byte) ([]*Annotation, error) {
	var resp ListResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, vox.WrapError(vox.ParseError, "annotations", err)
	}
	anns := make([]*Annotation, 0, len(resp.Annotations))
	for _, rec := range resp.Annotations {
		if rec == nil {
			return nil, vox.NewError(vox.ParseError, "annotations", "null", "expected annotation object")
		}
		a, err := c.Decode(rec)
		if err != nil {
			return nil, err
		}
		anns = append(anns, a)
	}
	return anns, nil
}

// DecodeSingle decodes a query response that must hold exactly one record with the
// given client id.
func (c Codec) DecodeSingle(data []byte, expectedID string) (*Annotation, error) {
	var resp ListResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, vox.WrapError(vox.ParseError, "annotations", err)
	}
	if len(resp.Annotations) != 1 || resp.Annotations[0] == nil {
		return nil, vox.NewError(vox.ParseError, "annotations", fmt.Sprintf("%d records", len(resp.Annotations)),
			"expected exactly 1 annotation")
	}
	return c.DecodeExpected(resp.Annotations[0], expectedID)
}

// DecodePushResponse returns the client id of the single record created by a push.
func (c Codec) DecodePushResponse(data []byte) (string, error) {
	var resp struct {
		IDs *[]string `json:"ids"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", vox.WrapError(vox.ParseError, "ids", err)
	}
	if resp.IDs == nil || len(*resp.IDs) != 1 {
		var got string
		if resp.IDs != nil {
			got = strings.Join(*resp.IDs, ",")
		}
		return "", vox.NewError(vox.ParseError, "ids", got, "expected list of 1 id")
	}
	return c.StripPrefix((*resp.IDs)[0])
}
