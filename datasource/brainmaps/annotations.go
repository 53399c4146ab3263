package brainmaps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/ngsource/annotation"
	"github.com/janelia-flyem/ngsource/transport"
	"github.com/janelia-flyem/ngsource/vox"
)

type spatialsQuery struct {
	Type          annotation.SpatialType `json:"type"`
	ID            string                 `json:"id,omitempty"`
	ObjectLabels  []string               `json:"object_labels,omitempty"`
	IgnorePayload bool                   `json:"ignore_payload,omitempty"`
}

type spatialsPush struct {
	Annotations []*annotation.PushRecord `json:"annotations"`
}

type spatialsDelete struct {
	Type annotation.SpatialType `json:"type"`
	IDs  []string               `json:"ids"`
}

// AnnotationSource reads and writes the spatial annotations of a change stack.
type AnnotationSource struct {
	transport transport.Transport
	endpoint  string
	basePath  string
	codec     annotation.Codec
}

// NewAnnotationSource returns the annotation source for the change stack of loc, which
// must not be nil.
func NewAnnotationSource(t transport.Transport, loc Location) *AnnotationSource {
	cs := loc.Change.ChangeStackID
	return &AnnotationSource{
		transport: t,
		endpoint:  loc.Endpoint,
		basePath:  "/v1/changes/" + loc.VolumeID + "/" + cs + "/spatials",
		codec:     annotation.NewCodec(loc.VolumeID, cs),
	}
}

func (s *AnnotationSource) ReadOnly() bool { return false }

func (s *AnnotationSource) post(ctx context.Context, op string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return s.transport.Do(ctx, &transport.Request{
		Endpoint: s.endpoint,
		Method:   "POST",
		Path:     s.basePath + ":" + op,
		Payload:  payload,
		Kind:     transport.JSON,
	})
}

// query fetches the records of every spatial type concurrently.  Payloads are omitted.
func (s *AnnotationSource) query(ctx context.Context, labels []string) ([]*annotation.Annotation, error) {
	results := make([][]*annotation.Annotation, len(annotation.SpatialTypes))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range annotation.SpatialTypes {
		i, t := i, t
		g.Go(func() error {
			data, err := s.post(gctx, "get", spatialsQuery{Type: t, ObjectLabels: labels, IgnorePayload: true})
			if err != nil {
				return err
			}
			anns, err := s.codec.DecodeList(data)
			if err != nil {
				return fmt.Errorf("parsing %s annotations: %w", t, err)
			}
			results[i] = anns
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []*annotation.Annotation
	for _, anns := range results {
		all = append(all, anns...)
	}
	return all, nil
}

// InBounds fetches all annotations of the change stack and keeps those intersecting
// bounds.  The server does not filter spatially.
func (s *AnnotationSource) InBounds(ctx context.Context, bounds vox.Bounds) ([]*annotation.Annotation, error) {
	all, err := s.query(ctx, nil)
	if err != nil {
		return nil, err
	}
	return annotation.Filter(all, bounds), nil
}

func (s *AnnotationSource) ForSegment(ctx context.Context, segment uint64) ([]*annotation.Annotation, error) {
	return s.query(ctx, []string{strconv.FormatUint(segment, 10)})
}

// Get fetches one annotation with its payload.  A failed request is reported as no
// annotation, but a response that can't be decoded as the requested record is an error.
func (s *AnnotationSource) Get(ctx context.Context, id string) (*annotation.Annotation, error) {
	data, err := s.post(ctx, "get", spatialsQuery{Type: annotation.TypeFromID(id), ID: s.codec.FullID(id)})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		vox.Debugf("annotation %q not retrieved: %v\n", id, err)
		return nil, nil
	}
	return s.codec.DecodeSingle(data, id)
}

// Add pushes a new annotation and returns the id assigned by the server.
func (s *AnnotationSource) Add(ctx context.Context, a *annotation.Annotation) (string, error) {
	rec, err := s.codec.Encode(a)
	if err != nil {
		return "", err
	}
	data, err := s.post(ctx, "push", spatialsPush{Annotations: []*annotation.PushRecord{rec}})
	if err != nil {
		return "", err
	}
	return s.codec.DecodePushResponse(data)
}

func (s *AnnotationSource) Update(ctx context.Context, a *annotation.Annotation) error {
	rec, err := s.codec.EncodeWithID(a)
	if err != nil {
		return err
	}
	_, err = s.post(ctx, "push", spatialsPush{Annotations: []*annotation.PushRecord{rec}})
	return err
}

func (s *AnnotationSource) Delete(ctx context.Context, id string) error {
	_, err := s.post(ctx, "delete", spatialsDelete{Type: annotation.TypeFromID(id), IDs: []string{s.codec.FullID(id)}})
	return err
}
