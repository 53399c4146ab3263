/*
	Package transport issues the network round trips made by data sources.  A Transport
	fetches the bytes at a path of an endpoint, where an endpoint is an HTTP base URL or
	a blob bucket URL.  Authentication, rate limiting and response caching are supplied
	here so the decoding packages only describe what to fetch.
*/
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/janelia-flyem/ngsource/vox"
)

// ResponseKind is the expected form of a response body.
type ResponseKind uint8

const (
	Binary ResponseKind = iota
	JSON
)

func (k ResponseKind) String() string {
	if k == JSON {
		return "json"
	}
	return "binary"
}

// Request is one round trip.
type Request struct {
	Endpoint string
	Method   string // GET if empty
	Path     string
	Payload  []byte
	Kind     ResponseKind

	// Immutable marks a response that may be reused for the life of the process.
	Immutable bool

	// Length > 0 reads only Length bytes starting at Offset.
	Offset int64
	Length int64
}

func (r *Request) method() string {
	if r.Method == "" {
		return "GET"
	}
	return r.Method
}

func (r *Request) String() string {
	if r.Length > 0 {
		return fmt.Sprintf("%s %s%s [%d+%d]", r.method(), r.Endpoint, r.Path, r.Offset, r.Length)
	}
	return fmt.Sprintf("%s %s%s", r.method(), r.Endpoint, r.Path)
}

// Transport performs requests.  Implementations must be safe for concurrent use.
type Transport interface {
	Do(ctx context.Context, req *Request) ([]byte, error)
}

// Func adapts a function to the Transport interface.
type Func func(ctx context.Context, req *Request) ([]byte, error)

func (f Func) Do(ctx context.Context, req *Request) ([]byte, error) {
	return f(ctx, req)
}

// ErrNotFound is matched by errors for paths with no data.
var ErrNotFound = errors.New("not found")

// StatusError is returned for HTTP responses other than 200 OK.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.URL, e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == 404
}

// GetJSON performs a JSON request and unmarshals the response into v.
func GetJSON(ctx context.Context, t Transport, req *Request, v interface{}) error {
	req.Kind = JSON
	data, err := t.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &vox.Error{Kind: vox.ParseError, Field: req.Path, Value: string(data), Err: err}
	}
	return nil
}

func checkKind(req *Request, data []byte) error {
	if req.Kind == JSON && !json.Valid(data) {
		return vox.NewError(vox.ParseError, req.Path, string(data), "expected JSON response")
	}
	return nil
}
