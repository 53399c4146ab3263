package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/janelia-flyem/ngsource/vox"
)

// Blob is a Transport reading objects from buckets.  The request endpoint is a bucket
// URL such as gs://bucket/prefix, s3://bucket or file:///path and the path is the object
// key.  Buckets are opened on first use and kept until Close.
type Blob struct {
	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

func NewBlob() *Blob {
	return &Blob{buckets: make(map[string]*blob.Bucket)}
}

// AddBucket registers an already opened bucket for an endpoint.
func (b *Blob) AddBucket(endpoint string, bucket *blob.Bucket) {
	b.mu.Lock()
	b.buckets[endpoint] = bucket
	b.mu.Unlock()
}

func (b *Blob) bucket(ctx context.Context, endpoint string) (*blob.Bucket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bucket, found := b.buckets[endpoint]; found {
		return bucket, nil
	}
	urlstr := endpoint
	var prefix string
	if i := strings.Index(endpoint, "://"); i >= 0 && endpoint[:i] != "file" && endpoint[:i] != "mem" {
		// bucket URLs can't carry a path, so it becomes a key prefix.
		rest := endpoint[i+3:]
		if j := strings.Index(rest, "/"); j >= 0 {
			urlstr = endpoint[:i+3] + rest[:j]
			prefix = strings.Trim(rest[j+1:], "/")
		}
	}
	vox.Infof("Opening bucket %q ...\n", urlstr)
	bucket, err := blob.OpenBucket(ctx, urlstr)
	if err != nil {
		return nil, fmt.Errorf("can't open bucket %q: %v", urlstr, err)
	}
	if prefix != "" {
		bucket = blob.PrefixedBucket(bucket, prefix+"/")
	}
	b.buckets[endpoint] = bucket
	return bucket, nil
}

// Do reads the object named by the request path.  Only GET is supported.
func (b *Blob) Do(ctx context.Context, req *Request) ([]byte, error) {
	if req.method() != "GET" {
		return nil, fmt.Errorf("%s: blob transport only supports GET", req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bucket, err := b.bucket(ctx, req.Endpoint)
	if err != nil {
		return nil, err
	}
	key := strings.TrimPrefix(req.Path, "/")
	timedLog := vox.NewTimeLog()
	var data []byte
	if req.Length > 0 {
		data, err = readRange(ctx, bucket, key, req.Offset, req.Length)
	} else {
		data, err = bucket.ReadAll(ctx, key)
	}
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("object %q in %s: %w", key, req.Endpoint, ErrNotFound)
		}
		return nil, fmt.Errorf("reading object %q in %s: %w", key, req.Endpoint, err)
	}
	timedLog.Debugf("read %s of object %q in %s", humanize.Bytes(uint64(len(data))), key, req.Endpoint)
	if err := checkKind(req, data); err != nil {
		return nil, err
	}
	return data, nil
}

func readRange(ctx context.Context, bucket *blob.Bucket, key string, offset, length int64) ([]byte, error) {
	r, err := bucket.NewRangeReader(ctx, key, offset, length, nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	buf := bytes.NewBuffer(make([]byte, 0, length))
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Close closes every opened bucket.
func (b *Blob) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for endpoint, bucket := range b.buckets {
		if err := bucket.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.buckets, endpoint)
	}
	return firstErr
}
