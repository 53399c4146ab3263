package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/coocood/freecache"
	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"

	"github.com/janelia-flyem/ngsource/vox"
)

// Cached wraps a Transport with an in-memory cache of immutable responses.
type Cached struct {
	Transport
	cache  *freecache.Cache
	expire int
}

// NewCached returns a decorator caching up to megabytes of responses to requests
// marked Immutable.  Entries expire after expireSecs, or never if zero.
func NewCached(t Transport, megabytes, expireSecs int) *Cached {
	return &Cached{
		Transport: t,
		cache:     freecache.NewCache(megabytes * 1024 * 1024),
		expire:    expireSecs,
	}
}

func cacheKey(req *Request) []byte {
	key := req.method() + " " + req.Endpoint + req.Path
	if len(req.Payload) != 0 {
		key += "#" + strconv.FormatUint(xxhash.Sum64(req.Payload), 16)
	}
	if req.Length > 0 {
		key += fmt.Sprintf("@%d+%d", req.Offset, req.Length)
	}
	return []byte(key)
}

func (c *Cached) Do(ctx context.Context, req *Request) ([]byte, error) {
	if !req.Immutable {
		return c.Transport.Do(ctx, req)
	}
	key := cacheKey(req)
	data, err := c.cache.Get(key)
	if err == nil {
		return data, nil
	}
	if err != freecache.ErrNotFound {
		vox.Errorf("response cache lookup of %s: %v\n", req, err)
	}
	if data, err = c.Transport.Do(ctx, req); err != nil {
		return nil, err
	}
	if err := c.cache.Set(key, data, c.expire); err != nil {
		vox.Debugf("not caching response of %s: %v\n", req, err)
	}
	return data, nil
}

// HitRate returns the fraction of cache lookups that found a response.
func (c *Cached) HitRate() float64 {
	return c.cache.HitRate()
}

// Memo memoizes the results of expensive lookups, such as parsed server metadata, for
// the life of the process.  Concurrent lookups of one key share a single call.
// Failed lookups are not remembered.
type Memo struct {
	mu     sync.Mutex
	values *lru.Cache
	group  singleflight.Group
}

// NewMemo returns a Memo holding at most maxEntries results, or unbounded if zero.
func NewMemo(maxEntries int) *Memo {
	return &Memo{values: lru.New(maxEntries)}
}

// Get returns the value for key, calling fn to compute it if it is not known.  fn gets
// a context that is not cancelled along with ctx, so a caller giving up does not fail
// others waiting on the same key.  Each caller stops waiting when its own ctx is done.
func (m *Memo) Get(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	m.mu.Lock()
	v, found := m.values.Get(key)
	m.mu.Unlock()
	if found {
		return v, nil
	}
	type result struct {
		v   interface{}
		err error
	}
	detached := context.WithoutCancel(ctx)
	done := make(chan result, 1)
	go func() {
		v, err := m.group.Do(key, func() (interface{}, error) {
			v, err := fn(detached)
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			m.values.Add(key, v)
			m.mu.Unlock()
			return v, nil
		})
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Forget drops a memoized value.
func (m *Memo) Forget(key string) {
	m.mu.Lock()
	m.values.Remove(key)
	m.mu.Unlock()
}

// Len returns the number of memoized values.
func (m *Memo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values.Len()
}
