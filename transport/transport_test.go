package transport

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"gocloud.dev/blob/memblob"

	"github.com/janelia-flyem/ngsource/vox"
)

func TestHTTP(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/info":
			if r.Header.Get("Authorization") != "Bearer secret" {
				http.Error(w, "no token", http.StatusUnauthorized)
				return
			}
			fmt.Fprintf(w, `{"ok":true}`)
		case "/echo":
			body, _ := ioutil.ReadAll(r.Body)
			fmt.Fprintf(w, "%s:%s", r.Method, body)
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	os.Setenv("TRANSPORT_TEST_TOKEN", "secret")
	defer os.Unsetenv("TRANSPORT_TEST_TOKEN")
	tr, err := NewHTTP(context.Background(), HTTPOptions{TokenEnv: "TRANSPORT_TEST_TOKEN", RequestsPerSecond: 1000, MaxConcurrent: 2})
	if err != nil {
		t.Fatal(err)
	}
	var info struct{ OK bool }
	if err := GetJSON(context.Background(), tr, &Request{Endpoint: ts.URL, Path: "/api/info"}, &info); err != nil {
		t.Fatal(err)
	}
	if !info.OK {
		t.Errorf("bad JSON response")
	}

	data, err := tr.Do(context.Background(), &Request{Endpoint: ts.URL + "/", Method: "POST", Path: "/echo", Payload: []byte("hi")})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "POST:hi" {
		t.Errorf("expected echo of POST body, got %q", data)
	}

	_, err = tr.Do(context.Background(), &Request{Endpoint: ts.URL, Path: "/missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found error, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != 404 {
		t.Errorf("expected StatusError, got %v", err)
	}

	_, err = tr.Do(context.Background(), &Request{Endpoint: ts.URL, Method: "POST", Path: "/echo", Kind: JSON})
	if !errors.Is(err, vox.ParseError) {
		t.Errorf("expected ParseError for non-JSON response, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err = tr.Do(ctx, &Request{Endpoint: ts.URL, Path: "/api/info"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMirrors(t *testing.T) {
	tr, err := NewHTTP(context.Background(), HTTPOptions{
		Mirrors: map[string][]string{"https://a": {"https://a1", "https://a2", "https://a3"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	used := make(map[string]bool)
	for i := 0; i < 100; i++ {
		path := fmt.Sprintf("/chunk/%d", i)
		base := tr.BaseURL("https://a", path)
		if base != tr.BaseURL("https://a", path) {
			t.Fatalf("mirror choice for %s is not stable", path)
		}
		used[base] = true
	}
	if len(used) != 3 {
		t.Errorf("expected all 3 mirrors used, got %v", used)
	}
	if tr.BaseURL("https://b", "/x") != "https://b" {
		t.Errorf("endpoint without mirrors should be used directly")
	}
}

func TestBlob(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	if err := bucket.WriteAll(ctx, "info", []byte(`{"type":"image"}`), nil); err != nil {
		t.Fatal(err)
	}
	b := NewBlob()
	b.AddBucket("mem://vol", bucket)
	defer b.Close()

	data, err := b.Do(ctx, &Request{Endpoint: "mem://vol", Path: "/info", Kind: JSON})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"image"}` {
		t.Errorf("unexpected object contents %q", data)
	}
	data, err = b.Do(ctx, &Request{Endpoint: "mem://vol", Path: "info", Offset: 2, Length: 4})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `type` {
		t.Errorf("unexpected range contents %q", data)
	}
	if _, err := b.Do(ctx, &Request{Endpoint: "mem://vol", Path: "/missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := b.Do(ctx, &Request{Endpoint: "mem://vol", Method: "POST", Path: "/info"}); err == nil {
		t.Errorf("expected error for POST")
	}
}

func TestFileBlob(t *testing.T) {
	dir, err := ioutil.TempDir("", "blobtest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	if err := ioutil.WriteFile(dir+"/info", []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	b := NewBlob()
	defer b.Close()
	data, err := b.Do(context.Background(), &Request{Endpoint: "file://" + dir, Path: "info"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{}" {
		t.Errorf("unexpected object contents %q", data)
	}
}

func TestCached(t *testing.T) {
	var calls int32
	inner := Func(func(ctx context.Context, req *Request) ([]byte, error) {
		n := atomic.AddInt32(&calls, 1)
		return []byte(fmt.Sprintf("%s %d", req.Payload, n)), nil
	})
	c := NewCached(inner, 1, 0)
	ctx := context.Background()
	req := &Request{Endpoint: "e", Path: "/chunk", Payload: []byte("a"), Immutable: true}
	first, _ := c.Do(ctx, req)
	second, _ := c.Do(ctx, req)
	if string(first) != "a 1" || string(second) != "a 1" {
		t.Errorf("expected cached response, got %q then %q", first, second)
	}
	other, _ := c.Do(ctx, &Request{Endpoint: "e", Path: "/chunk", Payload: []byte("b"), Immutable: true})
	if string(other) != "b 2" {
		t.Errorf("payload should be part of the cache key, got %q", other)
	}
	mutable, _ := c.Do(ctx, &Request{Endpoint: "e", Path: "/chunk", Payload: []byte("a")})
	if string(mutable) != "a 3" {
		t.Errorf("mutable requests should not be cached, got %q", mutable)
	}
}

func TestMemo(t *testing.T) {
	ctx := context.Background()
	m := NewMemo(2)
	var calls int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := m.Get(ctx, "k", func(context.Context) (interface{}, error) {
				atomic.AddInt32(&calls, 1)
				return "value", nil
			})
			if err != nil || v.(string) != "value" {
				t.Errorf("bad memo result %v, %v", v, err)
			}
		}()
	}
	wg.Wait()
	if calls < 1 || m.Len() != 1 {
		t.Errorf("expected memoized value, calls %d, len %d", calls, m.Len())
	}
	before := atomic.LoadInt32(&calls)
	m.Get(ctx, "k", func(context.Context) (interface{}, error) { return nil, errors.New("unused") })
	if atomic.LoadInt32(&calls) != before {
		t.Errorf("memoized value recomputed")
	}

	if _, err := m.Get(ctx, "bad", func(context.Context) (interface{}, error) { return nil, errors.New("boom") }); err == nil {
		t.Errorf("expected error")
	}
	v, err := m.Get(ctx, "bad", func(context.Context) (interface{}, error) { return 7, nil })
	if err != nil || v.(int) != 7 {
		t.Errorf("failed lookups should not be remembered: %v, %v", v, err)
	}
	m.Forget("bad")
	if m.Len() != 1 {
		t.Errorf("expected 1 entry after Forget, got %d", m.Len())
	}
}

func TestMemoCancel(t *testing.T) {
	m := NewMemo(0)
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			t.Errorf("shared lookup cancelled with its first caller: %v", err)
			return nil, err
		}
		return "info", nil
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := m.Get(leaderCtx, "k", fetch)
		leaderErr <- err
	}()
	<-started

	waiter := make(chan interface{}, 1)
	go func() {
		v, err := m.Get(context.Background(), "k", func(context.Context) (interface{}, error) {
			return "info", nil
		})
		if err != nil {
			t.Errorf("waiter failed after another caller cancelled: %v", err)
		}
		waiter <- v
	}()

	cancel()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancelled caller to get context.Canceled, got %v", err)
	}
	close(release)
	if v := <-waiter; v != "info" {
		t.Errorf("expected waiter to get shared value, got %v", v)
	}
	v, err := m.Get(context.Background(), "k", func(context.Context) (interface{}, error) {
		return nil, errors.New("should be memoized")
	})
	if err != nil || v != "info" {
		t.Errorf("expected memoized value after cancelled caller, got %v, %v", v, err)
	}
}
