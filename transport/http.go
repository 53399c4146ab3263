package transport

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/janelia-flyem/ngsource/vox"
)

// BrainmapsScope is the OAuth2 scope for Brainmaps servers.
const BrainmapsScope = "https://www.googleapis.com/auth/brainmaps"

// HTTPOptions configures an HTTP transport.
type HTTPOptions struct {
	Timeout time.Duration

	// MaxConcurrent bounds requests in flight.  Zero means unbounded.
	MaxConcurrent int

	// RequestsPerSecond limits the request rate.  Zero means unlimited.
	RequestsPerSecond float64
	Burst             int

	// TokenEnv names an environment variable holding a bearer token.
	TokenEnv string

	// CredentialsFile is a Google service account JSON key.  If set, requests are signed
	// with a token for Scopes.
	CredentialsFile string

	// DefaultCredentials uses Google application default credentials for Scopes.
	DefaultCredentials bool

	Scopes []string

	// Mirrors maps an endpoint to equivalent base URLs.  Each path is always sent to the
	// same mirror.
	Mirrors map[string][]string

	// Client overrides the HTTP client, e.g., for tests.
	Client *http.Client
}

// HTTP is a Transport for HTTP servers.
type HTTP struct {
	client  *http.Client
	token   string
	mirrors map[string][]string
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

// NewHTTP returns an HTTP transport, loading credentials as configured.
func NewHTTP(ctx context.Context, opts HTTPOptions) (*HTTP, error) {
	t := &HTTP{mirrors: opts.Mirrors}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{BrainmapsScope}
	}
	switch {
	case opts.Client != nil:
		t.client = opts.Client
	case opts.CredentialsFile != "":
		jwtdata, err := ioutil.ReadFile(opts.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("can't read credentials file %q: %v", opts.CredentialsFile, err)
		}
		conf, err := google.JWTConfigFromJSON(jwtdata, scopes...)
		if err != nil {
			return nil, fmt.Errorf("can't parse credentials file %q: %v", opts.CredentialsFile, err)
		}
		t.client = conf.Client(oauth2.NoContext)
	case opts.DefaultCredentials:
		client, err := google.DefaultClient(ctx, scopes...)
		if err != nil {
			return nil, fmt.Errorf("can't get default credentials: %v", err)
		}
		t.client = client
	default:
		t.client = &http.Client{}
	}
	if opts.Timeout > 0 && opts.Client == nil {
		t.client.Timeout = opts.Timeout
	}
	if opts.TokenEnv != "" {
		t.token = os.Getenv(opts.TokenEnv)
		if t.token == "" {
			vox.Warningf("no bearer token found in environment variable %s\n", opts.TokenEnv)
		}
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	if opts.MaxConcurrent > 0 {
		t.sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	return t, nil
}

// BaseURL returns the base URL a path on the endpoint is sent to.
func (t *HTTP) BaseURL(endpoint, path string) string {
	mirrors := t.mirrors[endpoint]
	if len(mirrors) == 0 {
		return endpoint
	}
	return mirrors[xxhash.Sum64String(path)%uint64(len(mirrors))]
}

func (t *HTTP) Do(ctx context.Context, req *Request) ([]byte, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", req, err)
		}
	}
	if t.sem != nil {
		if err := t.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("%s: %w", req, err)
		}
		defer t.sem.Release(1)
	}

	url := strings.TrimSuffix(t.BaseURL(req.Endpoint, req.Path), "/") + req.Path
	var body *bytes.Reader
	if req.Payload != nil {
		body = bytes.NewReader(req.Payload)
	} else {
		body = bytes.NewReader(nil)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.method(), url, body)
	if err != nil {
		return nil, err
	}
	if req.Payload != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	if t.token != "" {
		hreq.Header.Set("Authorization", "Bearer "+t.token)
	}
	if req.Length > 0 {
		hreq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", req.Offset, req.Offset+req.Length-1))
	}

	timedLog := vox.NewTimeLog()
	resp, err := t.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.method(), url, err)
	}
	defer resp.Body.Close()
	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.method(), url, err)
	}
	if resp.StatusCode != http.StatusOK && !(req.Length > 0 && resp.StatusCode == http.StatusPartialContent) {
		msg := string(data)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode, Body: strings.TrimSpace(msg)}
	}
	timedLog.Debugf("%s %s returned %s", req.method(), url, humanize.Bytes(uint64(len(data))))
	if err := checkKind(req, data); err != nil {
		return nil, err
	}
	return data, nil
}
