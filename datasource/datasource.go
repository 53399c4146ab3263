/*
	Package datasource opens remote volume, mesh, skeleton and annotation sources by URL.

	Each kind of server is handled by a Provider registered under a URL scheme, e.g.,
	"dvid", "brainmaps" or "precomputed".  A source URL is the scheme, "://", and a
	provider-specific path:

		dvid://https://emdata.example.org/a89e/segmentation
		brainmaps://project:dataset:volume/mesh_name
		precomputed://gs://bucket/path/to/volume
*/
package datasource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/janelia-flyem/go/semver"
	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/ngsource/annotation"
	"github.com/janelia-flyem/ngsource/chunk"
	"github.com/janelia-flyem/ngsource/mesh"
	"github.com/janelia-flyem/ngsource/multiscale"
	"github.com/janelia-flyem/ngsource/skeleton"
	"github.com/janelia-flyem/ngsource/transport"
	"github.com/janelia-flyem/ngsource/vox"
)

// VolumeSource fetches decoded chunks of a multiscale volume.
type VolumeSource interface {
	Descriptor() *multiscale.VolumeDescriptor
	Params() chunk.Params
	FetchChunk(ctx context.Context, req multiscale.ChunkRequest) (*chunk.VoxelBuffer, error)
}

// MeshSource fetches the mesh of a segment.  If clip is non-nil, only fragments
// intersecting it are fetched when the server supports it.
type MeshSource interface {
	FetchMesh(ctx context.Context, objectID uint64, clip *vox.Bounds) (*mesh.Mesh, error)
}

// SkeletonSource fetches the skeleton of a segment.
type SkeletonSource interface {
	FetchSkeleton(ctx context.Context, objectID uint64) (*skeleton.Skeleton, error)
}

// AnnotationSource reads and, if not read-only, writes spatial annotations.
type AnnotationSource interface {
	ReadOnly() bool

	// InBounds returns the annotations intersecting the given bounds.
	InBounds(ctx context.Context, bounds vox.Bounds) ([]*annotation.Annotation, error)

	// ForSegment returns the annotations associated with a segment.
	ForSegment(ctx context.Context, segment uint64) ([]*annotation.Annotation, error)

	// Get returns the annotation with the given id or nil if there is none.
	Get(ctx context.Context, id string) (*annotation.Annotation, error)

	// Add stores a new annotation and returns its id.
	Add(ctx context.Context, a *annotation.Annotation) (string, error)

	Update(ctx context.Context, a *annotation.Annotation) error
	Delete(ctx context.Context, id string) error
}

// ErrReadOnly is returned when writing to a read-only annotation source.
var ErrReadOnly = errors.New("annotation source is read-only")

// Source is an opened data source.  Components a server does not offer are nil.
type Source struct {
	URL         string
	Volume      VolumeSource
	Mesh        MeshSource
	Skeleton    SkeletonSource
	Annotations AnnotationSource
}

func (s *Source) String() string {
	var parts []string
	if s.Volume != nil {
		parts = append(parts, "volume "+s.Volume.Params().String())
	}
	if s.Mesh != nil {
		parts = append(parts, "meshes")
	}
	if s.Skeleton != nil {
		parts = append(parts, "skeletons")
	}
	if s.Annotations != nil {
		parts = append(parts, "annotations")
	}
	return fmt.Sprintf("%s [%s]", s.URL, strings.Join(parts, ", "))
}

// Provider opens sources for one URL scheme.
type Provider interface {
	Scheme() string
	Description() string
	SemVer() semver.Version

	// Open opens the source at path, the part of the URL after "scheme://".
	Open(ctx context.Context, env *Env, path string) (*Source, error)
}

// Completer is implemented by providers that can suggest completions of a partial path.
type Completer interface {
	Complete(ctx context.Context, env *Env, partial string) ([]string, error)
}

var (
	providersMu sync.RWMutex
	providers   = make(map[string]Provider)
)

// RegisterProvider makes a provider available to Open.  Providers register themselves
// on package initialization.
func RegisterProvider(p Provider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	if _, found := providers[p.Scheme()]; found {
		vox.Errorf("duplicate registration of data source provider %q\n", p.Scheme())
		return
	}
	providers[p.Scheme()] = p
}

// Providers returns the registered providers sorted by scheme.
func Providers() []Provider {
	providersMu.RLock()
	defer providersMu.RUnlock()
	out := make([]Provider, 0, len(providers))
	for _, p := range providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scheme() < out[j].Scheme() })
	return out
}

// GetProvider returns the provider for a scheme.
func GetProvider(scheme string) (Provider, error) {
	providersMu.RLock()
	defer providersMu.RUnlock()
	p, found := providers[scheme]
	if !found {
		return nil, fmt.Errorf("no data source provider for scheme %q", scheme)
	}
	return p, nil
}

// SplitURL splits "scheme://path" into its scheme and path.
func SplitURL(url string) (scheme, path string, err error) {
	i := strings.Index(url, "://")
	if i <= 0 {
		return "", "", vox.NewError(vox.ParseError, "source url", url, "expected scheme://path")
	}
	return url[:i], url[i+3:], nil
}

// Env holds the transports and caches shared by all sources.
type Env struct {
	Config *Config

	// HTTP reaches HTTP servers and Blob reads from buckets.
	HTTP transport.Transport
	Blob transport.Transport

	// Memo holds parsed metadata for the life of the process.
	Memo *transport.Memo

	closers []func() error
}

// NewEnv creates transports as configured.
func NewEnv(ctx context.Context, cfg *Config) (*Env, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	httpTransport, err := transport.NewHTTP(ctx, cfg.HTTP.Options())
	if err != nil {
		return nil, err
	}
	blobTransport := transport.NewBlob()
	env := &Env{
		Config:  cfg,
		HTTP:    transport.NewCached(httpTransport, cfg.Cache.ResponseMB, cfg.Cache.ResponseExpireSecs),
		Blob:    transport.NewCached(blobTransport, cfg.Cache.ResponseMB, cfg.Cache.ResponseExpireSecs),
		Memo:    transport.NewMemo(cfg.Cache.MetadataEntries),
		closers: []func() error{blobTransport.Close},
	}
	return env, nil
}

// NewTestEnv returns an environment using the given transports for both HTTP and blobs.
func NewTestEnv(t transport.Transport) *Env {
	return &Env{Config: DefaultConfig(), HTTP: t, Blob: t, Memo: transport.NewMemo(0)}
}

// Close releases resources held by the transports.
func (env *Env) Close() error {
	var firstErr error
	for _, fn := range env.closers {
		if err := fn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Open opens a source URL or a configured source alias.
func (env *Env) Open(ctx context.Context, urlOrAlias string) (*Source, error) {
	url := env.Config.ResolveAlias(urlOrAlias)
	scheme, path, err := SplitURL(url)
	if err != nil {
		return nil, err
	}
	p, err := GetProvider(scheme)
	if err != nil {
		return nil, err
	}
	timedLog := vox.NewTimeLog()
	src, err := p.Open(ctx, env, path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", url, err)
	}
	src.URL = url
	timedLog.Infof("Opened %s", src)
	return src, nil
}

// Complete returns completions of a partial source URL.
func (env *Env) Complete(ctx context.Context, partial string) ([]string, error) {
	scheme, path, err := SplitURL(partial)
	if err != nil {
		var schemes []string
		for _, p := range Providers() {
			if strings.HasPrefix(p.Scheme(), partial) {
				schemes = append(schemes, p.Scheme()+"://")
			}
		}
		return schemes, nil
	}
	p, err := GetProvider(scheme)
	if err != nil {
		return nil, err
	}
	c, ok := p.(Completer)
	if !ok {
		return nil, nil
	}
	completions, err := c.Complete(ctx, env, path)
	if err != nil {
		return nil, err
	}
	for i, s := range completions {
		completions[i] = scheme + "://" + s
	}
	return completions, nil
}

// FetchChunks fetches chunks with at most parallel requests in flight.  Results are in
// request order.  The first failure cancels the remaining fetches.
func FetchChunks(ctx context.Context, vs VolumeSource, reqs []multiscale.ChunkRequest, parallel int) ([]*chunk.VoxelBuffer, error) {
	out := make([]*chunk.VoxelBuffer, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			buf, err := vs.FetchChunk(gctx, req)
			if err != nil {
				return err
			}
			out[i] = buf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ChunkGrid returns the chunk grid of a level using the negotiated chunk size.
func ChunkGrid(vs VolumeSource, level int, maxVoxels int64) (multiscale.ChunkGrid, error) {
	desc, err := vs.Descriptor().Level(level)
	if err != nil {
		return multiscale.ChunkGrid{}, err
	}
	var blockSize vox.Point3d
	p := vs.Params()
	switch p.Encoding {
	case chunk.CompressedSegmentation:
		blockSize = p.BlockSize
	case chunk.LabelBlocks, chunk.JPEGBlocks:
		blockSize = vox.Point3d{p.BlockEdge, p.BlockEdge, p.BlockEdge}
	}
	size, err := multiscale.NegotiateChunkSize(desc.ChunkSizes, blockSize, maxVoxels)
	if err != nil {
		return multiscale.ChunkGrid{}, err
	}
	return multiscale.NewChunkGrid(desc, size)
}
