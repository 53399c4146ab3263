/*
	Package dvid reads volumes and skeletons from DVID servers.

	Source URLs have the form

		dvid://http://emdata.example.org:8000/<node uuid prefix>/<instance>[?options]

	where options are

		encoding=label_blocks   fetch label arrays as native DVID blocks instead of
		                        compressed segmentation
		compression=lz4         fetch raw image chunks lz4 compressed
*/
package dvid

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/janelia-flyem/go/semver"

	"github.com/janelia-flyem/ngsource/chunk"
	"github.com/janelia-flyem/ngsource/datasource"
	"github.com/janelia-flyem/ngsource/multiscale"
	"github.com/janelia-flyem/ngsource/skeleton"
	"github.com/janelia-flyem/ngsource/transport"
	"github.com/janelia-flyem/ngsource/vox"
)

func init() {
	ver, err := semver.Make("0.2.0")
	if err != nil {
		vox.Errorf("Unable to make semver in dvid source: %v\n", err)
	}
	datasource.RegisterProvider(Provider{ver})
}

var urlPattern = regexp.MustCompile(`^(https?://[^/]+)/([^/]+)/([^/]+)$`)

// Location identifies a data instance on a DVID server.
type Location struct {
	BaseURL  string
	Node     string
	Instance string
	Options  url.Values
}

func (l Location) String() string {
	s := l.BaseURL + "/" + l.Node + "/" + l.Instance
	if len(l.Options) != 0 {
		s += "?" + l.Options.Encode()
	}
	return s
}

// ParseURL parses the path of a DVID source URL.
func ParseURL(path string) (Location, error) {
	var loc Location
	if i := strings.Index(path, "?"); i >= 0 {
		opts, err := url.ParseQuery(path[i+1:])
		if err != nil {
			return loc, vox.WrapError(vox.ParseError, "DVID URL options", err)
		}
		loc.Options = opts
		path = path[:i]
	}
	m := urlPattern.FindStringSubmatch(path)
	if m == nil {
		return loc, vox.NewError(vox.ParseError, "DVID URL", path, "expected http(s)://host/node/instance")
	}
	loc.BaseURL, loc.Node, loc.Instance = m[1], m[2], m[3]
	return loc, nil
}

// GetServerInfo fetches and parses the repositories of a server, remembering the result
// in memo if it is not nil.
func GetServerInfo(ctx context.Context, t transport.Transport, memo *transport.Memo, baseURL string) (*ServerInfo, error) {
	fetch := func(ctx context.Context) (interface{}, error) {
		data, err := t.Do(ctx, &transport.Request{Endpoint: baseURL, Path: "/api/repos/info", Kind: transport.JSON})
		if err != nil {
			return nil, fmt.Errorf("repository info for DVID server %s: %w", baseURL, err)
		}
		return ParseServerInfo(data)
	}
	if memo == nil {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return v.(*ServerInfo), nil
	}
	v, err := memo.Get(ctx, "dvid:serverinfo:"+baseURL, fetch)
	if err != nil {
		return nil, err
	}
	return v.(*ServerInfo), nil
}

// FetchVolumeDetails fetches the bounds of a volume instance and returns its multiscale
// description.
func FetchVolumeDetails(ctx context.Context, t transport.Transport, memo *transport.Memo, baseURL, node string, info *DataInstanceInfo) (*multiscale.VolumeDescriptor, error) {
	fetch := func(ctx context.Context) (interface{}, error) {
		path := fmt.Sprintf("/api/node/%s/%s/info", node, info.Name)
		data, err := t.Do(ctx, &transport.Request{Endpoint: baseURL, Path: path, Kind: transport.JSON})
		if err != nil {
			return nil, fmt.Errorf("data instance info for node %s and instance %s on DVID server %s: %w", node, info.Name, baseURL, err)
		}
		details, err := ParseVolumeDetails(data, info.Name)
		if err != nil {
			return nil, err
		}
		return info.VolumeDescriptor(details)
	}
	key := fmt.Sprintf("dvid:details:%s/%s/%s", baseURL, node, info.Name)
	var v interface{}
	var err error
	if memo == nil {
		v, err = fetch(ctx)
	} else {
		v, err = memo.Get(ctx, key, fetch)
	}
	if err != nil {
		return nil, err
	}
	return v.(*multiscale.VolumeDescriptor), nil
}

// VolumeSource fetches chunks of a DVID volume instance.
type VolumeSource struct {
	transport transport.Transport
	baseURL   string
	node      string
	info      *DataInstanceInfo
	desc      *multiscale.VolumeDescriptor
	decoder   chunk.Decoder
}

// NewVolumeSource returns a source for the instance.  Encoding options are given as in a
// source URL.
func NewVolumeSource(t transport.Transport, baseURL, node string, info *DataInstanceInfo, desc *multiscale.VolumeDescriptor, opts url.Values) (*VolumeSource, error) {
	p := chunk.Params{
		Encoding:    info.Encoding,
		DataType:    info.DataType,
		NumChannels: info.NumChannels,
	}
	switch info.Encoding {
	case chunk.Raw:
		switch opts.Get("compression") {
		case "":
		case "lz4":
			p.Compression = chunk.LZ4
		default:
			return nil, vox.NewError(vox.UnsupportedEncoding, "compression", opts.Get("compression"), "raw DVID chunks support lz4 compression")
		}
	case chunk.JPEGBlocks:
		p.BlockEdge = multiscale.DefaultBlockEdge
	case chunk.CompressedSegmentation:
		// googlegzip is always 64-bit labels
		p.DataType = vox.T_uint64
		p.BlockSize = vox.Point3d{8, 8, 8}
	}
	if enc := opts.Get("encoding"); enc != "" {
		e, err := chunk.ParseEncoding(enc)
		if err != nil {
			return nil, err
		}
		if e == chunk.LabelBlocks && info.Array {
			p = chunk.Params{Encoding: chunk.LabelBlocks, DataType: vox.T_uint64, BlockEdge: multiscale.DefaultBlockEdge}
		} else if e != info.Encoding {
			return nil, vox.NewError(vox.UnsupportedEncoding, "encoding", enc, "not available for DVID %s instance", info.TypeName)
		}
	}
	decoder, err := chunk.DefaultRegistry.Decoder(p)
	if err != nil {
		return nil, err
	}
	return &VolumeSource{
		transport: t,
		baseURL:   baseURL,
		node:      node,
		info:      info,
		desc:      desc,
		decoder:   decoder,
	}, nil
}

func (v *VolumeSource) Descriptor() *multiscale.VolumeDescriptor { return v.desc }

func (v *VolumeSource) Params() chunk.Params { return v.decoder.Params() }

// ChunkPath returns the request path of a chunk.
func (v *VolumeSource) ChunkPath(req multiscale.ChunkRequest) (string, error) {
	level, err := v.desc.Level(req.Level)
	if err != nil {
		return "", err
	}
	p := v.decoder.Params()
	base := fmt.Sprintf("/api/node/%s/%s", v.node, level.Key)
	size := req.Size.Join("_")
	offset := req.Corner.Join("_")
	var path string
	switch p.Encoding {
	case chunk.Raw:
		path = fmt.Sprintf("%s/raw/0_1_2/%s/%s", base, size, offset)
		if p.Compression == chunk.LZ4 {
			path += "?compression=lz4"
		}
		return path, nil
	case chunk.JPEGBlocks:
		return fmt.Sprintf("%s/subvolblocks/%s/%s?compression=jpeg", base, size, offset), nil
	case chunk.CompressedSegmentation:
		path = fmt.Sprintf("%s/raw/0_1_2/%s/%s?compression=googlegzip", base, size, offset)
	case chunk.LabelBlocks:
		path = fmt.Sprintf("%s/blocks/%s/%s?compression=blocks", base, size, offset)
	default:
		return "", vox.NewError(vox.UnsupportedEncoding, "encoding", p.Encoding.String(), "no DVID request for encoding")
	}
	if v.info.Array {
		path += fmt.Sprintf("&scale=%d", req.Level)
	}
	return path, nil
}

func (v *VolumeSource) FetchChunk(ctx context.Context, req multiscale.ChunkRequest) (*chunk.VoxelBuffer, error) {
	path, err := v.ChunkPath(req)
	if err != nil {
		return nil, err
	}
	data, err := v.transport.Do(ctx, &transport.Request{Endpoint: v.baseURL, Path: path})
	if err != nil {
		return nil, err
	}
	return v.decoder.Decode(req, data)
}

// SkeletonSource reads SWC skeletons stored in a keyvalue instance.
type SkeletonSource struct {
	transport transport.Transport
	baseURL   string
	node      string
	instance  string
}

func NewSkeletonSource(t transport.Transport, baseURL, node, instance string) *SkeletonSource {
	return &SkeletonSource{transport: t, baseURL: baseURL, node: node, instance: instance}
}

func (s *SkeletonSource) FetchSkeleton(ctx context.Context, objectID uint64) (*skeleton.Skeleton, error) {
	path := fmt.Sprintf("/api/node/%s/%s/key/%d_swc", s.node, s.instance, objectID)
	data, err := s.transport.Do(ctx, &transport.Request{Endpoint: s.baseURL, Path: path})
	if err != nil {
		return nil, err
	}
	return skeleton.ParseSWC(bytes.NewReader(data))
}

// Provider opens dvid:// sources.
type Provider struct {
	semver semver.Version
}

func (p Provider) Scheme() string { return "dvid" }

func (p Provider) Description() string { return "DVID" }

func (p Provider) SemVer() semver.Version { return p.semver }

func (p Provider) Open(ctx context.Context, env *datasource.Env, path string) (*datasource.Source, error) {
	loc, err := ParseURL(path)
	if err != nil {
		return nil, err
	}
	serverInfo, err := GetServerInfo(ctx, env.HTTP, env.Memo, loc.BaseURL)
	if err != nil {
		return nil, err
	}
	repo, err := serverInfo.Node(loc.Node)
	if err != nil {
		return nil, err
	}
	info, err := repo.Instance(loc.Instance)
	if err != nil {
		return nil, err
	}
	desc, err := FetchVolumeDetails(ctx, env.HTTP, env.Memo, loc.BaseURL, repo.UUID, info)
	if err != nil {
		return nil, err
	}
	vs, err := NewVolumeSource(env.HTTP, loc.BaseURL, repo.UUID, info, desc, loc.Options)
	if err != nil {
		return nil, err
	}
	src := &datasource.Source{Volume: vs}
	if info.SkeletonInstance != "" {
		src.Skeleton = NewSkeletonSource(env.HTTP, loc.BaseURL, repo.UUID, info.SkeletonInstance)
	}
	return src, nil
}

var (
	hostPattern         = regexp.MustCompile(`^(https?://[^/]+)/(.*)$`)
	nodeInstancePattern = regexp.MustCompile(`^(?:([^/]+)(?:/([^/]*))?)?$`)
)

// Complete returns completions of a partial DVID URL path: node UUIDs once the host is
// known, then instance names once the node is.
func (p Provider) Complete(ctx context.Context, env *datasource.Env, partial string) ([]string, error) {
	m := hostPattern.FindStringSubmatch(partial)
	if m == nil {
		return nil, nil
	}
	baseURL, rest := m[1], m[2]
	serverInfo, err := GetServerInfo(ctx, env.HTTP, env.Memo, baseURL)
	if err != nil {
		return nil, err
	}
	completions, err := CompleteNodeAndInstance(serverInfo, rest)
	if err != nil {
		return nil, err
	}
	for i, c := range completions {
		completions[i] = baseURL + "/" + c
	}
	return completions, nil
}

// CompleteNodeAndInstance completes "node" or "node/instance" prefixes.  Node
// completions end with "/".
func CompleteNodeAndInstance(serverInfo *ServerInfo, prefix string) ([]string, error) {
	m := nodeInstancePattern.FindStringSubmatch(prefix)
	if m == nil {
		return nil, vox.NewError(vox.ParseError, "DVID URL", prefix, "expected node/instance")
	}
	var completions []string
	if !strings.Contains(prefix, "/") {
		for _, uuid := range serverInfo.NodeUUIDs() {
			if strings.HasPrefix(uuid, prefix) {
				completions = append(completions, uuid+"/")
			}
		}
		return completions, nil
	}
	nodeKey := m[1]
	repo, err := serverInfo.Node(nodeKey)
	if err != nil {
		return nil, err
	}
	for _, name := range repo.InstanceNames() {
		if strings.HasPrefix(name, m[2]) {
			completions = append(completions, nodeKey+"/"+name)
		}
	}
	return completions, nil
}
