package datasource

import (
	"context"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	. "github.com/janelia-flyem/go/gocheck"
	"github.com/janelia-flyem/go/semver"

	"github.com/janelia-flyem/ngsource/chunk"
	"github.com/janelia-flyem/ngsource/mesh"
	"github.com/janelia-flyem/ngsource/multiscale"
	"github.com/janelia-flyem/ngsource/vox"
)

func Test(t *testing.T) { TestingT(t) }

type DataSourceSuite struct{}

var _ = Suite(&DataSourceSuite{})

const testConfig = `
[logging]
logfile = "logs/ngfetch.log"
max_log_size = 10
level = "warning"

[http]
timeout_secs = 5
requests_per_second = 20.0
credentials_file = "/etc/key.json"

[http.mirrors]
"https://a.example.com" = ["https://a1.example.com", "https://a2.example.com"]

[mesh]
max_batch_retries = 3

[[source]]
alias = "fake"
url = "fake://volume"
`

func (s *DataSourceSuite) TestLoadConfig(c *C) {
	dir, err := ioutil.TempDir("", "ngsource")
	c.Assert(err, IsNil)
	defer os.RemoveAll(dir)
	filename := filepath.Join(dir, "config.toml")
	c.Assert(ioutil.WriteFile(filename, []byte(testConfig), 0644), IsNil)

	cfg, err := LoadConfig(filename)
	c.Assert(err, IsNil)
	c.Assert(cfg.Logging.Logfile, Equals, filepath.Join(dir, "logs/ngfetch.log"))
	c.Assert(cfg.Logging.MaxSize, Equals, 10)
	c.Assert(cfg.Logging.Level, Equals, "warning")
	c.Assert(cfg.HTTP.CredentialsFile, Equals, "/etc/key.json")
	c.Assert(cfg.HTTP.Mirrors["https://a.example.com"], HasLen, 2)
	c.Assert(cfg.Mesh.MaxBatchRetries, Equals, 3)
	c.Assert(cfg.Mesh.FragmentSize, Equals, int32(mesh.DefaultFragmentSize))
	c.Assert(cfg.Cache.MetadataEntries, Equals, 1000)
	c.Assert(cfg.ResolveAlias("fake"), Equals, "fake://volume")
	c.Assert(cfg.ResolveAlias("dvid://x"), Equals, "dvid://x")

	opts := cfg.HTTP.Options()
	c.Assert(opts.Timeout.Seconds(), Equals, 5.0)
	c.Assert(opts.RequestsPerSecond, Equals, 20.0)

	c.Assert(ioutil.WriteFile(filename, []byte("[[source]]\nalias = \"x\"\n"), 0644), IsNil)
	_, err = LoadConfig(filename)
	c.Assert(err, NotNil)
}

func (s *DataSourceSuite) TestSplitURL(c *C) {
	scheme, path, err := SplitURL("dvid://http://localhost:8000/abc/grayscale")
	c.Assert(err, IsNil)
	c.Assert(scheme, Equals, "dvid")
	c.Assert(path, Equals, "http://localhost:8000/abc/grayscale")

	_, _, err = SplitURL("no-scheme")
	c.Assert(errors.Is(err, vox.ParseError), Equals, true)
}

type fakeVolume struct {
	desc *multiscale.VolumeDescriptor
}

func (v *fakeVolume) Descriptor() *multiscale.VolumeDescriptor { return v.desc }

func (v *fakeVolume) Params() chunk.Params {
	return chunk.Params{Encoding: chunk.CompressedSegmentation, DataType: vox.T_uint64, BlockSize: vox.Point3d{8, 8, 8}}
}

func (v *fakeVolume) FetchChunk(ctx context.Context, req multiscale.ChunkRequest) (*chunk.VoxelBuffer, error) {
	if req.Corner[0] < 0 {
		return nil, errors.New("bad chunk")
	}
	buf := chunk.NewVoxelBuffer(vox.T_uint64, 1, req.Size)
	buf.SetValue(vox.Point3d{}, 0, uint64(req.Corner[0]))
	return buf, nil
}

type fakeProvider struct{}

func (fakeProvider) Scheme() string      { return "fake" }
func (fakeProvider) Description() string { return "in-memory test source" }
func (fakeProvider) SemVer() semver.Version {
	v, _ := semver.Make("1.0.0")
	return v
}

func (fakeProvider) Open(ctx context.Context, env *Env, path string) (*Source, error) {
	if path != "volume" {
		return nil, errors.New("no such volume")
	}
	levels, err := multiscale.BuildLevels(vox.Point3d{0, 0, 0}, vox.Point3d{99, 99, 99}, vox.Vector3d{8, 8, 8}, 2, 64,
		[]vox.Point3d{{64, 64, 64}, {32, 32, 32}}, nil)
	if err != nil {
		return nil, err
	}
	desc := &multiscale.VolumeDescriptor{DataType: vox.T_uint64, NumChannels: 1, Kind: multiscale.Segmentation, Levels: levels}
	return &Source{Volume: &fakeVolume{desc}}, nil
}

func (fakeProvider) Complete(ctx context.Context, env *Env, partial string) ([]string, error) {
	return []string{"volume"}, nil
}

func init() {
	RegisterProvider(fakeProvider{})
}

func (s *DataSourceSuite) TestOpen(c *C) {
	env := NewTestEnv(nil)
	env.Config.Source = []SourceConfig{{Alias: "fake", URL: "fake://volume"}}
	ctx := context.Background()

	src, err := env.Open(ctx, "fake")
	c.Assert(err, IsNil)
	c.Assert(src.URL, Equals, "fake://volume")
	c.Assert(src.Volume, NotNil)
	c.Assert(src.Mesh, IsNil)

	_, err = env.Open(ctx, "fake://other")
	c.Assert(err, NotNil)
	_, err = env.Open(ctx, "nope://volume")
	c.Assert(err, NotNil)

	completions, err := env.Complete(ctx, "fa")
	c.Assert(err, IsNil)
	c.Assert(completions, DeepEquals, []string{"fake://"})
	completions, err = env.Complete(ctx, "fake://v")
	c.Assert(err, IsNil)
	c.Assert(completions, DeepEquals, []string{"fake://volume"})

	p, err := GetProvider("fake")
	c.Assert(err, IsNil)
	c.Assert(p.SemVer().String(), Equals, "1.0.0")
}

func (s *DataSourceSuite) TestFetchChunks(c *C) {
	src, err := NewTestEnv(nil).Open(context.Background(), "fake://volume")
	c.Assert(err, IsNil)

	grid, err := ChunkGrid(src.Volume, 0, 64*64*64)
	c.Assert(err, IsNil)
	c.Assert(grid.ChunkSize(), Equals, vox.Point3d{64, 64, 64})
	reqs := grid.All()
	c.Assert(reqs, HasLen, 8)

	bufs, err := FetchChunks(context.Background(), src.Volume, reqs, 3)
	c.Assert(err, IsNil)
	for i, buf := range bufs {
		c.Assert(buf.Value(vox.Point3d{}, 0), Equals, uint64(reqs[i].Corner[0]))
	}

	reqs = append(reqs, multiscale.ChunkRequest{Corner: vox.Point3d{-64, 0, 0}, Size: vox.Point3d{64, 64, 64}})
	_, err = FetchChunks(context.Background(), src.Volume, reqs, 2)
	c.Assert(err, ErrorMatches, "bad chunk")
}
