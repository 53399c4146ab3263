package datasource

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/janelia-flyem/ngsource/mesh"
	"github.com/janelia-flyem/ngsource/transport"
	"github.com/janelia-flyem/ngsource/vox"
)

// Config is read from a TOML file:
//
//	[logging]
//	logfile = "/tmp/ngfetch.log"
//	max_log_size = 500 # MB
//	max_log_age = 30   # days
//	level = "info"
//
//	[http]
//	timeout_secs = 60
//	max_concurrent = 32
//	requests_per_second = 50.0
//	burst = 10
//	token_env = "DVID_TOKEN"
//	credentials_file = "brainmaps-key.json"
//
//	[http.mirrors]
//	"https://brainmaps.googleapis.com" = ["https://a.example.com", "https://b.example.com"]
//
//	[cache]
//	response_mb = 256
//	response_expire_secs = 0
//	metadata_entries = 1000
//
//	[mesh]
//	max_batch_retries = 10
//	fragment_size = 500
//	max_chunk_voxels = 262144
//
//	[[source]]
//	alias = "hemibrain"
//	url = "dvid://https://emdata.example.org/a89e/segmentation"
type Config struct {
	Logging vox.LogConfig
	HTTP    HTTPConfig     `toml:"http"`
	Cache   CacheConfig    `toml:"cache"`
	Mesh    MeshConfig     `toml:"mesh"`
	Source  []SourceConfig `toml:"source"`
}

type HTTPConfig struct {
	TimeoutSecs        int                 `toml:"timeout_secs"`
	MaxConcurrent      int                 `toml:"max_concurrent"`
	RequestsPerSecond  float64             `toml:"requests_per_second"`
	Burst              int                 `toml:"burst"`
	TokenEnv           string              `toml:"token_env"`
	CredentialsFile    string              `toml:"credentials_file"`
	DefaultCredentials bool                `toml:"default_credentials"`
	Mirrors            map[string][]string `toml:"mirrors"`
}

// Options returns the transport options for this configuration.
func (c HTTPConfig) Options() transport.HTTPOptions {
	return transport.HTTPOptions{
		Timeout:            time.Duration(c.TimeoutSecs) * time.Second,
		MaxConcurrent:      c.MaxConcurrent,
		RequestsPerSecond:  c.RequestsPerSecond,
		Burst:              c.Burst,
		TokenEnv:           c.TokenEnv,
		CredentialsFile:    c.CredentialsFile,
		DefaultCredentials: c.DefaultCredentials,
		Mirrors:            c.Mirrors,
	}
}

type CacheConfig struct {
	ResponseMB         int `toml:"response_mb"`
	ResponseExpireSecs int `toml:"response_expire_secs"`
	MetadataEntries    int `toml:"metadata_entries"`
}

type MeshConfig struct {
	MaxBatchRetries int   `toml:"max_batch_retries"`
	FragmentSize    int32 `toml:"fragment_size"`
	MaxChunkVoxels  int64 `toml:"max_chunk_voxels"`
}

// SourceConfig names a source URL with a short alias usable in place of the URL.
type SourceConfig struct {
	Alias string
	URL   string
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	c := new(Config)
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.HTTP.TimeoutSecs == 0 {
		c.HTTP.TimeoutSecs = 60
	}
	if c.Cache.ResponseMB == 0 {
		c.Cache.ResponseMB = 64
	}
	if c.Cache.MetadataEntries == 0 {
		c.Cache.MetadataEntries = 1000
	}
	if c.Mesh.MaxBatchRetries == 0 {
		c.Mesh.MaxBatchRetries = mesh.DefaultMaxRetries
	}
	if c.Mesh.FragmentSize == 0 {
		c.Mesh.FragmentSize = mesh.DefaultFragmentSize
	}
}

// LoadConfig reads a TOML configuration.  Relative file paths are taken relative to the
// directory of the configuration file.
func LoadConfig(filename string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(filename, &c); err != nil {
		return nil, fmt.Errorf("could not decode TOML config %q: %v", filename, err)
	}
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return nil, err
	}
	c.setDefaults()
	for i, sc := range c.Source {
		if sc.Alias == "" || sc.URL == "" {
			return nil, fmt.Errorf("source %d in %q needs both alias and url", i, filename)
		}
	}
	return &c, nil
}

func (c *Config) convertPathsToAbsolute(configPath string) error {
	configDir, err := filepath.Abs(filepath.Dir(configPath))
	if err != nil {
		return err
	}
	// [logging].logfile
	if c.Logging.Logfile != "" && !filepath.IsAbs(c.Logging.Logfile) {
		c.Logging.Logfile = filepath.Join(configDir, c.Logging.Logfile)
	}
	// [http].credentials_file
	if c.HTTP.CredentialsFile != "" && !filepath.IsAbs(c.HTTP.CredentialsFile) {
		c.HTTP.CredentialsFile = filepath.Join(configDir, c.HTTP.CredentialsFile)
	}
	return nil
}

// ResolveAlias returns the URL for a source alias, or the argument itself if it is not
// an alias.
func (c *Config) ResolveAlias(urlOrAlias string) string {
	for _, sc := range c.Source {
		if sc.Alias == urlOrAlias {
			return sc.URL
		}
	}
	return urlOrAlias
}
