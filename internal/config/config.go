// Package config loads the kitchensink configuration from a YAML file and
// the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wondertwin-ai/kitchensink/internal/envelope"
	"github.com/wondertwin-ai/kitchensink/internal/flags"
)

// Environment variables read by Load. They override file values.
const (
	EnvPublicKey  = "POSTHOG_PUBLIC_KEY"
	EnvPublicHost = "POSTHOG_PUBLIC_HOST"
	EnvServerKey  = "POSTHOG_KEY"
	EnvServerHost = "POSTHOG_HOST"
	EnvAppVersion = "APP_VERSION"
	EnvBuildSHA   = "BUILD_SHA"
	EnvAppEnv     = "APP_ENV"
	EnvListen     = "LISTEN_ADDR"
)

// DefaultIngestHost is where the bundled ingest stub listens.
const DefaultIngestHost = "http://localhost:12114"

// PublicConfig is the client key pair. Host is the upstream the same-origin
// ingest proxy forwards to; tabs only ever see IngestPath.
type PublicConfig struct {
	Key        string `yaml:"key"`
	Host       string `yaml:"host"`
	IngestPath string `yaml:"ingest_path"`
}

// ServerConfig is the private key pair used by server actions.
type ServerConfig struct {
	Key  string `yaml:"key"`
	Host string `yaml:"host"`
}

// ClientConfig tunes the tab-side batching transport.
type ClientConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Config is the full application configuration.
type Config struct {
	Environment     string        `yaml:"environment"`
	AppVersion      string        `yaml:"app_version"`
	BuildSHA        string        `yaml:"build_sha"`
	Listen          string        `yaml:"listen"`
	Public          PublicConfig  `yaml:"public"`
	Server          ServerConfig  `yaml:"server"`
	DeferredTimeout time.Duration `yaml:"deferred_timeout"`
	Client          ClientConfig  `yaml:"client"`
	StorageDir      string        `yaml:"storage_dir"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Environment: string(flags.Local),
		Listen:      ":3000",
		Public: PublicConfig{
			Key:        "phc_local",
			Host:       DefaultIngestHost,
			IngestPath: "/ingest",
		},
		Server: ServerConfig{
			Key:  "phc_local",
			Host: DefaultIngestHost,
		},
		DeferredTimeout: 10 * time.Second,
		Client: ClientConfig{
			BatchSize:     20,
			FlushInterval: 3 * time.Second,
		},
		StorageDir: ".kitchensink/profiles",
	}
}

// Load reads path on top of the defaults and applies environment overrides.
// An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	cfg.applyEnv(os.Getenv)
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Public.Key, EnvPublicKey)
	set(&c.Public.Host, EnvPublicHost)
	set(&c.Server.Key, EnvServerKey)
	set(&c.Server.Host, EnvServerHost)
	set(&c.AppVersion, EnvAppVersion)
	set(&c.BuildSHA, EnvBuildSHA)
	set(&c.Listen, EnvListen)

	// Unknown APP_ENV values select the local flag namespace.
	if v := strings.TrimSpace(getenv(EnvAppEnv)); v != "" {
		c.Environment = string(flags.ParseEnvironment(v))
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if !flags.Environment(c.Environment).Valid() {
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if !strings.HasPrefix(c.Public.IngestPath, "/") {
		return fmt.Errorf("ingest_path %q must start with /", c.Public.IngestPath)
	}
	if c.Client.BatchSize <= 0 {
		return fmt.Errorf("client.batch_size must be positive, got %d", c.Client.BatchSize)
	}
	if c.Client.FlushInterval <= 0 {
		return errors.New("client.flush_interval must be positive")
	}
	if c.DeferredTimeout <= 0 {
		return errors.New("deferred_timeout must be positive")
	}
	return nil
}

// FlagEnvironment returns the environment selecting the flag-key prefix.
func (c *Config) FlagEnvironment() flags.Environment {
	return flags.ParseEnvironment(c.Environment)
}

// Metadata returns the block merged into every envelope.
func (c *Config) Metadata() envelope.Metadata {
	return envelope.Metadata{
		AppVersion:  c.AppVersion,
		BuildSHA:    c.BuildSHA,
		Environment: c.Environment,
	}
}
