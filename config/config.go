package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"xdao.co/w3car/bridge"
	"xdao.co/w3car/car"
	"xdao.co/w3car/pack"
	"xdao.co/w3car/unixfs"
	"xdao.co/w3car/upload"
)

// Config describes how to reach the bridge and how to serve uploads.
//
// Example:
//
//	bridge:
//	  endpoint: https://up.example.net/bridge
//	  space: did:key:z6Mk...
//	gateway: https://w3s.link/ipfs
//	listen: 127.0.0.1:8787
//	finalize:
//	  attempts: 4
//	  initial_interval: 500ms
//
// Secrets are usually supplied through the environment (see ApplyEnv) rather
// than the file.
type Config struct {
	Bridge          BridgeConfig   `yaml:"bridge"`
	Gateway         string         `yaml:"gateway"`
	Listen          string         `yaml:"listen"`
	GRPCListen      string         `yaml:"grpc_listen,omitempty"`
	Chunking        ChunkingConfig `yaml:"chunking"`
	Finalize        RetryConfig    `yaml:"finalize"`
	HTTPTimeout     time.Duration  `yaml:"http_timeout"`
	TransferTimeout time.Duration  `yaml:"transfer_timeout"`
	// MaxRequestBytes bounds request bodies accepted by the HTTP entry point.
	MaxRequestBytes int64 `yaml:"max_request_bytes"`
}

type BridgeConfig struct {
	Endpoint      string `yaml:"endpoint"`
	Secret        string `yaml:"secret,omitempty"`
	Authorization string `yaml:"authorization,omitempty"`
	Space         string `yaml:"space"`
}

type ChunkingConfig struct {
	ChunkSize int `yaml:"chunk_size"`
	MaxLinks  int `yaml:"max_links"`
}

type RetryConfig struct {
	Attempts        int           `yaml:"attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// MaxChunkSize is the largest chunk_size whose leaf sections, CID included,
// an archive reader still accepts.
const MaxChunkSize = car.MaxSectionSize - 64

// Environment variables read by ApplyEnv.
const (
	EnvBridgeURL    = "W3CAR_BRIDGE_URL"
	EnvBridgeSecret = "W3CAR_BRIDGE_SECRET"
	EnvBridgeAuth   = "W3CAR_BRIDGE_AUTH"
	EnvSpace        = "W3CAR_SPACE"
	EnvGateway      = "W3CAR_GATEWAY"
	EnvListen       = "W3CAR_LISTEN"
	EnvAttempts     = "W3CAR_FINALIZE_ATTEMPTS"
)

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Gateway: "https://w3s.link/ipfs",
		Listen:  "127.0.0.1:8787",
		Chunking: ChunkingConfig{
			ChunkSize: unixfs.DefaultChunkSize,
			MaxLinks:  unixfs.DefaultMaxLinks,
		},
		Finalize: RetryConfig{
			Attempts:        upload.DefaultRetryPolicy.Attempts,
			InitialInterval: upload.DefaultRetryPolicy.InitialInterval,
			MaxInterval:     upload.DefaultRetryPolicy.MaxInterval,
		},
		HTTPTimeout:     60 * time.Second,
		TransferTimeout: 10 * time.Minute,
		MaxRequestBytes: 100 << 20,
	}
}

// LoadFile reads a YAML config on top of Default. Unknown keys are rejected.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("config: empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	return Parse(b)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from the environment. lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvBridgeURL, &c.Bridge.Endpoint)
	set(EnvBridgeSecret, &c.Bridge.Secret)
	set(EnvBridgeAuth, &c.Bridge.Authorization)
	set(EnvSpace, &c.Bridge.Space)
	set(EnvGateway, &c.Gateway)
	set(EnvListen, &c.Listen)
	if v, ok := lookup(EnvAttempts); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvAttempts, err)
		}
		c.Finalize.Attempts = n
	}
	return nil
}

// Validate checks structural settings. Bridge credentials are not required
// here: their absence is reported per upload as a configuration error.
func (c Config) Validate() error {
	if c.Gateway != "" {
		u, err := url.Parse(c.Gateway)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: invalid gateway %q", c.Gateway)
		}
	}
	if c.Chunking.ChunkSize < 0 {
		return fmt.Errorf("config: negative chunk_size %d", c.Chunking.ChunkSize)
	}
	if c.Chunking.ChunkSize > MaxChunkSize {
		return fmt.Errorf("config: chunk_size %d exceeds %d", c.Chunking.ChunkSize, MaxChunkSize)
	}
	if c.Chunking.MaxLinks == 1 || c.Chunking.MaxLinks < 0 {
		return fmt.Errorf("config: max_links must be at least 2, got %d", c.Chunking.MaxLinks)
	}
	if c.Finalize.Attempts < 1 {
		return fmt.Errorf("config: finalize.attempts must be at least 1, got %d", c.Finalize.Attempts)
	}
	if c.MaxRequestBytes < 0 {
		return fmt.Errorf("config: negative max_request_bytes %d", c.MaxRequestBytes)
	}
	return nil
}

// Credentials returns the bridge credentials.
func (c Config) Credentials() bridge.Credentials {
	return bridge.Credentials{
		Secret:        c.Bridge.Secret,
		Authorization: c.Bridge.Authorization,
		Space:         c.Bridge.Space,
	}
}

// RetryPolicy returns the finalize retry policy.
func (c Config) RetryPolicy() upload.RetryPolicy {
	return upload.RetryPolicy{
		Attempts:        c.Finalize.Attempts,
		InitialInterval: c.Finalize.InitialInterval,
		MaxInterval:     c.Finalize.MaxInterval,
	}
}

// Builder returns the UnixFS builder settings.
func (c Config) Builder() unixfs.Builder {
	return unixfs.Builder{ChunkSize: c.Chunking.ChunkSize, MaxLinks: c.Chunking.MaxLinks}
}

// Open builds an Uploader wired to the configured bridge, with separate HTTP
// clients for bridge calls and archive transfers. Both clients are created
// once here and shared by every upload.
func (c Config) Open(logger *slog.Logger) (*upload.Uploader, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	bc := bridge.New(bridge.Options{
		Endpoint:    c.Bridge.Endpoint,
		Credentials: c.Credentials(),
		HTTPClient:  &http.Client{Timeout: c.HTTPTimeout},
		Logger:      logger,
	})
	return upload.New(upload.Options{
		Bridge:      bc,
		Transfer:    upload.HTTPTransfer{Client: &http.Client{Timeout: c.TransferTimeout}},
		GatewayBase: c.Gateway,
		Retry:       c.RetryPolicy(),
		Packer:      pack.Packer{Builder: c.Builder()},
		Logger:      logger,
	})
}
