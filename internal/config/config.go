// Package config implements the program configuration.
//
// The configuration is assembled from three layers, each overriding the
// previous: the defaults, an optional TOML file and explicitly set flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/desertwitch/sitemount/internal/logging"
	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// ErrInvalidConfig is for a configuration that cannot be used.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the configuration of the program.
type Config struct {
	Root      string `toml:"root"`
	Listen    string `toml:"listen"`
	Origin    string `toml:"origin"`
	Backend   string `toml:"backend"`
	Client    string `toml:"client"`
	Mount     string `toml:"mount"`
	Dashboard string `toml:"dashboard"`

	LogLevel string `toml:"log-level"`
	LogLines int    `toml:"log-lines"`

	MustCRC32       bool   `toml:"must-crc32"`
	EvictOnError    bool   `toml:"evict-on-error"`
	StreamThreshold string `toml:"stream-threshold"`
	Compress        bool   `toml:"compress"`

	IdleTTL   string `toml:"idle-ttl"`
	MaxMounts uint64 `toml:"max-mounts"`

	ShutdownTimeout string `toml:"shutdown-timeout"`
}

// Default returns a pointer to a [Config] with the default values.
func Default() *Config {
	return &Config{
		Listen:          "127.0.0.1:8080",
		LogLevel:        "info",
		LogLines:        500, //nolint:mnd
		StreamThreshold: "10MiB",
		IdleTTL:         "0s",
		ShutdownTimeout: "10s",
	}
}

// Load returns the defaults overridden by the TOML file at path.
// Unknown keys within the file are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	return Decode(f)
}

// Decode returns the defaults overridden by the TOML document of r.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()

	if err := toml.NewDecoder(r).DisallowUnknownFields().Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return cfg, nil
}

// Encode writes the configuration as TOML document to w.
func (c *Config) Encode(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// Flags returns a [pflag.FlagSet] of all configurables, bound to c.
// The current values of c are used as the flag defaults.
func Flags(c *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)

	fs.StringVarP(&c.Listen, "listen", "l", c.Listen, "Address to serve the worker on")
	fs.StringVarP(&c.Origin, "origin", "o", c.Origin, "Own authority (host:port) that is served from mounts (default: listen address)")
	fs.StringVarP(&c.Backend, "backend", "b", c.Backend, "URL of a server receiving the own-origin requests of clients without a mount")
	fs.StringVarP(&c.Client, "client", "c", c.Client, "Client identity of all requests not carrying one")
	fs.StringVarP(&c.Mount, "mount", "m", c.Mount, "Path (relative to the root) to mount for the default client at startup")
	fs.StringVarP(&c.Dashboard, "webaddr", "w", c.Dashboard, "Address to serve the diagnostics dashboard on (e.g. :8000; but disabled when empty)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Level of the logged messages (debug, info, warn, error)")
	fs.IntVar(&c.LogLines, "log-lines", c.LogLines, "Amount of log lines kept in memory for the dashboard")
	fs.BoolVar(&c.MustCRC32, "must-crc32", c.MustCRC32, "Force integrity verification of uncompressed archive entries (slower)")
	fs.BoolVar(&c.EvictOnError, "evict-on-error", c.EvictOnError, "Evict the mount of a client after a store error")
	fs.StringVarP(&c.StreamThreshold, "stream-threshold", "t", c.StreamThreshold, "Size from which on entries are streamed instead of read into memory")
	fs.BoolVarP(&c.Compress, "compress", "z", c.Compress, "Compress responses when accepted by the client")
	fs.StringVar(&c.IdleTTL, "idle-ttl", c.IdleTTL, "Duration after which an unused mount is evicted (0 never)")
	fs.Uint64Var(&c.MaxMounts, "max-mounts", c.MaxMounts, "Maximum amount of mounts before evicting the least recently used (0 unlimited)")
	fs.StringVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Duration to wait for in-flight requests when shutting down")

	return fs
}

// Merge copies the values of all explicitly set flags of fs from src to c.
// The flags of fs are expected to be bound to src (see [Flags]).
func (c *Config) Merge(src *Config, fs *pflag.FlagSet) {
	fs.Visit(func(f *pflag.Flag) {
		if set, ok := mergers[f.Name]; ok {
			set(c, src)
		}
	})
}

var mergers = map[string]func(dst, src *Config){
	"listen":           func(d, s *Config) { d.Listen = s.Listen },
	"origin":           func(d, s *Config) { d.Origin = s.Origin },
	"backend":          func(d, s *Config) { d.Backend = s.Backend },
	"client":           func(d, s *Config) { d.Client = s.Client },
	"mount":            func(d, s *Config) { d.Mount = s.Mount },
	"webaddr":          func(d, s *Config) { d.Dashboard = s.Dashboard },
	"log-level":        func(d, s *Config) { d.LogLevel = s.LogLevel },
	"log-lines":        func(d, s *Config) { d.LogLines = s.LogLines },
	"must-crc32":       func(d, s *Config) { d.MustCRC32 = s.MustCRC32 },
	"evict-on-error":   func(d, s *Config) { d.EvictOnError = s.EvictOnError },
	"stream-threshold": func(d, s *Config) { d.StreamThreshold = s.StreamThreshold },
	"compress":         func(d, s *Config) { d.Compress = s.Compress },
	"idle-ttl":         func(d, s *Config) { d.IdleTTL = s.IdleTTL },
	"max-mounts":       func(d, s *Config) { d.MaxMounts = s.MaxMounts },
	"shutdown-timeout": func(d, s *Config) { d.ShutdownTimeout = s.ShutdownTimeout },
}

// Validate returns an error if the configuration cannot be used.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("%w: need a root directory", ErrInvalidConfig)
	}
	if c.Listen == "" {
		return fmt.Errorf("%w: need a listen address", ErrInvalidConfig)
	}
	if c.Mount != "" && c.Client == "" {
		return fmt.Errorf("%w: need a client identity to mount for", ErrInvalidConfig)
	}
	if c.LogLines < 0 {
		return fmt.Errorf("%w: negative log-lines: %d", ErrInvalidConfig, c.LogLines)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := c.Threshold(); err != nil {
		return err
	}
	if _, err := c.TTL(); err != nil {
		return err
	}
	if _, err := c.GracePeriod(); err != nil {
		return err
	}
	if _, err := c.BackendURL(); err != nil {
		return err
	}

	return nil
}

// Level returns the parsed log level.
func (c *Config) Level() (zap.AtomicLevel, error) {
	lvl, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("%w: log-level: %w", ErrInvalidConfig, err)
	}

	return lvl, nil
}

// Threshold returns the parsed streaming threshold in bytes.
func (c *Config) Threshold() (uint64, error) {
	v, err := humanize.ParseBytes(c.StreamThreshold)
	if err != nil {
		return 0, fmt.Errorf("%w: stream-threshold: %w", ErrInvalidConfig, err)
	}

	return v, nil
}

// TTL returns the parsed idle duration of mounts.
func (c *Config) TTL() (time.Duration, error) {
	return parseDuration("idle-ttl", c.IdleTTL)
}

// GracePeriod returns the parsed shutdown timeout.
func (c *Config) GracePeriod() (time.Duration, error) {
	return parseDuration("shutdown-timeout", c.ShutdownTimeout)
}

// BackendURL returns the parsed backend, or nil when none is configured.
func (c *Config) BackendURL() (*url.URL, error) {
	if c.Backend == "" {
		return nil, nil //nolint:nilnil
	}

	u, err := url.Parse(c.Backend)
	if err != nil {
		return nil, fmt.Errorf("%w: backend: %w", ErrInvalidConfig, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: backend: need an absolute URL: %q", ErrInvalidConfig, c.Backend)
	}

	return u, nil
}

// OriginOrListen returns the own authority, which is the listen address
// (with localhost for an unspecified host) unless configured otherwise.
func (c *Config) OriginOrListen() string {
	if c.Origin != "" {
		return c.Origin
	}

	host, port, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return c.Listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}

	return net.JoinHostPort(host, port)
}

func parseDuration(key string, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s: negative duration: %s", ErrInvalidConfig, key, s)
	}

	return d, nil
}
