// Package config loads the echo server's TOML configuration.
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	capnpgj "github.com/dwrensha/capnp-gj"
	"github.com/dwrensha/capnp-gj/transport"
)

// Config is the resolved server configuration.
type Config struct {
	Addr                string
	Transport           transport.Kind
	MaxMessageSize      int
	BufferSize          int
	IdleTimeout         time.Duration
	TraversalLimitWords uint64
	NestingLimit        int
	LogLevel            slog.Level
	ShutdownTimeout     time.Duration
}

type fileConfig struct {
	Addr                string `toml:"addr"`
	Transport           string `toml:"transport"`
	MaxMessageSize      int    `toml:"max_message_size"`
	BufferSize          int    `toml:"buffer_size"`
	IdleTimeout         string `toml:"idle_timeout"`
	TraversalLimitWords uint64 `toml:"traversal_limit_words"`
	NestingLimit        int    `toml:"nesting_limit"`
	LogLevel            string `toml:"log_level"`
	ShutdownTimeout     string `toml:"shutdown_timeout"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	return Config{
		Addr:                "127.0.0.1:12345",
		Transport:           transport.Raw,
		MaxMessageSize:      1024 * 1024,
		BufferSize:          16,
		IdleTimeout:         30 * time.Second,
		TraversalLimitWords: capnpgj.DefaultTraversalLimitInWords,
		NestingLimit:        capnpgj.DefaultNestingLimit,
		LogLevel:            slog.LevelInfo,
		ShutdownTimeout:     5 * time.Second,
	}
}

// Load reads and validates the TOML file at path.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "load config")
	}
	return resolve(raw, meta)
}

// Parse reads and validates TOML from data.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	return resolve(raw, meta)
}

func resolve(raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg := Default()

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("unknown config key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}

	if meta.IsDefined("transport") {
		kind, err := transport.ParseKind(raw.Transport)
		if err != nil {
			return Config{}, errors.Wrap(err, "parse transport")
		}
		cfg.Transport = kind
	}

	if meta.IsDefined("max_message_size") {
		cfg.MaxMessageSize = raw.MaxMessageSize
	}

	if meta.IsDefined("buffer_size") {
		cfg.BufferSize = raw.BufferSize
	}

	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse idle_timeout")
		}
		cfg.IdleTimeout = d
	}

	if meta.IsDefined("traversal_limit_words") {
		cfg.TraversalLimitWords = raw.TraversalLimitWords
	}

	if meta.IsDefined("nesting_limit") {
		cfg.NestingLimit = raw.NestingLimit
	}

	if meta.IsDefined("log_level") {
		if err := cfg.LogLevel.UnmarshalText([]byte(strings.TrimSpace(raw.LogLevel))); err != nil {
			return Config{}, errors.Wrap(err, "parse log_level")
		}
	}

	if meta.IsDefined("shutdown_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ShutdownTimeout))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse shutdown_timeout")
		}
		cfg.ShutdownTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("config: addr is empty")
	case c.MaxMessageSize < capnpgj.WordSize:
		return errors.Errorf("config: max_message_size %d is smaller than one word", c.MaxMessageSize)
	case c.BufferSize <= 0:
		return errors.Errorf("config: buffer_size %d must be positive", c.BufferSize)
	case c.IdleTimeout <= 0:
		return errors.Errorf("config: idle_timeout %s must be positive", c.IdleTimeout)
	case c.NestingLimit <= 0:
		return errors.Errorf("config: nesting_limit %d must be positive", c.NestingLimit)
	case c.ShutdownTimeout < 0:
		return errors.Errorf("config: shutdown_timeout %s is negative", c.ShutdownTimeout)
	}
	return nil
}

// ReaderOptions returns the limits for received messages.
func (c Config) ReaderOptions() capnpgj.ReaderOptions {
	return capnpgj.ReaderOptions{
		TraversalLimitInWords: c.TraversalLimitWords,
		NestingLimit:          c.NestingLimit,
		FramingLimitInWords:   uint64(c.MaxMessageSize) / capnpgj.WordSize,
	}
}

// ConnOptions returns the connection options the configuration describes.
func (c Config) ConnOptions() []capnpgj.Option {
	return []capnpgj.Option{
		capnpgj.TransportOption(c.Transport),
		capnpgj.ReaderOptionsOption(c.ReaderOptions()),
		capnpgj.MessageMaxSize(c.MaxMessageSize),
		capnpgj.BufferSizeOption(c.BufferSize),
		capnpgj.IdleTimeoutOption(c.IdleTimeout),
	}
}

// ServerOptions returns the server options the configuration describes,
// including ConnOptions.
func (c Config) ServerOptions(logger capnpgj.Logger) []capnpgj.ServerOption {
	return []capnpgj.ServerOption{
		capnpgj.ServerLoggerOption(logger),
		capnpgj.ServerShutdownTimeoutOption(c.ShutdownTimeout),
		capnpgj.ServerConnOptions(c.ConnOptions()...),
	}
}
