// Package config loads server and client settings from YAML.
//
//	server:
//	  addr: ":7070"
//	  max_frame_size: 16777216
//	  codec: msgpack+zstd
//	  shutdown_timeout: 10s
//	  rate_limit:
//	    per_second: 100
//	    burst: 20
//	client:
//	  target: "localhost:7070"
//	  codec: msgpack+zstd
//	  dial_timeout: 3s
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"stream-rpc/client"
	"stream-rpc/codec"
	"stream-rpc/middleware"
	"stream-rpc/protocol"
	"stream-rpc/server"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

type ServerConfig struct {
	Addr            string          `yaml:"addr"`
	MaxFrameSize    int             `yaml:"max_frame_size"`
	Codec           string          `yaml:"codec"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig enables the rate limiting middleware when PerSecond > 0.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type ClientConfig struct {
	Target       string        `yaml:"target"`
	MaxFrameSize int           `yaml:"max_frame_size"`
	Codec        string        `yaml:"codec"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
}

// Default returns the configuration used for fields a file leaves out.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":7070",
			MaxFrameSize:    protocol.DefaultMaxFrameSize,
			Codec:           "msgpack",
			ShutdownTimeout: 10 * time.Second,
		},
		Client: ClientConfig{
			Target:       "localhost:7070",
			MaxFrameSize: protocol.DefaultMaxFrameSize,
			Codec:        "msgpack",
			DialTimeout:  5 * time.Second,
		},
	}
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at [%s]: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid config at [%s]: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result. Unknown keys
// are an error.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var err error
	if c.Server.Addr == "" {
		err = multierr.Append(err, errors.New("server.addr is empty"))
	}
	err = multierr.Append(err, validateFrameSize("server.max_frame_size", c.Server.MaxFrameSize))
	err = multierr.Append(err, validateCodec("server.codec", c.Server.Codec))
	if c.Server.ShutdownTimeout < 0 {
		err = multierr.Append(err, errors.New("server.shutdown_timeout is negative"))
	}
	if c.Server.RateLimit.PerSecond < 0 {
		err = multierr.Append(err, errors.New("server.rate_limit.per_second is negative"))
	}
	if c.Server.RateLimit.PerSecond > 0 && c.Server.RateLimit.Burst <= 0 {
		err = multierr.Append(err, errors.New("server.rate_limit.burst must be positive when rate limiting is on"))
	}

	if c.Client.Target == "" {
		err = multierr.Append(err, errors.New("client.target is empty"))
	}
	err = multierr.Append(err, validateFrameSize("client.max_frame_size", c.Client.MaxFrameSize))
	err = multierr.Append(err, validateCodec("client.codec", c.Client.Codec))
	if c.Client.DialTimeout < 0 {
		err = multierr.Append(err, errors.New("client.dial_timeout is negative"))
	}
	return err
}

func validateFrameSize(field string, n int) error {
	if n < 0 {
		return fmt.Errorf("%s is negative", field)
	}
	if uint64(n) > 1<<32-1 {
		return fmt.Errorf("%s %d does not fit the u32 length prefix", field, n)
	}
	return nil
}

func validateCodec(field, name string) error {
	if _, err := codec.ByName(name, 0); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}

// Options maps the server section to server options.
func (c ServerConfig) Options(logger *zap.Logger) ([]server.Option, error) {
	cd, err := codec.ByName(c.Codec, c.MaxFrameSize)
	if err != nil {
		return nil, err
	}
	opts := []server.Option{
		server.WithCodec(cd),
		server.WithMaxFrameSize(c.MaxFrameSize),
		server.WithShutdownTimeout(c.ShutdownTimeout),
	}
	if logger != nil {
		opts = append(opts, server.WithLogger(logger))
	}
	if c.RateLimit.PerSecond > 0 {
		opts = append(opts, server.WithMiddleware(middleware.RateLimitMiddleware(c.RateLimit.PerSecond, c.RateLimit.Burst)))
	}
	return opts, nil
}

// Options maps the client section to client options.
func (c ClientConfig) Options(logger *zap.Logger) ([]client.Option, error) {
	cd, err := codec.ByName(c.Codec, c.MaxFrameSize)
	if err != nil {
		return nil, err
	}
	opts := []client.Option{
		client.WithCodec(cd),
		client.WithMaxFrameSize(c.MaxFrameSize),
		client.WithDialTimeout(c.DialTimeout),
	}
	if logger != nil {
		opts = append(opts, client.WithLogger(logger))
	}
	return opts, nil
}
