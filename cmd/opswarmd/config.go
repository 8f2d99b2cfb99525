package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/DobryySoul/opswarm"
)

// Config holds everything read from the TOML configuration file.
type Config struct {
	Node    Node
	Storage Storage
	HTTP    HTTP
	Log     Log
}

// Node configures the replication node itself.
type Node struct {
	ID             string
	Bind           string
	Seeds          []string
	WebSockets     []string
	Discovery      bool
	ServerPrefix   string
	RestrictAuthor bool
	HashPoints     int
	VectorLimit    int
	SnapshotEvery  int
	FlushInterval  time.Duration
	KeepAlive      time.Duration
	ReadTimeout    time.Duration
}

// Storage selects the backend objects are persisted in.
type Storage struct {
	Backend string
	Path    string
	Addr    string
	Prefix  string
}

// HTTP configures the listener serving WebSocket pipes and metrics.
type HTTP struct {
	Addr    string
	Metrics bool
}

// Log configures the daemon logger.
type Log struct {
	Level string
}

func defaultConfig() *Config {
	return &Config{
		Node: Node{
			Bind:      "0.0.0.0:9001",
			Discovery: true,
			KeepAlive: 10 * time.Second,
		},
		Storage: Storage{
			Backend: "memory",
			Prefix:  "opswarm",
		},
		HTTP: HTTP{
			Addr:    "0.0.0.0:9080",
			Metrics: true,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// LoadConfig reads the TOML file at path over the defaults. An empty
// path keeps the defaults.
func LoadConfig(path string) (*Config, error) {
	conf := defaultConfig()
	if path == "" {
		return conf, conf.validate()
	}

	meta, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to read in TOML config file at '%s' with: %v", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys in '%s': %v", path, undecoded)
	}
	return conf, conf.validate()
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "bolt":
		if c.Storage.Path == "" {
			return fmt.Errorf("bolt storage needs a path")
		}
	case "redis":
		if c.Storage.Addr == "" {
			return fmt.Errorf("redis storage needs an addr")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// openStorage connects the configured backend.
func (c *Config) openStorage(ctx context.Context) (opswarm.Storage, error) {
	switch c.Storage.Backend {
	case "bolt":
		return opswarm.OpenBoltStorage(c.Storage.Path)
	case "redis":
		return opswarm.NewRedisStorage(ctx, c.Storage.Addr, c.Storage.Prefix)
	default:
		return opswarm.NewMemoryStorage(), nil
	}
}

// options turns the node section into node options. Zero values keep
// the library defaults.
func (c *Config) options(logger log.Logger) []opswarm.Option {
	n := c.Node
	opts := []opswarm.Option{
		opswarm.WithLogger(logger),
		opswarm.WithDiscovery(n.Discovery),
		opswarm.WithRestrictAuthor(n.RestrictAuthor),
		opswarm.WithKeepAlive(n.KeepAlive),
		opswarm.WithFlushInterval(n.FlushInterval),
		opswarm.WithSeeds(n.Seeds),
		opswarm.WithErrorHandler(func(err error) {
			level.Warn(logger).Log("msg", "node error", "err", err)
		}),
	}
	if n.ID != "" {
		opts = append(opts, opswarm.WithNodeID(n.ID))
	}
	if n.Bind != "" {
		opts = append(opts, opswarm.WithBindAddr(n.Bind))
	}
	if n.ServerPrefix != "" {
		opts = append(opts, opswarm.WithServerPrefix(n.ServerPrefix))
	}
	if n.HashPoints > 0 {
		opts = append(opts, opswarm.WithHashPoints(n.HashPoints))
	}
	if n.VectorLimit > 0 {
		opts = append(opts, opswarm.WithVectorLimit(n.VectorLimit))
	}
	if n.SnapshotEvery > 0 {
		opts = append(opts, opswarm.WithSnapshotEvery(n.SnapshotEvery))
	}
	if n.ReadTimeout > 0 {
		opts = append(opts, opswarm.WithReadTimeout(n.ReadTimeout))
	}
	return opts
}
