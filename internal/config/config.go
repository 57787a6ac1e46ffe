// Package config loads node configuration from YAML with env overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"edge-sync/internal/peers"
	"edge-sync/internal/session"
	"edge-sync/internal/store"

	"gopkg.in/yaml.v3"
)

const (
	RoleEdge  = "edge"
	RoleCloud = "cloud"

	QueueInMemory = "in-memory"
)

const envPrefix = "EDGE_SYNC_"

type Config struct {
	Node       NodeConfig      `yaml:"node"`
	Sync       SyncConfig      `yaml:"sync"`
	Queue      QueueConfig     `yaml:"queue"`
	Store      store.Config    `yaml:"store"`
	Peers      []PeerEntry     `yaml:"peers"`
	Retry      RetryConfig     `yaml:"retry"`
	Health     HealthConfig    `yaml:"health"`
	Heartbeat  HeartbeatConfig `yaml:"heartbeat"`
	Tombstones TombstoneConfig `yaml:"tombstones"`
	Log        LogConfig       `yaml:"log"`
}

type NodeConfig struct {
	Name   string `yaml:"name"`
	Role   string `yaml:"role"`
	Listen string `yaml:"listen"`
}

type SyncConfig struct {
	Enabled         bool          `yaml:"enabled"`
	BatchSize       int           `yaml:"batch_size"`
	HistorySize     int           `yaml:"history_size"`
	WaitTimeout     time.Duration `yaml:"wait_timeout"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	RatePerSecond   float64       `yaml:"rate_per_second"`
	Burst           int           `yaml:"burst"`
}

type QueueConfig struct {
	Type     string `yaml:"type"`
	Capacity int    `yaml:"capacity"`
}

type PeerEntry struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

type RetryConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

type HealthConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
}

type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type TombstoneConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Retention time.Duration `yaml:"retention"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Buffer int    `yaml:"buffer"`
}

// Default returns a single edge node with sync enabled and no peers.
func Default() Config {
	sess := session.DefaultConfig()
	pc := peers.DefaultPeerConfig()
	return Config{
		Node: NodeConfig{
			Name:   "edge-1",
			Role:   RoleEdge,
			Listen: ":8080",
		},
		Sync: SyncConfig{
			Enabled:         true,
			BatchSize:       sess.BatchSize,
			HistorySize:     sess.HistorySize,
			WaitTimeout:     sess.WaitTimeout,
			DeliveryTimeout: sess.DeliveryTimeout,
			RetryInterval:   sess.RetryInterval,
			RatePerSecond:   sess.RatePerSecond,
			Burst:           sess.Burst,
		},
		Queue: QueueConfig{
			Type:     QueueInMemory,
			Capacity: 10000,
		},
		Store: store.Config{
			Driver:      store.DriverMemory,
			RedisPrefix: "edge-sync",
		},
		Retry: RetryConfig{
			MaxRetries:  pc.Retry.MaxRetries,
			BaseBackoff: pc.Retry.BaseBackoff,
			MaxBackoff:  pc.Retry.MaxBackoff,
		},
		Health: HealthConfig{
			FailureThreshold: pc.Health.FailureThreshold,
			SuccessThreshold: pc.Health.SuccessThreshold,
		},
		Heartbeat: HeartbeatConfig{
			Interval: pc.Heartbeat.Interval,
			Timeout:  pc.Timeout.HeartbeatTimeout,
		},
		Tombstones: TombstoneConfig{
			Interval:  time.Minute,
			Retention: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Buffer: 1000,
		},
	}
}

// Load reads path over the defaults and then applies EDGE_SYNC_* overrides.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	c.Node.Name = envString("NODE_NAME", c.Node.Name)
	c.Node.Role = envString("ROLE", c.Node.Role)
	c.Node.Listen = envString("LISTEN", c.Node.Listen)
	c.Sync.Enabled = envBool("SYNC_ENABLED", c.Sync.Enabled)
	c.Queue.Type = envString("QUEUE_TYPE", c.Queue.Type)
	c.Queue.Capacity = envInt("QUEUE_CAPACITY", c.Queue.Capacity)
	c.Store.Driver = envString("STORE_DRIVER", c.Store.Driver)
	c.Store.Path = envString("STORE_PATH", c.Store.Path)
	c.Store.RedisURL = envString("REDIS_URL", c.Store.RedisURL)
	c.Log.Level = envString("LOG_LEVEL", c.Log.Level)

	// EDGE_SYNC_PEERS=cloud=http://cloud:8080,edge-2=http://edge-2:8080
	if raw := os.Getenv(envPrefix + "PEERS"); raw != "" {
		var list []PeerEntry
		for _, item := range strings.Split(raw, ",") {
			name, addr, ok := strings.Cut(strings.TrimSpace(item), "=")
			if !ok || name == "" || addr == "" {
				return fmt.Errorf("invalid %sPEERS entry %q", envPrefix, item)
			}
			list = append(list, PeerEntry{Name: name, Address: addr})
		}
		c.Peers = list
	}
	return nil
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.Node.Name == "" {
		return errors.New("node.name is required")
	}
	if c.Node.Role != RoleEdge && c.Node.Role != RoleCloud {
		return fmt.Errorf("node.role must be %q or %q, got %q", RoleEdge, RoleCloud, c.Node.Role)
	}
	if c.Queue.Type != QueueInMemory {
		return fmt.Errorf("unsupported queue.type %q", c.Queue.Type)
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New("sync.batch_size must be positive")
	}
	switch c.Store.Driver {
	case "", store.DriverMemory:
	case store.DriverSQLite:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	case store.DriverRedis:
		if c.Store.RedisURL == "" {
			return errors.New("store.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.Name == "" || p.Address == "" {
			return errors.New("peers need a name and an address")
		}
		if p.Name == c.Node.Name {
			return fmt.Errorf("peer %q has the node's own name", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate peer %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// FreshnessCheckEnabled reports whether startup must decide between a full
// and an incremental sync. Only an edge with sync on and a volatile queue
// can have lost changes across a restart.
func (c Config) FreshnessCheckEnabled() bool {
	return c.Sync.Enabled && c.Queue.Type == QueueInMemory && c.Node.Role == RoleEdge
}

func (c Config) PeerConfig() peers.PeerConfig {
	pc := peers.DefaultPeerConfig()
	pc.Retry.MaxRetries = c.Retry.MaxRetries
	pc.Retry.BaseBackoff = c.Retry.BaseBackoff
	pc.Retry.MaxBackoff = c.Retry.MaxBackoff
	pc.Timeout.DeliveryTimeout = c.Sync.DeliveryTimeout
	pc.Timeout.HeartbeatTimeout = c.Heartbeat.Timeout
	pc.Health.FailureThreshold = c.Health.FailureThreshold
	pc.Health.SuccessThreshold = c.Health.SuccessThreshold
	pc.Heartbeat.Interval = c.Heartbeat.Interval
	return pc
}

// SessionConfig returns the delivery session settings for peer p.
func (c Config) SessionConfig(p PeerEntry) session.Config {
	return session.Config{
		Local:           c.Node.Name,
		Peer:            p.Name,
		Address:         p.Address,
		BatchSize:       c.Sync.BatchSize,
		HistorySize:     c.Sync.HistorySize,
		WaitTimeout:     c.Sync.WaitTimeout,
		DeliveryTimeout: c.Sync.DeliveryTimeout,
		RetryInterval:   c.Sync.RetryInterval,
		RatePerSecond:   c.Sync.RatePerSecond,
		Burst:           c.Sync.Burst,
		Retry:           c.PeerConfig().Retry,
	}
}

func envString(name, fallback string) string {
	if raw := os.Getenv(envPrefix + name); raw != "" {
		return raw
	}
	return fallback
}

func envInt(name string, fallback int) int {
	if raw := os.Getenv(envPrefix + name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func envBool(name string, fallback bool) bool {
	if raw := os.Getenv(envPrefix + name); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return fallback
}
