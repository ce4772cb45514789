// Package config handles YAML configuration loading, environment variable
// expansion, defaults and structural validation for pulse.
package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Coordination manager kinds.
const (
	ManagerLocal = "local"
	ManagerRedis = "redis"
	ManagerNATS  = "nats"
)

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	Log          LogConfig          `yaml:"log"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Realtime     RealtimeConfig     `yaml:"realtime"`
	Auth         AuthConfig         `yaml:"auth"`

	// Modules maps module IDs to their raw YAML configuration.
	// Keys must match registered module IDs (e.g. "gateway.http").
	Modules map[string]yaml.Node `yaml:"modules"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CoordinationConfig selects the shared backend used for pools, the
// maintenance lock and the cross-instance event bus.
type CoordinationConfig struct {
	// Manager is "local" (single instance), "redis" or "nats".
	Manager        string        `yaml:"manager"`
	URL            string        `yaml:"url"`
	Prefix         string        `yaml:"prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Networked reports whether a shared backend is configured.
func (c CoordinationConfig) Networked() bool {
	return c.Manager == ManagerRedis || c.Manager == ManagerNATS
}

// RealtimeConfig tunes the socket transport, usage expiry and maintenance.
type RealtimeConfig struct {
	// WebSocket selects the websocket transport. When false, only the
	// polling transport is served.
	WebSocket      *bool    `yaml:"websocket"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	UsageTimeout    time.Duration `yaml:"usage_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
	LockName        string        `yaml:"lock_name"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	PingInterval    time.Duration `yaml:"ping_interval"`

	RebroadcastSchedule string `yaml:"rebroadcast_schedule"`
}

// WebSocketEnabled reports whether the websocket transport is selected.
func (c RealtimeConfig) WebSocketEnabled() bool {
	return c.WebSocket == nil || *c.WebSocket
}

// AuthConfig configures how socket credentials are verified.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	JWKSURL   string `yaml:"jwks_url"`
	Issuer    string `yaml:"issuer"`
}
