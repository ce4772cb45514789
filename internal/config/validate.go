package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/flemzord/pulse/internal/core"
)

// requiredModules must appear in every configuration: without a gateway there
// is no transport, without a store there is no user directory.
var requiredModules = []string{"gateway.http", "store.sqlite"}

// Validate checks the structural validity of a Config.
// It verifies the version field, the coordination, realtime and auth
// sections, and that all referenced module IDs exist in the registry.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if cfg.Version != "1" {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: \"1\")", cfg.Version))
	}

	for id := range cfg.Modules {
		if _, ok := core.GetModule(id); !ok {
			errs = append(errs, fmt.Errorf("config: unknown module %q", id))
		}
	}
	for _, id := range requiredModules {
		if _, ok := cfg.Modules[id]; !ok {
			errs = append(errs, fmt.Errorf("config: module %q is required", id))
		}
	}

	errs = append(errs, validateLog(cfg.Log)...)
	errs = append(errs, validateCoordination(cfg.Coordination)...)
	errs = append(errs, validateRealtime(cfg.Realtime)...)
	errs = append(errs, validateAuth(cfg.Auth)...)

	return errors.Join(errs...)
}

func validateLog(l LogConfig) []error {
	var errs []error
	if _, err := ParseLevel(l.Level); err != nil {
		errs = append(errs, err)
	}
	if l.Format != "" && l.Format != "text" && l.Format != "json" {
		errs = append(errs, fmt.Errorf("config: log.format must be text or json, got %q", l.Format))
	}
	return errs
}

func validateCoordination(c CoordinationConfig) []error {
	var errs []error
	switch c.Manager {
	case "", ManagerLocal:
	case ManagerRedis, ManagerNATS:
		if c.URL == "" {
			errs = append(errs, fmt.Errorf("config: coordination.url is required for manager %q", c.Manager))
		} else if _, err := url.Parse(c.URL); err != nil {
			errs = append(errs, fmt.Errorf("config: coordination.url: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("config: coordination.manager must be local, redis or nats, got %q", c.Manager))
	}
	return errs
}

func validateRealtime(r RealtimeConfig) []error {
	var errs []error
	if r.UsageTimeout <= 0 {
		errs = append(errs, errors.New("config: realtime.usage_timeout must be positive"))
	}
	if r.CleanupInterval < 0 {
		errs = append(errs, errors.New("config: realtime.cleanup_interval must not be negative"))
	}
	if r.LockTTL != 0 && r.LockTTL < r.UsageTimeout {
		errs = append(errs, fmt.Errorf("config: realtime.lock_ttl (%s) must be at least usage_timeout (%s)", r.LockTTL, r.UsageTimeout))
	}
	return errs
}

func validateAuth(a AuthConfig) []error {
	switch {
	case a.JWTSecret == "" && a.JWKSURL == "":
		return []error{errors.New("config: one of auth.jwt_secret or auth.jwks_url is required")}
	case a.JWTSecret != "" && a.JWKSURL != "":
		return []error{errors.New("config: auth.jwt_secret and auth.jwks_url are mutually exclusive")}
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level. An empty name means info.
func ParseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", name)
}
