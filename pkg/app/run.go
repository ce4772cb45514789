// Package app is the entry point shared by the pulse command and its system
// service wrapper.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"

	"github.com/flemzord/pulse/internal/config"
	"github.com/flemzord/pulse/internal/core"
	"github.com/flemzord/pulse/internal/gateway"
	"github.com/flemzord/pulse/internal/reload"
	"github.com/flemzord/pulse/internal/security"
)

// RunParams configures the main application loop.
type RunParams struct {
	// ConfigPath is an explicit path to the YAML configuration file.
	// If empty, ResolveConfigPath is called automatically.
	ConfigPath string

	// Version, Commit, and Date are injected at build time via ldflags.
	Version string
	Commit  string
	Date    string

	// DataDir overrides the default persistent data directory.
	DataDir string

	// LogLevel overrides log.level from the config when set.
	LogLevel string

	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

// Run loads configuration, starts all modules and the realtime core, and
// blocks until ctx is done or a shutdown signal is received. SIGHUP and
// config file changes re-apply the settings that can change live.
func Run(ctx context.Context, params RunParams) error {
	cfgPath := params.ConfigPath
	if cfgPath == "" {
		resolved, err := ResolveConfigPath()
		if err != nil {
			return err
		}
		cfgPath = resolved
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if params.LogLevel != "" {
		cfg.Log.Level = params.LogLevel
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	redactor := NewRedactor(cfg)
	level := new(slog.LevelVar)
	lvl, _ := config.ParseLevel(cfg.Log.Level)
	level.Set(lvl)
	out := params.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger := NewLogger(out, cfg.Log.Format, level, redactor)
	logger.Info("starting pulse", "version", params.Version, "commit", params.Commit, "config", cfgPath)

	dataDir := params.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	appCtx := core.NewAppContext(logger, dataDir)
	appCtx = appCtx.WithModuleConfigs(cfg.Modules)
	appCtx.RegisterService(gateway.ServiceRedactor, redactor)
	appCtx.RegisterService("config.path", cfgPath)

	application := core.NewApp(appCtx)
	if err := application.LoadModules(config.Resolve(cfg)); err != nil {
		return err
	}

	// Realtime services must be registered before Start: the gateway
	// resolves them when it starts listening.
	if _, err := wireRealtime(ctx, application, appCtx, cfg, logger); err != nil {
		application.Stop()
		return err
	}

	if err := application.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	handler := reload.NewHandler(cfgPath, cfg, level, logger)
	watcher := reload.NewWatcher(reload.WatcherConfig{ConfigPath: cfgPath})
	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()
	watcher.Start(watchCtx)
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown requested")
			application.Stop()
			logger.Info("shutdown complete")
			return nil
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				logger.Info("SIGHUP received, reloading configuration")
				if err := handler.Reload(watchCtx); err != nil {
					logger.Error("reload failed", "error", err)
				}
				continue
			}
			logger.Info("shutdown signal received", "signal", sig.String())
			application.Stop()
			logger.Info("shutdown complete")
			return nil
		case evt := <-watcher.Events():
			logger.Info("config file changed, reloading", "path", evt.ConfigPath)
			if err := handler.Reload(watchCtx); err != nil {
				logger.Error("reload failed", "error", err)
			}
		}
	}
}

// NewLogger builds the root logger: text or JSON, level-controlled, with
// every record passed through the redactor.
func NewLogger(w io.Writer, format string, level slog.Leveler, redactor *security.Redactor) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if format == "json" {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(security.NewRedactingHandler(inner, redactor))
}

// urlUserinfo matches credentials embedded in any URL that reaches a log line,
// including ones that never appear in the config.
var urlUserinfo = regexp.MustCompile(`[A-Za-z0-9._~%!$&'()*+,;=-]+:[^@/\s"]+@`)

// NewRedactor returns a redactor that knows the secrets in cfg: the JWT
// secret, the coordination URL password and the gateway admin credentials.

func NewRedactor(cfg *config.Config) *security.Redactor {
	r := security.NewRedactor()
	r.AddPattern(urlUserinfo)
	r.AddLiteral(cfg.Auth.JWTSecret)
	r.AddURLPassword(cfg.Coordination.URL)

	if node, ok := cfg.Modules["gateway.http"]; ok {
		var gw struct {
			Auth gateway.AuthConfig `yaml:"auth"`
		}
		if err := node.Decode(&gw); err == nil {
			r.AddLiteral(gw.Auth.BearerToken)
			r.AddLiteral(gw.Auth.BasicPass)
		}
	}
	return r
}

// ResolveConfigPath searches for a config file in standard locations.
// Search order: $XDG_CONFIG_HOME/pulse/pulse.yaml → ~/.config/pulse/pulse.yaml → ./pulse.yaml
func ResolveConfigPath() (string, error) {
	var candidates []string

	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		candidates = append(candidates, filepath.Join(xdg, "pulse", "pulse.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "pulse", "pulse.yaml"))
	}

	candidates = append(candidates, "pulse.yaml")

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no configuration file found (searched: %v)", candidates)
}

// DefaultDataDir returns the default persistent data directory.
// Uses $XDG_DATA_HOME/pulse if set, otherwise ~/.local/share/pulse.
func DefaultDataDir() string {
	if dir, ok := os.LookupEnv("XDG_DATA_HOME"); ok {
		return filepath.Join(dir, "pulse")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "pulse")
}
