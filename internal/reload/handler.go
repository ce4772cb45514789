package reload

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/flemzord/pulse/internal/config"
)

// Handler applies a changed config file to the running process. Only the
// log level is live; coordination and realtime changes are reported as
// needing a restart.
type Handler struct {
	path    string
	level   *slog.LevelVar
	logger  *slog.Logger
	current *config.Config
}

// NewHandler creates a reload handler for the config at path. current is the
// config the process was started with.
func NewHandler(path string, current *config.Config, level *slog.LevelVar, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{path: path, level: level, logger: logger, current: current}
}

// Reload loads and validates the config from disk and applies it. An invalid
// file leaves the running settings untouched.
func (h *Handler) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	cfg, err := config.Load(h.path)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	lvl, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	if h.level != nil && h.level.Level() != lvl {
		h.logger.Info("log level changed", "from", h.level.Level().String(), "to", lvl.String())
		h.level.Set(lvl)
	}

	if h.current != nil {
		if !reflect.DeepEqual(h.current.Coordination, cfg.Coordination) {
			h.logger.Warn("coordination settings changed, restart required")
		}
		if !reflect.DeepEqual(h.current.Realtime, cfg.Realtime) {
			h.logger.Warn("realtime settings changed, restart required")
		}
		if !reflect.DeepEqual(h.current.Modules, cfg.Modules) {
			h.logger.Warn("module settings changed, restart required")
		}
	}
	h.current = cfg
	return nil
}
