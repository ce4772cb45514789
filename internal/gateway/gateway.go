// Package gateway provides the HTTP server: health and metrics, the socket
// endpoints, and an authenticated admin API over presence, usage, dispatch
// and the user directory. It binds to loopback by default.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/flemzord/pulse/internal/core"
	"github.com/flemzord/pulse/internal/security"
	"github.com/flemzord/pulse/internal/transport"
	"gopkg.in/yaml.v3"
)

func init() {
	core.RegisterModule(&Gateway{})
}

// Gateway is the HTTP gateway module. It is a leaf module: nothing imports it.
type Gateway struct {
	config    Config
	appCtx    *core.AppContext
	logger    *slog.Logger
	server    *http.Server
	limiter   *security.RateLimiter
	audit     *security.AuditLogger
	auditFile *os.File
	startedAt time.Time

	// Resolved lazily at Start() via service registry.
	hub        *transport.Hub
	endpoints  transport.EndpointConfig
	backend    Backend
	presence   Presence
	usage      Usage
	dispatcher Dispatcher
	directory  Directory
}

// ModuleInfo implements core.Module.
func (g *Gateway) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "gateway.http",
		New: func() core.Module { return &Gateway{} },
	}
}

// Configure implements core.Configurable.
func (g *Gateway) Configure(node *yaml.Node) error {
	if err := node.Decode(&g.config); err != nil {
		return err
	}
	g.config.defaults()
	return nil
}

// Provision implements core.Provisioner.
func (g *Gateway) Provision(ctx *core.AppContext) error {
	g.config.defaults()
	g.appCtx = ctx
	g.logger = ctx.Logger
	g.limiter = security.NewRateLimiter(g.config.RateLimit)

	if g.config.AuditLog != "" {
		path := g.config.AuditLog
		if !filepath.IsAbs(path) {
			path = filepath.Join(ctx.DataDir, path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("gateway: create audit directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("gateway: open audit log: %w", err)
		}
		g.auditFile = f
	}
	return nil
}

// Validate implements core.Validator.
func (g *Gateway) Validate() error {
	if _, err := net.ResolveTCPAddr("tcp", g.config.Bind); err != nil {
		return errors.New("gateway: invalid bind address: " + g.config.Bind)
	}
	return nil
}

// Start implements core.Starter. It resolves dependencies from the service
// registry (lazy binding) and starts the HTTP server.
func (g *Gateway) Start() error {
	g.resolve()
	g.startedAt = time.Now()

	g.server = &http.Server{
		Addr:              g.config.Bind,
		Handler:           g.buildRouter(),
		ReadHeaderTimeout: g.config.ReadHeaderTimeout,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", g.config.Bind)
	if err != nil {
		return errors.New("gateway: listen failed: " + err.Error())
	}

	go func() {
		g.logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway serve error", "error", err)
		}
	}()

	return nil
}

// resolve looks up optional services. A missing service disables the routes
// that need it.
func (g *Gateway) resolve() {
	g.hub, _ = core.ServiceAs[*transport.Hub](g.appCtx, ServiceHub)
	g.endpoints, _ = core.ServiceAs[transport.EndpointConfig](g.appCtx, ServiceEndpoints)
	g.backend, _ = core.ServiceAs[Backend](g.appCtx, ServiceBackend)
	g.presence, _ = core.ServiceAs[Presence](g.appCtx, ServicePresence)
	g.usage, _ = core.ServiceAs[Usage](g.appCtx, ServiceUsage)
	g.dispatcher, _ = core.ServiceAs[Dispatcher](g.appCtx, ServiceDispatch)
	g.directory, _ = core.ServiceAs[Directory](g.appCtx, ServiceDirectory)

	cfg := security.AuditLoggerConfig{
		OnEvent: func(e security.AuditEvent) {
			g.logger.Debug("audit", "type", e.Type, "path", e.Path, "detail", e.Detail)
		},
	}
	if g.auditFile != nil {
		cfg.Writer = g.auditFile
	}
	if r, ok := core.ServiceAs[*security.Redactor](g.appCtx, ServiceRedactor); ok {
		cfg.Redactor = r
	}
	g.audit = security.NewAuditLogger(cfg)
}

// Stop implements core.Stopper. Graceful shutdown with configured timeout.
func (g *Gateway) Stop(ctx context.Context) error {
	var errs []error
	if g.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, g.config.ShutdownTimeout)
		defer cancel()

		g.logger.Info("gateway shutting down")
		errs = append(errs, g.server.Shutdown(shutdownCtx))
	}
	if g.auditFile != nil {
		errs = append(errs, g.auditFile.Close())
	}
	return errors.Join(errs...)
}
