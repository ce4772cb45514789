package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flemzord/pulse/internal/auth"
	"github.com/flemzord/pulse/internal/config"
	"github.com/flemzord/pulse/internal/coord"
	"github.com/flemzord/pulse/internal/core"
	"github.com/flemzord/pulse/internal/cron"
	"github.com/flemzord/pulse/internal/dispatch"
	"github.com/flemzord/pulse/internal/gateway"
	"github.com/flemzord/pulse/internal/maintenance"
	"github.com/flemzord/pulse/internal/presence"
	"github.com/flemzord/pulse/internal/rooms"
	"github.com/flemzord/pulse/internal/socket"
	"github.com/flemzord/pulse/internal/transport"
	"github.com/flemzord/pulse/internal/usage"
	"github.com/flemzord/pulse/modules/store/sqlite"
)

// Pool names shared by every instance of a deployment.
const (
	SessionPool = "session_pool"
	UserPool    = "user_pool"
	UsagePool   = "usage_pool"
)

// hubModule runs the transport hub and owns the coordination backend and
// the authenticator, which it closes after the hub stops.
type hubModule struct {
	hub     *transport.Hub
	auth    *auth.Authenticator
	backend *coord.Backend
}

func (m *hubModule) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "realtime.hub"}
}

func (m *hubModule) Start() error {
	return m.hub.Start(context.Background())
}

func (m *hubModule) Stop(ctx context.Context) error {
	err := m.hub.Stop(ctx)
	m.auth.Close()
	return errors.Join(err, m.backend.Close())
}

// maintenanceModule supervises the usage cleanup loop.
type maintenanceModule struct {
	loop   *maintenance.Loop
	cancel context.CancelFunc
	done   chan struct{}
}

func (m *maintenanceModule) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "realtime.maintenance"}
}

func (m *maintenanceModule) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		m.loop.Supervise(ctx)
	}()
	return nil
}

func (m *maintenanceModule) Stop(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronModule runs the periodic jobs.
type cronModule struct {
	scheduler *cron.Scheduler
}

func (m *cronModule) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "realtime.cron"}
}

func (m *cronModule) Start() error { return m.scheduler.Start() }

func (m *cronModule) Stop(ctx context.Context) error { return m.scheduler.Stop(ctx) }

// realtime is the wired core, exposed for tests.
type realtime struct {
	backend  *coord.Backend
	hub      *transport.Hub
	presence *presence.Registry
	usage    *usage.Tracker
	loop     *maintenance.Loop
	dispatch *dispatch.Dispatcher
}

// leader reports whether the loop currently holds the maintenance lock.
func (r *realtime) leader() bool { return r.loop.State() == maintenance.Sweeping }

// wireRealtime opens the coordination backend, builds the realtime
// components over it, registers them for the gateway and appends their
// lifecycles to app. Must be called after LoadModules and before Start.
func wireRealtime(ctx context.Context, app *core.App, appCtx *core.AppContext, cfg *config.Config, logger *slog.Logger) (*realtime, error) {
	users, ok := core.ServiceAs[auth.UserDirectory](appCtx, sqlite.ServiceUsers)
	if !ok {
		return nil, fmt.Errorf("realtime: service %s not registered", sqlite.ServiceUsers)
	}
	channels, ok := core.ServiceAs[rooms.ChannelLookup](appCtx, sqlite.ServiceChannels)
	if !ok {
		return nil, fmt.Errorf("realtime: service %s not registered", sqlite.ServiceChannels)
	}
	messages, _ := core.ServiceAs[dispatch.MessageStore](appCtx, sqlite.ServiceMessages)

	backend, err := coord.Open(ctx, cfg.Coordination, logger.With("component", "coord"))
	if err != nil {
		return nil, err
	}

	sessionStore, err := backend.Store(ctx, SessionPool)
	if err != nil {
		return nil, closeOnErr(backend, err)
	}
	userStore, err := backend.Store(ctx, UserPool)
	if err != nil {
		return nil, closeOnErr(backend, err)
	}
	usageStore, err := backend.Store(ctx, UsagePool)
	if err != nil {
		return nil, closeOnErr(backend, err)
	}
	cleanupLock, err := backend.Lock(ctx, cfg.Realtime.LockName, cfg.Realtime.LockTTL)
	if err != nil {
		return nil, closeOnErr(backend, err)
	}

	hub := transport.NewHub(transport.HubConfig{
		Node:   backend.Node(),
		Bus:    backend.Bus(),
		Logger: logger.With("component", "transport"),
	})
	tracker := usage.NewTracker(usageStore, hub, logger.With("component", "usage"))
	registry := presence.NewRegistry(presence.Config{
		Sessions: sessionStore,
		Users:    userStore,
		Out:      hub,
		Usage:    tracker,
		Rooms:    hub,
		Logger:   logger.With("component", "presence"),
	})
	bridge := rooms.NewBridge(channels, hub, registry, logger.With("component", "rooms"))
	dispatcher := dispatch.New(hub, registry, messages, logger.With("component", "dispatch"))

	authn, err := auth.New(ctx, auth.Config{
		Secret:  cfg.Auth.JWTSecret,
		JWKSURL: cfg.Auth.JWKSURL,
		Issuer:  cfg.Auth.Issuer,
		Logger:  logger.With("component", "auth"),
	}, users)
	if err != nil {
		return nil, closeOnErr(backend, err)
	}

	hub.SetHandler(socket.NewServer(socket.Config{
		Auth:     authn,
		Presence: registry,
		Usage:    tracker,
		Channels: bridge,
		Out:      hub,
		Logger:   logger.With("component", "socket"),
	}))

	loop := maintenance.New(maintenance.Config{
		Lock:       cleanupLock,
		Sweeper:    tracker,
		Timeout:    cfg.Realtime.UsageTimeout,
		Interval:   cfg.Realtime.CleanupInterval,
		MaxBackoff: cfg.Realtime.MaxBackoff,
		Logger:     logger.With("component", "maintenance"),
	})

	rt := &realtime{
		backend:  backend,
		hub:      hub,
		presence: registry,
		usage:    tracker,
		loop:     loop,
		dispatch: dispatcher,
	}

	scheduler := cron.NewScheduler(logger.With("component", "cron"))
	if err := scheduler.RegisterJob(&cron.PresenceBroadcastJob{
		Users:        registry,
		Models:       tracker,
		Leader:       rt.leader,
		Logger:       logger,
		ScheduleExpr: cfg.Realtime.RebroadcastSchedule,
	}); err != nil {
		authn.Close()
		return nil, closeOnErr(backend, err)
	}

	appCtx.RegisterService(gateway.ServiceHub, hub)
	appCtx.RegisterService(gateway.ServiceEndpoints, transport.EndpointConfig{
		WebSocket:      cfg.Realtime.WebSocketEnabled(),
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
		PingInterval:   cfg.Realtime.PingInterval,
	})
	appCtx.RegisterService(gateway.ServiceBackend, backend)
	appCtx.RegisterService(gateway.ServicePresence, registry)
	appCtx.RegisterService(gateway.ServiceUsage, tracker)
	appCtx.RegisterService(gateway.ServiceDispatch, dispatcher)

	app.AppendModule("realtime.hub", &hubModule{hub: hub, auth: authn, backend: backend})
	app.AppendModule("realtime.maintenance", &maintenanceModule{loop: loop})
	app.AppendModule("realtime.cron", &cronModule{scheduler: scheduler})

	logger.Info("realtime core wired",
		"node", backend.Node(),
		"coordination", backend.Kind(),
		"degraded", backend.Degraded(),
		"websocket", cfg.Realtime.WebSocketEnabled(),
	)
	return rt, nil
}

func closeOnErr(backend *coord.Backend, err error) error {
	return errors.Join(err, backend.Close())
}
