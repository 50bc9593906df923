package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	goredis "github.com/redis/go-redis/v9"

	"github.com/aussiebroadwan/appsdk/internal/tokenwatch/service"
	"github.com/aussiebroadwan/appsdk/pkg/apiclient"
	"github.com/aussiebroadwan/appsdk/pkg/appctx"
	"github.com/aussiebroadwan/appsdk/pkg/clockx"
	"github.com/aussiebroadwan/appsdk/pkg/events"
	eventsmemory "github.com/aussiebroadwan/appsdk/pkg/events/drivers/memory"
	eventsredis "github.com/aussiebroadwan/appsdk/pkg/events/drivers/redis"
	"github.com/aussiebroadwan/appsdk/pkg/permission"
	"github.com/aussiebroadwan/appsdk/pkg/slogx"
	"github.com/aussiebroadwan/appsdk/pkg/storage"
	storagememory "github.com/aussiebroadwan/appsdk/pkg/storage/drivers/memory"
	storageredis "github.com/aussiebroadwan/appsdk/pkg/storage/drivers/redis"
	"github.com/aussiebroadwan/appsdk/pkg/storage/drivers/sqlite"
	"github.com/aussiebroadwan/appsdk/pkg/token"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application wires the token manager to the configured storage and
// messenger and reports on the token until it is shut down.
type Application struct {
	cfg    Config
	logger *slog.Logger
	clock  clockx.Clock

	// Core dependencies
	app       *appctx.App
	store     storage.Store
	bus       *events.LocalBus
	messenger events.Messenger
	listener  events.Listener
	redis     *goredis.Client
	closers   []func() error

	// Services
	tokens      *token.Manager
	api         *apiclient.Client // nil without base_url
	permissions *permission.Client
	monitor     *service.MonitorService

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option adjusts an Application before it starts.
type Option func(*Application)

// WithLogger replaces the logger built from the config.
func WithLogger(l *slog.Logger) Option {
	return func(a *Application) { a.logger = l }
}

// WithClock replaces the real clock, for tests.
func WithClock(c clockx.Clock) Option {
	return func(a *Application) { a.clock = c }
}

// New creates a new Application instance with all dependencies initialized.
// The initial token, when configured, is stored before New returns.
func New(ctx context.Context, cfg Config, opts ...Option) (*Application, error) {
	a := &Application{cfg: cfg, clock: clockx.Real()}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slogx.New(slogx.Config{
			Service: "tokenwatch",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		})
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if err := a.init(ctx); err != nil {
		a.cancel()
		_ = a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *Application) init(ctx context.Context) error {
	a.app = appctx.New(a.cfg.APIKey)
	a.bus = events.NewLocalBus()

	if err := a.initStorage(ctx); err != nil {
		return err
	}
	if err := a.initMessenger(ctx); err != nil {
		return err
	}

	a.bus.AddEvent(events.TokenUpdated, a.onTokenUpdated)
	a.bus.AddEvent(events.TokenExpired, a.onTokenExpired)

	tokens, err := token.New(ctx, token.Config{
		App:       a.app,
		Storage:   a.store,
		Bus:       a.bus,
		Messenger: a.messenger,
		Clock:     a.clock,
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize token manager: %w", err)
	}
	a.tokens = tokens
	a.closers = append(a.closers, func() error { tokens.Close(); return nil })

	if err := a.initAPI(); err != nil {
		return err
	}
	var api permission.API
	if a.api != nil {
		api = a.api
	}
	a.permissions = permission.NewClient(api, a.app, permission.NewCache(), permission.WithLogger(a.logger))

	if a.cfg.InitialToken != "" {
		src, err := token.Decode([]byte(a.cfg.InitialToken))
		if err != nil {
			return fmt.Errorf("failed to parse initial_token: %w", err)
		}
		if err := a.tokens.Store(ctx, src); err != nil {
			return fmt.Errorf("failed to store initial token: %w", err)
		}
	}

	a.monitor = service.NewMonitorService(a.tokens, a.clock, a.logger, a.cfg.MonitorInterval, a.cfg.ExpiryWarning)
	return nil
}

// initStorage opens the configured token storage backend.
func (a *Application) initStorage(ctx context.Context) error {
	switch a.cfg.StorageDriver {
	case "sqlite":
		db, err := sqlite.Open(a.cfg.DatabaseFile)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		a.store = db
		a.closers = append(a.closers, db.Close)
		a.logger.Info("database migrations applied successfully", "file", a.cfg.DatabaseFile)

	case "redis":
		client, err := a.redisClient(ctx)
		if err != nil {
			return err
		}
		a.store = storageredis.New(client)

	default:
		a.store = storagememory.New()
	}
	return nil
}

// initMessenger connects the cross-process event channel. Remote events
// are relayed onto the local bus.
func (a *Application) initMessenger(ctx context.Context) error {
	switch a.cfg.MessengerDriver {
	case "redis":
		client, err := a.redisClient(ctx)
		if err != nil {
			return err
		}
		m := eventsredis.New(client, a.cfg.APIKey,
			eventsredis.WithChannel(a.cfg.MessageChannel),
			eventsredis.WithLogger(a.logger),
		)
		a.messenger, a.listener = m, m
		a.logger.Info("redis messenger ready", "channel", m.Channel(), "origin", m.Origin())

	case "memory":
		peer := eventsmemory.NewHub().Join(a.cfg.APIKey)
		a.messenger, a.listener = peer, peer
		a.closers = append(a.closers, peer.Close)

	default:
		a.messenger = events.Discard
	}
	return nil
}

// redisClient dials once and shares the client between drivers.
func (a *Application) redisClient(ctx context.Context) (*goredis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}

	client, err := storageredis.Dial(ctx, storageredis.Config{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)
	return client, nil
}

func (a *Application) initAPI() error {
	if a.cfg.BaseURL == "" {
		return nil
	}

	api, err := apiclient.New(apiclient.Config{
		BaseURL: a.cfg.BaseURL,
		APIKey:  a.cfg.APIKey,
		RateLimit: apiclient.RateLimitConfig{
			RequestsPerWindow: a.cfg.RateLimitRequests,
			Window:            a.cfg.RateLimitWindow,
			Burst:             a.cfg.RateLimitBurst,
		},
		Transport: slogx.Transport(a.logger, nil),
		Logger:    a.logger,
	}, a.tokens)
	if err != nil {
		return fmt.Errorf("failed to initialize api client: %w", err)
	}
	a.api = api
	return nil
}

// Tokens returns the token manager.
func (a *Application) Tokens() *token.Manager { return a.tokens }

// Permissions returns the permission client.
func (a *Application) Permissions() *permission.Client { return a.permissions }

// Start launches the monitor and the messenger listener without blocking.
func (a *Application) Start() {
	a.started = true
	a.monitor.Start()

	if a.listener != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.listener.Listen(a.ctx, events.Relay(a.bus, a.app)); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("messenger listener stopped", "error", err)
			}
		}()
	}

	a.logger.Info("tokenwatch started",
		"version", BuildVersion,
		"storage", a.cfg.StorageDriver,
		"messenger", a.cfg.MessengerDriver,
	)
}

// Run starts the application and blocks until shutdown is requested.
func (a *Application) Run() error {
	a.Start()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	sig := <-shutdown
	a.logger.Info("shutdown signal received", "signal", sig)

	if err := a.Shutdown(); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// Shutdown stops background work and releases every resource. The
// persisted token is kept.
func (a *Application) Shutdown() error {
	a.logger.Info("shutting down tokenwatch...")

	if a.started {
		a.monitor.Stop()
	}
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	graceCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGracePeriod)
	defer cancel()

	select {
	case <-done:
	case <-graceCtx.Done():
		a.logger.Warn("background work did not finish in time")
	}

	if err := a.closeAll(); err != nil {
		a.logger.Error("error releasing resources", "error", err)
		return err
	}

	a.logger.Info("tokenwatch stopped")
	return nil
}

// closeAll releases resources in reverse order of acquisition.
func (a *Application) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// onTokenUpdated logs the change and drops cached permission decisions,
// which belong to whoever held the previous token. A token announced by
// another instance is read from storage, since this instance's copy may
// not have been reloaded yet.
func (a *Application) onTokenUpdated(p events.Payload) {
	if a.permissions != nil {
		a.permissions.ResetPermissions()
	}

	tok := a.tokens.Current()
	if p.Remote() {
		stored, err := a.tokens.Get(a.ctx)
		if err != nil {
			a.logger.Warn("failed to read token announced by another instance", "error", err)
			return
		}
		tok = stored
	}
	if tok == nil {
		a.logger.Info("token updated", "remote", p.Remote())
		return
	}

	a.logger.Info("token updated",
		"remote", p.Remote(),
		"subject", service.Subject(tok),
		"type", tok.Type,
	)

	if a.api == nil {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reportSubjects(a.ctx)
	}()
}

func (a *Application) onTokenExpired(p events.Payload) {
	if a.permissions != nil {
		a.permissions.ResetPermissions()
	}
	a.logger.Info("token expired", "remote", p.Remote())
}

// reportSubjects logs how many users and roles the new token can grant
// permissions to. The REST calls it makes log under the same op.
func (a *Application) reportSubjects(ctx context.Context) {
	ctx = slogx.WithContext(ctx, a.logger.With("op", "report_subjects"))
	logger := slogx.FromContext(ctx)

	subjects, err := a.permissions.PermissionSubjects(ctx, permission.Options{})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Warn("failed to list permission subjects", "error", err, "status", apiclient.StatusCode(err))
		}
		return
	}

	var users, roles int
	for _, s := range subjects {
		if s.Kind == permission.SubjectUser {
			users++
		} else {
			roles++
		}
	}
	logger.Info("permission subjects available", "users", users, "roles", roles)
}
