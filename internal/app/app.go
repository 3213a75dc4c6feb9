package app

import (
	"context"
	"fmt"

	"flora-session/internal/authapi"
	"flora-session/internal/common/logging"
	"flora-session/internal/config"
	"flora-session/internal/events"
	"flora-session/internal/locks"
	"flora-session/internal/redis"
	"flora-session/internal/session"
	"flora-session/internal/storage"
)

// App holds all the application dependencies
type App struct {
	Config      *config.Config
	Store       storage.Store
	RedisClient *redis.Client
	AuthClient  *authapi.Client
	Locks       *locks.Manager
	Session     *session.Manager
	Bridge      *events.RedisBridge[session.Change]
	Logger      logging.Logger
}

// New creates a new application instance with all dependencies. On error
// everything created so far is released.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logging.Component("app"),
	}

	// Initialize components in order of dependency
	if err := app.initializeRedis(); err != nil {
		app.Cleanup()
		return nil, err
	}
	if err := app.initializeStore(); err != nil {
		app.Cleanup()
		return nil, err
	}
	if err := app.initializeSession(ctx); err != nil {
		app.Cleanup()
		return nil, err
	}
	if err := app.initializeBridge(ctx); err != nil {
		// The session works without the bridge; other processes just
		// notice changes on their next restore.
		app.Logger.Warn("Event bridge unavailable", logging.Err(err))
	}

	return app, nil
}

func (app *App) initializeSession(ctx context.Context) error {
	client, err := authapi.NewClient(authapi.Config{
		BaseURL:     app.Config.APIBaseURL,
		Timeout:     app.Config.HTTPTimeout,
		RefreshMode: authapi.RefreshMode(app.Config.RefreshTokenMode),
		Logger:      logging.Component("authapi"),
	})
	if err != nil {
		return fmt.Errorf("failed to create auth client: %w", err)
	}
	app.AuthClient = client

	var locker session.Locker
	if app.RedisClient != nil && app.Config.TokenStore == config.StoreRedis {
		// Twice the exchange timeout, so the lock outlives a slow refresh.
		lockManager, err := locks.NewManager(app.RedisClient, locks.Options{
			Expiry: 2 * app.Config.RefreshTimeout,
			Logger: logging.Component("locks"),
		})
		if err != nil {
			return fmt.Errorf("failed to create lock manager: %w", err)
		}
		app.Locks = lockManager
		locker = lockManager.NewLock(app.Config.KeyPrefix + "refresh_lock")
	}

	manager, err := session.NewManager(ctx, session.ManagerConfig{
		Client:                  client,
		Store:                   app.Store,
		KeyPrefix:               app.Config.KeyPrefix,
		RefreshTimeout:          app.Config.RefreshTimeout,
		SafetyMargin:            app.Config.SafetyMargin,
		MinDelay:                app.Config.MinDelay,
		DefaultExpiresIn:        app.Config.DefaultExpiresIn,
		DefaultRefreshExpiresIn: app.Config.DefaultRefreshExpiresIn,
		Locker:                  locker,
		HTTPTimeout:             app.Config.HTTPTimeout,
		Logger:                  logging.Component("session"),
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	app.Session = manager
	return nil
}

// initializeBridge mirrors credential changes over Redis so a daemon and
// CLI invocations sharing one store stay in step.
func (app *App) initializeBridge(ctx context.Context) error {
	if app.RedisClient == nil || app.Config.RedisEventsChannel == "" {
		return nil
	}

	manager := app.Session
	bridge := events.NewRedisBridge(events.BridgeConfig[session.Change]{
		Client:   app.RedisClient,
		Channel:  app.Config.RedisEventsChannel,
		Bus:      manager.Bus(),
		Topic:    session.TopicCredentialsChanged,
		Outbound: session.ShouldPublish,
		OnRemote: func(c session.Change) {
			if err := manager.ApplyRemoteChange(context.Background(), c); err != nil {
				app.Logger.Warn("Failed to apply remote credential change", logging.Err(err))
			}
		},
		Logger: logging.Component("events-bridge"),
	})
	if err := bridge.Start(ctx); err != nil {
		return err
	}
	app.Bridge = bridge
	return nil
}

// Cleanup releases all resources
func (app *App) Cleanup() {
	if app.Bridge != nil {
		app.Bridge.Close()
	}
	if app.Session != nil {
		app.Session.Close()
	}
	if app.Store != nil {
		if err := app.Store.Close(); err != nil {
			app.Logger.Warn("Error closing token store", logging.Err(err))
		}
	}
	if app.RedisClient != nil {
		app.RedisClient.Close()
	}
}
