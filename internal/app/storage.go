package app

import (
	"fmt"

	"flora-session/internal/common/logging"
	"flora-session/internal/config"
	"flora-session/internal/storage"
	_ "flora-session/internal/storage/postgres"
	_ "flora-session/internal/storage/sqlite"
)

func (app *App) initializeStore() error {
	opts := storage.Options{
		DatabasePath: app.Config.DatabasePath,
		PostgresDSN:  app.Config.PostgresDSN,
	}
	if app.RedisClient != nil {
		opts.Redis = app.RedisClient
	}

	switch app.Config.TokenStore {
	case config.StoreSQLite:
		app.Logger.Info("Token store: SQLite", logging.String("path", app.Config.DatabasePath))
	case config.StoreRedis:
		app.Logger.Info("Token store: Redis", logging.String("address", app.Config.RedisAddress))
	default:
		app.Logger.Info("Token store", logging.String("type", app.Config.TokenStore))
	}

	store, err := storage.Create(app.Config.TokenStore, opts)
	if err != nil {
		return fmt.Errorf("failed to initialize token store: %w", err)
	}

	encrypted, err := storage.NewEncryptedStore(store, app.Config.EncryptionKey)
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to initialize token encryption: %w", err)
	}
	if app.Config.EncryptionKey != "" {
		app.Logger.Info("Token store: values encrypted at rest")
	}

	app.Store = encrypted
	return nil
}
