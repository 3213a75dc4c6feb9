// Package postgres stores token entries in a PostgreSQL table through a
// pgx connection pool.
package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"flora-session/internal/common/errors"
	"flora-session/internal/storage"
)

type Adapter struct {
	pool   *pgxpool.Pool
	config *Config
}

func NewAdapter(ctx context.Context, config *Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid PostgreSQL config: %w", err)
	}

	poolConfig, err := config.poolConfig()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	adapter := &Adapter{
		pool:   pool,
		config: config,
	}

	if err := adapter.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return adapter, nil
}

func (a *Adapter) Close() error {
	a.pool.Close()
	return nil
}

func (a *Adapter) Health(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

func (a *Adapter) migrate(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS session_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	return err
}

func (a *Adapter) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := a.pool.QueryRow(ctx, "SELECT value FROM session_settings WHERE key = $1", key).Scan(&value)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.StorageError("failed to read setting", err).WithContext("key", key)
	}
	return value, true, nil
}

func (a *Adapter) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	values := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return values, nil
	}

	rows, err := a.pool.Query(ctx, "SELECT key, value FROM session_settings WHERE key = ANY($1)", keys)
	if err != nil {
		return nil, errors.StorageError("failed to read settings", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, errors.StorageError("failed to scan setting", err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError("failed to read settings", err)
	}
	return values, nil
}

func (a *Adapter) SetMany(ctx context.Context, pairs ...storage.Pair) error {
	if len(pairs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range pairs {
		batch.Queue(`INSERT INTO session_settings (key, value, updated_at) VALUES ($1, $2, now())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`, p.Key, p.Value)
	}

	return a.inTx(ctx, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (a *Adapter) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return a.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, "DELETE FROM session_settings WHERE key = ANY($1)", keys)
		return err
	})
}

func (a *Adapter) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	err := pgx.BeginFunc(ctx, a.pool, fn)
	if err != nil {
		return errors.StorageError("transaction failed", err)
	}
	return nil
}

type Factory struct{}

func (f *Factory) Create(opts storage.Options) (storage.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	adapter, err := NewAdapter(ctx, DefaultConfig(opts.PostgresDSN))
	if err != nil {
		return nil, err
	}
	return adapter, nil
}

func (f *Factory) GetType() string {
	return "postgres"
}

func init() {
	storage.Register("postgres", &Factory{})
}
