// Package locks provides distributed locks built on the Redlock
// implementation of go-redsync/redsync/v4.
//
// The session daemon and CLI invocations that share a Redis token store use
// a lock to make sure only one of them spends the refresh token at a time.
// With a rotating backend the loser of an unserialised race would present an
// already-used refresh token and be logged out.
//
// Example usage:
//
//	manager, err := locks.NewManager(redisClient, locks.Options{})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	lock := manager.NewLock("flora:refresh")
//	release, err := lock.Acquire(ctx)
//	if err != nil {
//		return err
//	}
//	defer release()
package locks

import (
	"context"
	"time"

	goredislib "github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"flora-session/internal/common/errors"
	"flora-session/internal/common/logging"
)

const releaseTimeout = 5 * time.Second

// Options tunes lock behaviour. Zero values take the defaults.
type Options struct {
	// Expiry is how long a lock survives a holder that crashed without
	// releasing it. Default 30s.
	Expiry time.Duration
	// RetryDelay is the pause between acquisition attempts. Default 100ms.
	RetryDelay time.Duration
	// Tries bounds acquisition attempts; the caller's context bounds the
	// total wait as well. Default 64.
	Tries  int
	Logger logging.Logger
}

// RedisClient is satisfied by the internal redis.Client.
type RedisClient interface {
	GetGoRedisClient() *goredislib.Client
}

// Manager hands out named distributed locks.
type Manager struct {
	rs     *redsync.Redsync
	opts   Options
	logger logging.Logger
}

func NewManager(client RedisClient, opts Options) (*Manager, error) {
	if client == nil {
		return nil, errors.ConfigError("redis client is required")
	}
	if opts.Expiry <= 0 {
		opts.Expiry = 30 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}
	if opts.Tries <= 0 {
		opts.Tries = 64
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("locks")
	}

	pool := goredis.NewPool(client.GetGoRedisClient())
	return &Manager{
		rs:     redsync.New(pool),
		opts:   opts,
		logger: opts.Logger,
	}, nil
}

// NewLock returns the lock called name. Locks with the same name exclude
// each other across every process using the same Redis.
func (m *Manager) NewLock(name string) *Lock {
	return &Lock{manager: m, name: name}
}

// Lock is a named distributed lock. Each Acquire takes a fresh redsync
// mutex, so one Lock may be used by several goroutines.
type Lock struct {
	manager *Manager
	name    string
}

func (l *Lock) Name() string {
	return l.name
}

// Acquire blocks until the lock is held, ctx is done or the tries run out.
// The returned release is safe to call once; a failed release is logged and
// the lock then lapses after its expiry.
func (l *Lock) Acquire(ctx context.Context) (release func(), err error) {
	m := l.manager
	mutex := m.rs.NewMutex(l.name,
		redsync.WithExpiry(m.opts.Expiry),
		redsync.WithTries(m.opts.Tries),
		redsync.WithRetryDelay(m.opts.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.TimeoutError("lock acquisition", ctxErr).WithContext("lock", l.name)
		}
		return nil, errors.ConnectionError("failed to acquire distributed lock", err).WithContext("lock", l.name)
	}

	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if ok, err := mutex.UnlockContext(rctx); err != nil || !ok {
			m.logger.Warn("Failed to release distributed lock",
				logging.String("lock", l.name),
				logging.Err(err))
		}
	}, nil
}
