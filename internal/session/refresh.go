package session

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"flora-session/internal/authapi"
	"flora-session/internal/common/errors"
	"flora-session/internal/common/logging"
	"flora-session/internal/events"
	"flora-session/internal/storage"
)

// Authenticator is the backend exchange the session depends on.
// *authapi.Client implements it.
type Authenticator interface {
	Login(ctx context.Context, identifier, password string) (*authapi.TokenGrant, error)
	Refresh(ctx context.Context, refreshToken string) (*authapi.TokenGrant, error)
}

// RefreshState is the coordinator's state machine position.
type RefreshState int

const (
	Idle RefreshState = iota
	Refreshing
)

func (s RefreshState) String() string {
	if s == Refreshing {
		return "refreshing"
	}
	return "idle"
}

const (
	DefaultRefreshTimeout  = 15 * time.Second
	DefaultAccessLifetime  = 1800 * time.Second
	DefaultRefreshLifetime = 604800 * time.Second
	storageTimeout         = 5 * time.Second
)

type CoordinatorConfig struct {
	Client Authenticator
	Store  storage.Store
	Keys   Keys
	State  *TokenState
	Bus    *events.Bus[Change]
	Clock  Clock

	// Timeout bounds one refresh exchange.
	Timeout time.Duration
	// DefaultExpiresIn applies when the backend omits expires_in and the
	// access token carries no exp claim.
	DefaultExpiresIn time.Duration
	// DefaultRefreshExpiresIn applies to a rotated refresh token that comes
	// without refresh_expires_in.
	DefaultRefreshExpiresIn time.Duration

	// Locker, when set, is held around every exchange. Processes sharing
	// the store then refresh one at a time.
	Locker Locker

	Logger logging.Logger
}

// Locker serialises refresh exchanges between processes sharing one store.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

type outcome struct {
	creds Credentials
	err   error
}

// RefreshCoordinator performs refresh exchanges under a single-flight
// guarantee. While one exchange is in flight every further Refresh call
// joins the waiter queue and receives the same outcome.
//
// It is also the only writer of TokenState and of the persisted record.
type RefreshCoordinator struct {
	client Authenticator
	store  storage.Store
	keys   Keys
	state  *TokenState
	bus    *events.Bus[Change]
	clock  Clock
	locker Locker
	logger logging.Logger

	timeout                 time.Duration
	defaultExpiresIn        time.Duration
	defaultRefreshExpiresIn time.Duration

	mu        sync.Mutex
	phase     RefreshState
	waiters   []chan outcome
	exchanges int64

	// writeMu serialises credential writes. epoch increments on every write
	// that did not come from the in-flight exchange, so an exchange that
	// started before a logout cannot resurrect the session.
	writeMu sync.Mutex
	epoch   uint64

	hookMu        sync.RWMutex
	onCredentials func(Credentials)
}

func NewRefreshCoordinator(cfg CoordinatorConfig) *RefreshCoordinator {
	if cfg.State == nil {
		cfg.State = NewTokenState()
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore()
	}
	if cfg.Keys == (Keys{}) {
		cfg.Keys = NewKeys(DefaultKeyPrefix)
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRefreshTimeout
	}
	if cfg.DefaultExpiresIn <= 0 {
		cfg.DefaultExpiresIn = DefaultAccessLifetime
	}
	if cfg.DefaultRefreshExpiresIn <= 0 {
		cfg.DefaultRefreshExpiresIn = DefaultRefreshLifetime
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("refresh-coordinator")
	}

	return &RefreshCoordinator{
		client:                  cfg.Client,
		store:                   cfg.Store,
		keys:                    cfg.Keys,
		state:                   cfg.State,
		bus:                     cfg.Bus,
		clock:                   cfg.Clock,
		locker:                  cfg.Locker,
		logger:                  cfg.Logger,
		timeout:                 cfg.Timeout,
		defaultExpiresIn:        cfg.DefaultExpiresIn,
		defaultRefreshExpiresIn: cfg.DefaultRefreshExpiresIn,
	}
}

// SetOnCredentials registers fn to run after every credential write or
// clear, before observers on the bus are notified.
func (c *RefreshCoordinator) SetOnCredentials(fn func(Credentials)) {
	c.hookMu.Lock()
	c.onCredentials = fn
	c.hookMu.Unlock()
}

// Refresh renews the access token. Concurrent callers share one exchange.
// Cancelling ctx abandons this caller's wait only; the exchange continues
// for the remaining waiters.
func (c *RefreshCoordinator) Refresh(ctx context.Context) (Credentials, error) {
	ch := make(chan outcome, 1)

	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	if c.phase == Idle {
		c.phase = Refreshing
		go c.run(context.WithoutCancel(ctx))
	}
	c.mu.Unlock()

	select {
	case o := <-ch:
		return o.creds, o.err
	case <-ctx.Done():
		c.abandon(ch)
		return Credentials{}, ctx.Err()
	}
}

func (c *RefreshCoordinator) abandon(ch chan outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w == ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// State reports whether an exchange is in flight.
func (c *RefreshCoordinator) State() RefreshState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Waiters returns the number of callers waiting on the in-flight exchange.
func (c *RefreshCoordinator) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Exchanges returns how many network exchanges have been started.
func (c *RefreshCoordinator) Exchanges() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchanges
}

func (c *RefreshCoordinator) run(ctx context.Context) {
	creds, err, reason := c.exchange(ctx)

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.phase = Idle
	c.mu.Unlock()

	if reason != "" {
		c.announce(reason, creds)
	}

	for _, w := range waiters {
		w <- outcome{creds: creds, err: err}
	}
}

// exchange performs one refresh. reason is non-empty when credentials were
// written or cleared and observers must be told.
func (c *RefreshCoordinator) exchange(ctx context.Context) (Credentials, error, Reason) {
	c.writeMu.Lock()
	current := c.state.Snapshot()
	startEpoch := c.epoch
	c.writeMu.Unlock()

	logger := c.logger.WithContext(ctx)

	if current.RefreshToken == "" {
		if !current.IsZero() {
			if c.clearIfEpoch(ctx, startEpoch) {
				return Credentials{}, &RefreshError{Kind: NoRefreshToken}, ReasonCleared
			}
		}
		return Credentials{}, &RefreshError{Kind: NoRefreshToken}, ""
	}

	if !current.RefreshExpiry.IsZero() && !c.clock.Now().Before(current.RefreshExpiry) {
		logger.Info("Refresh token expired, clearing session",
			logging.Time("refresh_expiry", current.RefreshExpiry))
		err := &RefreshError{Kind: NoRefreshToken, Detail: "refresh token expired"}
		if c.clearIfEpoch(ctx, startEpoch) {
			return Credentials{}, err, ReasonCleared
		}
		return Credentials{}, err, ""
	}

	exCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.locker != nil {
		release, err := c.locker.Acquire(exCtx)
		if err != nil {
			logger.Warn("Refresh lock unavailable, keeping credentials", logging.Err(err))
			return current, &RefreshError{Kind: NetworkError, Cause: err}, ""
		}
		defer release()

		// The session may have moved on while the lock was contended.
		c.writeMu.Lock()
		latest := c.state.Snapshot()
		latestEpoch := c.epoch
		c.writeMu.Unlock()
		if latest.RefreshToken != current.RefreshToken {
			if creds, err := c.replacedOutcome(); err == nil || latest.RefreshToken == "" {
				return creds, err, ""
			}
		}
		current, startEpoch = latest, latestEpoch

		if adopted, ok := c.adoptPersisted(exCtx, current, startEpoch); ok {
			logger.Info("Adopted credentials refreshed by another process",
				logging.Time("access_expiry", adopted.AccessExpiry))
			return adopted, nil, ReasonRefresh
		}
	}

	c.mu.Lock()
	c.exchanges++
	c.mu.Unlock()

	started := c.clock.Now()
	grant, err := c.client.Refresh(exCtx, current.RefreshToken)
	if err != nil {
		rerr := classifyRefreshFailure(err)
		if rerr.Kind == RefreshRejected {
			logger.Warn("Refresh token rejected, clearing session",
				logging.Int("status", rerr.Status))
			if c.clearIfEpoch(ctx, startEpoch) {
				return Credentials{}, rerr, ReasonCleared
			}
			if creds, err := c.replacedOutcome(); err == nil {
				return creds, nil, ""
			}
			return Credentials{}, rerr, ""
		}
		logger.Warn("Refresh failed, keeping credentials", logging.Err(err))
		return current, rerr, ""
	}

	now := c.clock.Now()
	next := Credentials{
		AccessToken:   grant.AccessToken,
		AccessExpiry:  c.accessExpiry(grant, now),
		RefreshToken:  current.RefreshToken,
		RefreshExpiry: current.RefreshExpiry,
	}
	if grant.RefreshToken != "" {
		lifetime := grant.RefreshLifetime()
		if lifetime == 0 {
			lifetime = c.defaultRefreshExpiresIn
		}
		next.RefreshToken = grant.RefreshToken
		next.RefreshExpiry = now.Add(lifetime)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.epoch != startEpoch {
		logger.Info("Session changed during refresh, discarding result")
		creds, err := c.replacedOutcome()
		return creds, err, ""
	}

	c.persist(ctx, next)
	c.state.set(next)

	logger.Info("Access token refreshed",
		logging.Time("access_expiry", next.AccessExpiry),
		logging.Bool("rotated", grant.RefreshToken != ""),
		logging.Duration("took", now.Sub(started)))
	return next, nil, ReasonRefresh
}

// adoptPersisted checks, under the refresh lock, whether another process
// already replaced the refresh token in the store. If so its still valid
// credentials are taken over without a network exchange.
func (c *RefreshCoordinator) adoptPersisted(ctx context.Context, current Credentials, startEpoch uint64) (Credentials, bool) {
	sctx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()

	stored, ok, err := LoadCredentials(sctx, c.store, c.keys)
	if err != nil || !ok {
		return Credentials{}, false
	}
	if stored.RefreshToken == current.RefreshToken || !stored.AccessExpiry.After(c.clock.Now()) {
		return Credentials{}, false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.epoch != startEpoch {
		return Credentials{}, false
	}
	c.state.set(stored)
	return stored, true
}

// replacedOutcome is the result handed to waiters when the session was
// replaced while their exchange was pending. A replacement holding a live
// access token is returned as is; otherwise the session is gone.
func (c *RefreshCoordinator) replacedOutcome() (Credentials, error) {
	latest := c.state.Snapshot()
	if latest.Authenticated() && latest.AccessExpiry.After(c.clock.Now()) {
		return latest, nil
	}
	return Credentials{}, &RefreshError{Kind: NoRefreshToken, Detail: "session replaced during refresh"}
}

// accessExpiry resolves the absolute access expiry of a grant: expires_in,
// else the token's exp claim, else the default lifetime.
func (c *RefreshCoordinator) accessExpiry(grant *authapi.TokenGrant, now time.Time) time.Time {
	if lifetime := grant.AccessLifetime(); lifetime > 0 {
		return now.Add(lifetime)
	}
	if exp, ok := tokenExpiry(grant.AccessToken); ok {
		return exp
	}
	return now.Add(c.defaultExpiresIn)
}

// tokenExpiry reads the exp claim without verifying the signature. The
// token is opaque to this client; exp is only a scheduling hint.
func tokenExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Install replaces the credentials with c, as after a login.
func (c *RefreshCoordinator) Install(ctx context.Context, creds Credentials, reason Reason) {
	c.writeMu.Lock()
	c.epoch++
	c.persist(ctx, creds)
	c.state.set(creds)
	c.writeMu.Unlock()

	c.announce(reason, creds)
}

// Clear removes the credentials from memory and from the store.
func (c *RefreshCoordinator) Clear(ctx context.Context, reason Reason) {
	c.writeMu.Lock()
	c.epoch++
	c.remove(ctx)
	c.state.clear()
	c.writeMu.Unlock()

	c.announce(reason, Credentials{})
}

// Restore reloads the persisted record into memory without writing the
// store. A missing or corrupt record logs the session out.
func (c *RefreshCoordinator) Restore(ctx context.Context) (Credentials, error) {
	return c.restore(ctx, false)
}

func (c *RefreshCoordinator) restore(ctx context.Context, remote bool) (Credentials, error) {
	sctx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()

	creds, ok, err := LoadCredentials(sctx, c.store, c.keys)
	switch {
	case err == ErrCorruptRecord:
		c.logger.Warn("Discarded incomplete persisted session")
	case err != nil:
		c.logger.Error("Failed to read persisted session", err)
		return c.state.Snapshot(), err
	case !ok:
		c.logger.Debug("No persisted session")
	}

	c.writeMu.Lock()
	c.epoch++
	c.state.set(creds)
	c.writeMu.Unlock()

	change := newChange(ReasonRestored, creds)
	change.Remote = remote
	c.notify(creds, change)
	return creds, nil
}

func (c *RefreshCoordinator) clearIfEpoch(ctx context.Context, epoch uint64) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.epoch != epoch {
		return false
	}
	c.remove(ctx)
	c.state.clear()
	return true
}

// persist and remove log storage failures and carry on with in-memory state.
func (c *RefreshCoordinator) persist(ctx context.Context, creds Credentials) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storageTimeout)
	defer cancel()
	if err := saveCredentials(sctx, c.store, c.keys, creds); err != nil {
		c.logStorageFailure("Failed to persist credentials", err)
	}
}

func (c *RefreshCoordinator) remove(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storageTimeout)
	defer cancel()
	if err := removeCredentials(sctx, c.store, c.keys); err != nil {
		c.logStorageFailure("Failed to remove persisted credentials", err)
	}
}

func (c *RefreshCoordinator) logStorageFailure(msg string, err error) {
	if !errors.IsType(err, errors.ErrTypeStorage) {
		err = errors.StorageError(msg, err)
	}
	c.logger.Error(msg+", continuing in memory", err)
}

func (c *RefreshCoordinator) announce(reason Reason, creds Credentials) {
	c.notify(creds, newChange(reason, creds))
}

func (c *RefreshCoordinator) notify(creds Credentials, change Change) {
	c.hookMu.RLock()
	hook := c.onCredentials
	c.hookMu.RUnlock()
	if hook != nil {
		hook(creds)
	}

	if c.bus != nil {
		c.bus.Emit(TopicCredentialsChanged, change)
	}
}
