// Package session keeps one valid access token available to every outbound
// request of the FloraFind client.
//
// The pieces, leaves first:
//
//   - TokenState holds the current Credentials in memory; the persisted
//     copy lives in a storage.Store under four keys.
//   - RefreshCoordinator performs refresh exchanges single-flight and is
//     the only writer of credentials.
//   - ProactiveScheduler refreshes shortly before the access token expires.
//   - Executor authorizes requests and retries once after a refresh when the
//     backend answers 401 or 403.
//   - Manager wires them together and is what callers use.
//
// Observers learn about changes through OnCredentialsChanged; they receive
// a Change and re-read the state, they never drive refreshes.
package session

import (
	"context"
	"net/http"
	"time"

	commonhttp "flora-session/internal/common/http"
	"flora-session/internal/common/logging"
	"flora-session/internal/events"
	"flora-session/internal/storage"
)

type ManagerConfig struct {
	Client    Authenticator
	Store     storage.Store
	KeyPrefix string
	Clock     Clock

	RefreshTimeout          time.Duration
	SafetyMargin            time.Duration
	MinDelay                time.Duration
	DefaultExpiresIn        time.Duration
	DefaultRefreshExpiresIn time.Duration

	// Locker serialises refreshes with other processes sharing Store.
	Locker Locker

	// Transport carries authorized requests. Defaults to a pooled transport.
	Transport   http.RoundTripper
	HTTPTimeout time.Duration

	Bus    *events.Bus[Change]
	Logger logging.Logger
}

// Status is a point-in-time view of the session without token material.
type Status struct {
	Authenticated    bool         `json:"authenticated"`
	AccessExpiresAt  *time.Time   `json:"access_expires_at,omitempty"`
	RefreshExpiresAt *time.Time   `json:"refresh_expires_at,omitempty"`
	RefreshState     RefreshState `json:"-"`
	NextRefreshAt    *time.Time   `json:"next_refresh_at,omitempty"`
}

type Manager struct {
	client      Authenticator
	clock       Clock
	state       *TokenState
	bus         *events.Bus[Change]
	coordinator *RefreshCoordinator
	scheduler   *ProactiveScheduler
	executor    *Executor
	httpClient  *http.Client
	logger      logging.Logger

	defaultExpiresIn        time.Duration
	defaultRefreshExpiresIn time.Duration
}

// NewManager builds the session, restores persisted credentials and arms
// the scheduler. A store read failure is logged and the session starts
// logged out.
func NewManager(ctx context.Context, cfg ManagerConfig) (*Manager, error) {
	if cfg.Client == nil {
		return nil, errNoClient
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("session")
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus[Change](cfg.Logger)
	}
	if cfg.DefaultExpiresIn <= 0 {
		cfg.DefaultExpiresIn = DefaultAccessLifetime
	}
	if cfg.DefaultRefreshExpiresIn <= 0 {
		cfg.DefaultRefreshExpiresIn = DefaultRefreshLifetime
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = commonhttp.DefaultTimeout
	}

	state := NewTokenState()

	coordinator := NewRefreshCoordinator(CoordinatorConfig{
		Client:                  cfg.Client,
		Store:                   cfg.Store,
		Keys:                    NewKeys(cfg.KeyPrefix),
		State:                   state,
		Bus:                     cfg.Bus,
		Clock:                   cfg.Clock,
		Timeout:                 cfg.RefreshTimeout,
		DefaultExpiresIn:        cfg.DefaultExpiresIn,
		DefaultRefreshExpiresIn: cfg.DefaultRefreshExpiresIn,
		Locker:                  cfg.Locker,
		Logger:                  cfg.Logger.WithFields(logging.String("component", "refresh-coordinator")),
	})

	scheduler := NewProactiveScheduler(SchedulerConfig{
		Refresher:    coordinator,
		Current:      state.Snapshot,
		Clock:        cfg.Clock,
		SafetyMargin: cfg.SafetyMargin,
		MinDelay:     cfg.MinDelay,
		Logger:       cfg.Logger.WithFields(logging.String("component", "scheduler")),
	})
	coordinator.SetOnCredentials(scheduler.Rearm)

	executor := NewExecutor(ExecutorConfig{
		State:     state,
		Refresher: coordinator,
		Base:      cfg.Transport,
		Logger:    cfg.Logger.WithFields(logging.String("component", "executor")),
	})

	m := &Manager{
		client:      cfg.Client,
		clock:       cfg.Clock,
		state:       state,
		bus:         cfg.Bus,
		coordinator: coordinator,
		scheduler:   scheduler,
		executor:    executor,
		httpClient: commonhttp.NewHTTPClient(
			commonhttp.WithTransport(executor.Transport()),
			commonhttp.WithTimeout(cfg.HTTPTimeout),
		),
		logger:                  cfg.Logger,
		defaultExpiresIn:        cfg.DefaultExpiresIn,
		defaultRefreshExpiresIn: cfg.DefaultRefreshExpiresIn,
	}

	creds, err := coordinator.Restore(ctx)
	if err != nil {
		m.logger.Warn("Starting without persisted session", logging.Err(err))
	} else if creds.Authenticated() {
		m.logger.Info("Session restored", logging.Time("access_expiry", creds.AccessExpiry))
	}

	return m, nil
}

// Login exchanges identifier and password for credentials and persists
// them. Backend rejections are returned as *authapi.APIError.
func (m *Manager) Login(ctx context.Context, identifier, password string) error {
	grant, err := m.client.Login(ctx, identifier, password)
	if err != nil {
		return err
	}

	now := m.clock.Now()
	refreshLifetime := grant.RefreshLifetime()
	if refreshLifetime == 0 {
		refreshLifetime = m.defaultRefreshExpiresIn
	}
	creds := Credentials{
		AccessToken:   grant.AccessToken,
		AccessExpiry:  m.coordinator.accessExpiry(grant, now),
		RefreshToken:  grant.RefreshToken,
		RefreshExpiry: now.Add(refreshLifetime),
	}

	m.coordinator.Install(ctx, creds, ReasonLogin)
	m.logger.Info("Logged in", logging.Time("access_expiry", creds.AccessExpiry))
	return nil
}

// Logout forgets the credentials locally and in the store.
func (m *Manager) Logout(ctx context.Context) {
	m.coordinator.Clear(ctx, ReasonLogout)
	m.logger.Info("Logged out")
}

// ApplyRemoteChange re-reads the persisted record after another process
// sharing the store changed it. Observers receive a restored Change with
// Remote set.
func (m *Manager) ApplyRemoteChange(ctx context.Context, change Change) error {
	m.logger.Debug("Credentials changed in another process", logging.String("reason", string(change.Reason)))
	_, err := m.coordinator.restore(ctx, true)
	return err
}

// ShouldPublish reports whether a local change is worth announcing to other
// processes. Restores are never republished, so two processes cannot echo
// each other.
func ShouldPublish(c Change) bool {
	return !c.Remote && c.Reason != ReasonRestored
}

func (m *Manager) AccessToken() (string, bool) {
	token := m.state.AccessToken()
	return token, token != ""
}

func (m *Manager) IsAuthenticated() bool {
	return m.state.AccessToken() != ""
}

// OnCredentialsChanged subscribes handler to credential changes.
func (m *Manager) OnCredentialsChanged(handler events.Handler[Change]) events.Unsubscribe {
	return m.bus.Subscribe(TopicCredentialsChanged, handler)
}

// Refresh forces a refresh through the coordinator.
func (m *Manager) Refresh(ctx context.Context) (Credentials, error) {
	return m.coordinator.Refresh(ctx)
}

// Execute sends req through the authorizing executor.
func (m *Manager) Execute(req *http.Request) (*http.Response, error) {
	return m.executor.Execute(req)
}

// HTTPClient returns a client whose requests are authorized by the session.
func (m *Manager) HTTPClient() *http.Client {
	return m.httpClient
}

func (m *Manager) Snapshot() Credentials {
	return m.state.Snapshot()
}

func (m *Manager) Bus() *events.Bus[Change] {
	return m.bus
}

func (m *Manager) Status() Status {
	creds := m.state.Snapshot()
	st := Status{
		Authenticated: creds.Authenticated(),
		RefreshState:  m.coordinator.State(),
	}
	if !creds.AccessExpiry.IsZero() {
		st.AccessExpiresAt = &creds.AccessExpiry
	}
	if !creds.RefreshExpiry.IsZero() {
		st.RefreshExpiresAt = &creds.RefreshExpiry
	}
	if next, ok := m.scheduler.NextFire(); ok {
		st.NextRefreshAt = &next
	}
	return st
}

// Close stops the scheduler. The store is owned by the caller.
func (m *Manager) Close() {
	m.scheduler.Close()
}
