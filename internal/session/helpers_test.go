package session

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"flora-session/internal/authapi"
	"flora-session/internal/common/logging"
	"flora-session/internal/events"
	"flora-session/internal/storage"
)

var testStart = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// fakeClock only moves when Advance is called. Due callbacks run
// synchronously inside Advance, in firing order.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testStart}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending returns the fire times of timers neither stopped nor fired.
func (c *fakeClock) Pending() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Time
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at)
		}
	}
	return out
}

// fakeAuth scripts backend answers. A non-nil gate blocks every refresh
// until it is closed.
type fakeAuth struct {
	mu           sync.Mutex
	refreshCalls int
	loginCalls   int
	lastToken    string
	ctxErrs      []error

	gate    chan struct{}
	refresh func(refreshToken string) (*authapi.TokenGrant, error)
	login   func(identifier, password string) (*authapi.TokenGrant, error)
}

func (f *fakeAuth) Login(_ context.Context, identifier, password string) (*authapi.TokenGrant, error) {
	f.mu.Lock()
	f.loginCalls++
	fn := f.login
	f.mu.Unlock()
	if fn == nil {
		return &authapi.TokenGrant{AccessToken: "access-1", ExpiresIn: 1800, RefreshToken: "refresh-1", RefreshExpiresIn: 604800}, nil
	}
	return fn(identifier, password)
}

func (f *fakeAuth) Refresh(ctx context.Context, refreshToken string) (*authapi.TokenGrant, error) {
	f.mu.Lock()
	f.refreshCalls++
	f.lastToken = refreshToken
	gate := f.gate
	fn := f.refresh
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.mu.Unlock()

	if fn == nil {
		return &authapi.TokenGrant{AccessToken: "access-2", ExpiresIn: 1800}, nil
	}
	return fn(refreshToken)
}

func (f *fakeAuth) RefreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

// MockStore lets tests fail individual store operations.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Get(ctx context.Context, key string) (string, bool, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockStore) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	args := m.Called(ctx, keys)
	values, _ := args.Get(0).(map[string]string)
	return values, args.Error(1)
}

func (m *MockStore) SetMany(ctx context.Context, pairs ...storage.Pair) error {
	args := m.Called(ctx, pairs)
	return args.Error(0)
}

func (m *MockStore) Remove(ctx context.Context, keys ...string) error {
	args := m.Called(ctx, keys)
	return args.Error(0)
}

func (m *MockStore) Close() error {
	return m.Called().Error(0)
}

// recorder collects Change payloads from a bus.
type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) handle(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) reasons() []Reason {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Reason, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Reason
	}
	return out
}

type coordinatorFixture struct {
	coordinator *RefreshCoordinator
	auth        *fakeAuth
	store       *storage.MemoryStore
	state       *TokenState
	clock       *fakeClock
	keys        Keys
	events      *recorder
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	f := &coordinatorFixture{
		auth:   &fakeAuth{},
		store:  storage.NewMemoryStore(),
		state:  NewTokenState(),
		clock:  newFakeClock(),
		keys:   NewKeys("flora_"),
		events: &recorder{},
	}
	bus := events.NewBus[Change](logging.NewNopLogger())
	bus.Subscribe(TopicCredentialsChanged, f.events.handle)

	f.coordinator = NewRefreshCoordinator(CoordinatorConfig{
		Client: f.auth,
		Store:  f.store,
		Keys:   f.keys,
		State:  f.state,
		Bus:    bus,
		Clock:  f.clock,
		Logger: logging.NewNopLogger(),
	})
	return f
}

// loggedIn installs a session whose access token expires in 30 minutes.
func (f *coordinatorFixture) loggedIn(t *testing.T) Credentials {
	t.Helper()
	creds := Credentials{
		AccessToken:   "access-1",
		AccessExpiry:  f.clock.Now().Add(30 * time.Minute),
		RefreshToken:  "refresh-1",
		RefreshExpiry: f.clock.Now().Add(7 * 24 * time.Hour),
	}
	f.coordinator.Install(context.Background(), creds, ReasonLogin)
	return creds
}

func (f *coordinatorFixture) stored(t *testing.T) map[string]string {
	t.Helper()
	out := map[string]string{}
	for _, key := range f.keys.All() {
		value, ok, err := f.store.Get(context.Background(), key)
		require.NoError(t, err)
		if ok {
			out[key] = value
		}
	}
	return out
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ana",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func storagePair(key, value string) storage.Pair {
	return storage.Pair{Key: key, Value: value}
}
