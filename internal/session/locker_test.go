package session

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flora-session/internal/authapi"
	"flora-session/internal/common/logging"
)

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	acquired int
	released int
	err      error
}

func (l *fakeLocker) Acquire(context.Context) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.held = true
	l.acquired++
	return func() {
		l.mu.Lock()
		l.held = false
		l.released++
		l.mu.Unlock()
	}, nil
}

func (l *fakeLocker) isHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func newLockedFixture(t *testing.T, locker Locker) *coordinatorFixture {
	t.Helper()
	f := newCoordinatorFixture(t)
	f.coordinator = NewRefreshCoordinator(CoordinatorConfig{
		Client: f.auth,
		Store:  f.store,
		Keys:   f.keys,
		State:  f.state,
		Clock:  f.clock,
		Locker: locker,
		Logger: logging.NewNopLogger(),
	})
	return f
}

func TestRefresh_HoldsLockAroundExchange(t *testing.T) {
	locker := &fakeLocker{}
	f := newLockedFixture(t, locker)
	f.loggedIn(t)

	var heldDuringExchange bool
	f.auth.refresh = func(string) (*authapi.TokenGrant, error) {
		heldDuringExchange = locker.isHeld()
		return &authapi.TokenGrant{AccessToken: "access-2", ExpiresIn: 1800}, nil
	}

	creds, err := f.coordinator.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "access-2", creds.AccessToken)
	assert.True(t, heldDuringExchange)
	assert.Equal(t, 1, locker.acquired)
	assert.Equal(t, 1, locker.released)
}

func TestRefresh_AdoptsCredentialsRefreshedElsewhere(t *testing.T) {
	f := newLockedFixture(t, &fakeLocker{})
	f.loggedIn(t)

	// Another process rotated the refresh token and wrote the store.
	elsewhere := Credentials{
		AccessToken:   "access-other",
		AccessExpiry:  f.clock.Now().Add(30 * time.Minute),
		RefreshToken:  "refresh-other",
		RefreshExpiry: f.clock.Now().Add(7 * 24 * time.Hour),
	}
	require.NoError(t, saveCredentials(context.Background(), f.store, f.keys, elsewhere))

	creds, err := f.coordinator.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, f.auth.RefreshCalls())
	assert.Equal(t, int64(0), f.coordinator.Exchanges())
	assert.Equal(t, "access-other", creds.AccessToken)
	assert.Equal(t, "refresh-other", f.state.RefreshToken())
}

func TestRefresh_IgnoresExpiredCredentialsElsewhere(t *testing.T) {
	f := newLockedFixture(t, &fakeLocker{})
	f.loggedIn(t)

	require.NoError(t, saveCredentials(context.Background(), f.store, f.keys, Credentials{
		AccessToken:   "access-other",
		AccessExpiry:  f.clock.Now().Add(-time.Minute),
		RefreshToken:  "refresh-other",
		RefreshExpiry: f.clock.Now().Add(time.Hour),
	}))

	creds, err := f.coordinator.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, f.auth.RefreshCalls())
	assert.Equal(t, "access-2", creds.AccessToken)
}

func TestRefresh_LockFailureIsNetworkError(t *testing.T) {
	f := newLockedFixture(t, &fakeLocker{err: stderrors.New("redis down")})
	before := f.loggedIn(t)

	_, err := f.coordinator.Refresh(context.Background())

	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, 0, f.auth.RefreshCalls())
	assert.Equal(t, before, f.state.Snapshot())
}

// gatedLocker signals entered and then blocks until gate is closed.
type gatedLocker struct {
	entered chan struct{}
	gate    chan struct{}
}

func newGatedLocker() *gatedLocker {
	return &gatedLocker{entered: make(chan struct{}, 1), gate: make(chan struct{})}
}

func (l *gatedLocker) Acquire(ctx context.Context) (func(), error) {
	l.entered <- struct{}{}
	select {
	case <-l.gate:
		return func() {}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *coordinatorFixture) rotatedElsewhere(t *testing.T) Credentials {
	t.Helper()
	elsewhere := Credentials{
		AccessToken:   "access-other",
		AccessExpiry:  f.clock.Now().Add(30 * time.Minute),
		RefreshToken:  "refresh-other",
		RefreshExpiry: f.clock.Now().Add(7 * 24 * time.Hour),
	}
	require.NoError(t, saveCredentials(context.Background(), f.store, f.keys, elsewhere))
	_, err := f.coordinator.restore(context.Background(), true)
	require.NoError(t, err)
	return elsewhere
}

func TestRefresh_RemoteRotationWhileWaitingForLock(t *testing.T) {
	locker := newGatedLocker()
	f := newLockedFixture(t, locker)
	f.loggedIn(t)

	type result struct {
		creds Credentials
		err   error
	}
	done := make(chan result, 1)
	go func() {
		creds, err := f.coordinator.Refresh(context.Background())
		done <- result{creds, err}
	}()
	<-locker.entered

	f.rotatedElsewhere(t)
	close(locker.gate)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "access-other", res.creds.AccessToken)
	assert.Equal(t, 0, f.auth.RefreshCalls())
	assert.Equal(t, "refresh-other", f.state.RefreshToken())
}

func TestRefresh_RemoteRotationWithExpiredAccessUsesNewRefreshToken(t *testing.T) {
	locker := newGatedLocker()
	f := newLockedFixture(t, locker)
	f.loggedIn(t)

	done := make(chan error, 1)
	go func() {
		_, err := f.coordinator.Refresh(context.Background())
		done <- err
	}()
	<-locker.entered

	require.NoError(t, saveCredentials(context.Background(), f.store, f.keys, Credentials{
		AccessToken:   "access-other",
		AccessExpiry:  f.clock.Now().Add(-time.Minute),
		RefreshToken:  "refresh-other",
		RefreshExpiry: f.clock.Now().Add(time.Hour),
	}))
	_, err := f.coordinator.restore(context.Background(), true)
	require.NoError(t, err)
	close(locker.gate)

	require.NoError(t, <-done)
	assert.Equal(t, 1, f.auth.RefreshCalls())
	assert.Equal(t, "refresh-other", f.auth.lastToken)
	assert.Equal(t, "access-2", f.state.AccessToken())
}

func TestRefresh_RemoteRestoreDuringExchangeKeepsValidSession(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.loggedIn(t)
	f.auth.gate = make(chan struct{})

	type result struct {
		creds Credentials
		err   error
	}
	done := make(chan result, 1)
	go func() {
		creds, err := f.coordinator.Refresh(context.Background())
		done <- result{creds, err}
	}()
	require.Eventually(t, func() bool { return f.auth.RefreshCalls() == 1 }, time.Second, time.Millisecond)

	f.rotatedElsewhere(t)
	close(f.auth.gate)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "access-other", res.creds.AccessToken)
	assert.Equal(t, "refresh-other", f.state.RefreshToken())
	assert.Equal(t, "access-other", f.stored(t)[f.keys.Token])
}
