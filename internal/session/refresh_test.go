package session

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"flora-session/internal/authapi"
	"flora-session/internal/common/errors"
	"flora-session/internal/common/logging"
)

func TestRefresh_SingleFlight(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.loggedIn(t)
	f.auth.gate = make(chan struct{})

	const callers = 10
	results := make([]Credentials, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.coordinator.Refresh(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return f.coordinator.Waiters() == callers }, time.Second, time.Millisecond)
	assert.Equal(t, Refreshing, f.coordinator.State())

	close(f.auth.gate)
	wg.Wait()

	assert.Equal(t, 1, f.auth.RefreshCalls())
	assert.Equal(t, int64(1), f.coordinator.Exchanges())
	assert.Equal(t, Idle, f.coordinator.State())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
	assert.Equal(t, "access-2", results[0].AccessToken)
}

func TestRefresh_SuccessPersistsThenNotifies(t *testing.T) {
	f := newCoordinatorFixture(t)
	before := f.loggedIn(t)

	var hooked Credentials
	f.coordinator.SetOnCredentials(func(c Credentials) { hooked = c })

	f.clock.Advance(10 * time.Minute)
	creds, err := f.coordinator.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "access-2", creds.AccessToken)
	assert.Equal(t, f.clock.Now().Add(1800*time.Second), creds.AccessExpiry)
	// Not rotated: previous refresh token and expiry kept unchanged.
	assert.Equal(t, before.RefreshToken, creds.RefreshToken)
	assert.Equal(t, before.RefreshExpiry, creds.RefreshExpiry)
	assert.Equal(t, "refresh-1", f.auth.lastToken)

	assert.Equal(t, creds, f.state.Snapshot())
	assert.Equal(t, creds, hooked)
	assert.Equal(t, []Reason{ReasonLogin, ReasonRefresh}, f.events.reasons())

	stored := f.stored(t)
	assert.Equal(t, "access-2", stored["flora_token"])
	assert.Equal(t, formatMillis(creds.AccessExpiry), stored["flora_token_expiry"])
	assert.Equal(t, "refresh-1", stored["flora_refresh_token"])
	assert.Equal(t, formatMillis(before.RefreshExpiry), stored["flora_refresh_token_expiry"])
}

func TestRefresh_RotatedToken(t *testing.T) {
	t.Run("with lifetime", func(t *testing.T) {
		f := newCoordinatorFixture(t)
		f.loggedIn(t)
		f.auth.refresh = func(string) (*authapi.TokenGrant, error) {
			return &authapi.TokenGrant{AccessToken: "access-2", ExpiresIn: 600, RefreshToken: "refresh-2", RefreshExpiresIn: 3600}, nil
		}

		creds, err := f.coordinator.Refresh(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "refresh-2", creds.RefreshToken)
		assert.Equal(t, f.clock.Now().Add(time.Hour), creds.RefreshExpiry)
		assert.Equal(t, f.clock.Now().Add(10*time.Minute), creds.AccessExpiry)
	})

	t.Run("without lifetime gets the default", func(t *testing.T) {
		f := newCoordinatorFixture(t)
		f.loggedIn(t)
		f.auth.refresh = func(string) (*authapi.TokenGrant, error) {
			return &authapi.TokenGrant{AccessToken: "access-2", ExpiresIn: 600, RefreshToken: "refresh-2"}, nil
		}

		creds, err := f.coordinator.Refresh(context.Background())
		require.NoError(t, err)
		assert.Equal(t, f.clock.Now().Add(604800*time.Second), creds.RefreshExpiry)
	})
}

func TestRefresh_AccessLifetimeFallbacks(t *testing.T) {
	t.Run("jwt exp claim", func(t *testing.T) {
		f := newCoordinatorFixture(t)
		f.loggedIn(t)
		exp := f.clock.Now().Add(20 * time.Minute).Truncate(time.Second)
		token := signedToken(t, exp)
		f.auth.refresh = func(string) (*authapi.TokenGrant, error) {
			return &authapi.TokenGrant{AccessToken: token}, nil
		}

		creds, err := f.coordinator.Refresh(context.Background())
		require.NoError(t, err)
		assert.True(t, exp.Equal(creds.AccessExpiry))
	})

	t.Run("opaque token", func(t *testing.T) {
		f := newCoordinatorFixture(t)
		f.loggedIn(t)
		f.auth.refresh = func(string) (*authapi.TokenGrant, error) {
			return &authapi.TokenGrant{AccessToken: "opaque"}, nil
		}

		creds, err := f.coordinator.Refresh(context.Background())
		require.NoError(t, err)
		assert.Equal(t, f.clock.Now().Add(1800*time.Second), creds.AccessExpiry)
	})
}

func TestRefresh_NoRefreshTokenFailsFast(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.coordinator.Refresh(context.Background())

	var rerr *RefreshError
	require.True(t, stderrors.As(err, &rerr))
	assert.Equal(t, NoRefreshToken, rerr.Kind)
	assert.True(t, stderrors.Is(err, ErrNoRefreshToken))
	assert.False(t, stderrors.Is(err, ErrRefreshRejected))
	assert.Equal(t, 0, f.auth.RefreshCalls())
	assert.Equal(t, int64(0), f.coordinator.Exchanges())
	assert.Empty(t, f.events.reasons())
}

func TestRefresh_ExpiredRefreshTokenClearsWithoutNetwork(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.loggedIn(t)

	f.clock.Advance(8 * 24 * time.Hour)
	_, err := f.coordinator.Refresh(context.Background())

	assert.True(t, stderrors.Is(err, ErrNoRefreshToken))
	assert.Equal(t, 0, f.auth.RefreshCalls())
	assert.Empty(t, f.stored(t))
	assert.Equal(t, Credentials{}, f.state.Snapshot())
	assert.Equal(t, []Reason{ReasonLogin, ReasonCleared}, f.events.reasons())
}

func TestRefresh_RejectedClearsCredentials(t *testing.T) {
	for _, status := range []int{400, 401, 403, 404, 422} {
		f := newCoordinatorFixture(t)
		f.loggedIn(t)
		f.auth.refresh = func(string) (*authapi.TokenGrant, error) {
			return nil, &authapi.APIError{Status: status, Detail: "Refresh token inválido"}
		}

		_, err := f.coordinator.Refresh(context.Background())

		var rerr *RefreshError
		require.True(t, stderrors.As(err, &rerr), "status %d", status)
		assert.Equal(t, RefreshRejected, rerr.Kind)
		assert.Equal(t, status, rerr.Status)
		assert.Equal(t, "Refresh token inválido", rerr.Detail)
		assert.True(t, stderrors.Is(err, ErrRefreshRejected))

		assert.Empty(t, f.stored(t))
		assert.False(t, f.state.Snapshot().Authenticated())
		assert.Equal(t, []Reason{ReasonLogin, ReasonCleared}, f.events.reasons())

		// Never retried automatically; the next call fails fast.
		_, err = f.coordinator.Refresh(context.Background())
		assert.True(t, stderrors.Is(err, ErrNoRefreshToken))
		assert.Equal(t, 1, f.auth.RefreshCalls())
	}
}

func TestRefresh_NetworkErrorKeepsCredentials(t *testing.T) {
	failures := map[string]error{
		"transport": errors.ConnectionError("backend unreachable", stderrors.New("connection refused")),
		"timeout":   errors.TimeoutError("auth exchange /auth/refresh", context.DeadlineExceeded),
		"5xx":       errors.ConnectionError("backend unavailable", &authapi.APIError{Status: 502, Detail: "bad gateway"}),
		"429":       &authapi.APIError{Status: 429, Detail: "slow down"},
	}

	for name, failure := range failures {
		t.Run(name, func(t *testing.T) {
			f := newCoordinatorFixture(t)
			before := f.loggedIn(t)
			f.auth.refresh = func(string) (*authapi.TokenGrant, error) { return nil, failure }

			_, err := f.coordinator.Refresh(context.Background())

			assert.True(t, stderrors.Is(err, ErrNetwork))
			assert.Equal(t, before, f.state.Snapshot())
			assert.Len(t, f.stored(t), 4)
			assert.Equal(t, []Reason{ReasonLogin}, f.events.reasons())
		})
	}
}

func TestRefresh_CancelledWaiterDoesNotCancelExchange(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.loggedIn(t)
	f.auth.gate = make(chan struct{})

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := f.coordinator.Refresh(ctxA)
		errA <- err
	}()
	require.Eventually(t, func() bool { return f.auth.RefreshCalls() == 1 }, time.Second, time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)
	assert.Equal(t, Refreshing, f.coordinator.State())
	assert.Equal(t, 0, f.coordinator.Waiters())

	resultB := make(chan Credentials, 1)
	go func() {
		creds, err := f.coordinator.Refresh(context.Background())
		assert.NoError(t, err)
		resultB <- creds
	}()
	require.Eventually(t, func() bool { return f.coordinator.Waiters() == 1 }, time.Second, time.Millisecond)

	close(f.auth.gate)
	creds := <-resultB

	assert.Equal(t, "access-2", creds.AccessToken)
	assert.Equal(t, 1, f.auth.RefreshCalls())
	f.auth.mu.Lock()
	assert.Equal(t, []error{nil}, f.auth.ctxErrs)
	f.auth.mu.Unlock()
	assert.Equal(t, "access-2", f.state.AccessToken())
}

func TestRefresh_LogoutDuringExchangeWins(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.loggedIn(t)
	f.auth.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.coordinator.Refresh(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return f.auth.RefreshCalls() == 1 }, time.Second, time.Millisecond)

	f.coordinator.Clear(context.Background(), ReasonLogout)
	close(f.auth.gate)

	assert.True(t, stderrors.Is(<-done, ErrNoRefreshToken))
	assert.False(t, f.state.Snapshot().Authenticated())
	assert.Empty(t, f.stored(t))
	assert.Equal(t, []Reason{ReasonLogin, ReasonLogout}, f.events.reasons())
}

func TestRefresh_StorageFailureIsSwallowed(t *testing.T) {
	store := &MockStore{}
	store.On("SetMany", mock.Anything, mock.Anything).Return(errors.StorageError("disk full", nil))
	store.On("Remove", mock.Anything, mock.Anything).Return(errors.StorageError("disk full", nil))

	auth := &fakeAuth{}
	state := NewTokenState()
	coordinator := NewRefreshCoordinator(CoordinatorConfig{
		Client: auth,
		Store:  store,
		State:  state,
		Clock:  newFakeClock(),
		Logger: logging.NewNopLogger(),
	})

	coordinator.Install(context.Background(), Credentials{
		AccessToken:   "access-1",
		AccessExpiry:  testStart.Add(time.Minute),
		RefreshToken:  "refresh-1",
		RefreshExpiry: testStart.Add(time.Hour),
	}, ReasonLogin)
	assert.Equal(t, "access-1", state.AccessToken())

	creds, err := coordinator.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", creds.AccessToken)
	assert.Equal(t, "access-2", state.AccessToken())

	coordinator.Clear(context.Background(), ReasonLogout)
	assert.Empty(t, state.AccessToken())
	store.AssertNumberOfCalls(t, "SetMany", 2)
	store.AssertNumberOfCalls(t, "Remove", 1)
}

func TestRefresh_RestoreCorruptRecord(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetMany(ctx,
		storagePair(f.keys.Token, "access-1"),
		storagePair(f.keys.TokenExpiry, "yesterday"),
	))

	creds, err := f.coordinator.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, Credentials{}, creds)
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, []Reason{ReasonRestored}, f.events.reasons())
}

func TestRefreshError_Messages(t *testing.T) {
	err := &RefreshError{Kind: RefreshRejected, Status: 401, Detail: "expired"}
	assert.Equal(t, "refresh failed: refresh_rejected (status 401): expired", err.Error())

	wrapped := unauthenticated(err)
	assert.True(t, stderrors.Is(wrapped, ErrUnauthenticated))
	assert.True(t, stderrors.Is(wrapped, ErrRefreshRejected))
	assert.Equal(t, "unknown", RefreshErrorKind(0).String())
}
