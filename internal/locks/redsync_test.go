package locks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flora-session/internal/common/errors"
	"flora-session/internal/common/logging"
	"flora-session/internal/redis"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	manager, err := NewManager(client, Options{
		Expiry:     5 * time.Second,
		RetryDelay: 10 * time.Millisecond,
		Logger:     logging.NewNopLogger(),
	})
	require.NoError(t, err)
	return manager, mr
}

func TestNewManager_RequiresClient(t *testing.T) {
	_, err := NewManager(nil, Options{})
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}

func TestLock_AcquireAndRelease(t *testing.T) {
	manager, mr := newTestManager(t)
	lock := manager.NewLock("flora_refresh_lock")
	assert.Equal(t, "flora_refresh_lock", lock.Name())

	release, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, mr.Exists("flora_refresh_lock"))

	release()
	assert.False(t, mr.Exists("flora_refresh_lock"))
}

func TestLock_ExcludesSecondHolder(t *testing.T) {
	manager, _ := newTestManager(t)
	first := manager.NewLock("shared")
	second := manager.NewLock("shared")

	release, err := first.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = second.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeTimeout))

	release()

	releaseSecond, err := second.Acquire(context.Background())
	require.NoError(t, err)
	releaseSecond()
}

func TestLock_DifferentNamesDoNotConflict(t *testing.T) {
	manager, _ := newTestManager(t)

	releaseA, err := manager.NewLock("a").Acquire(context.Background())
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := manager.NewLock("b").Acquire(context.Background())
	require.NoError(t, err)
	releaseB()
}
