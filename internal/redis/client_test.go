package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := NewClient(&Config{
		Address:  mr.Addr(),
		PoolSize: 10,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestNewClient(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		client, err := NewClient(nil)
		assert.Nil(t, client)
		assert.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		cfg := &Config{Address: mr.Addr()}
		client, err := NewClient(cfg)
		require.NoError(t, err)
		defer client.Close()

		assert.Equal(t, 10, cfg.PoolSize)
		assert.NoError(t, client.Health(context.Background()))
	})

	t.Run("unreachable server", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		addr := mr.Addr()
		mr.Close()

		_, err = NewClient(&Config{Address: addr})
		assert.Error(t, err)
	})
}

func TestClient_GetMissingKey(t *testing.T) {
	client, _ := setupTestRedis(t)

	value, ok, err := client.Get(context.Background(), "flora_token")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, value)
}

func TestClient_SetManyAndDeleteMany(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	err := client.SetMany(ctx, map[string]string{
		"flora_token":        "access",
		"flora_token_expiry": "1700000000000",
	})
	require.NoError(t, err)

	value, ok, err := client.Get(ctx, "flora_token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "access", value)
	mr.CheckGet(t, "flora_token_expiry", "1700000000000")

	require.NoError(t, client.DeleteMany(ctx, "flora_token", "flora_token_expiry", "absent"))
	assert.False(t, mr.Exists("flora_token"))
	assert.False(t, mr.Exists("flora_token_expiry"))

	assert.NoError(t, client.SetMany(ctx, nil))
	assert.NoError(t, client.DeleteMany(ctx))
}

func TestClient_GetMany(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	mr.Set("flora_token", "access")
	mr.Set("flora_refresh_token", "refresh")

	values, err := client.GetMany(ctx, "flora_token", "flora_token_expiry", "flora_refresh_token")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"flora_token":         "access",
		"flora_refresh_token": "refresh",
	}, values)

	values, err = client.GetMany(ctx)
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestClient_ErrorsWhenServerDown(t *testing.T) {
	client, mr := setupTestRedis(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, _, err := client.Get(ctx, "flora_token")
	assert.Error(t, err)
	assert.Error(t, client.SetMany(ctx, map[string]string{"k": "v"}))
	assert.Error(t, client.Health(ctx))
}

func TestClient_PublishSubscribe(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "flora_events")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Publish(ctx, "flora_events", map[string]string{"reason": "login"}))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "flora_events", msg.Channel)
		assert.JSONEq(t, `{"reason":"login"}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}
