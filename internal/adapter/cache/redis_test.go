package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return NewRedis(rdb), mr
}

func TestRedis_GetSetDel(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRedis(t)

	_, ok, err := c.Get(ctx, "proxy:in_use:7")
	require.NoError(t, err)
	assert.False(t, ok, "missing key must not be an error")

	require.NoError(t, c.Set(ctx, "proxy:in_use:7", "1", time.Minute))
	v, ok, err := c.Get(ctx, "proxy:in_use:7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", v)

	require.NoError(t, c.Del(ctx, "proxy:in_use:7"))
	_, ok, err = c.Get(ctx, "proxy:in_use:7")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_SetNX_OnlyFirstWins(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRedis(t)

	ok, err := c.SetNX(ctx, "parsing_task_running:42", "a", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "parsing_task_running:42", "b", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "second reservation must lose")

	v, found, err := c.Get(ctx, "parsing_task_running:42")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", v)
}

func TestRedis_SetNX_ExpiresAndCanBeRetaken(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)

	ok, err := c.SetNX(ctx, "proxy:in_use:3", "1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = c.SetNX(ctx, "proxy:in_use:3", "1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired reservation must be retakable")
}

func TestRedis_Keys_ScansPattern(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRedis(t)

	require.NoError(t, c.Set(ctx, "parsing_task_running:1", "x", 0))
	require.NoError(t, c.Set(ctx, "parsing_task_running:2", "x", 0))
	require.NoError(t, c.Set(ctx, "sticker_price:foo:730:USD", "x", 0))

	keys, err := c.Keys(ctx, "parsing_task_running:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"parsing_task_running:1", "parsing_task_running:2"}, keys)
}

func TestRedis_ErrorsCarryDegradedSentinel(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)
	mr.Close()

	_, _, err := c.Get(ctx, "any")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCacheDegraded)

	err = c.Set(ctx, "any", "v", time.Minute)
	assert.ErrorIs(t, err, domain.ErrCacheDegraded)

	_, err = c.SetNX(ctx, "any", "v", time.Minute)
	assert.ErrorIs(t, err, domain.ErrCacheDegraded)
}

func TestNewRedis_NilClient(t *testing.T) {
	assert.Nil(t, NewRedis(nil))
}
