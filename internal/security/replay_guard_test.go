package security

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forumlink-core/internal/core/storage"
)

func TestReplayGuard_MarkAndCheck(t *testing.T) {
	store := storage.NewMemoryStorage(context.Background())
	defer store.Close()

	guard := NewReplayGuard(store, time.Minute)

	consumed, err := guard.WasConsumed("n1")
	require.NoError(t, err)
	assert.False(t, consumed)

	require.NoError(t, guard.MarkConsumed("n1"))

	consumed, err = guard.WasConsumed("n1")
	require.NoError(t, err)
	assert.True(t, consumed)

	// 其他 nonce 不受影响
	consumed, err = guard.WasConsumed("n2")
	require.NoError(t, err)
	assert.False(t, consumed)
}

func TestReplayGuard_EmptyNonce(t *testing.T) {
	store := storage.NewMemoryStorage(context.Background())
	defer store.Close()

	guard := NewReplayGuard(store, time.Minute)

	assert.Error(t, guard.MarkConsumed(""))

	consumed, err := guard.WasConsumed("")
	require.NoError(t, err)
	assert.False(t, consumed)
}

func TestReplayGuard_RedisBackendExpiry(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := storage.NewRedisStorage(context.Background(), &storage.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer store.Close()

	guard := NewReplayGuard(store, time.Minute)
	require.NoError(t, guard.MarkConsumed("n1"))

	consumed, err := guard.WasConsumed("n1")
	require.NoError(t, err)
	assert.True(t, consumed)

	// 窗口期过后标记自动失效
	mr.FastForward(2 * time.Minute)
	consumed, err = guard.WasConsumed("n1")
	require.NoError(t, err)
	assert.False(t, consumed)
}
