package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupTask_SweepsExpiredNonces(t *testing.T) {
	m, clock := newTestNonceManager(t, &NonceManagerConfig{TTL: 100 * time.Millisecond})

	_, err := m.Create("c1", "pk")
	require.NoError(t, err)
	_, err = m.Create("c2", "pk")
	require.NoError(t, err)
	require.Equal(t, 2, m.Count())

	clock.Advance(time.Second)

	task := NewCleanupTask(m, 10*time.Millisecond, context.Background())
	defer task.Close()
	task.Start()

	// 启动即清理，无需等待首个 tick
	assert.Eventually(t, func() bool {
		return m.Count() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestCleanupTask_PeriodicSweep(t *testing.T) {
	m, clock := newTestNonceManager(t, &NonceManagerConfig{TTL: 100 * time.Millisecond})

	task := NewCleanupTask(m, 10*time.Millisecond, context.Background())
	defer task.Close()
	task.Start()

	// 启动后创建并使之过期，由后续 tick 清理
	_, err := m.Create("c1", "pk")
	require.NoError(t, err)
	clock.Advance(time.Second)

	assert.Eventually(t, func() bool {
		return m.Count() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestCleanupTask_CloseStopsLoop(t *testing.T) {
	m, _ := newTestNonceManager(t, nil)

	task := NewCleanupTask(m, 10*time.Millisecond, context.Background())
	task.Start()

	result := task.Close()
	require.False(t, result.HasErrors())

	// Close 返回后循环已退出
	select {
	case <-task.done:
	default:
		t.Fatal("cleanup loop still running after Close")
	}
}

func TestCleanupTask_CloseWithoutStart(t *testing.T) {
	m, _ := newTestNonceManager(t, nil)

	task := NewCleanupTask(m, time.Minute, context.Background())
	result := task.Close()
	assert.False(t, result.HasErrors())
}

func TestCleanupTask_ParentContextCancel(t *testing.T) {
	m, clock := newTestNonceManager(t, &NonceManagerConfig{TTL: 100 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	task := NewCleanupTask(m, 10*time.Millisecond, ctx)
	task.Start()

	// 父 context 取消后循环自行退出
	cancel()
	select {
	case <-task.done:
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop on parent context cancel")
	}

	// 退出后不再清理
	_, err := m.Create("c1", "pk")
	require.NoError(t, err)
	clock.Advance(time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, m.Count())
}
