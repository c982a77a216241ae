package dispose

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispose_CloseRunsHandlersOnce(t *testing.T) {
	m := NewManager("TestManager", context.Background())

	calls := 0
	m.AddCleanHandler(func() error {
		calls++
		return nil
	})

	result := m.Close()
	require.False(t, result.HasErrors())
	assert.Equal(t, 1, calls)
	assert.True(t, m.IsClosed())

	// 重复 Close 不再执行清理
	m.Close()
	assert.Equal(t, 1, calls)
}

func TestDispose_HandlerErrorsDoNotShortCircuit(t *testing.T) {
	m := NewManager("TestManager", context.Background())

	order := make([]int, 0, 2)
	m.AddCleanHandler(func() error {
		order = append(order, 1)
		return errors.New("first failed")
	})
	m.AddCleanHandler(func() error {
		order = append(order, 2)
		return nil
	})

	result := m.Close()
	assert.True(t, result.HasErrors())
	assert.Len(t, result.Errors, 1)
	assert.Equal(t, []int{1, 2}, order, "later handlers still run after a failure")
}

func TestDispose_ParentContextCancelTriggersCleanup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewService("TestService", ctx)

	done := make(chan struct{})
	s.AddCleanHandler(func() error {
		close(done)
		return nil
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup not triggered by parent context cancel")
	}
}

func TestDispose_CtxCancelledOnClose(t *testing.T) {
	s := NewService("TestService", context.Background())

	require.NoError(t, s.CloseWithError())
	select {
	case <-s.Ctx().Done():
	default:
		t.Fatal("ctx should be cancelled after Close")
	}
}
