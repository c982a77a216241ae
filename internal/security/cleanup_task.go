package security

import (
	"context"
	"time"

	"forumlink-core/internal/core/dispose"
	corelog "forumlink-core/internal/core/log"
)

// CleanupTask 过期 nonce 的周期性清理任务
//
// 职责：
//   - 启动后立即执行一次清理，之后按固定间隔重复
//   - Close 时协作取消：等待循环真正退出后才返回，
//     不会出现关闭后仍在跑的幽灵清理
//
// 设计：清理与请求路径共享 NonceManager 的锁，单次清理是
// O(表大小) 的快速操作，不需要分片或限速。
type CleanupTask struct {
	*dispose.ServiceBase

	manager  *NonceManager
	interval time.Duration
	done     chan struct{}
	started  bool
}

// NewCleanupTask 创建清理任务
//
// interval<=0 时取 60 秒。
func NewCleanupTask(manager *NonceManager, interval time.Duration, parentCtx context.Context) *CleanupTask {
	if interval <= 0 {
		interval = time.Minute
	}

	t := &CleanupTask{
		ServiceBase: dispose.NewService("CleanupTask", parentCtx),
		manager:     manager,
		interval:    interval,
		done:        make(chan struct{}),
	}
	t.AddCleanHandler(t.onClose)
	return t
}

// Start 启动清理循环（重复调用无效果）
func (t *CleanupTask) Start() {
	if t.started {
		return
	}
	t.started = true

	go t.run()
	corelog.Infof("CleanupTask: started with interval %s", t.interval)
}

// run 清理循环主体
func (t *CleanupTask) run() {
	defer close(t.done)

	// 启动即清理一次，不等首个 tick
	t.sweep()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.Ctx().Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep 执行一轮清理
func (t *CleanupTask) sweep() {
	removed := t.manager.Cleanup()
	if removed > 0 {
		corelog.Debugf("CleanupTask: removed %d expired nonces", removed)
	}
}

// onClose 等待清理循环退出
func (t *CleanupTask) onClose() error {
	if !t.started {
		return nil
	}

	select {
	case <-t.done:
	case <-time.After(5 * time.Second):
		corelog.Warnf("CleanupTask: timed out waiting for loop to stop")
	}
	return nil
}
