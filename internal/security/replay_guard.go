package security

import (
	"time"

	coreerrors "forumlink-core/internal/core/errors"
	"forumlink-core/internal/core/storage"
)

// replayKeyPrefix 重放标记的存储键前缀
const replayKeyPrefix = "replay:nonce:"

// ReplayGuard 已消费 nonce 的重放防护
//
// 职责：
//   - NonceManager 消费成功后在共享存储里留下标记
//   - 即使 nonce 已从内存表中移除，窗口期内的重放提交仍会被识破
//
// 设计：存储后端可为内存或 Redis，多实例部署时用 Redis 共享标记。
// 标记 TTL 取 nonce 有效期的两倍，保证覆盖边界上的迟到提交。
type ReplayGuard struct {
	store  storage.Storage
	window time.Duration
}

// NewReplayGuard 创建重放防护
//
// window<=0 时取 10 分钟。
func NewReplayGuard(store storage.Storage, window time.Duration) *ReplayGuard {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &ReplayGuard{
		store:  store,
		window: window,
	}
}

// MarkConsumed 记录 nonce 已被消费
func (g *ReplayGuard) MarkConsumed(nonce string) error {
	if nonce == "" {
		return coreerrors.New(coreerrors.CodeInvalidParam, "nonce must not be empty")
	}
	if err := g.store.Set(replayKeyPrefix+nonce, time.Now().Unix(), g.window); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to mark nonce consumed")
	}
	return nil
}

// WasConsumed 检查 nonce 是否在窗口期内被消费过
func (g *ReplayGuard) WasConsumed(nonce string) (bool, error) {
	if nonce == "" {
		return false, nil
	}
	exists, err := g.store.Exists(replayKeyPrefix + nonce)
	if err != nil {
		return false, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to query replay mark")
	}
	return exists, nil
}
