// Package cache 提供容量+TTL双重约束的响应缓存
// 用于避免对远端论坛服务的冗余读取
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"forumlink-core/internal/core/dispose"
	corelog "forumlink-core/internal/core/log"
)

// EvictionReason 条目移除原因（用于观测）
type EvictionReason string

const (
	ReasonManual   EvictionReason = "manual"
	ReasonPrefix   EvictionReason = "prefix"
	ReasonExpired  EvictionReason = "expired"
	ReasonCapacity EvictionReason = "capacity"
)

// Config 缓存配置
//
// MaxSize<=0 或 TTL<=0 时缓存整体禁用：Get 恒为未命中，Set 为空操作，
// Stats 仍如实报告配置的 TTL。
type Config struct {
	MaxSize int
	TTL     time.Duration
}

// Stats 缓存统计快照
type Stats struct {
	Size      int                      `json:"size"`
	Hits      int64                    `json:"hits"`
	Misses    int64                    `json:"misses"`
	Evictions int64                    `json:"evictions"`
	TTLMs     int64                    `json:"ttlMs"`
	Reasons   map[EvictionReason]int64 `json:"reasons"`
}

// cacheEntry 缓存条目
type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// ResponseCache 容量（LRU）+ TTL 组合缓存
//
// 设计：
//   - 底层使用 hashicorp LRU 作为有序表：Get 命中会刷新到最近使用端，
//     容量淘汰移除最早插入的条目；过期条目在每次读写前整体清理
//   - Set 覆盖已有键时先删再插，既刷新位置也重置 expiresAt；
//     Get 命中只刷新位置，不延长 TTL
type ResponseCache[V any] struct {
	*dispose.ManagerBase

	config  Config
	enabled bool
	table   *lru.Cache[string, *cacheEntry[V]]
	mu      sync.Mutex

	hits      int64
	misses    int64
	evictions int64
	reasons   map[EvictionReason]int64

	// 可注入时钟，测试用
	now func() time.Time
}

// NewResponseCache 创建响应缓存
func NewResponseCache[V any](config Config, parentCtx context.Context) *ResponseCache[V] {
	c := &ResponseCache[V]{
		ManagerBase: dispose.NewManager("ResponseCache", parentCtx),
		config:      config,
		enabled:     config.MaxSize > 0 && config.TTL > 0,
		reasons:     make(map[EvictionReason]int64),
		now:         time.Now,
	}

	if c.enabled {
		// 容量淘汰由本层显式执行，底层表的尺寸与 MaxSize 一致，
		// 保证它自身永远不会隐式淘汰
		table, err := lru.New[string, *cacheEntry[V]](config.MaxSize)
		if err != nil {
			// MaxSize 已验证为正数，到这里属于程序缺陷
			corelog.Errorf("ResponseCache: failed to create LRU table: %v", err)
			c.enabled = false
		}
		c.table = table
	}

	return c
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 读写
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// Get 查找缓存
//
// 命中时条目被刷新到最近使用端并计入 hits；未命中计入 misses。
// 过期条目绝不返回。
func (c *ResponseCache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		c.misses++
		return zero, false
	}

	c.purgeExpiredLocked()

	entry, ok := c.table.Get(key)
	if !ok {
		c.misses++
		return zero, false
	}

	c.hits++
	return entry.value, true
}

// Set 写入缓存
//
// 覆盖已有键时先删除旧条目（刷新位置并重置 expiresAt）；
// 容量已满时淘汰最早插入的条目。禁用时为空操作。
func (c *ResponseCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}

	c.purgeExpiredLocked()

	if c.table.Contains(key) {
		c.table.Remove(key)
	}

	for c.table.Len() >= c.config.MaxSize {
		oldKey, _, ok := c.table.GetOldest()
		if !ok {
			break
		}
		c.table.Remove(oldKey)
		c.recordEvictionLocked(ReasonCapacity, 1)
	}

	c.table.Add(key, &cacheEntry[V]{
		value:     value,
		expiresAt: c.now().Add(c.config.TTL),
	})
}

// Delete 显式删除，计为一次 manual 淘汰
func (c *ResponseCache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return false
	}

	if !c.table.Remove(key) {
		return false
	}
	c.recordEvictionLocked(ReasonManual, 1)
	return true
}

// DeleteByPrefix 按前缀批量删除，返回删除数量
func (c *ResponseCache[V]) DeleteByPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return 0
	}

	removed := 0
	for _, key := range c.table.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.table.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		c.recordEvictionLocked(ReasonPrefix, removed)
	}
	return removed
}

// Stats 返回与表状态一致的统计快照（先清理过期条目）
func (c *ResponseCache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := 0
	if c.enabled {
		c.purgeExpiredLocked()
		size = c.table.Len()
	}

	reasons := make(map[EvictionReason]int64, len(c.reasons))
	for k, v := range c.reasons {
		reasons[k] = v
	}

	return Stats{
		Size:      size,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		TTLMs:     c.config.TTL.Milliseconds(),
		Reasons:   reasons,
	}
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 内部实现
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// purgeExpiredLocked 清理全部过期条目（调用者需持有锁）
func (c *ResponseCache[V]) purgeExpiredLocked() {
	now := c.now()
	removed := 0
	for _, key := range c.table.Keys() {
		entry, ok := c.table.Peek(key)
		if !ok {
			continue
		}
		if !now.Before(entry.expiresAt) {
			c.table.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		c.recordEvictionLocked(ReasonExpired, removed)
	}
}

// recordEvictionLocked 记录淘汰（调用者需持有锁）
func (c *ResponseCache[V]) recordEvictionLocked(reason EvictionReason, count int) {
	c.evictions += int64(count)
	c.reasons[reason] += int64(count)
}
