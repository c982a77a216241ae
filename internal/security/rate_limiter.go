package security

import (
	"container/list"
	"context"
	"math"
	"sync"
	"time"

	"forumlink-core/internal/core/dispose"
	corelog "forumlink-core/internal/core/log"
)

// RateLimiter 速率限制器
//
// 职责：
//   - 基于 Token Bucket 算法保护配对端点与全部论坛调用
//   - 按配置策略从 (action, clientId) 推导桶键
//   - 控制桶表规模：空闲超时清理 + 容量满时按插入顺序淘汰
//
// 设计：
//   - tokens 永不超过 capacity = max(1, requestsPerSecond)
//   - 容量压力下的淘汰是纯插入顺序 FIFO，不看最近使用时间；
//     刚刷新过的桶如果是最早插入的仍会被淘汰。这是刻意保持的
//     简单语义，不是防饿死机制
type RateLimiter struct {
	*dispose.ServiceBase

	config  *RateLimiterConfig
	buckets map[string]*list.Element
	order   *list.List // *rateBucket，按插入顺序
	mu      sync.Mutex

	// 可注入时钟，测试用
	now func() time.Time
}

// RateLimitStrategy 桶键策略
type RateLimitStrategy string

const (
	StrategyGlobal          RateLimitStrategy = "global"
	StrategyPerAction       RateLimitStrategy = "perAction"
	StrategyPerClient       RateLimitStrategy = "perClient"
	StrategyPerActionClient RateLimitStrategy = "perActionClient"
)

// defaultKeyPart 缺失的 action/clientId 统一落到同一个桶，而非报错
const defaultKeyPart = "default"

// RateLimiterConfig 速率限制配置
type RateLimiterConfig struct {
	RequestsPerSecond float64           // 每秒补充令牌数，同时决定桶容量
	Strategy          RateLimitStrategy // 桶键策略
	MaxBuckets        int               // 桶数量上限（<=0 不限制）
	BucketTTL         time.Duration     // 空闲桶清理窗口（非法时取 5 分钟）
}

// DefaultRateLimiterConfig 默认配置
func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		RequestsPerSecond: 10,
		Strategy:          StrategyPerActionClient,
		MaxBuckets:        1024,
		BucketTTL:         5 * time.Minute,
	}
}

// Decision 限流判定结果
//
// 拒绝不是异常而是结构化结果，调用方必须显式检查。
type Decision struct {
	Allowed      bool  `json:"allowed"`
	RetryAfterMs int64 `json:"retryAfterMs"`
}

// rateBucket 令牌桶
type rateBucket struct {
	key        string
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter 创建速率限制器
func NewRateLimiter(config *RateLimiterConfig, parentCtx context.Context) *RateLimiter {
	if config == nil {
		config = DefaultRateLimiterConfig()
	}
	if !isFinitePositive(config.RequestsPerSecond) {
		config.RequestsPerSecond = 1
	}
	if config.BucketTTL <= 0 {
		config.BucketTTL = 5 * time.Minute
	}
	switch config.Strategy {
	case StrategyGlobal, StrategyPerAction, StrategyPerClient, StrategyPerActionClient:
	default:
		config.Strategy = StrategyPerActionClient
	}

	r := &RateLimiter{
		ServiceBase: dispose.NewService("RateLimiter", parentCtx),
		config:      config,
		buckets:     make(map[string]*list.Element),
		order:       list.New(),
		now:         time.Now,
	}
	r.AddCleanHandler(r.onClose)
	return r
}

// onClose 资源释放回调
func (r *RateLimiter) onClose() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buckets = make(map[string]*list.Element)
	r.order.Init()
	return nil
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 核心逻辑
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// Take 尝试为一次动作消耗一个令牌
//
// 顺带清理空闲超时的桶；目标桶不存在且创建会超出 MaxBuckets 时，
// 先淘汰最早插入的桶再创建。
func (r *RateLimiter) Take(action, clientID string) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.purgeIdleLocked(now)

	key := r.bucketKey(action, clientID)
	elem, exists := r.buckets[key]
	if !exists {
		if r.config.MaxBuckets > 0 && r.order.Len() >= r.config.MaxBuckets {
			r.evictOldestLocked()
		}
		bucket := &rateBucket{
			key:        key,
			tokens:     r.capacity(),
			lastRefill: now,
		}
		elem = r.order.PushBack(bucket)
		r.buckets[key] = elem
	}

	bucket := elem.Value.(*rateBucket)

	// 按流逝时间补充令牌
	elapsed := now.Sub(bucket.lastRefill).Seconds()
	bucket.tokens = math.Min(r.capacity(), bucket.tokens+elapsed*r.config.RequestsPerSecond)
	bucket.lastRefill = now

	if bucket.tokens >= 1 {
		bucket.tokens--
		return Decision{Allowed: true, RetryAfterMs: 0}
	}

	retryMs := int64(math.Ceil((1 - bucket.tokens) / r.config.RequestsPerSecond * 1000))
	return Decision{Allowed: false, RetryAfterMs: retryMs}
}

// bucketKey 按策略推导桶键
func (r *RateLimiter) bucketKey(action, clientID string) string {
	if action == "" {
		action = defaultKeyPart
	}
	if clientID == "" {
		clientID = defaultKeyPart
	}

	switch r.config.Strategy {
	case StrategyGlobal:
		return "global"
	case StrategyPerAction:
		return action
	case StrategyPerClient:
		return clientID
	default:
		return action + "|" + clientID
	}
}

// capacity 桶容量，下限 1
func (r *RateLimiter) capacity() float64 {
	return math.Max(1, r.config.RequestsPerSecond)
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 桶表维护
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// purgeIdleLocked 清理空闲超时的桶（调用者需持有锁）
func (r *RateLimiter) purgeIdleLocked(now time.Time) {
	for elem := r.order.Front(); elem != nil; {
		next := elem.Next()
		bucket := elem.Value.(*rateBucket)
		if now.Sub(bucket.lastRefill) > r.config.BucketTTL {
			r.order.Remove(elem)
			delete(r.buckets, bucket.key)
		}
		elem = next
	}
}

// evictOldestLocked 淘汰最早插入的桶（调用者需持有锁）
func (r *RateLimiter) evictOldestLocked() {
	front := r.order.Front()
	if front == nil {
		return
	}
	bucket := front.Value.(*rateBucket)
	r.order.Remove(front)
	delete(r.buckets, bucket.key)
	corelog.Debugf("RateLimiter: evicted oldest bucket %q under capacity pressure", bucket.key)
}

// BucketCount 当前桶数量
func (r *RateLimiter) BucketCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// Reset 清空所有桶（仅用于测试）
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buckets = make(map[string]*list.Element)
	r.order.Init()
}

// isFinitePositive 判断速率是否为有限正数
func isFinitePositive(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f > 0
}
