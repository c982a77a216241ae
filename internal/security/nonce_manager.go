package security

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"forumlink-core/internal/core/dispose"
	coreerrors "forumlink-core/internal/core/errors"
	corelog "forumlink-core/internal/core/log"
)

// NonceManager 配对Nonce管理器
//
// 职责：
//   - 签发绑定 clientId 与临时私钥的一次性配对令牌
//   - 校验、消费令牌（消费后永久失效）
//   - 执行单客户端与全局两级容量控制
//
// 设计：
//   - 令牌为 256 位 crypto/rand 随机数的 hex 编码，可安全嵌入 URL
//   - 每个 nonce 的状态机：absent → live → {consumed | expired | evicted}，
//     终态不可复活，只能重新签发全新令牌
//   - clientCounts 二级索引始终等于该客户端的存活记录数
type NonceManager struct {
	*dispose.ManagerBase

	config       *NonceManagerConfig
	records      map[string]*NonceRecord
	clientCounts map[string]int
	seq          uint64 // 插入序号，同一时间戳下保证淘汰顺序确定
	mu           sync.Mutex

	// 可注入时钟，测试用
	now func() time.Time
}

// NonceLimitPolicy 容量限制策略
type NonceLimitPolicy string

const (
	// LimitPolicyRejectNew 已达上限时拒绝新请求
	LimitPolicyRejectNew NonceLimitPolicy = "rejectNew"
	// LimitPolicyEvictOldest 已达上限时淘汰最早创建的存活记录
	LimitPolicyEvictOldest NonceLimitPolicy = "evictOldest"
)

// NonceLimitType 容量限制维度
type NonceLimitType string

const (
	LimitTypeClient NonceLimitType = "client"
	LimitTypeGlobal NonceLimitType = "global"
)

// NonceRecord 配对记录
type NonceRecord struct {
	ClientID   string
	PrivateKey string
	CreatedAt  time.Time

	seq uint64
}

// NonceManagerConfig Nonce管理器配置
type NonceManagerConfig struct {
	TTL             time.Duration    // 记录有效期
	MaxPerClient    int              // 单客户端存活上限（<=0 不限制）
	MaxTotal        int              // 全局存活上限（<=0 不限制）
	PerClientPolicy NonceLimitPolicy // 单客户端维度策略
	GlobalPolicy    NonceLimitPolicy // 全局维度策略
	OnEvict         func(count int)  // 容量淘汰通知（可选）
}

// DefaultNonceManagerConfig 默认配置
func DefaultNonceManagerConfig() *NonceManagerConfig {
	return &NonceManagerConfig{
		TTL:             10 * time.Minute,
		MaxPerClient:    5,
		MaxTotal:        1000,
		PerClientPolicy: LimitPolicyEvictOldest,
		GlobalPolicy:    LimitPolicyRejectNew,
	}
}

// NonceCapacityError 容量超限错误
//
// LimitType 标识触发的维度；ClientID 仅在 client 维度时有值。
type NonceCapacityError struct {
	LimitType NonceLimitType
	Limit     int
	ClientID  string
}

func (e *NonceCapacityError) Error() string {
	if e.LimitType == LimitTypeClient {
		return fmt.Sprintf("nonce capacity exceeded: client %q reached limit %d", e.ClientID, e.Limit)
	}
	return fmt.Sprintf("nonce capacity exceeded: global limit %d reached", e.Limit)
}

// Is 支持与错误码 CodeCapacityExceeded 比较
func (e *NonceCapacityError) Is(target error) bool {
	if t, ok := target.(*coreerrors.Error); ok {
		return t.Code == coreerrors.CodeCapacityExceeded
	}
	_, ok := target.(*NonceCapacityError)
	return ok
}

// NewNonceManager 创建Nonce管理器
func NewNonceManager(config *NonceManagerConfig, parentCtx context.Context) *NonceManager {
	if config == nil {
		config = DefaultNonceManagerConfig()
	}

	m := &NonceManager{
		ManagerBase:  dispose.NewManager("NonceManager", parentCtx),
		config:       config,
		records:      make(map[string]*NonceRecord),
		clientCounts: make(map[string]int),
		now:          time.Now,
	}
	m.AddCleanHandler(m.onClose)
	return m
}

// onClose 资源释放回调
func (m *NonceManager) onClose() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = make(map[string]*NonceRecord)
	m.clientCounts = make(map[string]int)
	return nil
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 签发
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// Create 签发新的配对令牌
//
// 插入前先按顺序执行容量控制：先单客户端维度，再全局维度。
// rejectNew 策略返回 *NonceCapacityError；evictOldest 策略淘汰
// 最早创建的满足维度谓词的记录直到有空位，并通过 OnEvict 通知淘汰数量。
func (m *NonceManager) Create(clientID, privateKey string) (string, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return "", coreerrors.New(coreerrors.CodeInvalidParam, "invalid clientId: must be a non-empty string")
	}
	if strings.TrimSpace(privateKey) == "" {
		return "", coreerrors.New(coreerrors.CodeInvalidParam, "invalid privateKey: must be a non-empty string")
	}

	nonce, err := generateNonce()
	if err != nil {
		return "", coreerrors.Wrap(err, coreerrors.CodeInternal, "failed to generate nonce")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()

	// 单客户端维度检查始终先于全局维度
	if m.config.MaxPerClient > 0 && m.clientCounts[clientID] >= m.config.MaxPerClient {
		if m.config.PerClientPolicy == LimitPolicyRejectNew {
			return "", &NonceCapacityError{
				LimitType: LimitTypeClient,
				Limit:     m.config.MaxPerClient,
				ClientID:  clientID,
			}
		}
		evicted := 0
		for m.clientCounts[clientID] >= m.config.MaxPerClient {
			if !m.evictOldestLocked(func(r *NonceRecord) bool { return r.ClientID == clientID }) {
				break
			}
			evicted++
		}
		m.notifyEvicted(evicted)
	}

	if m.config.MaxTotal > 0 && len(m.records) >= m.config.MaxTotal {
		if m.config.GlobalPolicy == LimitPolicyRejectNew {
			return "", &NonceCapacityError{
				LimitType: LimitTypeGlobal,
				Limit:     m.config.MaxTotal,
			}
		}
		evicted := 0
		for len(m.records) >= m.config.MaxTotal {
			if !m.evictOldestLocked(func(*NonceRecord) bool { return true }) {
				break
			}
			evicted++
		}
		m.notifyEvicted(evicted)
	}

	m.seq++
	m.records[nonce] = &NonceRecord{
		ClientID:   clientID,
		PrivateKey: privateKey,
		CreatedAt:  m.now(),
		seq:        m.seq,
	}
	m.clientCounts[clientID]++

	return nonce, nil
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 查询与消费
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// Get 获取记录
//
// 先做一次全表过期清理，再查找；不修改其他状态。
func (m *NonceManager) Get(nonce string) (NonceRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()

	rec, ok := m.records[nonce]
	if !ok {
		return NonceRecord{}, false
	}
	return *rec, true
}

// Verify 校验令牌与客户端的绑定关系
//
// 仅当记录存在且 clientId（去首尾空白后）一致时返回 true，从不报错。
func (m *NonceManager) Verify(nonce, clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()

	rec, ok := m.records[nonce]
	if !ok {
		return false
	}
	return rec.ClientID == strings.TrimSpace(clientID)
}

// Consume 消费令牌（幂等）
//
// 返回是否实际删除了存活记录。重复消费或消费不存在的令牌
// 不报错，也不会重复递减客户端计数。
func (m *NonceManager) Consume(nonce string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[nonce]
	if !ok {
		return false
	}

	m.removeLocked(nonce, rec)
	return true
}

// Cleanup 全表清理过期记录，返回清理数量
//
// 供后台定时任务周期调用。
func (m *NonceManager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pruneLocked()
}

// Count 当前存活记录总数
func (m *NonceManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()
	return len(m.records)
}

// CountForClient 指定客户端的存活记录数
func (m *NonceManager) CountForClient(clientID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()
	return m.clientCounts[strings.TrimSpace(clientID)]
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 过期时间推导
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// GetExpiration 获取指定令牌的过期时间
func (m *NonceManager) GetExpiration(nonce string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()

	rec, ok := m.records[nonce]
	if !ok {
		return time.Time{}, false
	}
	return rec.CreatedAt.Add(m.config.TTL), true
}

// GetNextExpiration 获取最早到期的存活记录的过期时间
//
// clientID 为空时扫描全表，否则仅匹配该客户端的记录。
func (m *NonceManager) GetNextExpiration(clientID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()

	clientID = strings.TrimSpace(clientID)
	var oldest *NonceRecord
	for _, rec := range m.records {
		if clientID != "" && rec.ClientID != clientID {
			continue
		}
		if oldest == nil || rec.CreatedAt.Before(oldest.CreatedAt) ||
			(rec.CreatedAt.Equal(oldest.CreatedAt) && rec.seq < oldest.seq) {
			oldest = rec
		}
	}
	if oldest == nil {
		return time.Time{}, false
	}
	return oldest.CreatedAt.Add(m.config.TTL), true
}

// GetRetryAfterMs 推导"多久之后可以重试"
//
// 以最早到期记录的剩余存活时间为准；没有匹配的存活记录时
// 返回调用方提供的默认值。
func (m *NonceManager) GetRetryAfterMs(clientID string, fallbackMs int64) int64 {
	exp, ok := m.GetNextExpiration(clientID)
	if !ok {
		return fallbackMs
	}

	ms := exp.Sub(m.now()).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 内部实现
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// pruneLocked 清理所有过期记录（调用者需持有锁）
func (m *NonceManager) pruneLocked() int {
	now := m.now()
	removed := 0
	for nonce, rec := range m.records {
		if now.Sub(rec.CreatedAt) >= m.config.TTL {
			m.removeLocked(nonce, rec)
			removed++
		}
	}
	if removed > 0 {
		corelog.Debugf("NonceManager: pruned %d expired records", removed)
	}
	return removed
}

// evictOldestLocked 淘汰满足谓词的最早记录（调用者需持有锁）
func (m *NonceManager) evictOldestLocked(pred func(*NonceRecord) bool) bool {
	var oldestKey string
	var oldest *NonceRecord
	for nonce, rec := range m.records {
		if !pred(rec) {
			continue
		}
		if oldest == nil || rec.CreatedAt.Before(oldest.CreatedAt) ||
			(rec.CreatedAt.Equal(oldest.CreatedAt) && rec.seq < oldest.seq) {
			oldestKey = nonce
			oldest = rec
		}
	}
	if oldest == nil {
		return false
	}

	m.removeLocked(oldestKey, oldest)
	return true
}

// removeLocked 删除记录并维护客户端计数（调用者需持有锁）
func (m *NonceManager) removeLocked(nonce string, rec *NonceRecord) {
	delete(m.records, nonce)
	if n := m.clientCounts[rec.ClientID]; n <= 1 {
		delete(m.clientCounts, rec.ClientID)
	} else {
		m.clientCounts[rec.ClientID] = n - 1
	}
}

// notifyEvicted 触发淘汰通知
func (m *NonceManager) notifyEvicted(count int) {
	if count <= 0 {
		return
	}
	corelog.Debugf("NonceManager: evicted %d records under capacity pressure", count)
	if m.config.OnEvict != nil {
		m.config.OnEvict(count)
	}
}

// generateNonce 生成 256 位随机令牌
//
// 随机量足够大，预期表规模下的生日碰撞概率可忽略。
func generateNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand failed: %w", err)
	}
	return hex.EncodeToString(b), nil
}
