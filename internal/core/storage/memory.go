package storage

import (
	"context"
	"sync"
	"time"

	"forumlink-core/internal/core/dispose"
)

// storageItem 存储项
type storageItem struct {
	value      any
	expiration time.Time
}

// MemoryStorage 内存存储实现
type MemoryStorage struct {
	*dispose.ManagerBase
	data map[string]*storageItem
	mu   sync.RWMutex
}

// NewMemoryStorage 创建内存存储
func NewMemoryStorage(parentCtx context.Context) *MemoryStorage {
	s := &MemoryStorage{
		ManagerBase: dispose.NewManager("MemoryStorage", parentCtx),
		data:        make(map[string]*storageItem),
	}
	return s
}

// Set 设置键值对
func (m *MemoryStorage) Set(key string, value any, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiration time.Time
	if ttl > 0 {
		expiration = time.Now().Add(ttl)
	}
	// 零值 expiration 表示永不过期

	m.data[key] = &storageItem{
		value:      value,
		expiration: expiration,
	}
	return nil
}

// Get 获取值
func (m *MemoryStorage) Get(key string) (any, error) {
	m.mu.RLock()
	item, exists := m.data[key]
	if !exists {
		m.mu.RUnlock()
		return nil, ErrKeyNotFound
	}

	expired := !item.expiration.IsZero() && time.Now().After(item.expiration)
	m.mu.RUnlock()

	// 过期项惰性删除，需要升级为写锁
	if expired {
		m.mu.Lock()
		if item, exists := m.data[key]; exists {
			if !item.expiration.IsZero() && time.Now().After(item.expiration) {
				delete(m.data, key)
			}
		}
		m.mu.Unlock()
		return nil, ErrKeyNotFound
	}

	return item.value, nil
}

// Exists 检查键是否存在
func (m *MemoryStorage) Exists(key string) (bool, error) {
	_, err := m.Get(key)
	if err == ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete 删除键
func (m *MemoryStorage) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// Close 关闭存储
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	m.data = make(map[string]*storageItem)
	m.mu.Unlock()
	return m.CloseWithError()
}
