// Package storage 提供带 TTL 的键值存储抽象
// 内存实现用于单实例部署，Redis 实现用于多实例共享状态
package storage

import (
	"errors"
	"time"
)

// ErrKeyNotFound 键不存在
var ErrKeyNotFound = errors.New("key not found")

// Storage 存储接口
type Storage interface {
	// Set 设置键值对，ttl<=0 表示永不过期
	Set(key string, value any, ttl time.Duration) error

	// Get 获取值，键不存在或已过期返回 ErrKeyNotFound
	Get(key string) (any, error)

	// Exists 检查键是否存在且未过期
	Exists(key string) (bool, error)

	// Delete 删除键（键不存在不报错）
	Delete(key string) error

	Close() error
}
