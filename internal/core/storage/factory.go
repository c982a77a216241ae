package storage

import (
	"context"
	"fmt"
)

// StorageType 存储类型
type StorageType string

const (
	StorageTypeMemory StorageType = "memory"
	StorageTypeRedis  StorageType = "redis"
)

// Config 存储配置
type Config struct {
	Type  StorageType  `json:"type" yaml:"type"`
	Redis *RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// NewStorage 根据配置创建存储实例
func NewStorage(parentCtx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		return NewMemoryStorage(parentCtx), nil
	}

	switch cfg.Type {
	case StorageTypeMemory, "":
		return NewMemoryStorage(parentCtx), nil
	case StorageTypeRedis:
		return NewRedisStorage(parentCtx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
