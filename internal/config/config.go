// Package config 加载并校验服务配置
// 缺省配置开箱即用，配置文件与环境变量按需覆盖
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	corelog "forumlink-core/internal/core/log"
	"forumlink-core/internal/core/storage"
)

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	LinkBaseURL  string `yaml:"link_base_url"` // 配对链接的外部基础地址
	ReadTimeout  int    `yaml:"read_timeout"`  // 秒
	WriteTimeout int    `yaml:"write_timeout"` // 秒
	IdleTimeout  int    `yaml:"idle_timeout"`  // 秒
}

// ForumConfig 论坛后端配置
type ForumConfig struct {
	BaseURL          string `yaml:"base_url"`
	RequestTimeoutMs int64  `yaml:"request_timeout_ms"`
}

// NonceConfig 配对令牌配置
type NonceConfig struct {
	TTLMs             int64               `yaml:"ttl_ms"`
	MaxPerClient      int                 `yaml:"max_per_client"`
	MaxTotal          int                 `yaml:"max_total"`
	LimitStrategy     NonceLimitStrategy  `yaml:"limit_strategy"`
	CleanupIntervalMs int64               `yaml:"cleanup_interval_ms"`
}

// NonceLimitStrategy 两个容量维度各自的超限策略
type NonceLimitStrategy struct {
	PerClient string `yaml:"per_client"` // rejectNew | evictOldest
	Global    string `yaml:"global"`     // rejectNew | evictOldest
}

// RateLimitConfig 速率限制配置
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Strategy          string  `yaml:"strategy"` // global | perAction | perClient | perActionClient
	MaxBuckets        int     `yaml:"max_buckets"`
	BucketTTLMs       int64   `yaml:"bucket_ttl_ms"`
}

// CacheConfig 响应缓存配置
type CacheConfig struct {
	MaxSize int   `yaml:"max_size"`
	TTLMs   int64 `yaml:"ttl_ms"`
}

// CryptoConfig 加解密配置
type CryptoConfig struct {
	KeyBits            int `yaml:"key_bits"`
	MinCiphertextBytes int `yaml:"min_ciphertext_bytes"`
	MaxCiphertextBytes int `yaml:"max_ciphertext_bytes"`
}

// SessionConfig 链接会话配置
type SessionConfig struct {
	SecretKey    string `yaml:"secret_key"`
	Issuer       string `yaml:"issuer"`
	ExpirationMs int64  `yaml:"expiration_ms"`
}

// Config 应用配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Nonce     NonceConfig     `yaml:"nonce"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Session   SessionConfig   `yaml:"session"`
	Forum     ForumConfig     `yaml:"forum"`
	Storage   storage.Config  `yaml:"storage"`
	Log       corelog.Config  `yaml:"log"`
}

// LoadConfig 加载配置文件
//
// 文件不存在时回退到默认配置；环境变量覆盖优先于配置文件。
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		corelog.Warnf("config file %s not found, using defaults", configPath)
		config := GetDefaultConfig()
		ApplyEnvOverrides(config)
		if err := ValidateConfig(config); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	ApplyEnvOverrides(&config)

	if err := ValidateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	corelog.Infof("config loaded from %s", configPath)
	return &config, nil
}

// ApplyEnvOverrides 应用环境变量覆盖
//
// 仅覆盖部署时最常变动的键，避免把全部配置面搬进环境变量。
func ApplyEnvOverrides(config *Config) {
	if v := os.Getenv("FORUMLINK_LISTEN_ADDR"); v != "" {
		config.Server.ListenAddr = v
	}
	if v := os.Getenv("FORUMLINK_SESSION_SECRET"); v != "" {
		config.Session.SecretKey = v
	}
	if v := os.Getenv("FORUMLINK_REDIS_ADDR"); v != "" {
		config.Storage.Type = storage.StorageTypeRedis
		if config.Storage.Redis == nil {
			config.Storage.Redis = &storage.RedisConfig{}
		}
		config.Storage.Redis.Addr = v
	}
	if v := os.Getenv("FORUMLINK_LOG_LEVEL"); v != "" {
		config.Log.Level = v
	}
	if v := os.Getenv("FORUMLINK_RPS"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			config.RateLimit.RequestsPerSecond = rps
		}
	}
}

// ValidateConfig 验证配置并填充默认值
func ValidateConfig(config *Config) error {
	if config.Server.ListenAddr == "" {
		config.Server.ListenAddr = "0.0.0.0:8080"
	}
	if config.Server.ReadTimeout <= 0 {
		config.Server.ReadTimeout = 30
	}
	if config.Server.WriteTimeout <= 0 {
		config.Server.WriteTimeout = 30
	}
	if config.Server.IdleTimeout <= 0 {
		config.Server.IdleTimeout = 60
	}

	if config.Nonce.TTLMs <= 0 {
		config.Nonce.TTLMs = 300_000
	}
	if config.Nonce.MaxPerClient < 0 {
		return fmt.Errorf("nonce.max_per_client must not be negative")
	}
	if config.Nonce.MaxTotal < 0 {
		return fmt.Errorf("nonce.max_total must not be negative")
	}
	if err := validateLimitPolicy("nonce.limit_strategy.per_client", &config.Nonce.LimitStrategy.PerClient, "evictOldest"); err != nil {
		return err
	}
	if err := validateLimitPolicy("nonce.limit_strategy.global", &config.Nonce.LimitStrategy.Global, "rejectNew"); err != nil {
		return err
	}
	if config.Nonce.CleanupIntervalMs <= 0 {
		config.Nonce.CleanupIntervalMs = 60_000
	}

	if config.RateLimit.RequestsPerSecond <= 0 {
		config.RateLimit.RequestsPerSecond = 10
	}
	switch config.RateLimit.Strategy {
	case "":
		config.RateLimit.Strategy = "perActionClient"
	case "global", "perAction", "perClient", "perActionClient":
	default:
		return fmt.Errorf("invalid rate_limit.strategy: %s", config.RateLimit.Strategy)
	}
	if config.RateLimit.MaxBuckets <= 0 {
		config.RateLimit.MaxBuckets = 1024
	}
	if config.RateLimit.BucketTTLMs <= 0 {
		config.RateLimit.BucketTTLMs = 300_000
	}

	if config.Cache.MaxSize == 0 {
		config.Cache.MaxSize = 256
	}
	if config.Cache.TTLMs == 0 {
		config.Cache.TTLMs = 60_000
	}

	if config.Crypto.KeyBits == 0 {
		config.Crypto.KeyBits = 2048
	}
	if config.Crypto.KeyBits < 2048 {
		return fmt.Errorf("crypto.key_bits must be at least 2048")
	}
	if config.Crypto.MinCiphertextBytes <= 0 {
		config.Crypto.MinCiphertextBytes = 64
	}
	if config.Crypto.MaxCiphertextBytes <= 0 {
		config.Crypto.MaxCiphertextBytes = 1024
	}
	if config.Crypto.MinCiphertextBytes > config.Crypto.MaxCiphertextBytes {
		return fmt.Errorf("crypto.min_ciphertext_bytes must not exceed max_ciphertext_bytes")
	}

	if config.Session.SecretKey == "" {
		return fmt.Errorf("session.secret_key is required (set FORUMLINK_SESSION_SECRET or session.secret_key)")
	}
	if config.Session.Issuer == "" {
		config.Session.Issuer = "forumlink-core"
	}
	if config.Session.ExpirationMs <= 0 {
		config.Session.ExpirationMs = 1_800_000
	}

	if config.Forum.RequestTimeoutMs <= 0 {
		config.Forum.RequestTimeoutMs = 10_000
	}

	switch config.Storage.Type {
	case "", storage.StorageTypeMemory:
		config.Storage.Type = storage.StorageTypeMemory
	case storage.StorageTypeRedis:
		if config.Storage.Redis == nil || config.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required when storage type is redis")
		}
	default:
		return fmt.Errorf("invalid storage type: %s", config.Storage.Type)
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "text"
	}
	if config.Log.Output == "" {
		config.Log.Output = "stdout"
	}

	return nil
}

// validateLimitPolicy 校验容量策略字段并填默认值
func validateLimitPolicy(field string, value *string, fallback string) error {
	switch *value {
	case "":
		*value = fallback
	case "rejectNew", "evictOldest":
	default:
		return fmt.Errorf("invalid %s: %s, must be 'rejectNew' or 'evictOldest'", field, *value)
	}
	return nil
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:   "0.0.0.0:8080",
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  60,
		},
		Nonce: NonceConfig{
			TTLMs:        300_000,
			MaxPerClient: 5,
			MaxTotal:     1000,
			LimitStrategy: NonceLimitStrategy{
				PerClient: "evictOldest",
				Global:    "rejectNew",
			},
			CleanupIntervalMs: 60_000,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Strategy:          "perActionClient",
			MaxBuckets:        1024,
			BucketTTLMs:       300_000,
		},
		Cache: CacheConfig{
			MaxSize: 256,
			TTLMs:   60_000,
		},
		Crypto: CryptoConfig{
			KeyBits:            2048,
			MinCiphertextBytes: 64,
			MaxCiphertextBytes: 1024,
		},
		Session: SessionConfig{
			Issuer:       "forumlink-core",
			ExpirationMs: 1_800_000,
		},
		Forum: ForumConfig{
			RequestTimeoutMs: 10_000,
		},
		Storage: storage.Config{
			Type: storage.StorageTypeMemory,
		},
		Log: corelog.Config{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// NonceTTL 配置的 nonce 有效期
func (c *Config) NonceTTL() time.Duration {
	return time.Duration(c.Nonce.TTLMs) * time.Millisecond
}

// CleanupInterval 配置的清理间隔
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Nonce.CleanupIntervalMs) * time.Millisecond
}

// BucketTTL 配置的限流桶空闲窗口
func (c *Config) BucketTTL() time.Duration {
	return time.Duration(c.RateLimit.BucketTTLMs) * time.Millisecond
}

// CacheTTL 配置的缓存有效期
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLMs) * time.Millisecond
}

// SessionExpiration 配置的会话有效期
func (c *Config) SessionExpiration() time.Duration {
	return time.Duration(c.Session.ExpirationMs) * time.Millisecond
}

// ForumRequestTimeout 配置的论坛请求超时
func (c *Config) ForumRequestTimeout() time.Duration {
	return time.Duration(c.Forum.RequestTimeoutMs) * time.Millisecond
}
