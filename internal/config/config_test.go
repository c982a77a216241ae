package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forumlink-core/internal/core/storage"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("FORUMLINK_SESSION_SECRET", "env-secret")

	config, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", config.Server.ListenAddr)
	assert.Equal(t, int64(300_000), config.Nonce.TTLMs)
	assert.Equal(t, 5, config.Nonce.MaxPerClient)
	assert.Equal(t, "evictOldest", config.Nonce.LimitStrategy.PerClient)
	assert.Equal(t, "rejectNew", config.Nonce.LimitStrategy.Global)
	assert.Equal(t, float64(10), config.RateLimit.RequestsPerSecond)
	assert.Equal(t, storage.StorageTypeMemory, config.Storage.Type)
	assert.Equal(t, "env-secret", config.Session.SecretKey)
}

func TestLoadConfig_ParsesYAML(t *testing.T) {
	path := writeConfigFile(t, `
server:
  listen_addr: "127.0.0.1:9999"
nonce:
  ttl_ms: 60000
  max_per_client: 3
  limit_strategy:
    per_client: rejectNew
    global: evictOldest
rate_limit:
  requests_per_second: 2.5
  strategy: perClient
cache:
  max_size: 64
  ttl_ms: 30000
session:
  secret_key: "file-secret"
log:
  level: debug
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", config.Server.ListenAddr)
	assert.Equal(t, int64(60000), config.Nonce.TTLMs)
	assert.Equal(t, 3, config.Nonce.MaxPerClient)
	assert.Equal(t, "rejectNew", config.Nonce.LimitStrategy.PerClient)
	assert.Equal(t, "evictOldest", config.Nonce.LimitStrategy.Global)
	assert.Equal(t, 2.5, config.RateLimit.RequestsPerSecond)
	assert.Equal(t, "perClient", config.RateLimit.Strategy)
	assert.Equal(t, 64, config.Cache.MaxSize)
	assert.Equal(t, "debug", config.Log.Level)

	// 未出现的键仍取默认值
	assert.Equal(t, 1000, config.Nonce.MaxTotal)
	assert.Equal(t, int64(60_000), config.Nonce.CleanupIntervalMs)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  listen_addr: "127.0.0.1:9999"
session:
  secret_key: "file-secret"
`)

	t.Setenv("FORUMLINK_LISTEN_ADDR", "127.0.0.1:7777")
	t.Setenv("FORUMLINK_SESSION_SECRET", "env-secret")
	t.Setenv("FORUMLINK_REDIS_ADDR", "localhost:6379")

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7777", config.Server.ListenAddr)
	assert.Equal(t, "env-secret", config.Session.SecretKey)
	assert.Equal(t, storage.StorageTypeRedis, config.Storage.Type)
	assert.Equal(t, "localhost:6379", config.Storage.Redis.Addr)
}

func TestValidateConfig_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing session secret", func(c *Config) { c.Session.SecretKey = "" }},
		{"negative max_per_client", func(c *Config) { c.Nonce.MaxPerClient = -1 }},
		{"bad limit policy", func(c *Config) { c.Nonce.LimitStrategy.Global = "dropAll" }},
		{"bad rate limit strategy", func(c *Config) { c.RateLimit.Strategy = "perTenant" }},
		{"weak key bits", func(c *Config) { c.Crypto.KeyBits = 1024 }},
		{"ciphertext window inverted", func(c *Config) {
			c.Crypto.MinCiphertextBytes = 2048
			c.Crypto.MaxCiphertextBytes = 1024
		}},
		{"redis without addr", func(c *Config) {
			c.Storage.Type = storage.StorageTypeRedis
			c.Storage.Redis = nil
		}},
		{"unknown storage type", func(c *Config) { c.Storage.Type = "etcd" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := GetDefaultConfig()
			config.Session.SecretKey = "s"
			tt.mutate(config)
			assert.Error(t, ValidateConfig(config))
		})
	}
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "server: [not a mapping")

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestConfig_DurationHelpers(t *testing.T) {
	config := GetDefaultConfig()

	assert.Equal(t, int64(300_000), config.NonceTTL().Milliseconds())
	assert.Equal(t, int64(60_000), config.CleanupInterval().Milliseconds())
	assert.Equal(t, int64(300_000), config.BucketTTL().Milliseconds())
	assert.Equal(t, int64(60_000), config.CacheTTL().Milliseconds())
	assert.Equal(t, int64(1_800_000), config.SessionExpiration().Milliseconds())
}
