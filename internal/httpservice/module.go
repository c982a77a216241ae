// Package httpservice 提供统一的 HTTP 服务框架
// 支持模块化设计，各模块自注册路由，由服务统一管理生命周期
package httpservice

import (
	"context"

	"github.com/gorilla/mux"

	"forumlink-core/internal/cache"
	"forumlink-core/internal/core/storage"
	"forumlink-core/internal/security"
)

// HTTPModule HTTP 服务模块接口
// 所有 HTTP 子服务（配对模块、未来的管理模块等）都需要实现此接口
type HTTPModule interface {
	// Name 模块名称（用于日志和配置）
	Name() string

	// RegisterRoutes 注册路由到 router
	// 模块自行决定注册哪些路径
	RegisterRoutes(router *mux.Router)

	// SetDependencies 注入依赖
	SetDependencies(deps *ModuleDependencies)

	// Start 启动模块（可选的后台任务）
	Start() error

	// Stop 停止模块
	Stop() error
}

// ForumFetcher 论坛资源读取接口
// 解耦 HTTP 服务与具体的论坛后端实现
type ForumFetcher interface {
	// Fetch 按资源路径读取论坛内容
	Fetch(ctx context.Context, resource string) ([]byte, error)
}

// ModuleDependencies 模块依赖
// 包含所有模块可能需要的公共依赖
type ModuleDependencies struct {
	// Nonces 配对令牌管理器
	Nonces *security.NonceManager

	// Crypto 握手加解密服务
	Crypto *security.CryptoService

	// Limiter 速率限制器
	Limiter *security.RateLimiter

	// ReplayGuard 已消费 nonce 的重放防护
	ReplayGuard *security.ReplayGuard

	// Sessions 链接会话管理器
	Sessions *security.LinkSessionManager

	// ResponseCache 论坛响应缓存
	ResponseCache *cache.ResponseCache[[]byte]

	// Storage 存储接口
	Storage storage.Storage

	// Forum 论坛资源读取器
	Forum ForumFetcher
}
