// Package pairing 提供论坛配对握手模块
// 覆盖配对令牌签发、加密载荷提交与配对后的论坛读取
package pairing

import (
	"context"

	"github.com/gorilla/mux"

	"forumlink-core/internal/core/dispose"
	"forumlink-core/internal/httpservice"
)

// PairingModuleConfig 配对模块配置
type PairingModuleConfig struct {
	// LinkBaseURL 配对链接的外部基础地址，用于拼接 linkUrl
	LinkBaseURL string
}

// PairingModule 配对握手模块
//
// 流程：
//  1. POST /link/start 签发一次性 nonce 与公钥
//  2. 调用方用公钥加密共享密钥，POST /link/finish 提交
//  3. 校验通过后签发会话令牌，后续 GET /forum/... 读取携带该令牌
type PairingModule struct {
	*dispose.ServiceBase

	config *PairingModuleConfig
	deps   *httpservice.ModuleDependencies
}

// NewPairingModule 创建配对模块
func NewPairingModule(ctx context.Context, config *PairingModuleConfig) *PairingModule {
	if config == nil {
		config = &PairingModuleConfig{}
	}
	return &PairingModule{
		ServiceBase: dispose.NewService("PairingModule", ctx),
		config:      config,
	}
}

// Name 返回模块名称
func (m *PairingModule) Name() string {
	return "Pairing"
}

// SetDependencies 注入依赖
func (m *PairingModule) SetDependencies(deps *httpservice.ModuleDependencies) {
	m.deps = deps
}

// RegisterRoutes 注册路由
func (m *PairingModule) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/link/start", m.handleLinkStart).Methods("POST")
	api.HandleFunc("/link/finish", m.handleLinkFinish).Methods("POST")
	api.HandleFunc("/link/stats", m.handleLinkStats).Methods("GET")
	api.HandleFunc("/forum/{resource:.*}", m.handleForumRead).Methods("GET")
}

// Start 启动模块
func (m *PairingModule) Start() error {
	return nil
}

// Stop 停止模块
func (m *PairingModule) Stop() error {
	return m.CloseWithError()
}
