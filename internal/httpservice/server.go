package httpservice

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"forumlink-core/internal/core/dispose"
	corelog "forumlink-core/internal/core/log"
)

// HTTPServiceConfig HTTP 服务配置
type HTTPServiceConfig struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultHTTPServiceConfig 默认配置
func DefaultHTTPServiceConfig() *HTTPServiceConfig {
	return &HTTPServiceConfig{
		ListenAddr:   "0.0.0.0:8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// HTTPService 统一 HTTP 服务
// 管理所有 HTTP 模块，提供统一的入口
type HTTPService struct {
	*dispose.ManagerBase

	config  *HTTPServiceConfig
	router  *mux.Router
	server  *http.Server
	modules []HTTPModule
	deps    *ModuleDependencies
}

// NewHTTPService 创建统一 HTTP 服务
func NewHTTPService(ctx context.Context, config *HTTPServiceConfig, deps *ModuleDependencies) *HTTPService {
	if config == nil {
		config = DefaultHTTPServiceConfig()
	}
	if deps == nil {
		deps = &ModuleDependencies{}
	}

	s := &HTTPService{
		ManagerBase: dispose.NewManager("HTTPService", ctx),
		config:      config,
		router:      mux.NewRouter(),
		modules:     make([]HTTPModule, 0),
		deps:        deps,
	}

	s.server = &http.Server{
		Addr:         config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	s.AddCleanHandler(func() error {
		corelog.Infof("HTTPService: shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	})

	return s
}

// RegisterModule 注册模块
func (s *HTTPService) RegisterModule(module HTTPModule) {
	if module == nil {
		return
	}

	module.SetDependencies(s.deps)
	s.modules = append(s.modules, module)

	corelog.Infof("HTTPService: registered module %s", module.Name())
}

// GetDependencies 获取依赖（供模块使用）
func (s *HTTPService) GetDependencies() *ModuleDependencies {
	return s.deps
}

// Start 启动服务
func (s *HTTPService) Start() error {
	corelog.Infof("HTTPService: starting on %s", s.config.ListenAddr)

	s.router.Use(requestIDMiddleware)
	s.router.Use(loggingMiddleware)
	s.router.Use(recoveryMiddleware)

	s.registerHealthRoutes()

	for _, module := range s.modules {
		corelog.Infof("HTTPService: registering routes for module %s", module.Name())
		module.RegisterRoutes(s.router)
	}

	for _, module := range s.modules {
		if err := module.Start(); err != nil {
			corelog.Errorf("HTTPService: failed to start module %s: %v", module.Name(), err)
			return err
		}
		corelog.Infof("HTTPService: started module %s", module.Name())
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			corelog.Errorf("HTTPService: ListenAndServe error: %v", err)
		}
	}()

	return nil
}

// Stop 停止服务
func (s *HTTPService) Stop() error {
	corelog.Infof("HTTPService: stopping...")

	// 逆序停止各模块
	for i := len(s.modules) - 1; i >= 0; i-- {
		module := s.modules[i]
		if err := module.Stop(); err != nil {
			corelog.Warnf("HTTPService: failed to stop module %s: %v", module.Name(), err)
		}
	}

	return s.CloseWithError()
}

// registerHealthRoutes 注册健康检查路由
func (s *HTTPService) registerHealthRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
}

// handleHealth 简单健康检查
func (s *HTTPService) handleHealth(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// GetRouter 获取路由器（供测试使用）
func (s *HTTPService) GetRouter() *mux.Router {
	return s.router
}
