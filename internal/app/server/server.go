// Package server 组装并运行 forumlink 服务
// 负责组件装配、启动顺序与优雅关闭
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forumlink-core/internal/cache"
	"forumlink-core/internal/config"
	"forumlink-core/internal/core/dispose"
	corelog "forumlink-core/internal/core/log"
	"forumlink-core/internal/core/storage"
	"forumlink-core/internal/httpservice"
	"forumlink-core/internal/httpservice/modules/pairing"
	"forumlink-core/internal/security"
)

// Server forumlink 服务
type Server struct {
	*dispose.ServiceBase

	config *config.Config

	store         storage.Storage
	nonces        *security.NonceManager
	crypto        *security.CryptoService
	limiter       *security.RateLimiter
	replayGuard   *security.ReplayGuard
	sessions      *security.LinkSessionManager
	responseCache *cache.ResponseCache[[]byte]
	cleanup       *security.CleanupTask
	httpService   *httpservice.HTTPService
}

// New 创建服务实例并装配全部组件
func New(cfg *config.Config, parentCtx context.Context) (*Server, error) {
	s := &Server{
		ServiceBase: dispose.NewService("Server", parentCtx),
		config:      cfg,
	}

	store, err := storage.NewStorage(s.Ctx(), &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("create storage failed: %w", err)
	}
	s.store = store

	s.nonces = security.NewNonceManager(&security.NonceManagerConfig{
		TTL:             cfg.NonceTTL(),
		MaxPerClient:    cfg.Nonce.MaxPerClient,
		MaxTotal:        cfg.Nonce.MaxTotal,
		PerClientPolicy: security.NonceLimitPolicy(cfg.Nonce.LimitStrategy.PerClient),
		GlobalPolicy:    security.NonceLimitPolicy(cfg.Nonce.LimitStrategy.Global),
		OnEvict: func(count int) {
			corelog.Debugf("Server: %d nonce(s) evicted under capacity pressure", count)
		},
	}, s.Ctx())

	s.crypto = security.NewCryptoService(&security.CryptoServiceConfig{
		KeyBits:            cfg.Crypto.KeyBits,
		MinCiphertextBytes: cfg.Crypto.MinCiphertextBytes,
		MaxCiphertextBytes: cfg.Crypto.MaxCiphertextBytes,
	}, nil)

	s.limiter = security.NewRateLimiter(&security.RateLimiterConfig{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Strategy:          security.RateLimitStrategy(cfg.RateLimit.Strategy),
		MaxBuckets:        cfg.RateLimit.MaxBuckets,
		BucketTTL:         cfg.BucketTTL(),
	}, s.Ctx())

	// 重放窗口取 nonce 有效期的两倍，覆盖边界上的迟到提交
	s.replayGuard = security.NewReplayGuard(store, 2*cfg.NonceTTL())

	s.sessions = security.NewLinkSessionManager(&security.LinkSessionConfig{
		SecretKey:  cfg.Session.SecretKey,
		Issuer:     cfg.Session.Issuer,
		Expiration: cfg.SessionExpiration(),
	}, store, s.Ctx())

	s.responseCache = cache.NewResponseCache[[]byte](cache.Config{
		MaxSize: cfg.Cache.MaxSize,
		TTL:     cfg.CacheTTL(),
	}, s.Ctx())

	s.cleanup = security.NewCleanupTask(s.nonces, cfg.CleanupInterval(), s.Ctx())

	s.httpService = httpservice.NewHTTPService(s.Ctx(), &httpservice.HTTPServiceConfig{
		ListenAddr:   cfg.Server.ListenAddr,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}, &httpservice.ModuleDependencies{
		Nonces:        s.nonces,
		Crypto:        s.crypto,
		Limiter:       s.limiter,
		ReplayGuard:   s.replayGuard,
		Sessions:      s.sessions,
		ResponseCache: s.responseCache,
		Storage:       store,
		Forum:         NewHTTPForumFetcher(cfg.Forum.BaseURL, cfg.ForumRequestTimeout()),
	})

	s.httpService.RegisterModule(pairing.NewPairingModule(s.Ctx(), &pairing.PairingModuleConfig{
		LinkBaseURL: cfg.Server.LinkBaseURL,
	}))

	s.AddCleanHandler(s.onClose)
	return s, nil
}

// Start 启动各组件
func (s *Server) Start() error {
	s.cleanup.Start()

	if err := s.httpService.Start(); err != nil {
		return fmt.Errorf("start http service failed: %w", err)
	}

	corelog.Infof("Server: started, listening on %s", s.config.Server.ListenAddr)
	return nil
}

// Run 启动服务并阻塞直到收到终止信号
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		corelog.Infof("Server: received signal %s, shutting down", sig)
	case <-s.Ctx().Done():
		corelog.Infof("Server: context cancelled, shutting down")
	}

	return s.Stop()
}

// Stop 优雅停止
func (s *Server) Stop() error {
	return s.CloseWithError()
}

// onClose 逆启动顺序释放各组件
func (s *Server) onClose() error {
	if err := s.httpService.Stop(); err != nil {
		corelog.Warnf("Server: http service stop: %v", err)
	}
	s.cleanup.Close()
	s.responseCache.Close()
	s.sessions.Close()
	s.limiter.Close()
	s.nonces.Close()
	if err := s.store.Close(); err != nil {
		corelog.Warnf("Server: storage close: %v", err)
	}

	corelog.Infof("Server: stopped")
	return nil
}

// Config 当前配置（供启动横幅使用）
func (s *Server) Config() *config.Config {
	return s.config
}

// HTTPService 底层 HTTP 服务（供测试使用）
func (s *Server) HTTPService() *httpservice.HTTPService {
	return s.httpService
}
