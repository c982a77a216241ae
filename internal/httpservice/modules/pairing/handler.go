package pairing

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	coreerrors "forumlink-core/internal/core/errors"
	corelog "forumlink-core/internal/core/log"
	"forumlink-core/internal/httpservice"
	"forumlink-core/internal/security"
)

// genericPairingError 对外统一的模糊错误
// 不区分 nonce 不存在/过期/已消费/解密失败，避免泄露探测信息
const genericPairingError = "invalid or expired pairing request"

// retryAfterFallbackMs 容量超限时无法推算等待时间的兜底值
const retryAfterFallbackMs = int64(1000)

// linkStartRequest 配对起始请求
type linkStartRequest struct {
	ClientID string `json:"clientId"`
}

// linkStartResponse 配对起始响应
type linkStartResponse struct {
	Nonce     string    `json:"nonce"`
	PublicKey string    `json:"publicKey"`
	ExpiresAt time.Time `json:"expiresAt"`
	LinkURL   string    `json:"linkUrl,omitempty"`
}

// linkFinishRequest 配对完成请求
type linkFinishRequest struct {
	Nonce    string `json:"nonce"`
	ClientID string `json:"clientId"`
	Payload  string `json:"payload"`
}

// handleLinkStart 签发一次性 nonce 与握手公钥
func (m *PairingModule) handleLinkStart(w http.ResponseWriter, r *http.Request) {
	var req linkStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpservice.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		httpservice.RespondError(w, http.StatusBadRequest, "clientId is required")
		return
	}

	if d := m.deps.Limiter.Take("linkStart", clientID); !d.Allowed {
		respondRetryAfter(w, d.RetryAfterMs)
		return
	}

	pair, err := m.deps.Crypto.GenerateKeyPair()
	if err != nil {
		corelog.Errorf("Pairing: key generation failed: %v", err)
		httpservice.RespondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	nonce, err := m.deps.Nonces.Create(clientID, pair.PrivateKeyPEM)
	if err != nil {
		var capErr *security.NonceCapacityError
		if errors.As(err, &capErr) {
			respondRetryAfter(w, m.deps.Nonces.GetRetryAfterMs(clientID, retryAfterFallbackMs))
			return
		}
		httpservice.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	expiresAt, _ := m.deps.Nonces.GetExpiration(nonce)

	httpservice.RespondJSON(w, http.StatusOK, linkStartResponse{
		Nonce:     nonce,
		PublicKey: pair.PublicKeyPEM,
		ExpiresAt: expiresAt,
		LinkURL:   m.buildLinkURL(nonce),
	})
}

// handleLinkFinish 校验加密载荷并签发会话令牌
//
// 校验失败一律返回同一个模糊错误，具体原因只进日志。
func (m *PairingModule) handleLinkFinish(w http.ResponseWriter, r *http.Request) {
	var req linkFinishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpservice.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	clientID := strings.TrimSpace(req.ClientID)
	if req.Nonce == "" || clientID == "" || req.Payload == "" {
		httpservice.RespondError(w, http.StatusBadRequest, "nonce, clientId and payload are required")
		return
	}

	if d := m.deps.Limiter.Take("linkFinish", clientID); !d.Allowed {
		respondRetryAfter(w, d.RetryAfterMs)
		return
	}

	if consumed, err := m.deps.ReplayGuard.WasConsumed(req.Nonce); err == nil && consumed {
		corelog.Warnf("Pairing: replayed nonce from client %s", clientID)
		httpservice.RespondError(w, http.StatusBadRequest, genericPairingError)
		return
	}

	if !m.deps.Nonces.Verify(req.Nonce, clientID) {
		httpservice.RespondError(w, http.StatusBadRequest, genericPairingError)
		return
	}

	record, ok := m.deps.Nonces.Get(req.Nonce)
	if !ok || !m.deps.Nonces.Consume(req.Nonce) {
		httpservice.RespondError(w, http.StatusBadRequest, genericPairingError)
		return
	}

	if err := m.deps.ReplayGuard.MarkConsumed(req.Nonce); err != nil {
		corelog.Errorf("Pairing: failed to record replay mark: %v", err)
	}

	sharedKey, err := m.deps.Crypto.DecryptPayload(req.Payload, record.PrivateKey)
	if err != nil {
		corelog.Warnf("Pairing: payload rejected for client %s: %v (code=%s)", clientID, err, coreerrors.GetCode(err))
		httpservice.RespondError(w, http.StatusBadRequest, genericPairingError)
		return
	}

	session, err := m.deps.Sessions.Issue(clientID, sharedKey)
	if err != nil {
		corelog.Errorf("Pairing: session issue failed: %v", err)
		httpservice.RespondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	corelog.Infof("Pairing: client %s paired, session %s", clientID, session.SessionID)
	httpservice.RespondJSON(w, http.StatusOK, session)
}

// handleLinkStats 返回配对子系统的运行统计
func (m *PairingModule) handleLinkStats(w http.ResponseWriter, r *http.Request) {
	httpservice.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"activeNonces":     m.deps.Nonces.Count(),
		"rateLimitBuckets": m.deps.Limiter.BucketCount(),
		"cache":            m.deps.ResponseCache.Stats(),
	})
}

// handleForumRead 配对后的论坛资源读取（经会话认证与缓存）
func (m *PairingModule) handleForumRead(w http.ResponseWriter, r *http.Request) {
	claims, ok := m.authorize(w, r)
	if !ok {
		return
	}

	if d := m.deps.Limiter.Take("forumRead", claims.ClientID); !d.Allowed {
		respondRetryAfter(w, d.RetryAfterMs)
		return
	}

	resource := mux.Vars(r)["resource"]
	if resource == "" {
		httpservice.RespondError(w, http.StatusBadRequest, "resource path is required")
		return
	}

	if data, ok := m.deps.ResponseCache.Get(resource); ok {
		writeForumResponse(w, data, "HIT")
		return
	}

	data, err := m.deps.Forum.Fetch(r.Context(), resource)
	if err != nil {
		corelog.Warnf("Pairing: forum fetch %q failed: %v", resource, err)
		httpservice.RespondError(w, http.StatusBadGateway, "forum backend unavailable")
		return
	}

	m.deps.ResponseCache.Set(resource, data)
	writeForumResponse(w, data, "MISS")
}

// authorize 校验 Bearer 会话令牌
func (m *PairingModule) authorize(w http.ResponseWriter, r *http.Request) (*security.LinkSessionClaims, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		httpservice.RespondError(w, http.StatusUnauthorized, "missing authorization header")
		return nil, false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		httpservice.RespondError(w, http.StatusUnauthorized, "invalid authorization header format")
		return nil, false
	}

	claims, err := m.deps.Sessions.Validate(parts[1])
	if err != nil {
		httpservice.RespondError(w, http.StatusUnauthorized, "invalid session token")
		return nil, false
	}

	return claims, true
}

// buildLinkURL 拼接配对链接
func (m *PairingModule) buildLinkURL(nonce string) string {
	if m.config.LinkBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/link?nonce=%s", strings.TrimRight(m.config.LinkBaseURL, "/"), url.QueryEscape(nonce))
}

// respondRetryAfter 发送 429 响应，同时携带 Retry-After 头与毫秒级字段
func respondRetryAfter(w http.ResponseWriter, retryAfterMs int64) {
	if retryAfterMs < 0 {
		retryAfterMs = 0
	}
	// Retry-After 头按秒向上取整
	seconds := (retryAfterMs + 999) / 1000
	w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":      false,
		"error":        "rate limit exceeded",
		"retryAfterMs": retryAfterMs,
	})
}

// writeForumResponse 输出论坛内容，带缓存命中标记
func writeForumResponse(w http.ResponseWriter, data []byte, cacheState string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", cacheState)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
