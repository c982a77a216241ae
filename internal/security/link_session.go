package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"forumlink-core/internal/core/dispose"
	coreerrors "forumlink-core/internal/core/errors"
	"forumlink-core/internal/core/storage"
)

// sessionAudience 会话令牌受众
const sessionAudience = "forumlink-session"

// revokeKeyPrefix 撤销标记的存储键前缀
const revokeKeyPrefix = "session:revoked:"

// LinkSessionManager 配对成功后的链接会话管理器
//
// 职责：
//   - 配对握手完成后签发 HS256 会话令牌，令牌内携带客户端标识
//     与提交密钥的指纹
//   - 验证后续请求携带的会话令牌（签名、受众、签发者、撤销状态）
//   - 按令牌 ID 撤销会话，撤销标记写入共享存储以覆盖多实例部署
type LinkSessionManager struct {
	*dispose.ManagerBase

	config *LinkSessionConfig
	store  storage.Storage
}

// LinkSessionConfig 会话配置
type LinkSessionConfig struct {
	SecretKey  string        // HS256 签名密钥
	Issuer     string        // 签发者标识
	Expiration time.Duration // 会话有效期（默认 30 分钟）
}

// LinkSessionClaims 会话令牌声明
type LinkSessionClaims struct {
	ClientID       string `json:"client_id"`
	KeyFingerprint string `json:"key_fp"`
	jwt.RegisteredClaims
}

// LinkSession 签发结果
type LinkSession struct {
	Token     string    `json:"token"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewLinkSessionManager 创建会话管理器
func NewLinkSessionManager(config *LinkSessionConfig, store storage.Storage, parentCtx context.Context) *LinkSessionManager {
	if config.Issuer == "" {
		config.Issuer = "forumlink-core"
	}
	if config.Expiration <= 0 {
		config.Expiration = 30 * time.Minute
	}

	return &LinkSessionManager{
		ManagerBase: dispose.NewManager("LinkSessionManager", parentCtx),
		config:      config,
		store:       store,
	}
}

// Issue 为完成配对的客户端签发会话令牌
//
// sharedKey 只取指纹写入声明，原文不落令牌。
func (m *LinkSessionManager) Issue(clientID, sharedKey string) (*LinkSession, error) {
	if clientID == "" {
		return nil, coreerrors.New(coreerrors.CodeInvalidParam, "clientId must not be empty")
	}

	now := time.Now()
	sessionID := uuid.NewString()

	claims := &LinkSessionClaims{
		ClientID:       clientID,
		KeyFingerprint: keyFingerprint(sharedKey),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			Subject:   clientID,
			Audience:  []string{sessionAudience},
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.Expiration)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        sessionID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.SecretKey))
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "sign session token failed")
	}

	return &LinkSession{
		Token:     signed,
		SessionID: sessionID,
		ExpiresAt: now.Add(m.config.Expiration),
	}, nil
}

// Validate 验证会话令牌并返回声明
func (m *LinkSessionManager) Validate(tokenString string) (*LinkSessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &LinkSessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, coreerrors.Newf(coreerrors.CodeInvalidToken, "unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.SecretKey), nil
	},
		jwt.WithAudience(sessionAudience),
		jwt.WithIssuer(m.config.Issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, coreerrors.Wrap(err, coreerrors.CodeTokenExpired, "session token expired")
		}
		return nil, coreerrors.Wrap(err, coreerrors.CodeInvalidToken, "parse session token failed")
	}

	claims, ok := token.Claims.(*LinkSessionClaims)
	if !ok || !token.Valid {
		return nil, coreerrors.New(coreerrors.CodeInvalidToken, "invalid session token")
	}

	revoked, err := m.isRevoked(claims.ID)
	if err == nil && revoked {
		return nil, coreerrors.New(coreerrors.CodeSessionRevoked, "session has been revoked")
	}

	return claims, nil
}

// Revoke 按会话 ID 撤销
//
// 撤销标记的 TTL 与会话有效期一致，之后令牌自然过期，无需长期保留。
func (m *LinkSessionManager) Revoke(sessionID string) error {
	if sessionID == "" {
		return coreerrors.New(coreerrors.CodeInvalidParam, "sessionId must not be empty")
	}
	if err := m.store.Set(revokeKeyPrefix+sessionID, time.Now().Unix(), m.config.Expiration); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to store revocation mark")
	}
	return nil
}

// isRevoked 查询撤销标记
func (m *LinkSessionManager) isRevoked(sessionID string) (bool, error) {
	return m.store.Exists(revokeKeyPrefix + sessionID)
}

// keyFingerprint 计算共享密钥的 SHA-256 指纹（前 16 字节十六进制）
func keyFingerprint(sharedKey string) string {
	sum := sha256.Sum256([]byte(sharedKey))
	return hex.EncodeToString(sum[:16])
}
