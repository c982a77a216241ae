package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"

	coreerrors "forumlink-core/internal/core/errors"
)

// CryptoService 配对握手的非对称加解密服务
//
// 职责：
//   - 为每次握手生成一次性 RSA 密钥对（SPKI 公钥 / PKCS8 私钥，PEM 编码）
//   - 对调用方提交的加密载荷执行严格的逐级校验解密管线
//
// 设计：
//   - 解密原语通过 DecryptFunc 注入，填充方式/算法实现可替换，
//     校验管线本身不感知具体实现
//   - 每级校验失败关闭（fail closed），错误信息各自独立、可区分，
//     便于运维排查；对外暴露时由路由层折叠为统一的模糊响应
type CryptoService struct {
	config  *CryptoServiceConfig
	decrypt DecryptFunc
}

// DecryptFunc 可插拔的解密原语
type DecryptFunc func(ciphertext []byte, privateKeyPEM string) ([]byte, error)

// CryptoServiceConfig 加解密服务配置
type CryptoServiceConfig struct {
	KeyBits            int // RSA 模数位数（默认 2048）
	MinCiphertextBytes int // 解码后密文长度下限（默认 64）
	MaxCiphertextBytes int // 解码后密文长度上限（默认 1024）
}

// DefaultCryptoServiceConfig 默认配置
//
// 密文长度窗口用于在调用非对称原语之前拦截明显伪造的输入，
// 同时给最坏情况的解密开销设置上限。
func DefaultCryptoServiceConfig() *CryptoServiceConfig {
	return &CryptoServiceConfig{
		KeyBits:            2048,
		MinCiphertextBytes: 64,
		MaxCiphertextBytes: 1024,
	}
}

// KeyPair PEM 编码的密钥对
type KeyPair struct {
	PublicKeyPEM  string
	PrivateKeyPEM string
}

// NewCryptoService 创建加解密服务
//
// decrypt 为 nil 时使用默认的 RSA PKCS#1 v1.5 实现。
func NewCryptoService(config *CryptoServiceConfig, decrypt DecryptFunc) *CryptoService {
	if config == nil {
		config = DefaultCryptoServiceConfig()
	}
	if config.KeyBits <= 0 {
		config.KeyBits = 2048
	}
	if config.MinCiphertextBytes <= 0 {
		config.MinCiphertextBytes = 64
	}
	if config.MaxCiphertextBytes <= 0 {
		config.MaxCiphertextBytes = 1024
	}
	if decrypt == nil {
		decrypt = RSADecryptPKCS1v15
	}

	return &CryptoService{
		config:  config,
		decrypt: decrypt,
	}
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 密钥对生成
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// GenerateKeyPair 生成新的 RSA 密钥对
//
// 同步、CPU 密集；失败以类型化错误返回而非 panic。
func (s *CryptoService) GenerateKeyPair() (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, s.config.KeyBits)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeKeygenFailed, "failed to generate RSA key")
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeKeygenFailed, "failed to marshal private key")
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeKeygenFailed, "failed to marshal public key")
	}

	return &KeyPair{
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
	}, nil
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 解密管线
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// payloadBody 解密后的载荷结构
type payloadBody struct {
	Key string `json:"key"`
}

// DecryptPayload 校验并解密配对载荷，返回其中的密钥字符串
//
// 管线各级独立失败：
//  1. 去除空白后校验 base64 编码与编码长度上限
//  2. 解码后校验密文长度窗口 [min, max]
//  3. 通过注入的解密原语解密（含空结果在内的任何失败都视为密文非法）
//  4. 解析 UTF-8 JSON
//  5. 要求非空字符串字段 key，返回去除首尾空白后的值
func (s *CryptoService) DecryptPayload(payload, privateKeyPEM string) (string, error) {
	stripped := stripWhitespace(payload)
	if stripped == "" {
		return "", coreerrors.New(coreerrors.CodeInvalidPayload, "invalid base64 payload: empty")
	}

	maxEncoded := base64.StdEncoding.EncodedLen(s.config.MaxCiphertextBytes)
	if len(stripped) > maxEncoded {
		return "", coreerrors.Newf(coreerrors.CodeInvalidPayload,
			"invalid base64 payload: exceeds maximum encoded length %d", maxEncoded)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(stripped)
	if err != nil {
		return "", coreerrors.Wrap(err, coreerrors.CodeInvalidPayload, "invalid base64 payload")
	}

	if len(ciphertext) < s.config.MinCiphertextBytes || len(ciphertext) > s.config.MaxCiphertextBytes {
		return "", coreerrors.New(coreerrors.CodeInvalidPayload, "invalid ciphertext: unexpected length")
	}

	plaintext, err := s.decrypt(ciphertext, privateKeyPEM)
	if err != nil {
		return "", coreerrors.Wrapf(err, coreerrors.CodeDecryptFailed, "invalid ciphertext")
	}
	if len(plaintext) == 0 {
		return "", coreerrors.New(coreerrors.CodeDecryptFailed, "invalid ciphertext: empty plaintext")
	}

	var body payloadBody
	if err := json.Unmarshal(plaintext, &body); err != nil {
		return "", coreerrors.Wrap(err, coreerrors.CodeDecryptFailed, "invalid JSON")
	}

	key := strings.TrimSpace(body.Key)
	if key == "" {
		return "", coreerrors.New(coreerrors.CodeDecryptFailed, "Decryption produced empty result")
	}

	return key, nil
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 默认解密原语
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// RSADecryptPKCS1v15 默认的 RSA PKCS#1 v1.5 解密实现
func RSADecryptPKCS1v15(ciphertext []byte, privateKeyPEM string) ([]byte, error) {
	key, err := ParseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return rsa.DecryptPKCS1v15(nil, key, ciphertext)
}

// ParseRSAPrivateKey 解析 PEM 编码的 RSA 私钥（PKCS8 优先，兼容 PKCS1）
func ParseRSAPrivateKey(privateKeyPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		return rsaKey, nil
	}

	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

// stripWhitespace 去除载荷中的所有空白字符
func stripWhitespace(s string) string {
	return strings.Join(strings.Fields(s), "")
}
