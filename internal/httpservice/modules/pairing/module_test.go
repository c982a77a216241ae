package pairing

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forumlink-core/internal/cache"
	"forumlink-core/internal/core/storage"
	"forumlink-core/internal/httpservice"
	"forumlink-core/internal/security"
)

// fakeForum 测试用论坛后端
type fakeForum struct {
	fetches int
	fail    bool
}

func (f *fakeForum) Fetch(_ context.Context, resource string) ([]byte, error) {
	f.fetches++
	if f.fail {
		return nil, fmt.Errorf("backend down")
	}
	return []byte(fmt.Sprintf(`{"resource":%q}`, resource)), nil
}

type testEnv struct {
	router *mux.Router
	forum  *fakeForum
	deps   *httpservice.ModuleDependencies
}

func newTestEnv(t *testing.T, limiterConfig *security.RateLimiterConfig) *testEnv {
	t.Helper()

	ctx := context.Background()
	store := storage.NewMemoryStorage(ctx)
	t.Cleanup(func() { store.Close() })

	if limiterConfig == nil {
		limiterConfig = &security.RateLimiterConfig{
			RequestsPerSecond: 1000,
			Strategy:          security.StrategyPerActionClient,
		}
	}

	nonces := security.NewNonceManager(&security.NonceManagerConfig{
		TTL:          time.Minute,
		MaxPerClient: 5,
		MaxTotal:     100,
	}, ctx)
	limiter := security.NewRateLimiter(limiterConfig, ctx)
	sessions := security.NewLinkSessionManager(&security.LinkSessionConfig{SecretKey: "test-secret"}, store, ctx)
	responseCache := cache.NewResponseCache[[]byte](cache.Config{MaxSize: 16, TTL: time.Minute}, ctx)
	t.Cleanup(func() {
		nonces.Close()
		limiter.Close()
		sessions.Close()
		responseCache.Close()
	})

	forum := &fakeForum{}
	deps := &httpservice.ModuleDependencies{
		Nonces:        nonces,
		Crypto:        security.NewCryptoService(nil, nil),
		Limiter:       limiter,
		ReplayGuard:   security.NewReplayGuard(store, time.Minute),
		Sessions:      sessions,
		ResponseCache: responseCache,
		Storage:       store,
		Forum:         forum,
	}

	module := NewPairingModule(ctx, &PairingModuleConfig{LinkBaseURL: "https://forum.example.com"})
	module.SetDependencies(deps)
	t.Cleanup(func() { module.Stop() })

	router := mux.NewRouter()
	module.RegisterRoutes(router)

	return &testEnv{router: router, forum: forum, deps: deps}
}

func (e *testEnv) postJSON(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// decodeData 解出统一响应结构中的 data 字段
func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.True(t, envelope.Success, "unexpected error response: %s", envelope.Error)
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

// encryptSharedKey 用 start 响应里的公钥加密共享密钥
func encryptSharedKey(t *testing.T, publicKeyPEM, sharedKey string) string {
	t.Helper()

	block, _ := pem.Decode([]byte(publicKeyPEM))
	require.NotNil(t, block)
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]string{"key": sharedKey})
	require.NoError(t, err)

	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub.(*rsa.PublicKey), body)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(ciphertext)
}

func startPairing(t *testing.T, env *testEnv, clientID string) linkStartResponse {
	t.Helper()

	rec := env.postJSON(t, "/api/v1/link/start", linkStartRequest{ClientID: clientID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp linkStartResponse
	decodeData(t, rec, &resp)
	require.NotEmpty(t, resp.Nonce)
	require.NotEmpty(t, resp.PublicKey)
	return resp
}

func TestPairing_FullFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	start := startPairing(t, env, "client-1")
	assert.Contains(t, start.LinkURL, "https://forum.example.com/link?nonce=")
	assert.True(t, start.ExpiresAt.After(time.Now()))

	payload := encryptSharedKey(t, start.PublicKey, "shared-secret")
	rec := env.postJSON(t, "/api/v1/link/finish", linkFinishRequest{
		Nonce:    start.Nonce,
		ClientID: "client-1",
		Payload:  payload,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var session security.LinkSession
	decodeData(t, rec, &session)
	require.NotEmpty(t, session.Token)

	// 配对完成后 nonce 不可复用
	rec = env.postJSON(t, "/api/v1/link/finish", linkFinishRequest{
		Nonce:    start.Nonce,
		ClientID: "client-1",
		Payload:  payload,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), genericPairingError)

	// 会话令牌可读取论坛资源：首次 MISS，再次 HIT
	rec = env.get(t, "/api/v1/forum/topics/42", session.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))

	rec = env.get(t, "/api/v1/forum/topics/42", session.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, 1, env.forum.fetches, "second read must come from cache")
}

func TestPairing_StartValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.postJSON(t, "/api/v1/link/start", linkStartRequest{ClientID: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/link/start", bytes.NewReader([]byte("{not json")))
	out := httptest.NewRecorder()
	env.router.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
}

func TestPairing_FinishRejectsUnknownNonce(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.postJSON(t, "/api/v1/link/finish", linkFinishRequest{
		Nonce:    "no-such-nonce",
		ClientID: "client-1",
		Payload:  base64.StdEncoding.EncodeToString(make([]byte, 64)),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), genericPairingError)
}

func TestPairing_FinishRejectsWrongClient(t *testing.T) {
	env := newTestEnv(t, nil)

	start := startPairing(t, env, "client-1")
	payload := encryptSharedKey(t, start.PublicKey, "k")

	rec := env.postJSON(t, "/api/v1/link/finish", linkFinishRequest{
		Nonce:    start.Nonce,
		ClientID: "client-2",
		Payload:  payload,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), genericPairingError)
}

func TestPairing_FinishRejectsBadPayload(t *testing.T) {
	env := newTestEnv(t, nil)

	start := startPairing(t, env, "client-1")

	rec := env.postJSON(t, "/api/v1/link/finish", linkFinishRequest{
		Nonce:    start.Nonce,
		ClientID: "client-1",
		Payload:  base64.StdEncoding.EncodeToString(make([]byte, 128)),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	// 解密失败与 nonce 失效对外不可区分
	assert.Contains(t, rec.Body.String(), genericPairingError)
}

func TestPairing_RateLimit(t *testing.T) {
	env := newTestEnv(t, &security.RateLimiterConfig{
		RequestsPerSecond: 1,
		Strategy:          security.StrategyPerActionClient,
	})

	startPairing(t, env, "client-1")

	rec := env.postJSON(t, "/api/v1/link/start", linkStartRequest{ClientID: "client-1"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "retryAfterMs")

	// 其他客户端不受影响
	startPairing(t, env, "client-2")
}

func TestPairing_ForumReadRequiresSession(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.get(t, "/api/v1/forum/topics/1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.get(t, "/api/v1/forum/topics/1", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPairing_ForumBackendFailure(t *testing.T) {
	env := newTestEnv(t, nil)

	start := startPairing(t, env, "client-1")
	payload := encryptSharedKey(t, start.PublicKey, "k")
	rec := env.postJSON(t, "/api/v1/link/finish", linkFinishRequest{
		Nonce:    start.Nonce,
		ClientID: "client-1",
		Payload:  payload,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var session security.LinkSession
	decodeData(t, rec, &session)

	env.forum.fail = true
	rec = env.get(t, "/api/v1/forum/topics/1", session.Token)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestPairing_Stats(t *testing.T) {
	env := newTestEnv(t, nil)

	startPairing(t, env, "client-1")
	startPairing(t, env, "client-2")

	rec := env.get(t, "/api/v1/link/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		ActiveNonces     int         `json:"activeNonces"`
		RateLimitBuckets int         `json:"rateLimitBuckets"`
		Cache            cache.Stats `json:"cache"`
	}
	decodeData(t, rec, &stats)
	assert.Equal(t, 2, stats.ActiveNonces)
	assert.Greater(t, stats.RateLimitBuckets, 0)
}
