package security

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "forumlink-core/internal/core/errors"
	"forumlink-core/internal/core/storage"
)

func newTestSessionManager(t *testing.T, config *LinkSessionConfig) *LinkSessionManager {
	t.Helper()

	if config == nil {
		config = &LinkSessionConfig{SecretKey: "test-secret"}
	}
	store := storage.NewMemoryStorage(context.Background())
	m := NewLinkSessionManager(config, store, context.Background())
	t.Cleanup(func() {
		m.Close()
		store.Close()
	})
	return m
}

func TestLinkSession_IssueAndValidate(t *testing.T) {
	m := newTestSessionManager(t, nil)

	session, err := m.Issue("client-1", "shared-key")
	require.NoError(t, err)
	require.NotEmpty(t, session.Token)
	require.NotEmpty(t, session.SessionID)

	claims, err := m.Validate(session.Token)
	require.NoError(t, err)
	assert.Equal(t, "client-1", claims.ClientID)
	assert.Equal(t, session.SessionID, claims.ID)
	assert.Equal(t, keyFingerprint("shared-key"), claims.KeyFingerprint)
	assert.NotEqual(t, "shared-key", claims.KeyFingerprint, "claims carry a fingerprint, never the key itself")
}

func TestLinkSession_EmptyClientID(t *testing.T) {
	m := newTestSessionManager(t, nil)

	_, err := m.Issue("", "k")
	require.Error(t, err)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeInvalidParam))
}

func TestLinkSession_WrongSecret(t *testing.T) {
	m := newTestSessionManager(t, nil)
	other := newTestSessionManager(t, &LinkSessionConfig{SecretKey: "other-secret"})

	session, err := m.Issue("client-1", "k")
	require.NoError(t, err)

	_, err = other.Validate(session.Token)
	require.Error(t, err)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeInvalidToken))
}

func TestLinkSession_Expired(t *testing.T) {
	m := newTestSessionManager(t, &LinkSessionConfig{
		SecretKey:  "test-secret",
		Expiration: time.Nanosecond,
	})

	session, err := m.Issue("client-1", "k")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = m.Validate(session.Token)
	require.Error(t, err)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeTokenExpired))
}

func TestLinkSession_Revoke(t *testing.T) {
	m := newTestSessionManager(t, nil)

	session, err := m.Issue("client-1", "k")
	require.NoError(t, err)

	_, err = m.Validate(session.Token)
	require.NoError(t, err)

	require.NoError(t, m.Revoke(session.SessionID))

	_, err = m.Validate(session.Token)
	require.Error(t, err)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeSessionRevoked))
}

func TestLinkSession_RejectsUnsignedToken(t *testing.T) {
	m := newTestSessionManager(t, nil)

	// alg=none 的令牌必须被拒绝
	token := jwt.NewWithClaims(jwt.SigningMethodNone, &LinkSessionClaims{
		ClientID: "client-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "forumlink-core",
			Audience:  []string{sessionAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	unsigned, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.Validate(unsigned)
	assert.Error(t, err)
}

func TestLinkSession_WrongAudience(t *testing.T) {
	m := newTestSessionManager(t, nil)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &LinkSessionClaims{
		ClientID: "client-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "forumlink-core",
			Audience:  []string{"some-other-service"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = m.Validate(signed)
	require.Error(t, err)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeInvalidToken))
}
