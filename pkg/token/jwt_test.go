package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerify(t *testing.T) {
	m := NewJWTManager("secret", "ai-chatbot")
	tok, err := m.GenerateToken("tenant-1", "user-9", time.Hour)
	require.NoError(t, err)

	claims, err := m.VerifyToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, "user-9", claims.UserID)
}

func TestVerify_Rejects(t *testing.T) {
	m := NewJWTManager("secret", "ai-chatbot")

	expired, err := m.GenerateToken("t1", "", -time.Minute)
	require.NoError(t, err)
	_, err = m.VerifyToken(expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	foreign, err := NewJWTManager("other-secret", "ai-chatbot").GenerateToken("t1", "", time.Hour)
	require.NoError(t, err)
	_, err = m.VerifyToken(foreign)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)

	wrongIssuer, err := NewJWTManager("secret", "someone-else").GenerateToken("t1", "", time.Hour)
	require.NoError(t, err)
	_, err = m.VerifyToken(wrongIssuer)
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidIssuer)

	noTenant, err := m.GenerateToken("", "u1", time.Hour)
	require.NoError(t, err)
	_, err = m.VerifyToken(noTenant)
	assert.ErrorIs(t, err, ErrMissingTenant)

	_, err = m.VerifyToken("not-a-jwt")
	assert.Error(t, err)
}

func TestVerify_RejectsUnexpectedAlgorithm(t *testing.T) {
	m := NewJWTManager("secret", "")
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, TenantClaims{TenantID: "t1"}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = m.VerifyToken(tok)
	assert.Error(t, err)
}
