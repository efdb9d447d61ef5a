package middleware

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-tunnel/internal/domain"
)

const testSecret = "test-signing-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTVerifierValidToken(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub":  "user-1",
		"tier": "premium",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	identity, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.UserID)
	assert.Equal(t, domain.TierPremium, identity.Tier)
}

func TestJWTVerifierDefaultsToFreeTier(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	token := signToken(t, testSecret, jwt.MapClaims{"sub": "user-1"})

	identity, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, domain.TierFree, identity.Tier)
}

func TestJWTVerifierRejectsBadTokens(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	cases := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", signToken(t, "other-secret", jwt.MapClaims{"sub": "user-1"})},
		{"missing sub", signToken(t, testSecret, jwt.MapClaims{"tier": "premium"})},
		{
			"expired",
			signToken(t, testSecret, jwt.MapClaims{
				"sub": "user-1",
				"exp": time.Now().Add(-time.Hour).Unix(),
			}),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			identity, err := v.Verify(tc.token)
			assert.Nil(t, identity)
			assert.Error(t, err)
		})
	}
}

func TestJWTVerifierRejectsUnsignedAlgorithm(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "user-1"})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	identity, err := v.Verify(signed)
	assert.Nil(t, identity)
	assert.Error(t, err)
}
