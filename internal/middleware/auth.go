package middleware

import (
	"fmt"

	"llm-tunnel/internal/domain"

	"github.com/golang-jwt/jwt/v4"
)

// JWTVerifier implements domain.IdentityVerifier with an HMAC-signed
// bearer token. Token issuance lives outside this service; the gateway
// only consumes the verdict: valid or not, user id and tier.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for the shared signing secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates the token, returning the caller's identity.
func (v *JWTVerifier) Verify(token string) (*domain.Identity, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	userID, _ := claims["sub"].(string)
	if userID == "" {
		return nil, fmt.Errorf("token missing sub claim")
	}

	tier := domain.TierFree
	if raw, ok := claims["tier"].(string); ok && raw != "" {
		tier = domain.Tier(raw)
	}

	return &domain.Identity{UserID: userID, Tier: tier}, nil
}
