package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/pactdesk/collab/internal/errors"
)

// Claims carries the role alongside the registered JWT claims. The subject
// is the user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 bearer tokens issued by the external auth
// service.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier builds a verifier with the given shared secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(token string) (*Identity, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, apperrors.New(apperrors.ErrAuthFailed, "verifier not configured")
	}
	if strings.TrimSpace(token) == "" {
		return nil, apperrors.New(apperrors.ErrAuthFailed, "missing credential")
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrAuthFailed, "invalid token", err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, apperrors.New(apperrors.ErrAuthFailed, "invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, apperrors.New(apperrors.ErrAuthFailed, "token missing subject")
	}

	return &Identity{
		UserID: claims.Subject,
		Role:   claims.Role,
	}, nil
}

// Sign issues a token for the given identity. Exposed for tests and local
// development; production tokens come from the external auth service.
func (v *JWTVerifier) Sign(identity *Identity, expiry time.Duration) (string, error) {
	claims := Claims{
		Role: identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
