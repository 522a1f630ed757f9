package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"shardsql/internal/types"
)

// Authenticator validates a bearer token into an AuthContext. The core
// treats authentication as an external collaborator behind this seam.
type Authenticator interface {
	Authenticate(token string) (*types.AuthContext, error)
}

// JWTAuthenticator validates HMAC-signed JWTs carrying tenant identity.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator builds the validator from the shared secret.
func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

type claims struct {
	TenantID    string   `json:"tenantId"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Authenticate parses and verifies the token. Expired tokens surface as
// AUTH_TOKEN_EXPIRED; every other verification failure as
// AUTH_INVALID_TOKEN.
func (a *JWTAuthenticator) Authenticate(token string) (*types.AuthContext, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, types.NewError(types.CodeAuthInvalidToken, "missing bearer token")
	}
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.WrapError(types.CodeAuthTokenExpired, "token expired", err)
		}
		return nil, types.WrapError(types.CodeAuthInvalidToken, "token verification failed", err)
	}
	if !parsed.Valid || c.TenantID == "" {
		return nil, types.NewError(types.CodeAuthInvalidToken, "token carries no tenant")
	}
	sum := sha256.Sum256([]byte(token))
	return &types.AuthContext{
		TenantID:    c.TenantID,
		UserID:      c.Subject,
		Permissions: c.Permissions,
		TokenHash:   hex.EncodeToString(sum[:8]),
	}, nil
}

// IssueToken signs a token for the tenant; used by tests and the dev CLI.
func (a *JWTAuthenticator) IssueToken(tenantID, userID string, permissions []string) (string, error) {
	c := claims{
		TenantID:    tenantID,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: userID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
}
