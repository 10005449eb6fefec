package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	apperrors "ledgerwatch.io/ledgerwatch/internal/pkg/errors"
)

const (
	defaultTokenTTL = time.Hour
	clockLeeway     = 30 * time.Second
)

// JWTClaims are the claims of an API bearer token. Subject is the user id.
type JWTClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTConfig signs and verifies HS256 bearer tokens.
type JWTConfig struct {
	SigningKey []byte
	Issuer     string
	ExpiresIn  time.Duration
}

// Enabled reports whether tokens can be verified.
func (cfg JWTConfig) Enabled() bool {
	return len(cfg.SigningKey) > 0
}

// GenerateToken signs a token for userID carrying roles.
func GenerateToken(cfg JWTConfig, userID string, roles []string) (string, time.Time, error) {
	ttl := cfg.ExpiresIn
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}).SignedString(cfg.SigningKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ParseToken verifies raw and returns its claims. Tokens without an expiry
// or a subject are rejected.
func (cfg JWTConfig) ParseToken(raw string) (*JWTClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockLeeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	claims := &JWTClaims{}
	if _, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return cfg.SigningKey, nil
	}); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// bearerToken extracts the token from an Authorization header value.
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Authenticate records the caller from a bearer token when one is sent.
// Requests without a token stay anonymous; a token that fails verification
// is rejected with 401 on every route.
func Authenticate(cfg JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !cfg.Enabled() {
			c.Next()
			return
		}

		raw, ok := bearerToken(header)
		if !ok {
			Fail(c, apperrors.Unauthorized(apperrors.CodeUnauthorized, "invalid authorization header format"))
			return
		}
		claims, err := cfg.ParseToken(raw)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			Fail(c, apperrors.Unauthorized(apperrors.CodeUnauthorized, msg))
			return
		}

		c.Request = c.Request.WithContext(SetUserContext(c.Request.Context(), claims.Subject, claims.Roles))
		c.Next()
	}
}

// RequireAuth rejects requests that Authenticate left anonymous.
func RequireAuth() gin.HandlerFunc {
	return RequireRole()
}
