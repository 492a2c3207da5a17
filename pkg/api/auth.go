package api

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const principalKey = "principal_id"

// tokenKeyInfo binds the derived signing key to API bearer tokens.
const tokenKeyInfo = "ecology-api-token-v1"

// Authenticator validates HS256 bearer tokens. The token subject is the
// principal the request acts as.
type Authenticator struct {
	secret []byte
	clock  func() time.Time
}

// NewAuthenticator returns nil for an empty secret, which disables auth.
// Tokens are signed with a key derived from secret by HKDF-SHA256, not with
// the configured secret itself.
func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{secret: deriveTokenKey(secret), clock: time.Now}
}

func deriveTokenKey(secret string) []byte {
	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, []byte(secret), []byte("ecology-kdf"), []byte(tokenKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF-SHA256 can produce up to 255*32 bytes.
		panic(err)
	}
	return key
}

// Issue signs a token for subject. A zero ttl issues a token without expiry.
func (a *Authenticator) Issue(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("api: token subject is required")
	}
	now := a.clock()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses tokenStr and returns its subject.
func (a *Authenticator) Validate(tokenStr string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock),
	)
	if err != nil {
		return "", fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("token subject is required")
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// subject under principalKey.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			WriteUnauthorized(c, "Missing Authorization header")
			return
		}
		scheme, tokenStr, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || tokenStr == "" {
			WriteUnauthorized(c, "Invalid Authorization header format (expected 'Bearer <token>')")
			return
		}
		subject, err := a.Validate(strings.TrimSpace(tokenStr))
		if err != nil {
			WriteUnauthorized(c, "Invalid or expired token")
			return
		}
		c.Set(principalKey, subject)
		c.Next()
	}
}
