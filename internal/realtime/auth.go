package realtime

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/petervdpas/goopcall/internal/util"
)

// UserHeader identifies the connecting user when the relay runs without a
// JWT secret.
const UserHeader = "X-Goopcall-User"

var ErrUnauthorized = errors.New("unauthorized")

// Authenticator resolves the user behind an upgrade request.
type Authenticator func(r *http.Request) (string, error)

// MintToken issues an HS256 token whose subject is userID.
func MintToken(secret, userID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("empty jwt secret")
	}
	userID, err := util.ValidateUserID(userID)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken verifies tok and returns its subject.
func ParseToken(secret, tok string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return claims.Subject, nil
}

// JWTAuth accepts "Authorization: Bearer <token>" signed with secret.
func JWTAuth(secret string) Authenticator {
	return func(r *http.Request) (string, error) {
		h := r.Header.Get("Authorization")
		tok, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || tok == "" {
			return "", fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
		}
		return ParseToken(secret, tok)
	}
}

// HeaderAuth trusts the UserHeader. Only meant for local development relays.
func HeaderAuth() Authenticator {
	return func(r *http.Request) (string, error) {
		id, err := util.ValidateUserID(r.Header.Get(UserHeader))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return id, nil
	}
}
