package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt"
	"golang.org/x/crypto/bcrypt"
)

const (
	bearerPrefix   = "Bearer "
	tokenQueryKey  = "token"
	adminKeyHeader = "X-Admin-Key"
)

type contextKey string

const userIdKey contextKey = "user-id"

func WithUserId(ctx context.Context, userId string) context.Context {
	return context.WithValue(ctx, userIdKey, userId)
}

func UserId(ctx context.Context) (string, bool) {
	userId, ok := ctx.Value(userIdKey).(string)

	return userId, ok && userId != ""
}

// bearerToken returns the token from the Authorization header, falling back
// to the token query parameter since browsers cannot set headers on a
// websocket upgrade.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	}
	return r.URL.Query().Get(tokenQueryKey)
}

func verifyToken(tokenString string, signingKey []byte) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Header["alg"])
		}
		return signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// claimString resolves a dotted claim path such as "user.id" and returns
// its value as a string. Numeric ids are formatted without a fraction.
func claimString(claims jwt.MapClaims, path string) (string, bool) {
	var cur any = map[string]interface{}(claims)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return "", false
		}
		if cur, ok = m[part]; !ok {
			return "", false
		}
	}

	switch v := cur.(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	}
	return "", false
}

func (s *ChatApp) userIdFromRequest(r *http.Request) (string, error) {
	tokenString := bearerToken(r)
	if tokenString == "" {
		return "", errors.New("missing token")
	}

	claims, err := verifyToken(tokenString, s.signingKey)
	if err != nil {
		return "", err
	}

	userId, ok := claimString(claims, s.userIdClaim)
	if !ok {
		return "", fmt.Errorf("missing %q claim", s.userIdClaim)
	}

	return userId, nil
}

func verifyAdminKey(hash []byte, key string) bool {
	if len(hash) == 0 || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(key)) == nil
}
