package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Context keys set by JWTAuth.
const (
	ctxUserID = "user_id"
	ctxRole   = "role"
)

// Principal is the authenticated caller carried by an access token.
type Principal struct {
	UserID uint64
	Role   string
}

var errInvalidToken = errors.New("invalid token")

// ParseToken verifies an HS256 access token and returns its principal.
// The subject may be encoded as a JSON number or a decimal string.
func ParseToken(secret, raw string) (Principal, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return Principal{}, errInvalidToken
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, errInvalidToken
	}

	var id uint64
	switch sub := claims["sub"].(type) {
	case float64:
		if sub > 0 {
			id = uint64(sub)
		}
	case string:
		id, _ = strconv.ParseUint(sub, 10, 64)
	}
	if id == 0 {
		return Principal{}, errInvalidToken
	}
	role, _ := claims["role"].(string)
	return Principal{UserID: id, Role: strings.ToUpper(role)}, nil
}

// BearerToken returns the token of an "Authorization: Bearer" header, or
// "" when the header is missing or uses another scheme.
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

// JWTAuth validates the bearer access token and stores the caller's id
// and role in the context for UserID and Role.
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := BearerToken(c.Request())
			if raw == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			p, err := ParseToken(secret, raw)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}
			c.Set(ctxUserID, p.UserID)
			c.Set(ctxRole, p.Role)
			return next(c)
		}
	}
}

// UserID returns the authenticated user id, or false for anonymous
// requests.
func UserID(c echo.Context) (uint64, bool) {
	id, ok := c.Get(ctxUserID).(uint64)
	return id, ok && id != 0
}

// Role returns the authenticated role, upper-cased, or "".
func Role(c echo.Context) string {
	r, _ := c.Get(ctxRole).(string)
	return r
}

// subject is the user part of rate limit and cache keys.
func subject(c echo.Context) string {
	if id, ok := UserID(c); ok {
		return strconv.FormatUint(id, 10)
	}
	return "anon"
}
