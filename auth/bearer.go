package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	ErrMissingAuthorization = errors.New("missing authorization header")
	ErrBadAuthorization     = errors.New("bad auth header")
)

const bearerPrefix = "Bearer "

// BearerFromHeader extracts the token of an Authorization: Bearer header.
func BearerFromHeader(header http.Header) (string, error) {
	values := header.Values(echo.HeaderAuthorization)
	if len(values) == 0 {
		return "", ErrMissingAuthorization
	}
	return BearerFromString(values[0])
}

// BearerFromString accepts "Bearer <jwt>" with surrounding spaces.
func BearerFromString(raw string) (string, error) {
	trimmed := strings.Trim(raw, " ")
	if trimmed == "" {
		return "", ErrMissingAuthorization
	}
	if len(trimmed) <= len(bearerPrefix) || !strings.HasPrefix(trimmed, bearerPrefix) {
		return "", ErrBadAuthorization
	}
	token := trimmed[len(bearerPrefix):]
	if strings.Count(token, ".") != 2 {
		return "", ErrBadAuthorization
	}
	return token, nil
}

// Normalize strips an optional Bearer prefix so configured tokens may be
// written either way.
func Normalize(token string) string {
	token = strings.TrimSpace(token)
	return strings.TrimSpace(strings.TrimPrefix(token, bearerPrefix))
}
