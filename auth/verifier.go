// Package auth verifies the credential a client presents when it opens an
// event bus session.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

const defaultKeyCacheTTL = 15 * time.Minute

var (
	ErrNoKeys       = errors.New("auth: no signing keys configured")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Config selects how tokens are verified. SharedSecret switches to HS256,
// which is meant for local development; otherwise RS256 keys come from
// JWKSJSON or JWKSURL.
type Config struct {
	SharedSecret string
	JWKSURL      string
	JWKSJSON     []byte
	Audience     string
	Issuer       string
	KeyCacheTTL  time.Duration
}

// Identity is the authenticated user behind a token.
type Identity struct {
	UserID string
	Name   string
	Avatar string
	Token  string
}

// User returns the identity as a board user.
func (i Identity) User() domain.User {
	return domain.User{ID: i.UserID, Name: i.Name, Avatar: i.Avatar}
}

// Verifier validates tokens and extracts identities.
type Verifier struct {
	jwks     *keyfunc.JWKS
	secret   []byte
	audience string
	issuer   string
	parser   *jwt.Parser
	now      func() time.Time

	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewVerifier builds a Verifier. With JWKSURL set, keys are fetched now and
// refreshed in the background until Close.
func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{audience: cfg.Audience, issuer: cfg.Issuer, now: time.Now, keyCacheTTL: cfg.KeyCacheTTL}
	if v.keyCacheTTL <= 0 {
		v.keyCacheTTL = defaultKeyCacheTTL
	}
	switch {
	case cfg.SharedSecret != "":
		v.secret = []byte(cfg.SharedSecret)
		v.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
		return v, nil
	case len(cfg.JWKSJSON) > 0:
		jwks, err := keyfunc.NewJSON(json.RawMessage(cfg.JWKSJSON))
		if err != nil {
			return nil, fmt.Errorf("parse jwks: %w", err)
		}
		v.jwks = jwks
	case cfg.JWKSURL != "":
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			RefreshInterval:   time.Hour,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				log.WithError(err).Warn("refresh jwks")
			},
		})
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
		v.jwks = jwks
	default:
		return nil, ErrNoKeys
	}
	v.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	return v, nil
}

// Close stops the background JWKS refresh.
func (v *Verifier) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}

// Verify parses token and returns the identity it carries.
func (v *Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	parsed, err := v.parser.Parse(token, v.keyFor)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}

	now := v.now().Add(time.Minute).Unix()
	switch {
	case !claims.VerifyExpiresAt(now, true):
		return Identity{}, fmt.Errorf("%w: token expired", ErrInvalidToken)
	case !claims.VerifyNotBefore(now, false):
		return Identity{}, fmt.Errorf("%w: token not valid yet", ErrInvalidToken)
	case !claims.VerifyIssuedAt(now, false):
		return Identity{}, fmt.Errorf("%w: token used before issued", ErrInvalidToken)
	case v.audience != "" && !claims.VerifyAudience(v.audience, true):
		return Identity{}, fmt.Errorf("%w: invalid audience", ErrInvalidToken)
	case v.issuer != "" && !claims.VerifyIssuer(v.issuer, true):
		return Identity{}, fmt.Errorf("%w: invalid issuer", ErrInvalidToken)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	id := Identity{UserID: sub, Token: token}
	id.Name, _ = claims["name"].(string)
	if id.Name == "" {
		id.Name, _ = claims["nickname"].(string)
	}
	id.Avatar, _ = claims["picture"].(string)
	return id, nil
}

func (v *Verifier) keyFor(t *jwt.Token) (any, error) {
	if v.secret != nil {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return v.secret, nil
	}
	if v.jwks == nil {
		return nil, ErrNoKeys
	}

	kid, _ := t.Header["kid"].(string)
	if kid != "" {
		if cached, ok := v.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if v.now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			v.keyCache.Delete(kid)
		}
	}
	key, err := v.jwks.Keyfunc(t)
	if err != nil {
		return nil, err
	}
	if kid != "" {
		v.keyCache.Store(kid, cachedKey{key: key, expiresAt: v.now().Add(v.keyCacheTTL)})
	}
	return key, nil
}
