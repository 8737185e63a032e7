// ABOUTME: Signed agent cookies issued at registration and checked on every heartbeat.
// ABOUTME: HS256 JWTs keyed per server boot, so a restart invalidates every cookie.

package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Cookie errors
var (
	ErrInvalidCookie = errors.New("invalid cookie")
	ErrExpiredCookie = errors.New("cookie expired")
	ErrMissingClaim  = errors.New("missing required claim")
)

// CookieVerifier checks that a cookie was issued to an agent.
type CookieVerifier interface {
	Verify(cookie, agentUUID string) error
}

// CookieIssuer issues and verifies agent cookies.
type CookieIssuer struct {
	secret   []byte
	issuer   string
	lifetime time.Duration
	now      func() time.Time
}

// NewCookieIssuer creates an issuer. A nil secret gets a random per-boot
// key. A zero lifetime means cookies last until the key changes.
func NewCookieIssuer(secret []byte, issuer string, lifetime time.Duration) (*CookieIssuer, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generating cookie key: %w", err)
		}
	}
	return &CookieIssuer{secret: secret, issuer: issuer, lifetime: lifetime, now: time.Now}, nil
}

// Issue creates a new cookie for agentUUID. Every call returns a distinct cookie.
func (c *CookieIssuer) Issue(agentUUID string) (string, error) {
	now := c.now()
	claims := jwt.MapClaims{
		"sub": agentUUID,
		"jti": uuid.New().String(),
		"iss": c.issuer,
		"iat": now.Unix(),
	}
	if c.lifetime > 0 {
		claims["exp"] = now.Add(c.lifetime).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// Verify validates the signature and that the cookie's subject is agentUUID.
func (c *CookieIssuer) Verify(cookie, agentUUID string) error {
	token, err := jwt.Parse(cookie, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(c.now), jwt.WithIssuer(c.issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredCookie
		}
		return fmt.Errorf("%w: %v", ErrInvalidCookie, err)
	}
	if !token.Valid {
		return ErrInvalidCookie
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ErrInvalidCookie
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if sub != agentUUID {
		return fmt.Errorf("%w: issued to another agent", ErrInvalidCookie)
	}
	return nil
}
