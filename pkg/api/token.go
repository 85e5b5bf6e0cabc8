package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer token for a request. An empty token
// sends no Authorization header.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Expired reports whether token is a JWT whose exp is at or before at.
// The signature is not checked; the server does that. Opaque tokens and
// tokens without exp never expire.
func Expired(token string, at time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !at.Before(exp.Time)
}

// RefreshingToken caches a token and calls refresh when it is missing or
// about to expire.
type RefreshingToken struct {
	mu      sync.Mutex
	current string
	refresh func(ctx context.Context) (string, error)
	leeway  time.Duration
	now     func() time.Time
}

// NewRefreshingToken creates a source seeded with initial, which may be
// empty. Tokens within leeway of their expiry are refreshed.
func NewRefreshingToken(initial string, leeway time.Duration, refresh func(ctx context.Context) (string, error)) *RefreshingToken {
	return &RefreshingToken{current: initial, refresh: refresh, leeway: leeway, now: time.Now}
}

// Token implements TokenSource.
func (t *RefreshingToken) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != "" && !Expired(t.current, t.now().Add(t.leeway)) {
		return t.current, nil
	}
	tok, err := t.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	t.current = tok
	return tok, nil
}
