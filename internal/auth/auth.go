// Package auth supplies the bearer credential used to open a voice session.
//
// The session layer only needs two answers: the current token and whether
// the user counts as signed in. Tokens are opaque to the server handshake,
// but when a token is a JWT its claims are read (without verification) to
// recover the user ID and display name sent in the session config message.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// ErrNoCredential is returned by [Credentials.Token] when no token is
// available.
var ErrNoCredential = errors.New("auth: no credential available")

// Credentials is the identity collaborator consumed by the session layer.
type Credentials interface {
	// Token returns the current bearer token or [ErrNoCredential].
	Token() (string, error)

	// Authenticated reports whether a usable credential is present.
	Authenticated() bool
}

// TokenFunc adapts a function returning the current token to [Credentials].
// An empty string means signed out.
type TokenFunc func() string

var _ Credentials = TokenFunc(nil)

// Token implements [Credentials].
func (f TokenFunc) Token() (string, error) {
	if f == nil {
		return "", ErrNoCredential
	}
	tok := strings.TrimSpace(f())
	if tok == "" {
		return "", ErrNoCredential
	}
	return tok, nil
}

// Authenticated implements [Credentials]. A JWT whose exp claim has passed
// is treated as signed out; opaque tokens count as signed in.
func (f TokenFunc) Authenticated() bool {
	tok, err := f.Token()
	if err != nil {
		return false
	}
	id, err := ParseIdentity(tok)
	if err != nil {
		return true
	}
	return !id.Expired(time.Now())
}

// Static returns credentials that always yield token.
func Static(token string) TokenFunc {
	return func() string { return token }
}

// Env returns credentials that read the named environment variable on every
// call, so a rotated token is picked up by the next connect.
func Env(name string) TokenFunc {
	return func() string { return os.Getenv(name) }
}

// FromConfig picks the credential source for a configured token and token
// environment variable. The literal token wins when both are set.
func FromConfig(token, tokenEnv string) TokenFunc {
	if token != "" {
		return Static(token)
	}
	if tokenEnv != "" {
		return Env(tokenEnv)
	}
	return Static("")
}

// ── Identity ──────────────────────────────────────────────────────────────────

// Identity is what the client knows about the signed-in user.
type Identity struct {
	UserID    string
	Name      string
	ExpiresAt time.Time // zero when the token carries no exp claim
}

// Expired reports whether the identity's token has expired at now.
func (id Identity) Expired(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && !now.Before(id.ExpiresAt)
}

// ParseIdentity reads the claims of a JWT without verifying its signature.
// The server verifies the token; the client only needs the display fields.
// The user ID is taken from "userId", "uid" or "sub", in that order; the
// name from "name" or "displayName".
func ParseIdentity(token string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("auth: parse token claims: %w", err)
	}

	id := Identity{
		UserID: firstString(claims, "userId", "uid", "sub"),
		Name:   firstString(claims, "name", "displayName"),
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Identity{}, fmt.Errorf("auth: parse token claims: %w", err)
	}
	if exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id, nil
}

func firstString(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		if s, ok := claims[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
