// Package auth resolves bearer tokens to user ids.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/michaelbrown/pocket/internal/errdefs"
)

// Validator resolves a token to the id of the user it was issued to.
type Validator interface {
	Validate(ctx context.Context, token string) (userID string, err error)
}

type tokenEntry struct {
	digest [32]byte
	user   string
}

// StaticTokens validates tokens against a fixed token -> user table.
type StaticTokens struct {
	entries []tokenEntry
}

// NewStaticTokens builds a validator from a token -> user map. Empty
// tokens and users are rejected.
func NewStaticTokens(tokens map[string]string) (*StaticTokens, error) {
	v := &StaticTokens{}
	for token, user := range tokens {
		if strings.TrimSpace(token) == "" || strings.TrimSpace(user) == "" {
			return nil, fmt.Errorf("%w: token and user must be non-empty", errdefs.ErrInvalidConfig)
		}
		v.entries = append(v.entries, tokenEntry{digest: sha256.Sum256([]byte(token)), user: user})
	}
	return v, nil
}

// Validate compares against every entry in constant time.
func (v *StaticTokens) Validate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("missing token: %w", errdefs.ErrUnauthorized)
	}
	digest := sha256.Sum256([]byte(token))

	user := ""
	for _, e := range v.entries {
		if subtle.ConstantTimeCompare(digest[:], e.digest[:]) == 1 {
			user = e.user
		}
	}
	if user == "" {
		return "", fmt.Errorf("invalid token: %w", errdefs.ErrUnauthorized)
	}
	return user, nil
}

// ExtractToken retrieves the API token from the request, in order:
// Authorization: Bearer, X-API-Token, then the token query parameter when
// allowQuery is set (browsers cannot set headers on websocket upgrades).
func ExtractToken(r *http.Request, allowQuery bool) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	if t := r.Header.Get("X-API-Token"); t != "" {
		return strings.TrimSpace(t)
	}
	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}
