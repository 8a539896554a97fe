// Package token models the session credential issued by the external
// authentication service. The transport layer only ever reads tokens; it
// never issues or mutates them.
package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTokenNotFound is returned when no session exists for the presented token.
	ErrTokenNotFound = errors.New("session token not found")
	// ErrTokenInvalid is returned for tokens that fail validity checks
	// (empty session id, expired).
	ErrTokenInvalid = errors.New("session token invalid")
)

// SessionToken identifies a session and its owning user. Immutable after
// issuance; expiry is enforced by the issuer's timestamp.
type SessionToken struct {
	SessionID    uuid.UUID `json:"sessionId"`
	UserID       uuid.UUID `json:"userId"`
	UserName     string    `json:"userName"`
	TwitchUserID string    `json:"twitchUserId"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Expired reports whether the token's expiry has passed.
func (t *SessionToken) Expired() bool {
	return !t.ExpiresAt.After(time.Now())
}

// Valid reports whether the token can still back a live connection: non-nil,
// a non-empty session id, and not expired. Checked on every loop iteration,
// not only at accept time.
func (t *SessionToken) Valid() bool {
	return t != nil && t.SessionID != uuid.Nil && !t.Expired()
}

// Parse decodes a raw token presented by a client: either plain JSON or
// base64(JSON), matching what the issuer hands out.
func Parse(raw string) (*SessionToken, error) {
	data := []byte(raw)
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		data = decoded
	}

	var tok SessionToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("%w: malformed token", ErrTokenInvalid)
	}
	return &tok, nil
}

// Validator resolves and checks a raw session token. Implementations return
// ErrTokenNotFound for unknown tokens and ErrTokenInvalid for tokens that
// fail validity checks.
type Validator interface {
	Validate(ctx context.Context, raw string) (*SessionToken, error)
}

// check applies the validity rules shared by every store.
func check(tok *SessionToken) (*SessionToken, error) {
	if tok == nil || tok.SessionID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty session id", ErrTokenInvalid)
	}
	if tok.Expired() {
		return nil, fmt.Errorf("%w: expired at %s", ErrTokenInvalid, tok.ExpiresAt.Format(time.RFC3339))
	}
	return tok, nil
}
