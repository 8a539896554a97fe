package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func liveToken() *SessionToken {
	return &SessionToken{
		SessionID: uuid.New(),
		UserID:    uuid.New(),
		UserName:  "zerratar",
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestTokenValid(t *testing.T) {
	tok := liveToken()
	assert.True(t, tok.Valid())

	expired := liveToken()
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	assert.False(t, expired.Valid())
	assert.True(t, expired.Expired())

	noSession := liveToken()
	noSession.SessionID = uuid.Nil
	assert.False(t, noSession.Valid())

	var nilTok *SessionToken
	assert.False(t, nilTok.Valid())
}

func TestParsePlainJSON(t *testing.T) {
	tok := liveToken()
	data, err := json.Marshal(tok)
	require.NoError(t, err)

	parsed, err := Parse(string(data))
	require.NoError(t, err)
	assert.Equal(t, tok.SessionID, parsed.SessionID)
	assert.Equal(t, tok.UserName, parsed.UserName)
}

func TestParseBase64JSON(t *testing.T) {
	tok := liveToken()
	data, err := json.Marshal(tok)
	require.NoError(t, err)

	parsed, err := Parse(base64.StdEncoding.EncodeToString(data))
	require.NoError(t, err)
	assert.Equal(t, tok.SessionID, parsed.SessionID)
	assert.Equal(t, tok.UserID, parsed.UserID)
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse("not a token at all{{")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestMemoryStoreValidate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	tok := liveToken()
	store.Put("raw-token", tok)

	got, err := store.Validate(ctx, "raw-token")
	require.NoError(t, err)
	assert.Equal(t, tok.SessionID, got.SessionID)

	store.Remove("raw-token")
	_, err = store.Validate(ctx, "raw-token")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestMemoryStoreValidateExpired(t *testing.T) {
	store := NewMemoryStore()
	tok := liveToken()
	tok.ExpiresAt = time.Now().Add(-time.Second)
	store.Put("old", tok)

	_, err := store.Validate(context.Background(), "old")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestMemoryStoreSelfContainedToken(t *testing.T) {
	store := NewMemoryStore()

	data, err := json.Marshal(liveToken())
	require.NoError(t, err)

	got, err := store.Validate(context.Background(), base64.StdEncoding.EncodeToString(data))
	require.NoError(t, err)
	assert.True(t, got.Valid())
}
