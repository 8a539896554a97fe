package token

import (
	"context"
	"sync"
)

// MemoryStore is an in-process token validator for tests and local runs.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]*SessionToken
}

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*SessionToken)}
}

// Put registers tok under the raw token string.
func (s *MemoryStore) Put(raw string, tok *SessionToken) {
	s.mu.Lock()
	s.tokens[raw] = tok
	s.mu.Unlock()
}

// Remove deletes the token registered under raw.
func (s *MemoryStore) Remove(raw string) {
	s.mu.Lock()
	delete(s.tokens, raw)
	s.mu.Unlock()
}

// Validate resolves raw and applies the shared validity rules. Raw tokens not
// registered directly are parsed as self-contained JSON/base64 tokens.
func (s *MemoryStore) Validate(_ context.Context, raw string) (*SessionToken, error) {
	s.mu.RLock()
	tok, ok := s.tokens[raw]
	s.mu.RUnlock()

	if !ok {
		parsed, err := Parse(raw)
		if err != nil {
			return nil, ErrTokenNotFound
		}
		tok = parsed
	}
	return check(tok)
}

var _ Validator = (*MemoryStore)(nil)
