// Package auth manages QuickBooks Online OAuth2 tokens: a single-file
// persistent store and a manager that serializes refresh across callers.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TokenBundle is the sole durable authentication state. The refresh token
// may rotate on every exchange; whatever the provider returns is persisted.
type TokenBundle struct {
	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"refresh_token"`
	AccessIssuedAt  time.Time `json:"access_issued_at"`
	AccessLifetime  int       `json:"access_expires_in"` // seconds
	RefreshIssuedAt time.Time `json:"refresh_issued_at"`
	RefreshLifetime int       `json:"refresh_expires_in"` // seconds
	RealmID         string    `json:"realm_id"`
}

// StaleAt returns the instant after which the access token must be refreshed
// before use, i.e. expiry minus the skew margin.
func (b *TokenBundle) StaleAt(skew time.Duration) time.Time {
	return b.AccessIssuedAt.Add(time.Duration(b.AccessLifetime) * time.Second).Add(-skew)
}

// Stale reports whether the bundle needs a refresh before the next call.
func (b *TokenBundle) Stale(now time.Time, skew time.Duration) bool {
	return b.AccessToken == "" || !now.Before(b.StaleAt(skew))
}

// Store persists the bundle as tokens.json with an atomic write-and-rename.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store rooted in the data directory.
func NewStore(dataDir string) *Store {
	return &Store{path: filepath.Join(dataDir, "tokens.json")}
}

// Load reads the current bundle. A missing file returns (nil, nil).
func (s *Store) Load() (*TokenBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token store: %w", err)
	}
	var b TokenBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse token store: %w", err)
	}
	return &b, nil
}

// Save atomically replaces the bundle on disk, mode 0600.
func (s *Store) Save(b *TokenBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write token store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace token store: %w", err)
	}
	return nil
}

// Clear removes the persisted bundle, used by `auth --force`.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
