// Package auth provides the opaque session token used by the realtime
// handshake and the REST API, plus helpers for reading and issuing the JWT
// claims carried inside it.
package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNoToken is returned when no token has been stored yet.
var ErrNoToken = errors.New("auth: no token")

// TokenSource yields the current session token.
type TokenSource interface {
	Token() (string, error)
}

// ---------------------------------------------------------------------------
// FileStore persists the token in a file readable only by the user.
// ---------------------------------------------------------------------------

// FileStore keeps the token in a file with 0600 permissions. The file is the
// client's secure storage; reads go to disk every time so a token written by
// another process is picked up on the next connect.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Token returns the stored token or ErrNoToken when the file is missing or
// empty.
func (s *FileStore) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("auth: read token: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Set writes the token, creating parent directories as needed.
func (s *FileStore) Set(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("auth: create token dir: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("auth: write token: %w", err)
	}
	return nil
}

// Clear removes the stored token. Clearing an empty store is not an error.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("auth: remove token: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Static sources
// ---------------------------------------------------------------------------

// StaticToken is a fixed token. The empty string behaves as a missing token.
type StaticToken string

func (t StaticToken) Token() (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

// EnvToken reads the token from an environment variable on every call.
type EnvToken string

func (e EnvToken) Token() (string, error) {
	return StaticToken(strings.TrimSpace(os.Getenv(string(e)))).Token()
}
