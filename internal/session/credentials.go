// Package session owns the stored credential and the teardown that runs
// when the remote store rejects it.
package session

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	pkgerrors "github.com/trove-shop/storefront/pkg/errors"
)

// CredentialStore holds the session's access token. Token returns an empty
// string when none is stored; Clear is idempotent.
type CredentialStore interface {
	Token(ctx context.Context) (string, error)
	Clear(ctx context.Context) error
}

// MemoryStore keeps the token in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	token string
}

// NewMemoryStore returns a store preloaded with the given token.
func NewMemoryStore(token string) *MemoryStore {
	return &MemoryStore{token: strings.TrimSpace(token)}
}

func (m *MemoryStore) Token(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, nil
}

// Set replaces the stored token, used after a fresh login.
func (m *MemoryStore) Set(token string) {
	m.mu.Lock()
	m.token = strings.TrimSpace(token)
	m.mu.Unlock()
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	m.token = ""
	m.mu.Unlock()
	return nil
}

// FileStore persists the token at a fixed path, the CLI analog of the
// browser's localStorage entry.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore builds a file-backed credential store.
func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "token path is required")
	}
	return &FileStore{path: path}, nil
}

func (f *FileStore) Token(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "read token file")
	}
	return strings.TrimSpace(string(raw)), nil
}

// Set writes the token to disk with owner-only permissions.
func (f *FileStore) Set(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.WriteFile(f.path, []byte(strings.TrimSpace(token)+"\n"), 0o600); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "write token file")
	}
	return nil
}

func (f *FileStore) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "remove token file")
	}
	return nil
}

// ExpiryCheckedStore wraps a credential store and treats a token whose JWT
// exp claim has passed as absent, so a known-dead session short-circuits to
// the guard without a doomed request. The claims are not verified here; the
// remote store remains the authority on token validity.
type ExpiryCheckedStore struct {
	inner CredentialStore
	now   func() time.Time
}

// NewExpiryCheckedStore wraps the given store.
func NewExpiryCheckedStore(inner CredentialStore) (*ExpiryCheckedStore, error) {
	if inner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "credential store is required")
	}
	return &ExpiryCheckedStore{inner: inner, now: time.Now}, nil
}

func (e *ExpiryCheckedStore) Token(ctx context.Context) (string, error) {
	token, err := e.inner.Token(ctx)
	if err != nil || token == "" {
		return token, err
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		// Opaque tokens pass through untouched.
		return token, nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(e.now()) {
		return "", nil
	}
	return token, nil
}

func (e *ExpiryCheckedStore) Clear(ctx context.Context) error {
	return e.inner.Clear(ctx)
}
