package crypto

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/logging"
)

const tokenFile = "token.cred"

// TokenStore keeps one access token in an encrypted file under the data
// directory. It satisfies remote.TokenSource, so a token saved while the
// client runs is picked up by the next request.
type TokenStore struct {
	dir string
	key []byte

	mu sync.Mutex
}

// NewTokenStore stores the token under dataDir/secure, keyed to this machine.
func NewTokenStore(dataDir string) *TokenStore {
	return NewTokenStoreWithKey(dataDir, DeriveKey(machineIdentifier()))
}

// NewTokenStoreWithKey is NewTokenStore with an explicit key.
func NewTokenStoreWithKey(dataDir string, key []byte) *TokenStore {
	return &TokenStore{dir: filepath.Join(dataDir, "secure"), key: key}
}

func (s *TokenStore) path() string {
	return filepath.Join(s.dir, tokenFile)
}

// Save replaces the stored token.
func (s *TokenStore) Save(token string) error {
	if token == "" {
		return apperrors.New(apperrors.ErrInvalid, "token is empty")
	}
	encrypted, err := Encrypt([]byte(token), s.key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "create secure directory", err)
	}
	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, []byte(encrypted), 0o600); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "write token", err)
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		os.Remove(tmp)
		return apperrors.Wrap(apperrors.ErrInternal, "replace token", err)
	}
	return nil
}

// Load returns the stored token or ErrNotFound.
func (s *TokenStore) Load() (string, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path())
	s.mu.Unlock()
	if os.IsNotExist(err) {
		return "", apperrors.New(apperrors.ErrNotFound, "no stored token")
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "read token", err)
	}
	plain, err := Decrypt(string(data), s.key)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Delete removes the stored token. A missing token is not an error.
func (s *TokenStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
		return apperrors.Wrap(apperrors.ErrInternal, "delete token", err)
	}
	return nil
}

// Token implements remote.TokenSource. Without a stored token requests go
// out unauthenticated.
func (s *TokenStore) Token(context.Context) (string, error) {
	tok, err := s.Load()
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		logging.Warn("Stored token unreadable", map[string]interface{}{"error": err.Error()})
		return "", err
	}
	return tok, nil
}

// machineIdentifier returns a stable per-machine string.
func machineIdentifier() string {
	if runtime.GOOS == "linux" {
		for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			if data, err := os.ReadFile(p); err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					return "linux:" + id
				}
			}
		}
	}
	hostname, _ := os.Hostname()
	return runtime.GOOS + ":" + hostname
}
