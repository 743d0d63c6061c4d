package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"golang.org/x/oauth2"

	"github.com/jkoelker/switchyard/pkg/config"
)

// TokenStore keeps the tokens of each server. With a directory the tokens
// are also written to one JSON file per server and survive restarts.
type TokenStore struct {
	dir  string
	lock *flock.Flock

	mu     sync.Mutex
	tokens map[string]*oauth2.Token
}

// NewTokenStore returns a TokenStore persisting to dir. An empty dir keeps
// tokens in memory only.
func NewTokenStore(dir string) *TokenStore {
	store := &TokenStore{dir: dir, tokens: make(map[string]*oauth2.Token)}

	if dir != "" {
		store.lock = flock.New(filepath.Join(dir, ".lock"))
	}

	return store
}

// Dir returns the directory tokens are persisted to.
func (s *TokenStore) Dir() string {
	return s.dir
}

func (s *TokenStore) path(server string) string {
	return filepath.Join(s.dir, config.NormalizeName(server)+".json")
}

// Load returns the stored token of server.
func (s *TokenStore) Load(server string) (*oauth2.Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := config.NormalizeName(server)

	if token, ok := s.tokens[key]; ok {
		return token, true
	}

	if s.dir == "" {
		return nil, false
	}

	token, err := s.read(server)
	if err != nil {
		return nil, false
	}

	s.tokens[key] = token

	return token, true
}

func (s *TokenStore) read(server string) (*oauth2.Token, error) {
	if err := os.MkdirAll(s.dir, config.DirectoryPermissions); err != nil {
		return nil, fmt.Errorf("failed to create token directory: %w", err)
	}

	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to lock token directory: %w", err)
	}
	defer s.lock.Unlock() //nolint:errcheck

	data, err := os.ReadFile(s.path(server))
	if err != nil {
		return nil, err
	}

	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to decode token of %s: %w", server, err)
	}

	return &token, nil
}

// Save stores token as the token of server.
func (s *TokenStore) Save(server string, token *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[config.NormalizeName(server)] = token

	if s.dir == "" {
		return nil
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token of %s: %w", server, err)
	}

	if err := os.MkdirAll(s.dir, config.DirectoryPermissions); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock token directory: %w", err)
	}
	defer s.lock.Unlock() //nolint:errcheck

	tmp, err := os.CreateTemp(s.dir, ".token-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary token file: %w", err)
	}

	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("failed to write token of %s: %w", server, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write token of %s: %w", server, err)
	}

	if err := os.Rename(tmp.Name(), s.path(server)); err != nil {
		return fmt.Errorf("failed to store token of %s: %w", server, err)
	}

	return nil
}

// Delete forgets the token of server.
func (s *TokenStore) Delete(server string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, config.NormalizeName(server))

	if s.dir == "" {
		return nil
	}

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock token directory: %w", err)
	}
	defer s.lock.Unlock() //nolint:errcheck

	if err := os.Remove(s.path(server)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete token of %s: %w", server, err)
	}

	return nil
}

// persistingTokenSource saves every token whose access token changed.
type persistingTokenSource struct {
	server string
	source oauth2.TokenSource
	store  *TokenStore
	onErr  func(error)

	mu   sync.Mutex
	last *oauth2.Token
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := p.source.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last == nil || token.AccessToken != p.last.AccessToken {
		if err := p.store.Save(p.server, token); err != nil && p.onErr != nil {
			p.onErr(err)
		}

		p.last = token
	}

	return token, nil
}
