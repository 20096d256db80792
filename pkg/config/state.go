package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	defaultPassword   = "admin"
	WindowModeHide    = "hide"
	WindowModeVisible = "visible"
)

// APIKeyRecord is one issued bridge API key. Immutable once issued except for
// deletion.
type APIKeyRecord struct {
	Name    string `json:"name"`
	Key     string `json:"key"`
	RPM     int    `json:"rpm"`
	Created int64  `json:"created"`
}

// State is the mutable bridge state document. It is schema-stable: defaults
// are applied exactly once at load and never re-derived ad hoc.
type State struct {
	// PasswordHash guards the dashboard. Plaintext values found in the
	// document (the original shipped "admin" in the clear) are hashed on
	// load.
	PasswordHash string `json:"password"`
	// AuthToken is the arena-auth-prod-v1 cookie value.
	AuthToken string `json:"auth_token"`
	// CfClearance is the Cloudflare clearance cookie harvested by the
	// browser package.
	CfClearance string           `json:"cf_clearance"`
	APIKeys     []APIKeyRecord   `json:"api_keys"`
	UsageStats  map[string]int64 `json:"usage_stats"`
	// Window-mode preferences for windowed browser automation.
	FetchWindowMode string `json:"browser_fetch_window_mode"`
	ProxyWindowMode string `json:"browser_proxy_window_mode"`
}

func (s *State) applyDefaults() {
	if strings.TrimSpace(s.PasswordHash) == "" {
		s.PasswordHash = defaultPassword
	}
	if !looksHashed(s.PasswordHash) {
		if h, err := bcrypt.GenerateFromPassword([]byte(s.PasswordHash), bcrypt.DefaultCost); err == nil {
			s.PasswordHash = string(h)
		}
	}
	if s.APIKeys == nil {
		s.APIKeys = []APIKeyRecord{}
	}
	if s.UsageStats == nil {
		s.UsageStats = map[string]int64{}
	}
	if s.FetchWindowMode == "" {
		s.FetchWindowMode = WindowModeHide
	}
	if s.ProxyWindowMode == "" {
		s.ProxyWindowMode = WindowModeHide
	}
}

func looksHashed(v string) bool {
	return strings.HasPrefix(v, "$2a$") || strings.HasPrefix(v, "$2b$") || strings.HasPrefix(v, "$2y$")
}

func (s *State) clone() *State {
	cp := *s
	cp.APIKeys = append([]APIKeyRecord(nil), s.APIKeys...)
	cp.UsageStats = make(map[string]int64, len(s.UsageStats))
	for k, v := range s.UsageStats {
		cp.UsageStats[k] = v
	}
	return &cp
}

// CheckPassword verifies a dashboard login attempt.
func (s *State) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(s.PasswordHash), []byte(password)) == nil
}

// FindAPIKey looks up an issued key by exact match.
func (s *State) FindAPIKey(key string) (APIKeyRecord, bool) {
	for _, rec := range s.APIKeys {
		if rec.Key == key {
			return rec, true
		}
	}
	return APIKeyRecord{}, false
}

// StateStore persists the state document as JSON with atomic replace. All
// mutation goes through Update so concurrent request tasks see consistent
// snapshots.
type StateStore struct {
	mu    sync.RWMutex
	path  string
	state *State
}

// OpenStateStore loads the document at path, creating it with defaults when
// absent. A corrupt document is an error; the operator must repair or remove
// it.
func OpenStateStore(path string) (*StateStore, error) {
	st := &State{}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First run.
	case err != nil:
		return nil, fmt.Errorf("read state: %w", err)
	default:
		if err := json.Unmarshal(b, st); err != nil {
			return nil, fmt.Errorf("decode state %s: %w", path, err)
		}
	}
	st.applyDefaults()
	s := &StateStore{path: path, state: st}
	if err := s.persistLocked(st); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *StateStore) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.state.clone()
}

func (s *StateStore) Update(mutator func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.state.clone()
	if err := mutator(cp); err != nil {
		return err
	}
	cp.applyDefaults()
	if err := s.persistLocked(cp); err != nil {
		return err
	}
	s.state = cp
	return nil
}

func (s *StateStore) persistLocked(st *State) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write state temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}
