// Package catalog maintains the model catalog snapshot scraped from the
// arena front page.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Capability flags nest one level deep in the upstream blob. Only the text
// flags matter to the bridge; everything else rides along untouched.
type CapabilitySet struct {
	Text  bool `json:"text,omitempty"`
	Image bool `json:"image,omitempty"`
	Video bool `json:"video,omitempty"`
	Audio bool `json:"audio,omitempty"`
}

type Capabilities struct {
	Input  CapabilitySet `json:"inputCapabilities"`
	Output CapabilitySet `json:"outputCapabilities"`
}

// Model is one catalog record. ID is the upstream internal uuid, PublicName
// is what API clients address it by.
type Model struct {
	ID           string       `json:"id"`
	PublicName   string       `json:"publicName"`
	Organization string       `json:"organization,omitempty"`
	Provider     string       `json:"provider,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

// IsTextModel reports whether the model produces text. Image and video
// generators are hidden from the completion API.
func (m Model) IsTextModel() bool {
	return m.Capabilities.Output.Text
}

// Store holds the catalog in memory and mirrors it to a JSON file so the
// bridge can serve the model list before the first scrape after a restart.
type Store struct {
	mu     sync.RWMutex
	path   string
	models []Model
}

// Open loads the snapshot at path if one exists. A missing file is fine, the
// catalog starts empty until the first refresh.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	if err := json.Unmarshal(b, &s.models); err != nil {
		return nil, fmt.Errorf("decode model catalog %s: %w", path, err)
	}
	return s, nil
}

// Replace swaps in a freshly scraped catalog and persists it. An empty
// scrape is rejected so a bad refresh cannot wipe a working catalog.
func (s *Store) Replace(models []Model) error {
	if len(models) == 0 {
		return errors.New("refusing to replace catalog with empty model list")
	}
	cp := append([]Model(nil), models...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistLocked(cp); err != nil {
		return err
	}
	s.models = cp
	return nil
}

func (s *Store) persistLocked(models []Model) error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create catalog dir: %w", err)
	}
	b, err := json.MarshalIndent(models, "", "  ")
	if err != nil {
		return fmt.Errorf("encode model catalog: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write catalog temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename catalog: %w", err)
	}
	return nil
}

// All returns every record, scrape order preserved.
func (s *Store) All() []Model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Model(nil), s.models...)
}

// TextModels returns the records exposed through the completion API.
func (s *Store) TextModels() []Model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Model, 0, len(s.models))
	for _, m := range s.models {
		if m.IsTextModel() {
			out = append(out, m)
		}
	}
	return out
}

// Resolve maps a client-facing public name to its record.
func (s *Store) Resolve(publicName string) (Model, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.models {
		if m.PublicName == publicName {
			return m, true
		}
	}
	return Model{}, false
}

// Len reports the catalog size.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.models)
}
