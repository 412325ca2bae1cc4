// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store errors
var (
	ErrNotFound  = errors.New("state document not found")
	ErrMalformed = errors.New("state document malformed")
)

// Store loads and saves the state document
type Store interface {
	Load() (*State, error)
	Save(*State) error
}

// FileStore keeps the document as indented JSON on disk. Saves go through a
// temp file in the same directory followed by a rename, so a reader never
// sees a half-written document.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store for path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the document path
func (f *FileStore) Path() string {
	return f.path
}

// Load reads the document. Returns ErrNotFound when the file does not exist
// and ErrMalformed when it cannot be parsed.
func (f *FileStore) Load() (*State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, f.path)
		}
		return nil, fmt.Errorf("failed to read state %s: %w", f.path, err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, f.path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, f.path, err)
	}
	if s.Binding.IdealRanges == nil {
		s.Binding.IdealRanges = make(map[string]Range)
	}
	if s.Seq == nil {
		s.Seq = make(map[string]uint64)
	}
	return &s, nil
}

// Save atomically replaces the document
func (f *FileStore) Save(s *State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("failed to replace state %s: %w", f.path, err)
	}

	// Persist the rename itself
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// LoadOrInit loads the document, writing DefaultState first when none
// exists yet. A malformed document is still an error.
func LoadOrInit(store Store) (*State, error) {
	s, err := store.Load()
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	s = DefaultState()
	if err := store.Save(s); err != nil {
		return nil, err
	}
	return s, nil
}

// MemoryStore is an in-process Store. Loads and saves work on copies.
type MemoryStore struct {
	mu      sync.Mutex
	state   *State
	saves   int
	loadErr error
	saveErr error
}

// NewMemoryStore creates a store holding s (nil means no document)
func NewMemoryStore(s *State) *MemoryStore {
	m := &MemoryStore{}
	if s != nil {
		m.state = s.Clone()
	}
	return m
}

// Load returns a copy of the held document
func (m *MemoryStore) Load() (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if m.state == nil {
		return nil, ErrNotFound
	}
	return m.state.Clone(), nil
}

// Save replaces the held document with a copy of s
func (m *MemoryStore) Save(s *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.state = s.Clone()
	m.saves++
	return nil
}

// Saves returns how many successful saves happened
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// SetErrors injects load and save failures
func (m *MemoryStore) SetErrors(load, save error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = load
	m.saveErr = save
}
