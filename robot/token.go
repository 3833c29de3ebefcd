// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

package robot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// TokenStore persists the sync token between runs. Save must be
// durable before it returns: after a crash, Load must yield either the
// token from the last completed Save or the one before it, never a
// torn write.
type TokenStore interface {
	// Load returns the stored token, or "" when none has been saved.
	Load() (string, error)

	// Save replaces the stored token.
	Save(token string) error
}

// FileTokenStore keeps the sync token in a single file, replaced
// atomically on every save.
type FileTokenStore struct {
	path string
}

// NewFileTokenStore returns a store backed by the file at path. The
// parent directory must exist.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

func (s *FileTokenStore) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("robot: reading sync token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save writes the token to a sibling temp file, syncs it, and renames
// it over the target so a crash never leaves a partial token.
func (s *FileTokenStore) Save(token string) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("robot: creating token temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(token + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("robot: writing sync token: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("robot: syncing sync token: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("robot: closing token temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("robot: replacing sync token: %w", err)
	}
	return nil
}

// MemoryTokenStore holds the token in memory. Useful for tests and for
// bots that deliberately start from a fresh initial sync every run.
type MemoryTokenStore struct {
	mu    sync.Mutex
	token string
}

func (s *MemoryTokenStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *MemoryTokenStore) Save(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}
