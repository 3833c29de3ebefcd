// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

package robot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileTokenStoreMissing(t *testing.T) {
	store := NewFileTokenStore(filepath.Join(t.TempDir(), "token"))

	token, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if token != "" {
		t.Errorf("token = %q, want empty for missing file", token)
	}
}

func TestFileTokenStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewFileTokenStore(filepath.Join(dir, "token"))

	if err := store.Save("s72594_4483_1934"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	token, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if token != "s72594_4483_1934" {
		t.Errorf("token = %q", token)
	}

	// Overwrite replaces, and leaves no temp files behind.
	if err := store.Save("s72594_4483_2000"); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	token, _ = store.Load()
	if token != "s72594_4483_2000" {
		t.Errorf("token after overwrite = %q", token)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp-") {
			t.Errorf("leftover temp file %q", entry.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1", len(entries))
	}
}

func TestFileTokenStoreTrimsNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("s100_1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	token, err := NewFileTokenStore(path).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if token != "s100_1" {
		t.Errorf("token = %q", token)
	}
}

func TestMemoryTokenStore(t *testing.T) {
	var store MemoryTokenStore

	token, err := store.Load()
	if err != nil || token != "" {
		t.Fatalf("fresh Load = %q, %v", token, err)
	}
	if err := store.Save("s1"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	token, _ = store.Load()
	if token != "s1" {
		t.Errorf("token = %q", token)
	}
}
