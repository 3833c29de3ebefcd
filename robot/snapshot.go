// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

package robot

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/matriisi/matriisi/roomstate"
)

// snapshotMagic identifies a matriisi snapshot file. Bumping the
// trailing byte invalidates old snapshots, which is always safe: the
// robot falls back to an initial sync.
var snapshotMagic = []byte{'M', 'T', 'R', 1}

// Snapshot bundles exported room state with the sync token it was
// captured under. The two travel together: restoring rooms without the
// matching token would replay or skip events.
type Snapshot struct {
	Token   string            `cbor:"1,keyasint"`
	Rooms   *roomstate.Export `cbor:"2,keyasint"`
	SavedAt int64             `cbor:"3,keyasint,omitempty"` // unix seconds
}

// SnapshotStore persists snapshots as zstd-compressed CBOR so a
// restarted robot can resume from its token instead of replaying an
// initial sync.
type SnapshotStore struct {
	path string
}

func NewSnapshotStore(path string) *SnapshotStore {
	return &SnapshotStore{path: path}
}

// Save encodes and atomically replaces the snapshot file.
func (s *SnapshotStore) Save(snapshot *Snapshot) error {
	if snapshot.SavedAt == 0 {
		snapshot.SavedAt = time.Now().Unix()
	}

	encoded, err := cbor.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("robot: encoding snapshot: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(snapshotMagic)
	writer, err := zstd.NewWriter(&buf)
	if err != nil {
		return fmt.Errorf("robot: creating snapshot compressor: %w", err)
	}
	if _, err := writer.Write(encoded); err != nil {
		writer.Close()
		return fmt.Errorf("robot: compressing snapshot: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("robot: compressing snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("robot: creating snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("robot: writing snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("robot: syncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("robot: closing snapshot temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("robot: replacing snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot file. A missing file returns (nil, nil); a
// file with an unknown magic or version is treated the same way, since
// starting over with an initial sync is always correct.
func (s *SnapshotStore) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("robot: reading snapshot: %w", err)
	}

	if len(data) < len(snapshotMagic) || !bytes.Equal(data[:len(snapshotMagic)], snapshotMagic) {
		return nil, nil
	}

	reader, err := zstd.NewReader(bytes.NewReader(data[len(snapshotMagic):]))
	if err != nil {
		return nil, fmt.Errorf("robot: creating snapshot decompressor: %w", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return nil, fmt.Errorf("robot: decompressing snapshot: %w", err)
	}

	var snapshot Snapshot
	if err := cbor.Unmarshal(buf.Bytes(), &snapshot); err != nil {
		return nil, fmt.Errorf("robot: decoding snapshot: %w", err)
	}
	if snapshot.Token == "" || snapshot.Rooms == nil {
		return nil, nil
	}
	return &snapshot, nil
}
