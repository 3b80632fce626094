// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

// Package store persists host state across restarts: per-plugin
// configuration blobs and the trust index recording where each plugin
// was loaded from and the digest of its binary.
//
// Layout under the state directory:
//
//	configs/<plugin-id>.json
//	index.json
package store

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

// IndexEntry records where a plugin came from and what its binary
// hashed to when it was last loaded.
type IndexEntry struct {
	Path          string    `json:"path"`
	SecurityLevel string    `json:"security_level"`
	Digest        string    `json:"digest"`
	FirstSeen     time.Time `json:"first_seen"`
	LastLoaded    time.Time `json:"last_loaded"`
}

// Store is a file-backed state store. Safe for concurrent use.
type Store struct {
	root string
	mu   sync.Mutex
}

// Open creates (if needed) and opens the state directory.
func Open(root string) (*Store, error) {
	if root == "" {
		return nil, plugerr.New(plugerr.CodeInvalidParameters, "empty state directory")
	}
	if err := os.MkdirAll(filepath.Join(root, "configs"), 0o750); err != nil {
		return nil, plugerr.Wrapf(plugerr.CodeFileSystemError, err, "creating state directory %s", root)
	}
	return &Store{root: root}, nil
}

// Root returns the state directory.
func (s *Store) Root() string { return s.root }

func (s *Store) configPath(id string) string {
	return filepath.Join(s.root, "configs", id+".json")
}

// SaveConfig persists a plugin's configuration blob.
func (s *Store) SaveConfig(id string, cfg json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(s.configPath(id), cfg); err != nil {
		return plugerr.WrapPlugin(plugerr.CodeFileSystemError, id, err)
	}
	return nil
}

// LoadConfig reads a plugin's persisted configuration. Missing configs
// are a NotFound error.
func (s *Store) LoadConfig(id string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, err := os.ReadFile(s.configPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, plugerr.WithPlugin(plugerr.CodeNotFound, id, "no persisted configuration")
	}
	if err != nil {
		return nil, plugerr.WrapPlugin(plugerr.CodeFileSystemError, id, err)
	}
	return blob, nil
}

// DeleteConfig removes a plugin's persisted configuration. Deleting a
// missing config is not an error.
func (s *Store) DeleteConfig(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.configPath(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return plugerr.WrapPlugin(plugerr.CodeFileSystemError, id, err)
	}
	return nil
}

// ConfiguredPlugins lists the ids with a persisted configuration,
// sorted.
func (s *Store) ConfiguredPlugins() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(filepath.Join(s.root, "configs"))
	if err != nil {
		return nil, plugerr.Wrap(plugerr.CodeFileSystemError, err)
	}
	var ids []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".json"); ok && !e.IsDir() {
			ids = append(ids, name)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) indexPath() string {
	return filepath.Join(s.root, "index.json")
}

// LoadIndex reads the trust index. A missing index is an empty one.
func (s *Store) LoadIndex() (map[string]IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadIndexLocked()
}

func (s *Store) loadIndexLocked() (map[string]IndexEntry, error) {
	blob, err := os.ReadFile(s.indexPath())
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]IndexEntry{}, nil
	}
	if err != nil {
		return nil, plugerr.Wrap(plugerr.CodeFileSystemError, err)
	}
	index := make(map[string]IndexEntry)
	if err := json.Unmarshal(blob, &index); err != nil {
		return nil, plugerr.Wrapf(plugerr.CodeInvalidFormat, err, "corrupt trust index %s", s.indexPath())
	}
	return index, nil
}

// RecordLoad upserts a plugin's trust-index entry, preserving its
// FirstSeen across reloads.
func (s *Store) RecordLoad(id string, entry IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.loadIndexLocked()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if prev, ok := index[id]; ok && !prev.FirstSeen.IsZero() {
		entry.FirstSeen = prev.FirstSeen
	} else if entry.FirstSeen.IsZero() {
		entry.FirstSeen = now
	}
	if entry.LastLoaded.IsZero() {
		entry.LastLoaded = now
	}
	index[id] = entry
	return s.saveIndexLocked(index)
}

// Forget removes a plugin from the trust index.
func (s *Store) Forget(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.loadIndexLocked()
	if err != nil {
		return err
	}
	if _, ok := index[id]; !ok {
		return nil
	}
	delete(index, id)
	return s.saveIndexLocked(index)
}

func (s *Store) saveIndexLocked(index map[string]IndexEntry) error {
	blob, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return plugerr.Wrap(plugerr.CodeInvalidFormat, err)
	}
	if err := writeAtomic(s.indexPath(), blob); err != nil {
		return plugerr.Wrap(plugerr.CodeFileSystemError, err)
	}
	return nil
}

// writeAtomic writes via a temp file and rename so readers never see a
// torn file.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
