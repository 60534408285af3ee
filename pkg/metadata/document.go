// Copyright 2025 The fawa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fawa-io/keydrop/pkg/fwlog"
	"github.com/fawa-io/keydrop/pkg/util"
)

// DocumentFileName is the name of the JSON index inside a storage root.
const DocumentFileName = "files.json"

type document struct {
	Files []FileRecord `json:"files"`
}

// DocumentStore keeps every record in memory and rewrites one JSON document
// on each mutation. With an empty path it is a purely in-memory store.
type DocumentStore struct {
	path string

	mu    sync.Mutex
	files []FileRecord
}

var _ Store = (*DocumentStore)(nil)

// NewJSONStore opens the JSON document at path, creating it (and its parent
// directory) when missing. A corrupt document is treated as empty.
func NewJSONStore(path string) (*DocumentStore, error) {
	if path == "" {
		return nil, errors.New("metadata: empty document path")
	}
	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	s := &DocumentStore{path: path}
	if _, err := s.Load(context.Background()); err != nil {
		return nil, err
	}
	if !util.Exist(path) {
		s.mu.Lock()
		err := s.persist(s.files)
		s.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("metadata: create %s: %w", path, err)
		}
	}
	return s, nil
}

// NewMemoryStore returns a store that never touches the filesystem.
func NewMemoryStore() *DocumentStore {
	return &DocumentStore{}
}

// Path returns the backing document, or "" for an in-memory store.
func (s *DocumentStore) Path() string { return s.path }

// readDocument decodes the backing document. exists is false when the file
// is missing; a decode failure is reported as ErrCorruptIndex.
func (s *DocumentStore) readDocument() (recs []FileRecord, exists bool, err error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("metadata: read %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, true, fmt.Errorf("%w: %s is empty", ErrCorruptIndex, s.path)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, true, fmt.Errorf("%w: %s: %w", ErrCorruptIndex, s.path, err)
	}
	return dedupe(doc.Files), true, nil
}

// dedupe drops entries that break the key invariants, keeping the first
// record for every key.
func dedupe(in []FileRecord) []FileRecord {
	out := make([]FileRecord, 0, len(in))
	pubs := make(map[string]struct{}, len(in))
	privs := make(map[string]struct{}, len(in))
	for _, rec := range in {
		if rec.PublicKey == "" || rec.PrivateKey == "" || rec.PublicKey == rec.PrivateKey {
			fwlog.Warnf("metadata: skipping record with invalid keys (file %q)", rec.Filename)
			continue
		}
		_, dupPub := pubs[rec.PublicKey]
		_, dupPriv := privs[rec.PrivateKey]
		if dupPub || dupPriv {
			fwlog.Warnf("metadata: skipping duplicate record for file %q", rec.Filename)
			continue
		}
		pubs[rec.PublicKey] = struct{}{}
		privs[rec.PrivateKey] = struct{}{}
		out = append(out, rec)
	}
	return out
}

// persist writes files as the full document. Callers hold s.mu.
func (s *DocumentStore) persist(files []FileRecord) error {
	if s.path == "" {
		return nil
	}
	if files == nil {
		files = []FileRecord{}
	}
	data, err := json.MarshalIndent(document{Files: files}, "", "  ")
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(s.path, data)
}

// commit persists next and only then makes it the in-memory state.
func (s *DocumentStore) commit(next []FileRecord) error {
	if err := s.persist(next); err != nil {
		return fmt.Errorf("metadata: write %s: %w", s.path, err)
	}
	s.files = next
	return nil
}

func (s *DocumentStore) snapshot() []FileRecord {
	out := make([]FileRecord, len(s.files))
	copy(out, s.files)
	return out
}

func (s *DocumentStore) indexOfPublic(key string) int {
	for i := range s.files {
		if s.files[i].PublicKey == key {
			return i
		}
	}
	return -1
}

func (s *DocumentStore) indexOfPrivate(key string) int {
	for i := range s.files {
		if s.files[i].PrivateKey == key {
			return i
		}
	}
	return -1
}

func (s *DocumentStore) Load(ctx context.Context) ([]FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return s.snapshot(), nil
	}

	recs, _, err := s.readDocument()
	switch {
	case errors.Is(err, ErrCorruptIndex):
		fwlog.Warnf("metadata: %v; starting with an empty index", err)
		recs = nil
	case err != nil:
		return nil, err
	}
	s.files = recs
	return s.snapshot(), nil
}

func (s *DocumentStore) Insert(ctx context.Context, rec FileRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOfPublic(rec.PublicKey) >= 0 || s.indexOfPrivate(rec.PrivateKey) >= 0 {
		return ErrDuplicateKey
	}
	return s.commit(append(s.snapshot(), rec))
}

func (s *DocumentStore) Upsert(ctx context.Context, rec FileRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOfPublic(rec.PublicKey)
	if j := s.indexOfPrivate(rec.PrivateKey); j >= 0 && j != i {
		return ErrDuplicateKey
	}
	next := s.snapshot()
	if i >= 0 {
		next[i] = rec
	} else {
		next = append(next, rec)
	}
	return s.commit(next)
}

func (s *DocumentStore) FindByPublicKey(ctx context.Context, key string) (FileRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexOfPublic(key); i >= 0 {
		return s.files[i], true, nil
	}
	return FileRecord{}, false, nil
}

func (s *DocumentStore) FindByPrivateKey(ctx context.Context, key string) (FileRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexOfPrivate(key); i >= 0 {
		return s.files[i], true, nil
	}
	return FileRecord{}, false, nil
}

func (s *DocumentStore) Touch(ctx context.Context, publicKey string, at time.Time) (FileRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOfPublic(publicKey)
	if i < 0 {
		return FileRecord{}, false, nil
	}
	next := s.snapshot()
	next[i] = next[i].Touched(at)
	if err := s.commit(next); err != nil {
		return FileRecord{}, false, err
	}
	return next[i], true, nil
}

func (s *DocumentStore) RemoveByPrivateKey(ctx context.Context, key string) (FileRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOfPrivate(key)
	if i < 0 {
		return FileRecord{}, false, nil
	}
	rec := s.files[i]
	next := make([]FileRecord, 0, len(s.files)-1)
	next = append(next, s.files[:i]...)
	next = append(next, s.files[i+1:]...)
	if err := s.commit(next); err != nil {
		return FileRecord{}, false, err
	}
	return rec, true, nil
}

func (s *DocumentStore) Retain(ctx context.Context, keep func(FileRecord) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.files
	if s.path != "" {
		recs, exists, err := s.readDocument()
		if err != nil {
			return 0, err
		}
		if exists {
			current = recs
		}
	}

	survivors := make([]FileRecord, 0, len(current))
	evicted := 0
	for _, rec := range current {
		if ctx.Err() != nil || keep(rec) {
			survivors = append(survivors, rec)
			continue
		}
		evicted++
	}
	if err := s.commit(survivors); err != nil {
		return 0, err
	}
	return evicted, nil
}

// Close is a no-op; every mutation is already on disk.
func (s *DocumentStore) Close() error { return nil }
