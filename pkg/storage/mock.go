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

package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fawa-io/keydrop/pkg/fwlog"
	"github.com/fawa-io/keydrop/pkg/keygen"
	"github.com/fawa-io/keydrop/pkg/metadata"
	"github.com/fawa-io/keydrop/pkg/util"
)

// MockBackend behaves like RemoteBackend without a network: objects are
// copied into a private temporary directory and described by an in-process
// map keyed by object name. Nothing survives Close.
type MockBackend struct {
	dir  string
	opts options

	mu      sync.Mutex
	objects map[string]metadata.FileRecord
}

var _ Provider = (*MockBackend)(nil)

// NewMockBackend creates a backend rooted in a fresh temporary directory.
func NewMockBackend(opts ...Option) (*MockBackend, error) {
	dir, err := os.MkdirTemp("", "keydrop-mock-")
	if err != nil {
		return nil, err
	}
	return &MockBackend{
		dir:     dir,
		opts:    buildOptions(opts),
		objects: make(map[string]metadata.FileRecord),
	}, nil
}

// FindByPublicKey resolves key the way a prefix listing would.
func (b *MockBackend) FindByPublicKey(_ context.Context, key string) (metadata.FileRecord, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.lookupPublic(key)
	return rec, ok, nil
}

// FindByPrivateKey scans every object.
func (b *MockBackend) FindByPrivateKey(_ context.Context, key string) (metadata.FileRecord, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.lookupPrivate(key)
	return rec, ok, nil
}

func (b *MockBackend) lookupPublic(key string) (metadata.FileRecord, bool) {
	for _, rec := range b.objects {
		if rec.PublicKey == key {
			return rec, true
		}
	}
	return metadata.FileRecord{}, false
}

func (b *MockBackend) lookupPrivate(key string) (metadata.FileRecord, bool) {
	for _, rec := range b.objects {
		if rec.PrivateKey == key {
			return rec, true
		}
	}
	return metadata.FileRecord{}, false
}

func (b *MockBackend) path(rec metadata.FileRecord) string {
	return filepath.Join(b.dir, rec.Locator)
}

func (b *MockBackend) Save(ctx context.Context, u Upload) (KeyPair, error) {
	size, err := checkUpload(u)
	if err != nil {
		return KeyPair{}, err
	}
	kp, err := newKeyPair(ctx, b, b.opts.newKey)
	if err != nil {
		return KeyPair{}, err
	}

	name := kp.PublicKey + "_" + util.SanitizeName(u.OriginalName)
	now := metadata.Timestamp(b.opts.now())
	rec := metadata.FileRecord{
		PublicKey:    kp.PublicKey,
		PrivateKey:   kp.PrivateKey,
		Filename:     name,
		OriginalName: u.OriginalName,
		ContentType:  contentType(u),
		Size:         size,
		Locator:      name,
		CreatedAt:    now,
		LastAccess:   now,
	}
	// Upload first, then drop the temp source, like a PUT would.
	if err := util.CopyFile(u.TempPath, b.path(rec)); err != nil {
		return KeyPair{}, unavailable(err)
	}

	b.mu.Lock()
	b.objects[name] = rec
	b.mu.Unlock()

	if err := os.Remove(u.TempPath); err != nil {
		fwlog.Warnf("storage: remove temp file %s: %v", u.TempPath, err)
	}
	return kp, nil
}

func (b *MockBackend) Get(_ context.Context, publicKey string) (*File, error) {
	if !keygen.Valid(publicKey) {
		return nil, ErrNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.lookupPublic(publicKey)
	if !ok {
		return nil, ErrNotFound
	}
	f, err := os.Open(b.path(rec))
	if errors.Is(err, fs.ErrNotExist) {
		delete(b.objects, rec.Locator)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	rec = rec.Touched(b.opts.now())
	b.objects[rec.Locator] = rec
	return &File{Record: rec, Body: f}, nil
}

func (b *MockBackend) Remove(ctx context.Context, privateKey string) (bool, error) {
	if !keygen.Valid(privateKey) {
		return false, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.lookupPrivate(privateKey)
	if !ok {
		return false, nil
	}
	if err := b.Purge(ctx, rec); err != nil {
		return false, err
	}
	delete(b.objects, rec.Locator)
	return true, nil
}

func (b *MockBackend) Retain(ctx context.Context, keep func(metadata.FileRecord) bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.objects))
	for name := range b.objects {
		names = append(names, name)
	}
	sort.Strings(names)

	dropped := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if !keep(b.objects[name]) {
			delete(b.objects, name)
			dropped++
		}
	}
	return dropped, nil
}

// AccessTime returns the zero time: object stores keep no atime.
func (b *MockBackend) AccessTime(_ context.Context, rec metadata.FileRecord) (time.Time, error) {
	if _, err := os.Stat(b.path(rec)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, rec.Locator)
		}
		return time.Time{}, unavailable(err)
	}
	return time.Time{}, nil
}

func (b *MockBackend) Purge(_ context.Context, rec metadata.FileRecord) error {
	if err := os.Remove(b.path(rec)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return unavailable(err)
	}
	return nil
}

// Close deletes the temporary directory.
func (b *MockBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects = make(map[string]metadata.FileRecord)
	return os.RemoveAll(b.dir)
}
