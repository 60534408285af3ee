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
	"time"

	"github.com/djherbis/atime"

	"github.com/fawa-io/keydrop/pkg/fwlog"
	"github.com/fawa-io/keydrop/pkg/keygen"
	"github.com/fawa-io/keydrop/pkg/metadata"
	"github.com/fawa-io/keydrop/pkg/util"
)

// LocalBackend stores files as "<root>/<publicKey>_<name>" and indexes them
// in a metadata.Store.
type LocalBackend struct {
	root  string
	index metadata.Store
	opts  options
}

var _ Provider = (*LocalBackend)(nil)

// NewLocalBackend creates root if needed. The backend takes ownership of index.
func NewLocalBackend(root string, index metadata.Store, opts ...Option) (*LocalBackend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := util.EnsureDir(abs); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalBackend{root: abs, index: index, opts: buildOptions(opts)}, nil
}

// Root returns the absolute storage directory.
func (b *LocalBackend) Root() string { return b.root }

func (b *LocalBackend) Save(ctx context.Context, u Upload) (KeyPair, error) {
	size, err := checkUpload(u)
	if err != nil {
		return KeyPair{}, err
	}
	kp, err := newKeyPair(ctx, b.index, b.opts.newKey)
	if err != nil {
		return KeyPair{}, err
	}

	filename := kp.PublicKey + "_" + util.SanitizeName(u.OriginalName)
	dst := filepath.Join(b.root, filename)
	if err := util.MoveFile(u.TempPath, dst); err != nil {
		return KeyPair{}, unavailable(err)
	}

	now := metadata.Timestamp(b.opts.now())
	rec := metadata.FileRecord{
		PublicKey:    kp.PublicKey,
		PrivateKey:   kp.PrivateKey,
		Filename:     filename,
		OriginalName: u.OriginalName,
		ContentType:  contentType(u),
		Size:         size,
		Locator:      dst,
		CreatedAt:    now,
		LastAccess:   now,
	}
	if err := b.index.Insert(ctx, rec); err != nil {
		if mvErr := util.MoveFile(dst, u.TempPath); mvErr != nil {
			fwlog.Warnf("storage: cannot restore %s, discarding: %v", u.TempPath, mvErr)
			_ = os.Remove(dst)
		}
		return KeyPair{}, unavailable(err)
	}

	fwlog.Infof("storage: saved %s (%d bytes)", filename, size)
	return kp, nil
}

func (b *LocalBackend) Get(ctx context.Context, publicKey string) (*File, error) {
	if !keygen.Valid(publicKey) {
		return nil, ErrNotFound
	}
	rec, ok, err := b.index.FindByPublicKey(ctx, publicKey)
	if err != nil {
		return nil, unavailable(err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	f, err := os.Open(rec.Locator)
	if errors.Is(err, fs.ErrNotExist) {
		b.dropMissing(ctx, rec)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}

	now := b.opts.now()
	rec, ok, err = b.index.Touch(ctx, publicKey, now)
	if err != nil || !ok {
		_ = f.Close()
		if err != nil {
			return nil, unavailable(err)
		}
		return nil, ErrNotFound
	}
	// The index is authoritative; atime only helps when it is lost.
	if err := os.Chtimes(rec.Locator, now, time.Time{}); err != nil {
		fwlog.Debugf("storage: refresh atime of %s: %v", rec.Locator, err)
	}
	return &File{Record: rec, Body: f}, nil
}

func (b *LocalBackend) Remove(ctx context.Context, privateKey string) (bool, error) {
	if !keygen.Valid(privateKey) {
		return false, nil
	}
	rec, ok, err := b.index.RemoveByPrivateKey(ctx, privateKey)
	if err != nil {
		return false, unavailable(err)
	}
	if !ok {
		return false, nil
	}
	if err := b.Purge(ctx, rec); err != nil {
		if upErr := b.index.Upsert(ctx, rec); upErr != nil {
			fwlog.Errorf("storage: restore record %s: %v", rec.PublicKey, upErr)
		}
		return false, err
	}
	fwlog.Infof("storage: removed %s", rec.Filename)
	return true, nil
}

func (b *LocalBackend) Retain(ctx context.Context, keep func(metadata.FileRecord) bool) (int, error) {
	return b.index.Retain(ctx, keep)
}

func (b *LocalBackend) AccessTime(_ context.Context, rec metadata.FileRecord) (time.Time, error) {
	at, err := atime.Stat(rec.Locator)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, rec.Locator)
	}
	if err != nil {
		return time.Time{}, unavailable(err)
	}
	return at, nil
}

func (b *LocalBackend) Purge(_ context.Context, rec metadata.FileRecord) error {
	if err := os.Remove(rec.Locator); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return unavailable(err)
	}
	return nil
}

func (b *LocalBackend) Close() error {
	return b.index.Close()
}

func (b *LocalBackend) dropMissing(ctx context.Context, rec metadata.FileRecord) {
	fwlog.Warnf("storage: bytes of %s are gone, dropping record", rec.PublicKey)
	if _, _, err := b.index.RemoveByPrivateKey(ctx, rec.PrivateKey); err != nil {
		fwlog.Errorf("storage: drop record %s: %v", rec.PublicKey, err)
	}
}
