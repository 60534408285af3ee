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

// Package storage persists uploaded files and resolves them by key.
//
// A Backend owns both the bytes and the index entry of every file it stores
// and keeps the two consistent: a record is only visible once its bytes are
// in place, and a record whose bytes disappeared is dropped on first contact.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/fawa-io/keydrop/pkg/keygen"
	"github.com/fawa-io/keydrop/pkg/metadata"
)

var (
	// ErrNotFound is returned by Get for unknown, removed and expired keys.
	ErrNotFound = errors.New("storage: file not found")
	// ErrInvalidInput is returned by Save when the upload cannot be read.
	ErrInvalidInput = errors.New("storage: invalid input")
	// ErrBackendUnavailable wraps failures of the physical medium or the index.
	ErrBackendUnavailable = errors.New("storage: backend unavailable")
)

const (
	defaultContentType = "application/octet-stream"
	maxKeyAttempts     = 3
)

// Upload describes a file the boundary has already spooled to disk.
type Upload struct {
	TempPath     string
	OriginalName string
	ContentType  string
	Size         int64
}

// KeyPair is handed to the uploader once. PublicKey reads, PrivateKey deletes.
type KeyPair struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// File is a readable stored file. The caller must close Body.
type File struct {
	Record metadata.FileRecord
	Body   io.ReadCloser
}

// Backend is the contract every storage variant implements.
type Backend interface {
	Save(ctx context.Context, u Upload) (KeyPair, error)
	Get(ctx context.Context, publicKey string) (*File, error)
	Remove(ctx context.Context, privateKey string) (bool, error)
}

// Provider is a Backend that can also be swept by the retention engine.
type Provider interface {
	Backend
	// Retain calls keep for every record and drops those it rejects. It never
	// deletes bytes itself: keep must Purge a record before rejecting it.
	Retain(ctx context.Context, keep func(metadata.FileRecord) bool) (int, error)
	// AccessTime reports the last access time the medium knows about, or the
	// zero time if it keeps none. It returns ErrNotFound if the bytes are gone.
	AccessTime(ctx context.Context, rec metadata.FileRecord) (time.Time, error)
	// Purge deletes the bytes of rec. Bytes that are already gone are not an error.
	Purge(ctx context.Context, rec metadata.FileRecord) error
	io.Closer
}

type options struct {
	newKey keygen.Func
	now    func() time.Time
}

// Option customizes a backend.
type Option func(*options)

// WithKeyGenerator replaces keygen.Generate.
func WithKeyGenerator(f keygen.Func) Option {
	return func(o *options) { o.newKey = f }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{newKey: keygen.Generate, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// publicKeyIndex answers whether a public key is already on record.
type publicKeyIndex interface {
	FindByPublicKey(ctx context.Context, key string) (metadata.FileRecord, bool, error)
}

// privateKeyIndex is implemented by indexes that look private keys up cheaply.
type privateKeyIndex interface {
	FindByPrivateKey(ctx context.Context, key string) (metadata.FileRecord, bool, error)
}

// publicKeysOnly hides FindByPrivateKey from newKeyPair.
type publicKeysOnly struct {
	idx publicKeyIndex
}

func (p publicKeysOnly) FindByPublicKey(ctx context.Context, key string) (metadata.FileRecord, bool, error) {
	return p.idx.FindByPublicKey(ctx, key)
}

// newKeyPair draws keys until the public key, and the private key when idx
// can look it up, are unused.
func newKeyPair(ctx context.Context, idx publicKeyIndex, gen keygen.Func) (KeyPair, error) {
	private, checkPrivate := idx.(privateKeyIndex)
	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		kp := KeyPair{PublicKey: gen(), PrivateKey: gen()}
		if kp.PublicKey == "" || kp.PublicKey == kp.PrivateKey {
			continue
		}
		_, taken, err := idx.FindByPublicKey(ctx, kp.PublicKey)
		if err != nil {
			return KeyPair{}, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		}
		if !taken && checkPrivate {
			_, taken, err = private.FindByPrivateKey(ctx, kp.PrivateKey)
			if err != nil {
				return KeyPair{}, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
			}
		}
		if !taken {
			return kp, nil
		}
	}
	return KeyPair{}, fmt.Errorf("%w: no unique key pair after %d attempts", ErrBackendUnavailable, maxKeyAttempts)
}

// checkUpload validates the temp source and returns its size.
func checkUpload(u Upload) (int64, error) {
	if u.TempPath == "" {
		return 0, fmt.Errorf("%w: empty temp path", ErrInvalidInput)
	}
	if u.OriginalName == "" {
		return 0, fmt.Errorf("%w: empty original name", ErrInvalidInput)
	}
	info, err := os.Stat(u.TempPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%w: %s is not a regular file", ErrInvalidInput, u.TempPath)
	}
	return info.Size(), nil
}

func contentType(u Upload) string {
	if u.ContentType != "" {
		return u.ContentType
	}
	if ct := mime.TypeByExtension(filepath.Ext(u.OriginalName)); ct != "" {
		return ct
	}
	return defaultContentType
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}
