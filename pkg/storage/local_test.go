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
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fawa-io/keydrop/pkg/metadata"
)

func newLocal(t *testing.T, index metadata.Store, opts ...Option) *LocalBackend {
	t.Helper()
	b, err := NewLocalBackend(t.TempDir(), index, opts...)
	require.NoError(t, err)
	return b
}

func TestLocalBackendLayout(t *testing.T) {
	root := t.TempDir()
	index, err := metadata.NewJSONStore(filepath.Join(root, metadata.DocumentFileName))
	require.NoError(t, err)
	b, err := NewLocalBackend(root, index)
	require.NoError(t, err)

	kp := save(t, b, "../../my report.txt", "quarterly")

	stored := filepath.Join(root, kp.PublicKey+"_my_report.txt")
	data, err := os.ReadFile(stored)
	require.NoError(t, err)
	assert.Equal(t, "quarterly", string(data))

	raw, err := os.ReadFile(filepath.Join(root, metadata.DocumentFileName))
	require.NoError(t, err)
	var doc struct {
		Files []map[string]any `json:"files"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc.Files, 1)
	assert.Equal(t, kp.PublicKey, doc.Files[0]["publicKey"])
	assert.Equal(t, kp.PrivateKey, doc.Files[0]["privateKey"])
	assert.Equal(t, stored, doc.Files[0]["path"])
	assert.Equal(t, "../../my report.txt", doc.Files[0]["originalname"])
}

func TestLocalBackendContentType(t *testing.T) {
	b := newLocal(t, metadata.NewMemoryStore())
	ctx := context.Background()

	tests := []struct {
		name     string
		declared string
		want     string
	}{
		{"photo.png", "", "image/png"},
		{"blob.nosuchext", "", "application/octet-stream"},
		{"noext", "", "application/octet-stream"},
		{"photo.png", "application/x-custom", "application/x-custom"},
	}
	for _, tt := range tests {
		kp, err := b.Save(ctx, Upload{TempPath: writeTemp(t, "x"), OriginalName: tt.name, ContentType: tt.declared})
		require.NoError(t, err)
		rec, _ := read(t, b, kp.PublicKey)
		assert.Equal(t, tt.want, rec.ContentType, tt.name)
	}
}

type failingInsertStore struct {
	metadata.Store
}

func (failingInsertStore) Insert(context.Context, metadata.FileRecord) error {
	return errors.New("disk full")
}

func TestLocalBackendSaveFailureKeepsTempFile(t *testing.T) {
	b := newLocal(t, failingInsertStore{metadata.NewMemoryStore()})
	tmp := writeTemp(t, "precious")

	_, err := b.Save(context.Background(), Upload{TempPath: tmp, OriginalName: "precious.txt"})
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	data, err := os.ReadFile(tmp)
	require.NoError(t, err, "temp source is restored")
	assert.Equal(t, "precious", string(data))

	entries, err := os.ReadDir(b.Root())
	require.NoError(t, err)
	assert.Empty(t, entries, "no orphaned bytes")
}

func TestLocalBackendRemoveRestoresRecordOnPurgeFailure(t *testing.T) {
	index := metadata.NewMemoryStore()
	b := newLocal(t, index)
	ctx := context.Background()
	kp := save(t, b, "stuck.txt", "stuck")

	rec, ok, err := index.FindByPublicKey(ctx, kp.PublicKey)
	require.NoError(t, err)
	require.True(t, ok)

	// A non-empty directory cannot be removed with os.Remove.
	require.NoError(t, os.Remove(rec.Locator))
	require.NoError(t, os.Mkdir(rec.Locator, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(rec.Locator, "child"), []byte("x"), 0o600))

	ok, err = b.Remove(ctx, kp.PrivateKey)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	_, ok, err = index.FindByPrivateKey(ctx, kp.PrivateKey)
	require.NoError(t, err)
	assert.True(t, ok, "record is restored")
}

func TestLocalBackendAccessTime(t *testing.T) {
	b := newLocal(t, metadata.NewMemoryStore())
	ctx := context.Background()
	kp := save(t, b, "a.txt", "a")
	rec, _ := read(t, b, kp.PublicKey)

	at, err := b.AccessTime(ctx, rec)
	require.NoError(t, err)
	assert.False(t, at.IsZero())

	require.NoError(t, b.Purge(ctx, rec))
	_, err = b.AccessTime(ctx, rec)
	assert.ErrorIs(t, err, ErrNotFound)
}
