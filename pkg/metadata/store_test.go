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
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

var base = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func testRecord(i int) FileRecord {
	pub := fmt.Sprintf("%032x", 0xa000+i)
	return FileRecord{
		PublicKey:    pub,
		PrivateKey:   fmt.Sprintf("%032x", 0xb000+i),
		Filename:     pub + "_file.txt",
		OriginalName: "file.txt",
		ContentType:  "text/plain",
		Size:         int64(10 + i),
		Locator:      filepath.Join("/srv/storage", pub+"_file.txt"),
		CreatedAt:    base,
		LastAccess:   base,
	}
}

type storeFactory struct {
	name string
	open func(t *testing.T) Store
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"json", func(t *testing.T) Store {
			s, err := NewJSONStore(filepath.Join(t.TempDir(), DocumentFileName))
			require.NoError(t, err)
			return s
		}},
		{"bolt", func(t *testing.T) Store {
			s, err := OpenBoltStore(filepath.Join(t.TempDir(), BoltFileName))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
}

func TestStoreContract(t *testing.T) {
	for _, f := range storeFactories() {
		f := f
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			t.Run("InsertAndFind", func(t *testing.T) { testInsertAndFind(t, f.open(t)) })
			t.Run("Touch", func(t *testing.T) { testTouch(t, f.open(t)) })
			t.Run("Remove", func(t *testing.T) { testRemove(t, f.open(t)) })
			t.Run("Upsert", func(t *testing.T) { testUpsert(t, f.open(t)) })
			t.Run("Retain", func(t *testing.T) { testRetain(t, f.open(t)) })
			t.Run("ConcurrentWriters", func(t *testing.T) { testConcurrentWriters(t, f.open(t)) })
		})
	}
}

func testInsertAndFind(t *testing.T, s Store) {
	ctx := context.Background()
	rec := testRecord(1)
	require.NoError(t, s.Insert(ctx, rec))

	got, ok, err := s.FindByPublicKey(ctx, rec.PublicKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	got, ok, err = s.FindByPrivateKey(ctx, rec.PrivateKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	_, ok, err = s.FindByPublicKey(ctx, rec.PrivateKey)
	require.NoError(t, err)
	assert.False(t, ok, "private key must not resolve as a public key")

	dup := testRecord(2)
	dup.PublicKey = rec.PublicKey
	assert.ErrorIs(t, s.Insert(ctx, dup), ErrDuplicateKey)

	dup = testRecord(3)
	dup.PrivateKey = rec.PrivateKey
	assert.ErrorIs(t, s.Insert(ctx, dup), ErrDuplicateKey)

	bad := testRecord(4)
	bad.PrivateKey = bad.PublicKey
	assert.ErrorIs(t, s.Insert(ctx, bad), ErrInvalidRecord)

	all, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testTouch(t *testing.T, s Store) {
	ctx := context.Background()
	rec := testRecord(1)
	require.NoError(t, s.Insert(ctx, rec))

	later := base.Add(time.Hour)
	got, ok, err := s.Touch(ctx, rec.PublicKey, later)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.LastAccess.Equal(later))

	// A clock going backwards never moves LastAccess back.
	got, ok, err = s.Touch(ctx, rec.PublicKey, base.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.LastAccess.Equal(later))

	stored, _, err := s.FindByPublicKey(ctx, rec.PublicKey)
	require.NoError(t, err)
	assert.True(t, stored.LastAccess.Equal(later))
	assert.True(t, stored.CreatedAt.Equal(base))

	_, ok, err = s.Touch(ctx, "ffffffffffffffffffffffffffffffff", later)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testRemove(t *testing.T, s Store) {
	ctx := context.Background()
	a, b := testRecord(1), testRecord(2)
	require.NoError(t, s.Insert(ctx, a))
	require.NoError(t, s.Insert(ctx, b))

	// The public key never works for deletion.
	_, ok, err := s.RemoveByPrivateKey(ctx, a.PublicKey)
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := s.RemoveByPrivateKey(ctx, a.PrivateKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a, got)

	_, ok, err = s.RemoveByPrivateKey(ctx, a.PrivateKey)
	require.NoError(t, err)
	assert.False(t, ok, "second removal is a no-op")

	_, ok, err = s.FindByPublicKey(ctx, a.PublicKey)
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, b.PublicKey, all[0].PublicKey)
}

func testUpsert(t *testing.T, s Store) {
	ctx := context.Background()
	a, b := testRecord(1), testRecord(2)
	require.NoError(t, s.Upsert(ctx, a))
	require.NoError(t, s.Upsert(ctx, b))

	a.Size = 999
	a.PrivateKey = strings.Repeat("c", 32)
	require.NoError(t, s.Upsert(ctx, a))

	got, ok, err := s.FindByPrivateKey(ctx, a.PrivateKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(999), got.Size)

	_, ok, err = s.FindByPrivateKey(ctx, testRecord(1).PrivateKey)
	require.NoError(t, err)
	assert.False(t, ok, "replaced private key is released")

	stolen := b
	stolen.PrivateKey = a.PrivateKey
	assert.ErrorIs(t, s.Upsert(ctx, stolen), ErrDuplicateKey)

	all, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testRetain(t *testing.T, s Store) {
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Insert(ctx, testRecord(i)))
	}
	keepKey := testRecord(2).PublicKey

	var seen []string
	evicted, err := s.Retain(ctx, func(rec FileRecord) bool {
		seen = append(seen, rec.PublicKey)
		return rec.PublicKey == keepKey
	})
	require.NoError(t, err)
	assert.Equal(t, 2, evicted)
	assert.Len(t, seen, 3)

	all, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, keepKey, all[0].PublicKey)

	_, ok, err := s.FindByPrivateKey(ctx, testRecord(1).PrivateKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

// testConcurrentWriters checks that no writer overwrites another's record.
func testConcurrentWriters(t *testing.T, s Store) {
	ctx := context.Background()
	const n = 32

	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(rec FileRecord) {
			defer wg.Done()
			if err := s.Insert(ctx, rec); err != nil {
				errs <- err
				return
			}
			if _, _, err := s.Touch(ctx, rec.PublicKey, base.Add(time.Minute)); err != nil {
				errs <- err
			}
		}(testRecord(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	all, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, all, n)

	for i := 1; i <= n; i++ {
		_, ok, err := s.RemoveByPrivateKey(ctx, testRecord(i).PrivateKey)
		require.NoError(t, err)
		assert.True(t, ok, "record %d", i)
	}
}

func TestBoltStoreRetainKeepsUndecodableEntries(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBoltStore(filepath.Join(t.TempDir(), BoltFileName))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Insert(ctx, testRecord(1)))
	require.NoError(t, s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).Put([]byte("broken"), []byte("{"))
	}))

	evicted, err := s.Retain(ctx, func(FileRecord) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	require.NoError(t, s.db.View(func(tx *bbolt.Tx) error {
		assert.Equal(t, []byte("{"), tx.Bucket(bucketFiles).Get([]byte("broken")))
		assert.Nil(t, tx.Bucket(bucketFiles).Get([]byte(testRecord(1).PublicKey)))
		return nil
	}))
}

func TestDurableStoresSurviveReopen(t *testing.T) {
	ctx := context.Background()

	t.Run("json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), DocumentFileName)
		s, err := NewJSONStore(path)
		require.NoError(t, err)
		require.NoError(t, s.Insert(ctx, testRecord(1)))
		_, _, err = s.Touch(ctx, testRecord(1).PublicKey, base.Add(time.Minute))
		require.NoError(t, err)

		reopened, err := NewJSONStore(path)
		require.NoError(t, err)
		got, ok, err := reopened.FindByPublicKey(ctx, testRecord(1).PublicKey)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, got.LastAccess.Equal(base.Add(time.Minute)))
	})

	t.Run("bolt", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), BoltFileName)
		s, err := OpenBoltStore(path)
		require.NoError(t, err)
		require.NoError(t, s.Insert(ctx, testRecord(1)))
		require.NoError(t, s.Close())

		reopened, err := OpenBoltStore(path)
		require.NoError(t, err)
		defer reopened.Close()
		got, ok, err := reopened.FindByPrivateKey(ctx, testRecord(1).PrivateKey)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, testRecord(1), got)
	})
}
