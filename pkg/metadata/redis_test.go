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
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	filesHash   = DefaultRedisPrefix + ":files"
	privateHash = DefaultRedisPrefix + ":private"
)

func mustJSON(t *testing.T, rec FileRecord) string {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	return string(data)
}

func TestRedisStore_Insert(t *testing.T) {
	rec := testRecord(1)

	testCases := []struct {
		name    string
		mocker  func(mock redismock.ClientMock)
		wantErr error
		anyErr  bool
	}{
		{
			name: "success",
			mocker: func(mock redismock.ClientMock) {
				mock.ExpectHExists(filesHash, rec.PublicKey).SetVal(false)
				mock.ExpectHExists(privateHash, rec.PrivateKey).SetVal(false)
				mock.ExpectHSet(filesHash, rec.PublicKey, mustJSON(t, rec)).SetVal(1)
				mock.ExpectHSet(privateHash, rec.PrivateKey, rec.PublicKey).SetVal(1)
			},
		},
		{
			name: "public key taken",
			mocker: func(mock redismock.ClientMock) {
				mock.ExpectHExists(filesHash, rec.PublicKey).SetVal(true)
			},
			wantErr: ErrDuplicateKey,
		},
		{
			name: "private key taken",
			mocker: func(mock redismock.ClientMock) {
				mock.ExpectHExists(filesHash, rec.PublicKey).SetVal(false)
				mock.ExpectHExists(privateHash, rec.PrivateKey).SetVal(true)
			},
			wantErr: ErrDuplicateKey,
		},
		{
			name: "rollback when private index fails",
			mocker: func(mock redismock.ClientMock) {
				mock.ExpectHExists(filesHash, rec.PublicKey).SetVal(false)
				mock.ExpectHExists(privateHash, rec.PrivateKey).SetVal(false)
				mock.ExpectHSet(filesHash, rec.PublicKey, mustJSON(t, rec)).SetVal(1)
				mock.ExpectHSet(privateHash, rec.PrivateKey, rec.PublicKey).SetErr(errors.New("redis error"))
				mock.ExpectHDel(filesHash, rec.PublicKey).SetVal(1)
			},
			anyErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client, mock := redismock.NewClientMock()
			store := newRedisStore(client, "")
			tc.mocker(mock)

			err := store.Insert(context.Background(), rec)
			switch {
			case tc.wantErr != nil:
				assert.ErrorIs(t, err, tc.wantErr)
			case tc.anyErr:
				assert.Error(t, err)
			default:
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRedisStore_Find(t *testing.T) {
	ctx := context.Background()
	rec := testRecord(1)
	client, mock := redismock.NewClientMock()
	store := newRedisStore(client, "")

	mock.ExpectHGet(filesHash, rec.PublicKey).SetVal(mustJSON(t, rec))
	got, ok, err := store.FindByPublicKey(ctx, rec.PublicKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	mock.ExpectHGet(filesHash, "unknown").RedisNil()
	_, ok, err = store.FindByPublicKey(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectHGet(filesHash, "corrupt").SetVal("invalid json")
	_, _, err = store.FindByPublicKey(ctx, "corrupt")
	assert.ErrorIs(t, err, ErrCorruptIndex)

	mock.ExpectHGet(privateHash, rec.PrivateKey).SetVal(rec.PublicKey)
	mock.ExpectHGet(filesHash, rec.PublicKey).SetVal(mustJSON(t, rec))
	got, ok, err = store.FindByPrivateKey(ctx, rec.PrivateKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	mock.ExpectHGet(privateHash, "unknown").RedisNil()
	_, ok, err = store.FindByPrivateKey(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Touch(t *testing.T) {
	rec := testRecord(1)
	at := base.Add(2 * time.Hour)
	touched := rec
	touched.LastAccess = at

	client, mock := redismock.NewClientMock()
	store := newRedisStore(client, "")
	mock.ExpectHGet(filesHash, rec.PublicKey).SetVal(mustJSON(t, rec))
	mock.ExpectHSet(filesHash, rec.PublicKey, mustJSON(t, touched)).SetVal(0)

	got, ok, err := store.Touch(context.Background(), rec.PublicKey, at)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.LastAccess.Equal(at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_RemoveByPrivateKey(t *testing.T) {
	ctx := context.Background()
	rec := testRecord(1)
	client, mock := redismock.NewClientMock()
	store := newRedisStore(client, "")

	mock.ExpectHGet(privateHash, rec.PrivateKey).SetVal(rec.PublicKey)
	mock.ExpectHGet(filesHash, rec.PublicKey).SetVal(mustJSON(t, rec))
	mock.ExpectHDel(filesHash, rec.PublicKey).SetVal(1)
	mock.ExpectHDel(privateHash, rec.PrivateKey).SetVal(1)

	got, ok, err := store.RemoveByPrivateKey(ctx, rec.PrivateKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	mock.ExpectHGet(privateHash, rec.PrivateKey).RedisNil()
	_, ok, err = store.RemoveByPrivateKey(ctx, rec.PrivateKey)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Retain(t *testing.T) {
	a, b := testRecord(1), testRecord(2)
	client, mock := redismock.NewClientMock()
	store := newRedisStore(client, "")

	mock.ExpectHGetAll(filesHash).SetVal(map[string]string{
		a.PublicKey: mustJSON(t, a),
		b.PublicKey: mustJSON(t, b),
		"broken":    "{",
	})
	// "broken" cannot name its stored file, so it stays in the hash.
	mock.ExpectHDel(filesHash, b.PublicKey).SetVal(1)
	mock.ExpectHDel(privateHash, b.PrivateKey).SetVal(1)

	evicted, err := store.Retain(context.Background(), func(rec FileRecord) bool {
		return rec.PublicKey == a.PublicKey
	})
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_RetainAbortsOnReadError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := newRedisStore(client, "")
	mock.ExpectHGetAll(filesHash).SetErr(errors.New("connection refused"))

	called := false
	_, err := store.Retain(context.Background(), func(FileRecord) bool {
		called = true
		return false
	})
	assert.Error(t, err)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Load(t *testing.T) {
	a := testRecord(1)
	client, mock := redismock.NewClientMock()
	store := newRedisStore(client, "custom")

	mock.ExpectHGetAll("custom:files").SetVal(map[string]string{
		a.PublicKey: mustJSON(t, a),
		"broken":    "not json",
	})
	all, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []FileRecord{a}, all)
	assert.NoError(t, mock.ExpectationsWereMet())
}
