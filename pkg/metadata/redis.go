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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fawa-io/keydrop/pkg/fwlog"
)

// DefaultRedisPrefix namespaces the hashes used by RedisStore.
const DefaultRedisPrefix = "keydrop"

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore implements Store on top of Dragonfly/Redis. Records live in the
// hash "<prefix>:files" (public key -> JSON) and the hash "<prefix>:private"
// maps private keys to public keys. Mutations are serialized by mu; several
// processes sharing one prefix are not supported.
type RedisStore struct {
	client     redis.Cmdable
	filesKey   string
	privateKey string

	mu sync.Mutex
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to addr and checks the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	// Check the connection.
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("metadata: ping redis %s: %w", opts.Addr, err)
	}
	return newRedisStore(client, opts.Prefix), nil
}

func newRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client:     client,
		filesKey:   prefix + ":files",
		privateKey: prefix + ":private",
	}
}

func (s *RedisStore) getRecord(ctx context.Context, publicKey string) (FileRecord, bool, error) {
	val, err := s.client.HGet(ctx, s.filesKey, publicKey).Result()
	if errors.Is(err, redis.Nil) {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, err
	}
	var rec FileRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return FileRecord{}, false, fmt.Errorf("%w: %w", ErrCorruptIndex, err)
	}
	return rec, true, nil
}

func (s *RedisStore) ownerOf(ctx context.Context, privateKey string) (string, bool, error) {
	pub, err := s.client.HGet(ctx, s.privateKey, privateKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return pub, true, nil
}

func (s *RedisStore) putRecord(ctx context.Context, rec FileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.filesKey, rec.PublicKey, string(data)).Err()
}

func (s *RedisStore) Load(ctx context.Context) ([]FileRecord, error) {
	all, err := s.client.HGetAll(ctx, s.filesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("metadata: load: %w", err)
	}
	out := make([]FileRecord, 0, len(all))
	for _, pub := range sortedKeys(all) {
		var rec FileRecord
		if err := json.Unmarshal([]byte(all[pub]), &rec); err != nil {
			fwlog.Warnf("metadata: skipping entry %q: %v", pub, err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) Insert(ctx context.Context, rec FileRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	taken, err := s.client.HExists(ctx, s.filesKey, rec.PublicKey).Result()
	if err != nil {
		return err
	}
	if !taken {
		taken, err = s.client.HExists(ctx, s.privateKey, rec.PrivateKey).Result()
		if err != nil {
			return err
		}
	}
	if taken {
		return ErrDuplicateKey
	}

	if err := s.putRecord(ctx, rec); err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.privateKey, rec.PrivateKey, rec.PublicKey).Err(); err != nil {
		// Roll back so the record is never visible by one key only.
		if delErr := s.client.HDel(ctx, s.filesKey, rec.PublicKey).Err(); delErr != nil {
			fwlog.Errorf("metadata: rollback of %s failed: %v", rec.PublicKey, delErr)
		}
		return err
	}
	return nil
}

func (s *RedisStore) Upsert(ctx context.Context, rec FileRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, owned, err := s.ownerOf(ctx, rec.PrivateKey)
	if err != nil {
		return err
	}
	if owned && owner != rec.PublicKey {
		return ErrDuplicateKey
	}
	old, found, err := s.getRecord(ctx, rec.PublicKey)
	if err != nil && !errors.Is(err, ErrCorruptIndex) {
		return err
	}

	if err := s.putRecord(ctx, rec); err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.privateKey, rec.PrivateKey, rec.PublicKey).Err(); err != nil {
		return err
	}
	if found && old.PrivateKey != rec.PrivateKey {
		return s.client.HDel(ctx, s.privateKey, old.PrivateKey).Err()
	}
	return nil
}

func (s *RedisStore) FindByPublicKey(ctx context.Context, key string) (FileRecord, bool, error) {
	return s.getRecord(ctx, key)
}

func (s *RedisStore) FindByPrivateKey(ctx context.Context, key string) (FileRecord, bool, error) {
	pub, ok, err := s.ownerOf(ctx, key)
	if err != nil || !ok {
		return FileRecord{}, false, err
	}
	return s.getRecord(ctx, pub)
}

func (s *RedisStore) Touch(ctx context.Context, publicKey string, at time.Time) (FileRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found, err := s.getRecord(ctx, publicKey)
	if err != nil || !found {
		return FileRecord{}, false, err
	}
	rec = rec.Touched(at)
	if err := s.putRecord(ctx, rec); err != nil {
		return FileRecord{}, false, err
	}
	return rec, true, nil
}

func (s *RedisStore) RemoveByPrivateKey(ctx context.Context, key string) (FileRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pub, ok, err := s.ownerOf(ctx, key)
	if err != nil || !ok {
		return FileRecord{}, false, err
	}
	rec, found, err := s.getRecord(ctx, pub)
	if err != nil && !errors.Is(err, ErrCorruptIndex) {
		return FileRecord{}, false, err
	}
	if !found {
		rec = FileRecord{PublicKey: pub, PrivateKey: key}
	}
	if err := s.client.HDel(ctx, s.filesKey, pub).Err(); err != nil {
		return FileRecord{}, false, err
	}
	if err := s.client.HDel(ctx, s.privateKey, key).Err(); err != nil {
		return FileRecord{}, false, err
	}
	return rec, true, nil
}

func (s *RedisStore) Retain(ctx context.Context, keep func(FileRecord) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.client.HGetAll(ctx, s.filesKey).Result()
	if err != nil {
		return 0, fmt.Errorf("metadata: retain: %w", err)
	}

	var dropPub, dropPriv []string
	for _, pub := range sortedKeys(all) {
		var rec FileRecord
		if err := json.Unmarshal([]byte(all[pub]), &rec); err != nil {
			fwlog.Warnf("metadata: keeping undecodable entry %q: %v", pub, err)
			continue
		}
		if ctx.Err() != nil || keep(rec) {
			continue
		}
		dropPub = append(dropPub, pub)
		dropPriv = append(dropPriv, rec.PrivateKey)
	}

	if len(dropPub) > 0 {
		if err := s.client.HDel(ctx, s.filesKey, dropPub...).Err(); err != nil {
			return 0, fmt.Errorf("metadata: retain: %w", err)
		}
	}
	if len(dropPriv) > 0 {
		if err := s.client.HDel(ctx, s.privateKey, dropPriv...).Err(); err != nil {
			return 0, fmt.Errorf("metadata: retain: %w", err)
		}
	}
	return len(dropPriv), nil
}

// Close closes storage connections.
func (s *RedisStore) Close() error {
	if client, ok := s.client.(*redis.Client); ok {
		fwlog.Info("Closing Redis/Dragonfly connection...")
		return client.Close()
	}
	if client, ok := s.client.(*redis.ClusterClient); ok {
		fwlog.Info("Closing Redis/Dragonfly cluster connection...")
		return client.Close()
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
