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

// Package metadata keeps the index that maps public and private keys to
// stored files.
//
// Every Store serializes its read-modify-write cycles internally and persists
// each mutation before returning, so a successful call survives a crash that
// happens right after it.
package metadata

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCorruptIndex marks a backing document or entry that cannot be decoded.
	// Load recovers from it by starting empty; it is never returned by Load.
	ErrCorruptIndex = errors.New("metadata: corrupt index")
	// ErrDuplicateKey is returned by Insert when a key is already on record.
	ErrDuplicateKey = errors.New("metadata: duplicate key")
	// ErrInvalidRecord is returned when a record breaks the key invariants.
	ErrInvalidRecord = errors.New("metadata: invalid record")
)

// Store is a durable mapping from both key kinds to FileRecords.
type Store interface {
	// Load (re)reads the backing state and returns every record.
	Load(ctx context.Context) ([]FileRecord, error)
	// Insert adds rec, failing with ErrDuplicateKey if either key is taken.
	Insert(ctx context.Context, rec FileRecord) error
	// Upsert adds rec or replaces the record with the same public key.
	Upsert(ctx context.Context, rec FileRecord) error
	FindByPublicKey(ctx context.Context, key string) (FileRecord, bool, error)
	FindByPrivateKey(ctx context.Context, key string) (FileRecord, bool, error)
	// Touch advances LastAccess of the record to at and returns the result.
	Touch(ctx context.Context, publicKey string, at time.Time) (FileRecord, bool, error)
	// RemoveByPrivateKey deletes the record owning key and returns it.
	RemoveByPrivateKey(ctx context.Context, key string) (FileRecord, bool, error)
	// Retain calls keep for every record while holding the store lock and
	// persists the survivors in a single write. It returns how many records
	// were dropped. If the backing state cannot be read nothing is dropped.
	Retain(ctx context.Context, keep func(FileRecord) bool) (int, error)
	Close() error
}
