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
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/fawa-io/keydrop/pkg/fwlog"
	"github.com/fawa-io/keydrop/pkg/util"
)

// BoltFileName is the name of the bbolt index inside a storage root.
const BoltFileName = "files.db"

var (
	bucketFiles   = []byte("files")   // public key -> JSON record
	bucketPrivate = []byte("private") // private key -> public key
)

// BoltStore persists records in an embedded bbolt database. Each mutation is
// one read-write transaction, which bbolt serializes.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBoltStore opens or creates the database at path. A second process
// holding the file makes the open fail after one second.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("metadata: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketFiles, bucketPrivate} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("metadata: create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func decodeRecord(data []byte) (FileRecord, error) {
	var rec FileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return FileRecord{}, fmt.Errorf("%w: %w", ErrCorruptIndex, err)
	}
	return rec, nil
}

func putRecord(tx *bbolt.Tx, rec FileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketFiles).Put([]byte(rec.PublicKey), data); err != nil {
		return err
	}
	return tx.Bucket(bucketPrivate).Put([]byte(rec.PrivateKey), []byte(rec.PublicKey))
}

func getRecord(tx *bbolt.Tx, publicKey []byte) (FileRecord, bool, error) {
	data := tx.Bucket(bucketFiles).Get(publicKey)
	if data == nil {
		return FileRecord{}, false, nil
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return FileRecord{}, false, err
	}
	return rec, true, nil
}

func (s *BoltStore) Load(ctx context.Context) ([]FileRecord, error) {
	var out []FileRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				fwlog.Warnf("metadata: skipping entry %q: %v", k, err)
				return nil
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("metadata: load: %w", err)
	}
	return out, nil
}

func (s *BoltStore) Insert(ctx context.Context, rec FileRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketFiles).Get([]byte(rec.PublicKey)) != nil ||
			tx.Bucket(bucketPrivate).Get([]byte(rec.PrivateKey)) != nil {
			return ErrDuplicateKey
		}
		return putRecord(tx, rec)
	})
}

func (s *BoltStore) Upsert(ctx context.Context, rec FileRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		private := tx.Bucket(bucketPrivate)
		if owner := private.Get([]byte(rec.PrivateKey)); owner != nil && string(owner) != rec.PublicKey {
			return ErrDuplicateKey
		}
		old, found, err := getRecord(tx, []byte(rec.PublicKey))
		if err == nil && found && old.PrivateKey != rec.PrivateKey {
			if err := private.Delete([]byte(old.PrivateKey)); err != nil {
				return err
			}
		}
		return putRecord(tx, rec)
	})
}

func (s *BoltStore) FindByPublicKey(ctx context.Context, key string) (FileRecord, bool, error) {
	var (
		rec   FileRecord
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) (err error) {
		rec, found, err = getRecord(tx, []byte(key))
		return err
	})
	return rec, found, err
}

func (s *BoltStore) FindByPrivateKey(ctx context.Context, key string) (FileRecord, bool, error) {
	var (
		rec   FileRecord
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) (err error) {
		pub := tx.Bucket(bucketPrivate).Get([]byte(key))
		if pub == nil {
			return nil
		}
		rec, found, err = getRecord(tx, pub)
		return err
	})
	return rec, found, err
}

func (s *BoltStore) Touch(ctx context.Context, publicKey string, at time.Time) (FileRecord, bool, error) {
	var (
		rec   FileRecord
		found bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) (err error) {
		rec, found, err = getRecord(tx, []byte(publicKey))
		if err != nil || !found {
			return err
		}
		rec = rec.Touched(at)
		return putRecord(tx, rec)
	})
	if err != nil {
		return FileRecord{}, false, err
	}
	return rec, found, nil
}

func (s *BoltStore) RemoveByPrivateKey(ctx context.Context, key string) (FileRecord, bool, error) {
	var (
		rec   FileRecord
		found bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		private := tx.Bucket(bucketPrivate)
		pub := private.Get([]byte(key))
		if pub == nil {
			return nil
		}
		// Copy: pub is only valid until the bucket is modified.
		pubKey := append([]byte(nil), pub...)

		var err error
		rec, found, err = getRecord(tx, pubKey)
		if err != nil {
			fwlog.Warnf("metadata: removing undecodable entry %q: %v", pubKey, err)
			rec, found = FileRecord{PublicKey: string(pubKey), PrivateKey: key}, true
		}
		if !found {
			// Dangling private key without a record.
			return private.Delete([]byte(key))
		}
		if err := tx.Bucket(bucketFiles).Delete(pubKey); err != nil {
			return err
		}
		return private.Delete([]byte(key))
	})
	if err != nil {
		return FileRecord{}, false, err
	}
	return rec, found, nil
}

func (s *BoltStore) Retain(ctx context.Context, keep func(FileRecord) bool) (int, error) {
	evicted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		private := tx.Bucket(bucketPrivate)

		type entry struct {
			key []byte
			rec FileRecord
		}
		var entries []entry
		err := files.ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				// Its stored file is unknown, so the entry stays for inspection.
				fwlog.Warnf("metadata: keeping undecodable entry %q: %v", k, err)
				return nil
			}
			entries = append(entries, entry{key: append([]byte(nil), k...), rec: rec})
			return nil
		})
		if err != nil {
			return err
		}

		for _, e := range entries {
			if ctx.Err() != nil || keep(e.rec) {
				continue
			}
			if err := files.Delete(e.key); err != nil {
				return err
			}
			if err := private.Delete([]byte(e.rec.PrivateKey)); err != nil {
				return err
			}
			evicted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("metadata: retain: %w", err)
	}
	return evicted, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error { return s.db.Close() }
