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
	"encoding/json"
	"fmt"
	"time"
)

// FileRecord binds a key pair to the physical location of one stored file.
type FileRecord struct {
	PublicKey  string
	PrivateKey string
	// Filename is the stored name, "<publicKey>_<sanitized original name>".
	Filename     string
	OriginalName string
	ContentType  string
	Size         int64
	// Locator is where the bytes live: an absolute path for local storage,
	// an object name for object stores.
	Locator    string
	CreatedAt  time.Time
	LastAccess time.Time
}

// recordJSON is the on-disk shape. Timestamps are epoch milliseconds.
type recordJSON struct {
	PublicKey    string `json:"publicKey"`
	PrivateKey   string `json:"privateKey"`
	Filename     string `json:"filename"`
	OriginalName string `json:"originalname"`
	ContentType  string `json:"mimetype"`
	Size         int64  `json:"size"`
	Locator      string `json:"path"`
	CreatedAt    int64  `json:"createdAt"`
	LastAccess   int64  `json:"lastAccess"`
}

// MarshalJSON implements json.Marshaler.
func (r FileRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		PublicKey:    r.PublicKey,
		PrivateKey:   r.PrivateKey,
		Filename:     r.Filename,
		OriginalName: r.OriginalName,
		ContentType:  r.ContentType,
		Size:         r.Size,
		Locator:      r.Locator,
		CreatedAt:    toMillis(r.CreatedAt),
		LastAccess:   toMillis(r.LastAccess),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *FileRecord) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = FileRecord{
		PublicKey:    raw.PublicKey,
		PrivateKey:   raw.PrivateKey,
		Filename:     raw.Filename,
		OriginalName: raw.OriginalName,
		ContentType:  raw.ContentType,
		Size:         raw.Size,
		Locator:      raw.Locator,
		CreatedAt:    fromMillis(raw.CreatedAt),
		LastAccess:   fromMillis(raw.LastAccess),
	}
	return nil
}

// Validate checks the key invariants of a record.
func (r FileRecord) Validate() error {
	switch {
	case r.PublicKey == "":
		return fmt.Errorf("%w: empty public key", ErrInvalidRecord)
	case r.PrivateKey == "":
		return fmt.Errorf("%w: empty private key", ErrInvalidRecord)
	case r.PublicKey == r.PrivateKey:
		return fmt.Errorf("%w: public and private key are equal", ErrInvalidRecord)
	case !r.LastAccess.IsZero() && r.LastAccess.Before(r.CreatedAt):
		return fmt.Errorf("%w: last access before creation", ErrInvalidRecord)
	}
	return nil
}

// Touched returns a copy of r whose LastAccess is moved forward to at.
// LastAccess never goes backwards and never precedes CreatedAt.
func (r FileRecord) Touched(at time.Time) FileRecord {
	at = Timestamp(at)
	if at.After(r.LastAccess) {
		r.LastAccess = at
	}
	if r.LastAccess.Before(r.CreatedAt) {
		r.LastAccess = r.CreatedAt
	}
	return r
}

// Timestamp truncates t to the millisecond precision records are stored with.
func Timestamp(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
