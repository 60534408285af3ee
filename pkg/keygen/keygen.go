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

// Package keygen issues the public and private tokens that address stored files.
package keygen

import (
	"crypto/rand"
	"encoding/hex"
)

// Size is the number of random bytes behind every generated key.
const Size = 16

const (
	minKeyLen = 16
	maxKeyLen = 64
)

// Func produces a fresh key on every call.
type Func func() string

// Generate returns Size bytes from crypto/rand encoded as lowercase hex.
// The output only contains [0-9a-f] and is safe as a file or object name.
func Generate() string {
	b := make([]byte, Size)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		panic("keygen: reading random bytes: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Valid reports whether key has the shape of an issued key. Shorter keys issued
// by earlier deployments (24 hex chars) are still accepted.
func Valid(key string) bool {
	if len(key) < minKeyLen || len(key) > maxKeyLen {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
