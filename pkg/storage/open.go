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
	"fmt"
	"path/filepath"

	"github.com/fawa-io/keydrop/pkg/fwlog"
	"github.com/fawa-io/keydrop/pkg/metadata"
)

// Backend variants.
const (
	BackendLocal  = "local"
	BackendRemote = "remote"
	BackendMock   = "mock"
)

// Index variants used by the local backend.
const (
	IndexJSON   = "json"
	IndexBolt   = "bolt"
	IndexRedis  = "redis"
	IndexMemory = "memory"
)

// Options selects and configures a Provider.
type Options struct {
	Backend string
	// Root is the storage directory of the local backend.
	Root   string
	Index  string
	Redis  metadata.RedisOptions
	Remote RemoteOptions
}

// Open builds the Provider named by o.Backend. It is called once at startup;
// nothing else inspects the backend name.
func Open(ctx context.Context, o Options, opts ...Option) (Provider, error) {
	switch o.Backend {
	case BackendLocal, "":
		index, err := openIndex(ctx, o)
		if err != nil {
			return nil, err
		}
		b, err := NewLocalBackend(o.Root, index, opts...)
		if err != nil {
			_ = index.Close()
			return nil, err
		}
		fwlog.Infof("storage: local backend at %s with %s index", b.Root(), indexName(o.Index))
		return b, nil
	case BackendRemote:
		return NewRemoteBackend(ctx, o.Remote, opts...)
	case BackendMock:
		fwlog.Warn("storage: using mock backend, files are lost on exit")
		return NewMockBackend(opts...)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidInput, o.Backend)
	}
}

func indexName(index string) string {
	if index == "" {
		return IndexJSON
	}
	return index
}

func openIndex(ctx context.Context, o Options) (metadata.Store, error) {
	switch indexName(o.Index) {
	case IndexJSON:
		return metadata.NewJSONStore(filepath.Join(o.Root, metadata.DocumentFileName))
	case IndexBolt:
		return metadata.OpenBoltStore(filepath.Join(o.Root, metadata.BoltFileName))
	case IndexRedis:
		return metadata.NewRedisStore(ctx, o.Redis)
	case IndexMemory:
		return metadata.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: unknown index %q", ErrInvalidInput, o.Index)
	}
}
