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
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/fawa-io/keydrop/pkg/fwlog"
	"github.com/fawa-io/keydrop/pkg/keygen"
	"github.com/fawa-io/keydrop/pkg/metadata"
	"github.com/fawa-io/keydrop/pkg/util"
)

// User metadata carried by every object.
const (
	metaPrivateKey   = "Private-Key"
	metaOriginalName = "Original-Name"
	metaCreatedAt    = "Created-At"
	metaLastAccess   = "Last-Access"
)

// RemoteOptions configures the connection to an S3 compatible store.
type RemoteOptions struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
}

// RemoteBackend stores every file as the object "<publicKey>_<name>" and
// keeps its record in the object's user metadata, so the bucket is its own
// index.
type RemoteBackend struct {
	client *minio.Client
	bucket string
	opts   options
}

var _ Provider = (*RemoteBackend)(nil)

// NewRemoteBackend connects to the store and creates the bucket if missing.
func NewRemoteBackend(ctx context.Context, ro RemoteOptions, opts ...Option) (*RemoteBackend, error) {
	if ro.Endpoint == "" || ro.AccessKeyID == "" || ro.SecretAccessKey == "" || ro.Bucket == "" {
		return nil, fmt.Errorf("%w: incomplete object store configuration", ErrInvalidInput)
	}
	fwlog.Infof("Initializing MinIO endpoint=%s bucket=%s ssl=%v", ro.Endpoint, ro.Bucket, ro.UseSSL)

	client, err := minio.New(ro.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(ro.AccessKeyID, ro.SecretAccessKey, ""),
		Secure: ro.UseSSL,
	})
	if err != nil {
		return nil, unavailable(err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, ro.Bucket)
	if err != nil {
		return nil, fmt.Errorf("%w: check bucket %q: %w", ErrBackendUnavailable, ro.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, ro.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("%w: create bucket %q: %w", ErrBackendUnavailable, ro.Bucket, err)
		}
		fwlog.Infof("Successfully created MinIO bucket: %s", ro.Bucket)
	}
	return &RemoteBackend{client: client, bucket: ro.Bucket, opts: buildOptions(opts)}, nil
}

func encodeUserMetadata(rec metadata.FileRecord) map[string]string {
	return map[string]string{
		metaPrivateKey:   rec.PrivateKey,
		metaOriginalName: url.PathEscape(rec.OriginalName),
		metaCreatedAt:    strconv.FormatInt(rec.CreatedAt.UnixMilli(), 10),
		metaLastAccess:   strconv.FormatInt(rec.LastAccess.UnixMilli(), 10),
	}
}

// metaValue looks key up regardless of case and of the x-amz-meta- prefix,
// which differ between StatObject and metadata listings.
func metaValue(m map[string]string, key string) string {
	for k, v := range m {
		k = strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func parseMillis(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// decodeObject rebuilds the record of an object. Objects that were not
// written by this backend yield an error.
func decodeObject(info minio.ObjectInfo) (metadata.FileRecord, error) {
	pub, _, ok := strings.Cut(info.Key, "_")
	if !ok || !keygen.Valid(pub) {
		return metadata.FileRecord{}, fmt.Errorf("unexpected object name %q", info.Key)
	}
	meta := info.UserMetadata
	priv := metaValue(meta, metaPrivateKey)
	if priv == "" {
		return metadata.FileRecord{}, fmt.Errorf("object %q carries no private key", info.Key)
	}
	name, err := url.PathUnescape(metaValue(meta, metaOriginalName))
	if err != nil {
		return metadata.FileRecord{}, err
	}
	created, err := parseMillis(metaValue(meta, metaCreatedAt))
	if err != nil {
		return metadata.FileRecord{}, err
	}
	last, err := parseMillis(metaValue(meta, metaLastAccess))
	if err != nil {
		return metadata.FileRecord{}, err
	}
	if created.IsZero() {
		created = info.LastModified.UTC()
	}
	rec := metadata.FileRecord{
		PublicKey:    pub,
		PrivateKey:   priv,
		Filename:     info.Key,
		OriginalName: name,
		ContentType:  info.ContentType,
		Size:         info.Size,
		Locator:      info.Key,
		CreatedAt:    created,
		LastAccess:   last,
	}
	return rec, rec.Validate()
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == minio.NoSuchKey
}

// stat fills in user metadata, which plain listings may omit.
func (b *RemoteBackend) stat(ctx context.Context, key string) (metadata.FileRecord, bool, error) {
	info, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if isNoSuchKey(err) {
		return metadata.FileRecord{}, false, nil
	}
	if err != nil {
		return metadata.FileRecord{}, false, err
	}
	rec, err := decodeObject(info)
	if err != nil {
		return metadata.FileRecord{}, false, fmt.Errorf("%w: %w", metadata.ErrCorruptIndex, err)
	}
	return rec, true, nil
}

// each calls fn for every object under prefix until fn returns false.
func (b *RemoteBackend) each(ctx context.Context, prefix string, fn func(minio.ObjectInfo) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:       prefix,
		Recursive:    true,
		WithMetadata: true,
	}) {
		if obj.Err != nil {
			return obj.Err
		}
		if !fn(obj) {
			return nil
		}
	}
	return nil
}

// FindByPublicKey resolves key with a prefix listing.
func (b *RemoteBackend) FindByPublicKey(ctx context.Context, key string) (metadata.FileRecord, bool, error) {
	var name string
	err := b.each(ctx, key+"_", func(obj minio.ObjectInfo) bool {
		name = obj.Key
		return false
	})
	if err != nil || name == "" {
		return metadata.FileRecord{}, false, err
	}
	return b.stat(ctx, name)
}

// FindByPrivateKey scans the metadata of every object.
func (b *RemoteBackend) FindByPrivateKey(ctx context.Context, key string) (metadata.FileRecord, bool, error) {
	var (
		match metadata.FileRecord
		ok    bool
	)
	err := b.each(ctx, "", func(obj minio.ObjectInfo) bool {
		// Listings without metadata support leave the value empty.
		if v := metaValue(obj.UserMetadata, metaPrivateKey); v != "" && v != key {
			return true
		}
		rec, found, err := b.stat(ctx, obj.Key)
		if err != nil {
			fwlog.Debugf("storage: skipping object %s: %v", obj.Key, err)
			return true
		}
		if found && rec.PrivateKey == key {
			match, ok = rec, true
			return false
		}
		return true
	})
	if err != nil {
		return metadata.FileRecord{}, false, err
	}
	return match, ok, nil
}

func (b *RemoteBackend) Save(ctx context.Context, u Upload) (KeyPair, error) {
	size, err := checkUpload(u)
	if err != nil {
		return KeyPair{}, err
	}
	// Private keys are only found by scanning the bucket; with 128 bit keys
	// the public key prefix lookup is the only collision check worth a request.
	kp, err := newKeyPair(ctx, publicKeysOnly{b}, b.opts.newKey)
	if err != nil {
		return KeyPair{}, err
	}

	name := kp.PublicKey + "_" + util.SanitizeName(u.OriginalName)
	now := metadata.Timestamp(b.opts.now())
	rec := metadata.FileRecord{
		PublicKey:    kp.PublicKey,
		PrivateKey:   kp.PrivateKey,
		OriginalName: u.OriginalName,
		CreatedAt:    now,
		LastAccess:   now,
	}
	// The object and its record appear in a single PUT.
	_, err = b.client.FPutObject(ctx, b.bucket, name, u.TempPath, minio.PutObjectOptions{
		ContentType:  contentType(u),
		UserMetadata: encodeUserMetadata(rec),
	})
	if err != nil {
		return KeyPair{}, unavailable(err)
	}
	if err := os.Remove(u.TempPath); err != nil {
		fwlog.Warnf("storage: remove temp file %s: %v", u.TempPath, err)
	}

	fwlog.Infof("storage: uploaded %s (%d bytes)", name, size)
	return kp, nil
}

func (b *RemoteBackend) Get(ctx context.Context, publicKey string) (*File, error) {
	if !keygen.Valid(publicKey) {
		return nil, ErrNotFound
	}
	rec, ok, err := b.FindByPublicKey(ctx, publicKey)
	if err != nil {
		return nil, unavailable(err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	rec, err = b.touch(ctx, rec, b.opts.now())
	if isNoSuchKey(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}

	obj, err := b.client.GetObject(ctx, b.bucket, rec.Locator, minio.GetObjectOptions{})
	if err != nil {
		return nil, unavailable(err)
	}
	return &File{Record: rec, Body: obj}, nil
}

// touch rewrites the object's metadata in place with a server side copy.
func (b *RemoteBackend) touch(ctx context.Context, rec metadata.FileRecord, at time.Time) (metadata.FileRecord, error) {
	rec = rec.Touched(at)
	_, err := b.client.CopyObject(ctx,
		minio.CopyDestOptions{
			Bucket:          b.bucket,
			Object:          rec.Locator,
			ReplaceMetadata: true,
			UserMetadata:    encodeUserMetadata(rec),
			ContentType:     rec.ContentType,
		},
		minio.CopySrcOptions{Bucket: b.bucket, Object: rec.Locator},
	)
	return rec, err
}

func (b *RemoteBackend) Remove(ctx context.Context, privateKey string) (bool, error) {
	if !keygen.Valid(privateKey) {
		return false, nil
	}
	rec, ok, err := b.FindByPrivateKey(ctx, privateKey)
	if err != nil {
		return false, unavailable(err)
	}
	if !ok {
		return false, nil
	}
	if err := b.Purge(ctx, rec); err != nil {
		return false, err
	}
	fwlog.Infof("storage: removed %s", rec.Locator)
	return true, nil
}

// Retain lists every object and counts those keep rejects. The record lives
// on the object, so it is gone once keep has purged it. Objects whose
// metadata cannot be decoded are left alone.
func (b *RemoteBackend) Retain(ctx context.Context, keep func(metadata.FileRecord) bool) (int, error) {
	var recs []metadata.FileRecord
	err := b.each(ctx, "", func(obj minio.ObjectInfo) bool {
		rec, err := decodeObject(obj)
		found := true
		if err != nil {
			rec, found, err = b.stat(ctx, obj.Key)
		}
		if err != nil {
			fwlog.Warnf("storage: skipping object %s: %v", obj.Key, err)
			return true
		}
		if found {
			recs = append(recs, rec)
		}
		return true
	})
	if err != nil {
		return 0, unavailable(err)
	}

	dropped := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		if !keep(rec) {
			dropped++
		}
	}
	return dropped, nil
}

// AccessTime returns the zero time: object stores keep no atime.
func (b *RemoteBackend) AccessTime(ctx context.Context, rec metadata.FileRecord) (time.Time, error) {
	_, err := b.client.StatObject(ctx, b.bucket, rec.Locator, minio.StatObjectOptions{})
	if isNoSuchKey(err) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, rec.Locator)
	}
	if err != nil {
		return time.Time{}, unavailable(err)
	}
	return time.Time{}, nil
}

func (b *RemoteBackend) Purge(ctx context.Context, rec metadata.FileRecord) error {
	err := b.client.RemoveObject(ctx, b.bucket, rec.Locator, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return unavailable(err)
	}
	return nil
}

func (b *RemoteBackend) Close() error { return nil }
