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
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const fakeBucket = "keydrop"

type fakeObject struct {
	data        []byte
	contentType string
	meta        map[string]string // canonical X-Amz-Meta-* header -> value
	modified    time.Time
}

// fakeS3 serves the subset of the S3 REST API the remote backend uses:
// bucket location, head and create, ListObjectsV2, and object
// put, copy, head, get and delete. With listMetadata unset listings carry
// no user metadata, like AWS S3.
type fakeS3 struct {
	listMetadata bool

	mu      sync.Mutex
	bucket  bool
	objects map[string]*fakeObject
	ops     []string
}

func newFakeS3(t *testing.T, listMetadata bool) (*fakeS3, *httptest.Server) {
	f := &fakeS3{listMetadata: listMetadata, objects: make(map[string]*fakeObject)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func openFakeRemote(t *testing.T, srv *httptest.Server, opts ...Option) *RemoteBackend {
	t.Helper()
	b, err := NewRemoteBackend(t.Context(), RemoteOptions{
		Endpoint:        strings.TrimPrefix(srv.URL, "http://"),
		AccessKeyID:     "keydrop",
		SecretAccessKey: "keydrop-secret",
		Bucket:          fakeBucket,
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func (f *fakeS3) record(op string) {
	f.ops = append(f.ops, op)
}

// Ops returns the object level requests served so far and forgets them.
func (f *fakeS3) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := f.ops
	f.ops = nil
	return ops
}

func (f *fakeS3) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if bucket != fakeBucket {
		s3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}
	q := r.URL.Query()

	f.mu.Lock()
	defer f.mu.Unlock()

	if key == "" {
		switch {
		case q.Has("location"):
			writeXML(w, struct {
				XMLName xml.Name `xml:"LocationConstraint"`
			}{})
		case r.Method == http.MethodHead:
			if !f.bucket {
				w.WriteHeader(http.StatusNotFound)
				return
			}
		case r.Method == http.MethodPut:
			f.bucket = true
		case r.Method == http.MethodGet && q.Get("list-type") == "2":
			f.list(w, q.Get("prefix"))
		default:
			s3Error(w, http.StatusNotImplemented, "NotImplemented")
		}
		return
	}

	switch r.Method {
	case http.MethodPut:
		if src := r.Header.Get("X-Amz-Copy-Source"); src != "" {
			f.copy(w, r, key, src)
			return
		}
		f.put(w, r, key)
	case http.MethodHead, http.MethodGet:
		f.record(r.Method + " " + key)
		obj, ok := f.objects[key]
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			s3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		h := w.Header()
		h.Set("Content-Length", strconv.Itoa(len(obj.data)))
		h.Set("Content-Type", obj.contentType)
		h.Set("Last-Modified", obj.modified.Format(http.TimeFormat))
		h.Set("ETag", etag(obj.data))
		for k, v := range obj.meta {
			h.Set(k, v)
		}
		if r.Method == http.MethodGet {
			_, _ = w.Write(obj.data)
		}
	case http.MethodDelete:
		f.record("DELETE " + key)
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		s3Error(w, http.StatusNotImplemented, "NotImplemented")
	}
}

func (f *fakeS3) put(w http.ResponseWriter, r *http.Request, key string) {
	f.record("PUT " + key)
	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		data, err = readChunked(r.Body)
	} else {
		data, err = io.ReadAll(r.Body)
	}
	if err != nil {
		s3Error(w, http.StatusBadRequest, "IncompleteBody")
		return
	}
	f.objects[key] = &fakeObject{
		data:        data,
		contentType: r.Header.Get("Content-Type"),
		meta:        userMeta(r.Header),
		modified:    time.Now().UTC().Truncate(time.Second),
	}
	w.Header().Set("ETag", etag(data))
}

func (f *fakeS3) copy(w http.ResponseWriter, r *http.Request, key, src string) {
	f.record("COPY " + key)
	src, err := url.PathUnescape(src)
	if err != nil {
		s3Error(w, http.StatusBadRequest, "InvalidArgument")
		return
	}
	srcKey := strings.TrimPrefix(strings.TrimPrefix(src, "/"), fakeBucket+"/")
	obj, ok := f.objects[srcKey]
	if !ok {
		s3Error(w, http.StatusNotFound, "NoSuchKey")
		return
	}
	next := &fakeObject{data: obj.data, contentType: obj.contentType, meta: obj.meta, modified: time.Now().UTC().Truncate(time.Second)}
	if strings.EqualFold(r.Header.Get("X-Amz-Metadata-Directive"), "REPLACE") {
		next.meta = userMeta(r.Header)
		if ct := r.Header.Get("Content-Type"); ct != "" {
			next.contentType = ct
		}
	}
	f.objects[key] = next
	writeXML(w, struct {
		XMLName      xml.Name `xml:"CopyObjectResult"`
		ETag         string
		LastModified string
	}{ETag: etag(next.data), LastModified: next.modified.Format(time.RFC3339)})
}

type fakeListEntry struct {
	Key          string
	LastModified string
	ETag         string
	Size         int
	UserMetadata *fakeUserMetadata `xml:",omitempty"`
}

type fakeUserMetadata struct {
	Items []fakeMetaItem
}

type fakeMetaItem struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

func (f *fakeS3) list(w http.ResponseWriter, prefix string) {
	f.record("LIST " + prefix)
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	entries := make([]fakeListEntry, 0, len(keys))
	for _, k := range keys {
		obj := f.objects[k]
		e := fakeListEntry{
			Key:          k,
			LastModified: obj.modified.Format(time.RFC3339),
			ETag:         etag(obj.data),
			Size:         len(obj.data),
		}
		if f.listMetadata {
			e.UserMetadata = &fakeUserMetadata{}
			for name, v := range obj.meta {
				e.UserMetadata.Items = append(e.UserMetadata.Items, fakeMetaItem{XMLName: xml.Name{Local: name}, Value: v})
			}
		}
		entries = append(entries, e)
	}
	writeXML(w, struct {
		XMLName     xml.Name `xml:"ListBucketResult"`
		Name        string
		Prefix      string
		KeyCount    int
		MaxKeys     int
		IsTruncated bool
		Contents    []fakeListEntry
	}{Name: fakeBucket, Prefix: prefix, KeyCount: len(entries), MaxKeys: 1000, Contents: entries})
}

func userMeta(h http.Header) map[string]string {
	meta := make(map[string]string)
	for k := range h {
		if strings.HasPrefix(k, "X-Amz-Meta-") {
			meta[k] = h.Get(k)
		}
	}
	return meta
}

// readChunked decodes an aws-chunked body:
// "<hex size>;chunk-signature=<sig>\r\n<data>\r\n" repeated until size 0.
func readChunked(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)
	var out []byte
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		n, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
		chunk := make([]byte, n)
		if _, err := io.ReadFull(br, chunk); err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		if _, err := br.Discard(2); err != nil {
			return nil, err
		}
	}
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func writeXML(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/xml")
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(v)
}

func s3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "%s<Error><Code>%s</Code><Message>%s</Message></Error>", xml.Header, code, code)
}
