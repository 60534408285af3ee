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

package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/fawa-io/keydrop/pkg/fwlog"
	"github.com/fawa-io/keydrop/pkg/ratelimit"
	"github.com/fawa-io/keydrop/pkg/storage"
)

const (
	uploadField = "file"

	msgFileRequired      = "File is required"
	msgFileTooLarge      = "File too large"
	msgFileNotFound      = "File not found"
	msgDeleteNotFound    = "File not found or invalid private key"
	msgInternal          = "Internal server error"
	msgUploadLimit       = "Daily upload limit reached"
	msgDownloadLimit     = "Daily download limit reached"
	defaultMaxUploadSize = 100 << 20
)

// Options configures a FileServiceHandler.
type Options struct {
	// TmpDir receives uploads before they are handed to the backend.
	// Empty means os.TempDir().
	TmpDir         string
	MaxUploadBytes int64
	// UploadLimit and DownloadLimit are per client IP per day; zero disables.
	UploadLimit   int
	DownloadLimit int
}

// FileServiceHandler serves the upload, download and delete routes on top of
// a storage.Backend.
type FileServiceHandler struct {
	backend        storage.Backend
	tmpDir         string
	maxUploadBytes int64
	uploads        *ratelimit.Limiter
	downloads      *ratelimit.Limiter
}

func NewFileServiceHandler(backend storage.Backend, o Options) *FileServiceHandler {
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = defaultMaxUploadSize
	}
	return &FileServiceHandler{
		backend:        backend,
		tmpDir:         o.TmpDir,
		maxUploadBytes: o.MaxUploadBytes,
		uploads:        ratelimit.New(o.UploadLimit, ratelimit.Day),
		downloads:      ratelimit.New(o.DownloadLimit, ratelimit.Day),
	}
}

// Register mounts the routes on mux.
func (s *FileServiceHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /files", s.Upload)
	mux.HandleFunc("GET /files/{publicKey}", s.Download)
	mux.HandleFunc("DELETE /files/{privateKey}", s.Delete)
	mux.HandleFunc("GET /healthz", s.Healthz)
}

type errorResponse struct {
	Error string `json:"error"`
}

type deleteResponse struct {
	Success bool `json:"success"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fwlog.Debugf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Upload accepts a multipart form with the file in the "file" field and
// responds with the key pair.
func (s *FileServiceHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if !s.uploads.Allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, msgUploadLimit)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	upload, err := s.spool(r)
	if upload.TempPath != "" {
		defer func() {
			// Save consumes the file on success.
			if err := os.Remove(upload.TempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				fwlog.Warnf("Failed to remove temp file %s: %v", upload.TempPath, err)
			}
		}()
	}
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		writeError(w, http.StatusRequestEntityTooLarge, msgFileTooLarge)
		return
	case errors.Is(err, errNoFile):
		writeError(w, http.StatusBadRequest, msgFileRequired)
		return
	case err != nil:
		fwlog.Errorf("Failed to receive upload: %v", err)
		writeError(w, http.StatusBadRequest, msgFileRequired)
		return
	}

	keys, err := s.backend.Save(r.Context(), upload)
	switch {
	case errors.Is(err, storage.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, msgFileRequired)
		return
	case err != nil:
		fwlog.Errorf("Failed to save upload %q: %v", upload.OriginalName, err)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	fwlog.Infof("File %s uploaded successfully (%d bytes).", upload.OriginalName, upload.Size)
	writeJSON(w, http.StatusOK, keys)
}

var errNoFile = errors.New("no file in request")

// spool copies the first "file" part to a temporary file. The returned
// Upload carries the temp path whenever one was created, even on error.
func (s *FileServiceHandler) spool(r *http.Request) (storage.Upload, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return storage.Upload{}, errNoFile
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return storage.Upload{}, errNoFile
		}
		if err != nil {
			return storage.Upload{}, err
		}
		if part.FormName() != uploadField || part.FileName() == "" {
			_ = part.Close()
			continue
		}

		tmp, err := os.CreateTemp(s.tmpDir, "keydrop-upload-*")
		if err != nil {
			return storage.Upload{}, fmt.Errorf("create temp file: %w", err)
		}
		upload := storage.Upload{
			TempPath:     tmp.Name(),
			OriginalName: part.FileName(),
			ContentType:  part.Header.Get("Content-Type"),
		}
		upload.Size, err = io.Copy(tmp, part)
		if closeErr := tmp.Close(); err == nil {
			err = closeErr
		}
		_ = part.Close()
		return upload, err
	}
}

// Download streams the file addressed by the public key.
func (s *FileServiceHandler) Download(w http.ResponseWriter, r *http.Request) {
	if !s.downloads.Allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, msgDownloadLimit)
		return
	}
	publicKey := r.PathValue("publicKey")

	f, err := s.backend.Get(r.Context(), publicKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, msgFileNotFound)
		return
	case err != nil:
		fwlog.Errorf("Failed to get file %s: %v", publicKey, err)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	defer func() {
		if err := f.Body.Close(); err != nil {
			fwlog.Debugf("Failed to close file %s: %v", publicKey, err)
		}
	}()

	rec := f.Record
	contentType := rec.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rec.OriginalName}))
	if rec.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, f.Body)
	if err != nil {
		fwlog.Warnf("Download of %s aborted after %d bytes: %v", publicKey, n, err)
		return
	}
	fwlog.Debugf("File %s sent successfully.", rec.Filename)
}

// Delete removes the file owning the private key.
func (s *FileServiceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	privateKey := r.PathValue("privateKey")

	ok, err := s.backend.Remove(r.Context(), privateKey)
	switch {
	case err != nil:
		fwlog.Errorf("Failed to remove file: %v", err)
		writeError(w, http.StatusInternalServerError, msgInternal)
	case !ok:
		writeError(w, http.StatusNotFound, msgDeleteNotFound)
	default:
		writeJSON(w, http.StatusOK, deleteResponse{Success: true})
	}
}

func (s *FileServiceHandler) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}
