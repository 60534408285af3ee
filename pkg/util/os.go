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

package util

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// the owner can make/remove files inside the directory
	privateDirMode = 0700
	// stored files are readable by the owner only
	privateFileMode = 0600

	maxNameBytes = 200
	fallbackName = "file"
)

// Exist reports whether path exists.
func Exist(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsureDir creates dirpath and its parents if they are missing.
func EnsureDir(dirpath string) error {
	if err := os.MkdirAll(dirpath, privateDirMode); err != nil {
		return fmt.Errorf("create dir %q: %w", dirpath, err)
	}
	return nil
}

// MoveFile moves src to dst. It tries a rename first and falls back to
// copy+remove when the two paths live on different filesystems. dst must not
// exist. On failure src is left in place and no partial dst remains.
func MoveFile(src, dst string) error {
	if Exist(dst) {
		return fmt.Errorf("move %q: %w", dst, fs.ErrExist)
	}
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := CopyFile(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_ = os.Remove(dst)
		return fmt.Errorf("remove source %q: %w", src, err)
	}
	return nil
}

// CopyFile copies the bytes of src into a new file dst and fsyncs it.
func CopyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, privateFileMode)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(dst)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %q: %w", src, err)
	}
	if err = out.Sync(); err != nil {
		return err
	}
	return out.Close()
}

// WriteFileAtomic writes data to a temp file next to path, fsyncs it and
// renames it over path, so readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// SanitizeName turns a client supplied file name into a single safe path
// component: directories are stripped, whitespace runs become "_", control
// characters and separators are dropped and the result is capped in length.
func SanitizeName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	b.Grow(len(name))
	inSpace := false
	for _, r := range name {
		switch {
		case unicode.IsSpace(r):
			if !inSpace {
				b.WriteByte('_')
			}
			inSpace = true
			continue
		case r == utf8.RuneError, unicode.IsControl(r), r == ':', r == '*', r == '?',
			r == '"', r == '<', r == '>', r == '|':
		default:
			b.WriteRune(r)
		}
		inSpace = false
	}

	out := strings.TrimLeft(b.String(), ".")
	for len(out) > maxNameBytes {
		_, size := utf8.DecodeLastRuneInString(out)
		out = out[:len(out)-size]
	}
	if out == "" {
		return fallbackName
	}
	return out
}
