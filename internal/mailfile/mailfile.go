// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mailfile holds the filesystem operations performed on message
// files: locating them, reading their Date header, materializing
// message bytes and moving files between directories.
package mailfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/emersion/go-maildir"
	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	dirFileMode     = 0700
	messageFileMode = 0600

	// Owner write permission.
	ownerWrite = 0200
)

// A MatchError occurs when a glob pattern matches more or less than one
// file where exactly one was required.
type MatchError struct {
	Pattern string
	N       int
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("expected exactly one file matching %q, found %d", e.Pattern, e.N)
}

// QuoteGlob escapes the glob metacharacters in s.
func QuoteGlob(s string) string {
	if !strings.ContainsAny(s, `*?[\`) {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s) + 4)
	for _, r := range s {
		switch r {
		case '*', '?', '[', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Glob returns the regular files matching pattern.
func Glob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "bad pattern %q", pattern)
	}
	files := matches[:0]
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		files = append(files, m)
	}
	return files, nil
}

// SingleMatch returns the only file matching pattern.  Any other number
// of matches is a *MatchError.
func SingleMatch(pattern string) (string, error) {
	files, err := Glob(pattern)
	if err != nil {
		return "", err
	}
	if len(files) != 1 {
		return "", &MatchError{Pattern: pattern, N: len(files)}
	}
	return files[0], nil
}

// Timestamp returns the Date header of the message stored at path in
// seconds since the epoch.  ok is false when the file cannot be read or
// carries no parsable date.
func Timestamp(path string) (ts int64, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	th, err := textproto.ReadHeader(bufio.NewReader(f))
	if err != nil && th.Len() == 0 {
		return 0, false
	}
	h := mail.Header{Header: gomessage.Header{Header: th}}
	date, err := h.Date()
	if err != nil || date.IsZero() {
		return 0, false
	}
	return date.Unix(), true
}

// TempName returns a fresh file name below dir for a materialized
// message.  dir must end with a slash.
func TempName(dir string) string {
	return dir + "tmp" + uuid.NewString()
}

// WriteNew creates path, which must not exist, holding data.
func WriteNew(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, messageFileMode)
	if err != nil {
		return errors.Wrapf(err, "cannot create %s", path)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return errors.Wrapf(err, "cannot write %s", path)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return errors.Wrapf(err, "cannot write %s", path)
	}
	return nil
}

func mkdir(dir string) error {
	if err := os.MkdirAll(dir, dirFileMode); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", dir)
	}
	return nil
}

func isMaildirSubdir(dir string) bool {
	switch filepath.Base(dir) {
	case "cur", "new", "tmp":
		return true
	}
	return false
}

// EnsureWritableDir creates dir if needed and adds owner write
// permission if it is missing.  A maildir subdirectory brings its
// siblings with it.
func EnsureWritableDir(dir string) error {
	if isMaildirSubdir(dir) {
		root := filepath.Dir(dir)
		if err := mkdir(filepath.Dir(root)); err != nil {
			return err
		}
		if err := maildir.Dir(root).Init(); err != nil {
			return errors.Wrapf(err, "failed to create maildir %s", root)
		}
	}
	if err := mkdir(dir); err != nil {
		return err
	}

	fi, err := os.Stat(dir)
	if err != nil {
		return errors.Wrapf(err, "cannot stat %s", dir)
	}
	if mode := fi.Mode().Perm(); mode&ownerWrite == 0 {
		if err := os.Chmod(dir, mode|ownerWrite); err != nil {
			return errors.Wrapf(err, "failed to set write permissions on %s", dir)
		}
	}
	return nil
}

// Move renames source to target after making both parent directories
// writable.  An existing target is never replaced.
func Move(source, target string) error {
	if err := EnsureWritableDir(filepath.Dir(source)); err != nil {
		return err
	}
	if err := EnsureWritableDir(filepath.Dir(target)); err != nil {
		return err
	}
	if _, err := os.Lstat(target); err == nil {
		return errors.Errorf("failed to move %s: target %s exists", source, target)
	}
	if err := os.Rename(source, target); err != nil {
		return errors.Wrapf(err, "failed to move %s to %s", source, target)
	}
	return nil
}
