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

// Package newmail finds message files that were delivered straight into
// a "new" maildir subdirectory but already carry an info suffix, which
// KMail never leaves behind on its own.
package newmail

import (
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

var newRE = regexp.MustCompile(`/new/(\d+[^/]*:2,[^/]*)$`)

// Scan walks every root and returns the sorted, distinct base names of
// the matching files.  Subtrees that cannot be read are logged and
// skipped.
func Scan(roots []string, logger log.Logger) []string {
	seen := make(map[string]bool)
	for _, root := range roots {
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				level.Warn(logger).Log("msg", "skipping unreadable path", "path", path, "err", err)
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if m := newRE.FindStringSubmatch(filepath.ToSlash(path)); m != nil {
				seen[m[1]] = true
			}
			return nil
		})
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	level.Debug(logger).Log("msg", "scanned new directories", "roots", len(roots), "found", len(names))
	return names
}
