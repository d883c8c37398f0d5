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

package source

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/matta/fixlocalmail/internal/execmode"
	"github.com/matta/fixlocalmail/internal/maildirs"
	"github.com/matta/fixlocalmail/internal/mailfile"
	"github.com/matta/fixlocalmail/internal/message"

	"github.com/pkg/errors"
)

type fakeParts map[int64]*message.Part

func (f fakeParts) Part(ctx context.Context, id int64) (*message.Part, error) {
	return f[id], nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

type layout struct {
	mail  string
	cache string
	paths maildirs.Paths
	parts fakeParts
}

func setup(t *testing.T) *layout {
	tmp := t.TempDir()
	l := &layout{
		mail:  filepath.Join(tmp, "mail") + "/",
		cache: filepath.Join(tmp, "cache") + "/",
	}
	l.paths = maildirs.Paths{
		66: l.mail + "inbox/",
		67: l.mail + "dup/",
	}
	writeFile(t, l.mail+"inbox/cur/1330783242.R2038.sirius:2,S", "mail")
	writeFile(t, l.mail+"dup/cur/1.R1.h:2,S", "one")
	writeFile(t, l.mail+"dup/new/1.R1.h:2,S", "two")
	writeFile(t, l.cache+"ab/132600_r0", "cached")
	l.parts = fakeParts{
		1400:   {Data: []byte("132600_r0"), Storage: message.StorageFile},
		1401:   {Data: []byte("missing_r0"), Storage: message.StorageFile},
		1402:   {Data: []byte("Subject: inline\n\nbody\n"), Storage: message.StorageInline},
		132633: {Data: nil, Storage: message.StorageInline},
	}
	return l
}

func item(id int64, rid string, coll int64) message.Item {
	return message.Item{ID: id, RemoteID: sql.NullString{String: rid, Valid: rid != ""}, CollectionID: coll}
}

func TestLocate(t *testing.T) {
	l := setup(t)
	loc := NewLocator(l.parts, l.cache, execmode.Execute, nil)
	cases := []struct {
		item message.Item
		path string
		ok   bool
	}{
		{item(1322, "1330783242.R2038.sirius:2,S", 66), l.mail + "inbox/cur/1330783242.R2038.sirius:2,S", true},
		// A stale remote id falls back to the cache.
		{item(1400, "1330783242.R9.sirius:2,S", 66), l.cache + "ab/132600_r0", true},
		{item(1400, "", 66), l.cache + "ab/132600_r0", true},
		{item(132632, "", 66), "", false},
		{item(132633, "", 66), "", false},
		{item(132634, "gone:2,S", 66), "", false},
	}
	for _, tc := range cases {
		path, ok, err := loc.Locate(context.Background(), tc.item, l.paths)
		if err != nil {
			t.Errorf("Locate(%d) = %v", tc.item.ID, err)
			continue
		}
		if path != tc.path || ok != tc.ok {
			t.Errorf("Locate(%d) = %q, %v, want %q, %v", tc.item.ID, path, ok, tc.path, tc.ok)
		}
		if strings.Contains(path, "//") {
			t.Errorf("Locate(%d) = %q contains a double slash", tc.item.ID, path)
		}
	}
}

func TestLocateErrors(t *testing.T) {
	l := setup(t)
	loc := NewLocator(l.parts, l.cache, execmode.Execute, nil)
	cases := []struct {
		item message.Item
		n    int
	}{
		{item(5, "1.R1.h:2,S", 67), 2},
		{item(1401, "", 66), 0},
	}
	for _, tc := range cases {
		_, _, err := loc.Locate(context.Background(), tc.item, l.paths)
		merr, ok := errors.Cause(err).(*mailfile.MatchError)
		if !ok || merr.N != tc.n {
			t.Errorf("Locate(%d) = %v, want MatchError with N=%d", tc.item.ID, err, tc.n)
		}
	}

	_, _, err := loc.Locate(context.Background(), item(6, "x:2,S", 99), l.paths)
	if errors.Cause(err) != message.ErrCorrupt {
		t.Errorf("Locate() in unknown collection = %v, want ErrCorrupt", err)
	}
}

func TestLocateInline(t *testing.T) {
	for _, mode := range []execmode.Mode{execmode.Execute, execmode.DryRun, execmode.Snapshot} {
		l := setup(t)
		loc := NewLocator(l.parts, l.cache, mode, nil)
		path, ok, err := loc.Locate(context.Background(), item(1402, "", 66), l.paths)
		if err != nil || !ok {
			t.Fatalf("%v Locate(1402) = %q, %v, %v", mode, path, ok, err)
		}
		if !strings.HasPrefix(path, l.cache+"tmp") {
			t.Errorf("%v Locate(1402) = %q, want prefix %q", mode, path, l.cache+"tmp")
		}
		got, err := os.ReadFile(path)
		if mode.Mutates() {
			if string(got) != "Subject: inline\n\nbody\n" {
				t.Errorf("%v materialized %q, %v", mode, got, err)
			}
			fi, err := os.Stat(path)
			if err != nil || fi.Mode().Perm() != 0600 {
				t.Errorf("%v mode of %s = %v, %v, want 0600", mode, path, fi, err)
			}
		} else if !os.IsNotExist(err) {
			t.Errorf("%v wrote %s: %v", mode, path, err)
		}
	}
}

func TestRemoveTemps(t *testing.T) {
	l := setup(t)
	loc := NewLocator(l.parts, l.cache, execmode.Execute, nil)
	ctx := context.Background()
	kept, _, err := loc.Locate(ctx, item(1402, "", 66), l.paths)
	if err != nil {
		t.Fatalf("Locate(1402) = %v", err)
	}
	dropped, _, err := loc.Locate(ctx, item(1402, "", 66), l.paths)
	if err != nil {
		t.Fatalf("Locate(1402) = %v", err)
	}
	moved := kept + ".moved"
	if err := os.Rename(kept, moved); err != nil {
		t.Fatal(err)
	}
	loc.Claim(kept)

	removed, err := loc.RemoveTemps()
	if err != nil {
		t.Fatalf("RemoveTemps() = %v", err)
	}
	if diff := cmp.Diff([]string{dropped}, removed); diff != "" {
		t.Errorf("RemoveTemps() mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(dropped); !os.IsNotExist(err) {
		t.Errorf("%s still exists: %v", dropped, err)
	}
	if _, err := os.Stat(moved); err != nil {
		t.Errorf("claimed file is gone: %v", err)
	}
	if removed, err := loc.RemoveTemps(); err != nil || len(removed) != 0 {
		t.Errorf("second RemoveTemps() = %q, %v, want nothing", removed, err)
	}
}

func TestLocateSnapshot(t *testing.T) {
	l := setup(t)
	loc := NewLocator(l.parts, l.cache, execmode.Snapshot, nil)
	cases := []struct {
		item message.Item
		path string
	}{
		// Never resolved, so never ambiguous.
		{item(5, "1.R1.h:2,S", 67), l.mail + "dup/*/1.R1.h:2,S"},
		{item(1401, "", 66), l.cache + "*/missing_r0"},
	}
	for _, tc := range cases {
		path, ok, err := loc.Locate(context.Background(), tc.item, l.paths)
		if err != nil || !ok || path != tc.path {
			t.Errorf("Locate(%d) = %q, %v, %v, want %q, true, nil", tc.item.ID, path, ok, err, tc.path)
		}
	}
}
