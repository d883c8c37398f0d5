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

package config

import (
	"bytes"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/matta/fixlocalmail/internal/execmode"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixlocalmail.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	got, err := Load(nil, io.Discard)
	if err != nil {
		t.Fatalf("Load(nil) = %v", err)
	}
	if diff := cmp.Diff(Defaults(), *got); diff != "" {
		t.Errorf("Load(nil) mismatch (-want +got):\n%s", diff)
	}
	if got.Mode() != execmode.Execute {
		t.Errorf("Mode() = %v, want execute", got.Mode())
	}
}

func TestLoadLayers(t *testing.T) {
	path := writeConfig(t, `
maildir_path = "/srv/mail"
limit = 10
origin = "sirius"
concurrency = 2
`)
	got, err := Load([]string{"-config", path, "-limit", "5", "-dry-run"}, io.Discard)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	want := Defaults()
	want.MaildirPath = "/srv/mail"
	want.Limit = 5
	want.Origin = "sirius"
	want.Concurrency = 2
	want.DryRun = true
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
	if got.Mode() != execmode.DryRun {
		t.Errorf("Mode() = %v, want dry-run", got.Mode())
	}
	if got.MaildirOverride() != "/srv/mail" {
		t.Errorf("MaildirOverride() = %q, want /srv/mail", got.MaildirOverride())
	}
}

func TestLoadErrors(t *testing.T) {
	unknown := writeConfig(t, "limits = 3\n")
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"-config", unknown}, "unknown keys"},
		{[]string{"-config", filepath.Join(t.TempDir(), "missing.toml")}, "failed to read"},
		{[]string{"-limit", "-1"}, "limit"},
		{[]string{"-min-id", "-4"}, "min id"},
		{[]string{"-concurrency", "0"}, "concurrency"},
		{[]string{"-moves-per-second", "-1"}, "moves per second"},
		{[]string{"-nosuchflag"}, "nosuchflag"},
		{[]string{"extra"}, "unexpected arguments"},
	}
	for _, tc := range cases {
		_, err := Load(tc.args, io.Discard)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("Load(%q) = %v, want error containing %q", tc.args, err, tc.want)
		}
	}
}

func TestMode(t *testing.T) {
	cases := []struct {
		dbURL  string
		dryRun bool
		want   execmode.Mode
	}{
		{"auto", false, execmode.Execute},
		{"auto", true, execmode.DryRun},
		{"mysql://u@localhost/akonadi", false, execmode.Snapshot},
		{"sqlite:/tmp/snap.db", true, execmode.Snapshot},
		{"postgres://u@localhost/akonadi", false, execmode.Snapshot},
	}
	for _, tc := range cases {
		c := Defaults()
		c.DBURL, c.DryRun = tc.dbURL, tc.dryRun
		if got := c.Mode(); got != tc.want {
			t.Errorf("Mode(%q, %v) = %v, want %v", tc.dbURL, tc.dryRun, got, tc.want)
		}
	}
}

func TestUsageMentionsSnapshot(t *testing.T) {
	var out bytes.Buffer
	if _, err := Load([]string{"-h"}, &out); err != flag.ErrHelp {
		t.Fatalf("Load(-h) = %v, want %v", err, flag.ErrHelp)
	}
	if !strings.Contains(out.String(), "snapshot") {
		t.Errorf("usage does not explain snapshot mode:\n%s", out.String())
	}
}

func TestCacheRoot(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	c := Defaults()
	if got, want := c.CacheRoot(), "/data/akonadi/file_db_data/"; got != want {
		t.Errorf("CacheRoot() = %q, want %q", got, want)
	}
	c.CachePath = "/snap/cache//"
	if got, want := c.CacheRoot(), "/snap/cache/"; got != want {
		t.Errorf("CacheRoot() = %q, want %q", got, want)
	}
	if c.MaildirOverride() != "" {
		t.Errorf("MaildirOverride() = %q, want empty for auto", c.MaildirOverride())
	}
}
