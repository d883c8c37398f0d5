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

// Package config holds the settings of a run.  Values come from the
// built-in defaults, then an optional TOML file, then the command line.
package config

import (
	"flag"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/matta/fixlocalmail/internal/execmode"
	"github.com/matta/fixlocalmail/internal/homedir"
	"github.com/matta/fixlocalmail/internal/maildirs"
	"github.com/matta/fixlocalmail/internal/persist"
)

// Auto asks for a path to be detected.
const Auto = "auto"

// Config is the full set of settings.
type Config struct {
	// Print every decision, change nothing.
	DryRun  bool `toml:"dry_run"`
	Verbose bool `toml:"verbose"`

	// "auto" for the running Akonadi server.  Any other database is
	// taken to be a snapshot that does not belong to the local
	// mailbox, see execmode.Snapshot.
	DBURL string `toml:"db_url"`

	MaildirPath string `toml:"maildir_path"`

	// The Akonadi payload cache, file_db_data.
	CachePath string `toml:"mail_cache_path"`

	MinID         int64 `toml:"min_id"`
	Limit         int   `toml:"limit"` // 0 for all
	IgnoreNewDirs bool  `toml:"ignore_new_dirs"`

	StopAkonadi bool `toml:"stop_akonadi"`
	StopKMail   bool `toml:"stop_kmail"`

	ResourceID int64 `toml:"resource_id"`
	MimeTypeID int64 `toml:"mime_type_id"`
	PartTypeID int64 `toml:"part_type_id"`

	// Token ending new file names; the host name if empty.
	Origin string `toml:"origin"`

	Concurrency    int     `toml:"concurrency"`
	MovesPerSecond float64 `toml:"moves_per_second"` // 0 for unlimited

	// node_exporter textfile to write counters to.
	MetricsFile string `toml:"metrics_file"`

	// Log SQL statements.
	Trace bool `toml:"trace"`
}

// Defaults returns the settings used when nothing else is given.
func Defaults() Config {
	opts := persist.DefaultOptions()
	return Config{
		DBURL:       persist.AutoURL,
		MaildirPath: Auto,
		CachePath:   Auto,
		ResourceID:  opts.ResourceID,
		MimeTypeID:  opts.MimeTypeID,
		PartTypeID:  opts.PartTypeID,
		Concurrency: 4,
	}
}

// LoadFile overlays the TOML file at path onto c.  Unknown keys are an
// error.
func (c *Config) LoadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.Wrapf(err, "failed to read TOML config file %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return errors.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) flagSet(configPath *string) *flag.FlagSet {
	fs := flag.NewFlagSet("fixlocalmail", flag.ContinueOnError)
	fs.StringVar(configPath, "config", "", "read settings from this TOML file")
	fs.BoolVar(&c.DryRun, "dry-run", c.DryRun, "print what would be done without changing anything")
	fs.BoolVar(&c.Verbose, "v", c.Verbose, "verbose logging")
	fs.StringVar(&c.DBURL, "db-url", c.DBURL, "Akonadi database URL, or auto; any other URL is treated as a snapshot and only reported on, never modified")
	fs.StringVar(&c.MaildirPath, "maildir-path", c.MaildirPath, "local mail root directory, or auto")
	fs.StringVar(&c.CachePath, "mail-cache-path", c.CachePath, "Akonadi file_db_data directory, or auto")
	fs.Int64Var(&c.MinID, "min-id", c.MinID, "only process items with at least this id")
	fs.IntVar(&c.Limit, "limit", c.Limit, "process at most this many items (0 for all)")
	fs.BoolVar(&c.IgnoreNewDirs, "ignore-new-dirs", c.IgnoreNewDirs, "do not scan new directories for delivered mail")
	fs.BoolVar(&c.StopAkonadi, "stop-akonadi", c.StopAkonadi, "stop KMail and the Akonadi server when done")
	fs.BoolVar(&c.StopKMail, "stop-kmail", c.StopKMail, "close KMail when done")
	fs.Int64Var(&c.ResourceID, "resource-id", c.ResourceID, "collectiontable.resourceId of the local maildir resource")
	fs.Int64Var(&c.MimeTypeID, "mime-type-id", c.MimeTypeID, "pimitemtable.mimeTypeId of mail messages")
	fs.Int64Var(&c.PartTypeID, "part-type-id", c.PartTypeID, "parttable.partTypeId of message payloads")
	fs.StringVar(&c.Origin, "origin", c.Origin, "token ending new file names (default: host name)")
	fs.IntVar(&c.Concurrency, "concurrency", c.Concurrency, "items resolved in parallel")
	fs.Float64Var(&c.MovesPerSecond, "moves-per-second", c.MovesPerSecond, "limit commits per second (0 for unlimited)")
	fs.StringVar(&c.MetricsFile, "metrics-file", c.MetricsFile, "write counters to this node_exporter textfile")
	fs.BoolVar(&c.Trace, "T", c.Trace, "log SQL statements")
	return fs
}

// Load builds the settings from args (without the program name).  Flags
// win over the file named by -config.
func Load(args []string, output io.Writer) (*Config, error) {
	var path string
	c := Defaults()
	fs := c.flagSet(&path)
	fs.SetOutput(output)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, errors.Errorf("unexpected arguments: %q", fs.Args())
	}
	if path != "" {
		c = Defaults()
		if err := c.LoadFile(path); err != nil {
			return nil, err
		}
		fs = c.flagSet(&path)
		fs.SetOutput(output)
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings no run can use.
func (c *Config) Validate() error {
	switch {
	case c.MinID < 0:
		return errors.Errorf("min id must not be negative, got %d", c.MinID)
	case c.Limit < 0:
		return errors.Errorf("limit must not be negative, got %d", c.Limit)
	case c.Concurrency < 1:
		return errors.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	case c.MovesPerSecond < 0:
		return errors.Errorf("moves per second must not be negative, got %g", c.MovesPerSecond)
	case c.DBURL == "":
		return errors.New("database URL must not be empty")
	case c.MaildirPath == "" || c.CachePath == "":
		return errors.New("maildir and cache paths must be a directory or auto")
	}
	return nil
}

// Mode derives the execution mode.  A database other than the running
// server's is always a snapshot.
func (c *Config) Mode() execmode.Mode {
	switch {
	case c.DBURL != persist.AutoURL:
		return execmode.Snapshot
	case c.DryRun:
		return execmode.DryRun
	}
	return execmode.Execute
}

// MaildirOverride returns the explicit maildir root, or "" to use the
// root collections' own paths.
func (c *Config) MaildirOverride() string {
	if c.MaildirPath == Auto {
		return ""
	}
	return c.MaildirPath
}

// CacheRoot returns the payload cache directory with a trailing slash.
func (c *Config) CacheRoot() string {
	if c.CachePath != Auto {
		return maildirs.Slash(c.CachePath)
	}
	return maildirs.Slash(filepath.Join(homedir.DataHome(), "akonadi", "file_db_data"))
}

// StoreOptions returns the persist options for c.
func (c *Config) StoreOptions() persist.Options {
	return persist.Options{
		ResourceID: c.ResourceID,
		MimeTypeID: c.MimeTypeID,
		PartTypeID: c.PartTypeID,
		Trace:      c.Trace,
	}
}
