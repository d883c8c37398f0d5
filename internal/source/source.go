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

// Package source finds the file currently holding the bytes of an item:
// its maildir file, a file in the Akonadi payload cache, or a file
// written from an inline payload.
package source

import (
	"context"
	"os"
	"sort"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/matta/fixlocalmail/internal/execmode"
	"github.com/matta/fixlocalmail/internal/maildirs"
	"github.com/matta/fixlocalmail/internal/mailfile"
	"github.com/matta/fixlocalmail/internal/message"
)

// PartGetter fetches the payload descriptor of an item.  It returns nil
// when the item has no payload part.
type PartGetter interface {
	Part(ctx context.Context, id int64) (*message.Part, error)
}

// Locator is safe for concurrent use.
type Locator struct {
	parts     PartGetter
	cacheRoot string
	mode      execmode.Mode
	logger    log.Logger

	mu sync.Mutex
	// Files written from inline payloads and not claimed yet.
	temps map[string]bool
}

// NewLocator returns a Locator looking for cached payloads below
// cacheRoot, which must end with a slash.
func NewLocator(parts PartGetter, cacheRoot string, mode execmode.Mode, logger log.Logger) *Locator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Locator{
		parts:     parts,
		cacheRoot: maildirs.Slash(cacheRoot),
		mode:      mode,
		logger:    logger,
		temps:     make(map[string]bool),
	}
}

// Claim tells l that the materialized file at path was moved away.
// RemoveTemps leaves it alone from then on.
func (l *Locator) Claim(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.temps, path)
}

// RemoveTemps deletes the files written from inline payloads that were
// never claimed, and returns their paths.
func (l *Locator) RemoveTemps() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var removed []string
	var firstErr error
	for path := range l.temps {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "cannot remove %s", path)
			}
			continue
		}
		delete(l.temps, path)
		removed = append(removed, path)
	}
	sort.Strings(removed)
	return removed, firstErr
}

// match resolves pattern to its only file.  Snapshot runs return the
// pattern itself.
func (l *Locator) match(pattern string) (string, error) {
	if !l.mode.Resolves() {
		return pattern, nil
	}
	return mailfile.SingleMatch(pattern)
}

// Locate returns the path of the file holding item.  ok is false when
// the item has neither a file nor a payload: the store entry is stale.
//
// More than one maildir file carrying the item's name is an error, as
// is a cached payload file that is missing or duplicated.
func (l *Locator) Locate(ctx context.Context, item message.Item, paths maildirs.Paths) (path string, ok bool, err error) {
	if item.RemoteID.Valid && item.RemoteID.String != "" {
		dir, err := paths.Dir(item.CollectionID)
		if err != nil {
			return "", false, err
		}
		pattern := mailfile.QuoteGlob(dir) + "*/" + mailfile.QuoteGlob(item.RemoteID.String)
		path, err := l.match(pattern)
		if err == nil {
			return path, true, nil
		}
		if merr, isMatch := errors.Cause(err).(*mailfile.MatchError); !isMatch || merr.N != 0 {
			return "", false, errors.Wrapf(err, "item %d", item.ID)
		}
		level.Debug(l.logger).Log("msg", "no maildir file, trying the cache", "item", item.ID, "pattern", pattern)
	}
	return l.cached(ctx, item)
}

func (l *Locator) cached(ctx context.Context, item message.Item) (string, bool, error) {
	part, err := l.parts.Part(ctx, item.ID)
	if err != nil {
		return "", false, err
	}
	if part == nil || part.Data == nil {
		level.Debug(l.logger).Log("msg", "no cached email", "item", item.ID)
		return "", false, nil
	}

	if part.Storage == message.StorageFile {
		pattern := mailfile.QuoteGlob(l.cacheRoot) + "*/" + mailfile.QuoteGlob(string(part.Data))
		path, err := l.match(pattern)
		if err != nil {
			return "", false, errors.Wrapf(err, "cached email of item %d", item.ID)
		}
		return path, true, nil
	}

	path := mailfile.TempName(l.cacheRoot)
	if l.mode.Mutates() {
		if err := mailfile.WriteNew(path, part.Data); err != nil {
			return "", false, errors.Wrapf(err, "cannot materialize item %d", item.ID)
		}
		l.mu.Lock()
		l.temps[path] = true
		l.mu.Unlock()
	}
	return path, true, nil
}
