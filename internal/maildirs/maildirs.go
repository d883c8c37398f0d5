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

// Package maildirs maps item store collections to maildir directories.
//
// The layout is the one used by KDE's maildir resource.  A root
// collection's remote id is the absolute path of the maildir root.
// Sub-folders of a folder F live in a sibling directory named
// ".F.directory", so a collection "sub" below "inbox" below the root
// /mail/ is stored in /mail/.inbox.directory/sub/.
package maildirs

import (
	"sort"
	"strings"

	"github.com/matta/fixlocalmail/internal/message"

	"github.com/pkg/errors"
)

// Paths maps a collection id to the absolute maildir directory of that
// collection.  Every value ends with exactly one slash.
type Paths map[int64]string

// Dir returns the directory of collection id.  A missing id means the
// item refers to a collection outside the snapshot.
func (p Paths) Dir(id int64) (string, error) {
	dir, ok := p[id]
	if !ok {
		return "", errors.Wrapf(message.ErrCorrupt,
			"collection %d not found in full paths mapping", id)
	}
	return dir, nil
}

// Slash returns dir with trailing slashes collapsed to exactly one.
func Slash(dir string) string {
	return strings.TrimRight(dir, "/") + "/"
}

// resolver holds the memoized container directories: for a root the
// maildir root itself, for any other collection the ".name.directory/"
// holding its children.
type resolver struct {
	collections map[int64]*message.Collection
	root        string
	containers  map[int64]string
}

func (r *resolver) collection(id int64) (*message.Collection, error) {
	c, ok := r.collections[id]
	if !ok {
		return nil, errors.Wrapf(message.ErrCorrupt, "collection not found: %d", id)
	}
	return c, nil
}

func (r *resolver) remoteID(c *message.Collection) (string, error) {
	if !c.RemoteID.Valid || c.RemoteID.String == "" {
		if c.IsRoot() {
			return "", errors.Wrapf(message.ErrCorrupt,
				"root collection %d has NULL remote_id", c.ID)
		}
		return "", errors.Wrapf(message.ErrCorrupt,
			"collection %d has NULL remote_id", c.ID)
	}
	return c.RemoteID.String, nil
}

// container resolves the container directory of id without recursion.
// The chain of unresolved ancestors is collected first; meeting an id
// twice on the same chain is a parent cycle.
func (r *resolver) container(id int64) (string, error) {
	if p, ok := r.containers[id]; ok {
		return p, nil
	}

	var chain []*message.Collection
	onChain := make(map[int64]bool)
	base := ""
	for cur := id; ; {
		if p, ok := r.containers[cur]; ok {
			base = p
			break
		}
		if onChain[cur] {
			return "", errors.Wrapf(message.ErrCorrupt,
				"collection %d is its own ancestor", cur)
		}
		c, err := r.collection(cur)
		if err != nil {
			return "", err
		}
		onChain[cur] = true
		chain = append(chain, c)
		if c.IsRoot() {
			break
		}
		cur = c.ParentID.Int64
	}

	for i := len(chain) - 1; i >= 0; i-- {
		c := chain[i]
		var p string
		if c.IsRoot() {
			p = r.root
			if p == "" {
				rid, err := r.remoteID(c)
				if err != nil {
					return "", err
				}
				p = rid
			}
			p = Slash(p)
		} else {
			rid, err := r.remoteID(c)
			if err != nil {
				return "", err
			}
			p = base + "." + rid + ".directory/"
		}
		r.containers[c.ID] = p
		base = p
	}
	return base, nil
}

func (r *resolver) dir(c *message.Collection) (string, error) {
	if c.IsRoot() {
		return r.container(c.ID)
	}
	parent, err := r.container(c.ParentID.Int64)
	if err != nil {
		return "", err
	}
	rid, err := r.remoteID(c)
	if err != nil {
		return "", err
	}
	return parent + strings.Trim(rid, "/") + "/", nil
}

// Resolve computes the directory of every collection.  If root is not
// empty it overrides the remote id of every root collection.  Any
// inconsistency in the snapshot is reported with message.ErrCorrupt as
// the cause.
func Resolve(collections map[int64]*message.Collection, root string) (Paths, error) {
	r := &resolver{
		collections: collections,
		root:        root,
		containers:  make(map[int64]string, len(collections)),
	}

	// Iterate in id order so the first reported error is stable.
	ids := make([]int64, 0, len(collections))
	for id := range collections {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	paths := make(Paths, len(collections))
	for _, id := range ids {
		dir, err := r.dir(collections[id])
		if err != nil {
			return nil, err
		}
		if strings.Contains(dir, "//") {
			return nil, errors.Wrapf(message.ErrCorrupt,
				"collection %d resolves to %q", id, dir)
		}
		paths[id] = dir
	}
	return paths, nil
}

// RootPaths returns the maildir roots to scan.  A non-empty override
// replaces the remote ids of the given root collections.
func RootPaths(roots []*message.Collection, override string) []string {
	if override != "" {
		return []string{Slash(override)}
	}
	var paths []string
	for _, c := range roots {
		if c.RemoteID.Valid && c.RemoteID.String != "" {
			paths = append(paths, Slash(c.RemoteID.String))
		}
	}
	sort.Strings(paths)
	return paths
}
