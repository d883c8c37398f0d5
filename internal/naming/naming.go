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

// Package naming computes the canonical maildir file name of an item:
// a <timestamp>.R<sequence>.<origin> triplet followed by the info suffix
// derived from the item's flags.
//
// Sequence numbers are picked at random above the largest one already
// recorded for the same timestamp.  This keeps collisions unlikely but
// does not rule them out: two concurrent runs, or a file written by
// another program between the query and the move, can still pick the
// same name.  mailfile.Move refuses to overwrite in that case.
package naming

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/matta/fixlocalmail/internal/execmode"
	"github.com/matta/fixlocalmail/internal/maildirs"
	"github.com/matta/fixlocalmail/internal/mailfile"
	"github.com/matta/fixlocalmail/internal/message"
)

var (
	tripletRE = regexp.MustCompile(`(\d+\.R\d+\.\w+)`)
	nonWordRE = regexp.MustCompile(`\W`)
)

const (
	maxJitter     = 1800 // seconds subtracted from now when there is no Date
	maxIncrement  = 50
	minFirstSeq   = 20
	maxFirstSeq   = 950
	unknownOrigin = "unknownhost"
)

// Triplet returns the canonical stem contained in remoteID, if any.
func Triplet(remoteID string) (string, bool) {
	m := tripletRE.FindString(remoteID)
	return m, m != ""
}

// Origin returns a token identifying this host that is safe to embed in
// a triplet.  configured wins over the short host name.
func Origin(configured string) string {
	o := configured
	if o == "" {
		o, _ = os.Hostname()
	}
	if i := strings.IndexByte(o, '.'); i > 0 && configured == "" {
		o = o[:i]
	}
	if o == "" {
		return unknownOrigin
	}
	return nonWordRE.ReplaceAllString(o, "_")
}

// Store is the part of the item store the Generator reads.
type Store interface {
	MaxSequence(ctx context.Context, timestamp int64) (int64, bool, error)
	Flags(ctx context.Context, id int64) ([]string, error)
}

// Generator computes target paths.  It is safe for concurrent use.
type Generator struct {
	store  Store
	origin string
	mode   execmode.Mode

	mu sync.Mutex
	// Highest sequence handed out in this run, per timestamp.
	issued map[int64]int64
	intn   func(n int) int
	now    func() time.Time
}

// NewGenerator returns a Generator signing new names with origin.
func NewGenerator(store Store, origin string, mode execmode.Mode) *Generator {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Generator{
		store:  store,
		origin: origin,
		mode:   mode,
		issued: make(map[int64]int64),
		intn:   r.Intn,
		now:    time.Now,
	}
}

// between returns a random integer in [lo, hi].  g.mu must be held.
func (g *Generator) between(lo, hi int64) int64 {
	return lo + int64(g.intn(int(hi-lo+1)))
}

// Timestamp returns the delivery time of the message at source, or a
// jittered current time when it has none.  Dates before the epoch count
// as none: a leading minus sign is not part of a triplet.  Snapshot
// runs never read source.
func (g *Generator) Timestamp(source string) int64 {
	if g.mode.Resolves() {
		if ts, ok := mailfile.Timestamp(source); ok && ts > 0 {
			return ts
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now().Unix() - g.between(1, maxJitter)
}

// Sequence picks a sequence number for a new name with timestamp.  The
// base it increments never decreases within a run.
func (g *Generator) Sequence(ctx context.Context, timestamp int64) (int64, error) {
	base, ok, err := g.store.MaxSequence(ctx, timestamp)
	if err != nil {
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, seen := g.issued[timestamp]; seen && (!ok || prev > base) {
		base, ok = prev, true
	}
	var seq int64
	if ok {
		seq = base + g.between(1, maxIncrement)
	} else {
		seq = g.between(minFirstSeq, maxFirstSeq)
	}
	g.issued[timestamp] = seq
	return seq, nil
}

// Name returns the file name (triplet and info suffix) for item, whose
// message is at source.
func (g *Generator) Name(ctx context.Context, item message.Item, source string) (name, placement string, err error) {
	triplet, ok := "", false
	if item.RemoteID.Valid {
		triplet, ok = Triplet(item.RemoteID.String)
	}
	if !ok {
		ts := g.Timestamp(source)
		seq, err := g.Sequence(ctx, ts)
		if err != nil {
			return "", "", err
		}
		triplet = fmt.Sprintf("%d.R%d.%s", ts, seq, g.origin)
	}

	flags, err := g.store.Flags(ctx, item.ID)
	if err != nil {
		return "", "", err
	}
	letters := Letters(flags)
	return triplet + Suffix(letters), Placement(letters), nil
}

// Target returns the absolute path item should be stored at.
func (g *Generator) Target(ctx context.Context, item message.Item, source string, paths maildirs.Paths) (string, error) {
	dir, err := paths.Dir(item.CollectionID)
	if err != nil {
		return "", err
	}
	name, placement, err := g.Name(ctx, item, source)
	if err != nil {
		return "", err
	}
	return dir + placement + "/" + name, nil
}
