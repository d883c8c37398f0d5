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

// Package reconcile brings the local maildir in line with the Akonadi
// item store.  Every pending item ends up either at its canonical file
// name, with its store row removed so that Akonadi picks the file up
// again on the next sync, or, when nothing holds its bytes any more,
// just removed from the store.
//
// A run has two phases.  Items are first resolved (source file and
// target name) concurrently; the decisions are then committed one at a
// time in ascending id order.  A file is always moved before its row is
// deleted, so a run killed in between leaves an item whose source and
// target coincide, which the next run reports as already correct.
package reconcile

import (
	"context"
	"io/fs"
	"os"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/matta/fixlocalmail/internal/execmode"
	"github.com/matta/fixlocalmail/internal/maildirs"
	"github.com/matta/fixlocalmail/internal/mailfile"
	"github.com/matta/fixlocalmail/internal/message"
	"github.com/matta/fixlocalmail/internal/metrics"
	"github.com/matta/fixlocalmail/internal/naming"
	"github.com/matta/fixlocalmail/internal/newmail"
	"github.com/matta/fixlocalmail/internal/persist"
	"github.com/matta/fixlocalmail/internal/source"
)

// Env is everything a run needs.
type Env struct {
	Store Store
	Mode  execmode.Mode

	// Replaces the remote id of the root collection when not empty.
	MaildirOverride string

	// Akonadi's file_db_data directory.
	CacheRoot string

	// Token ending newly generated file names.
	Origin string

	Selection persist.Selection

	// Also select items whose files sit in a "new" directory.
	ScanNewDirs bool

	// Items resolved in parallel; at least 1.
	Concurrency int

	// Commit rate limit; 0 for unlimited.
	MovesPerSecond float64

	Logger  log.Logger
	Metrics *metrics.Run
}

// Failure kinds.
const (
	KindMatch = "match" // a glob did not match exactly one file
	KindIO    = "io"
)

// A Failure is an item that was left alone because of a local problem.
// Its store row is kept, so the next run retries it.
type Failure struct {
	ItemID int64
	Kind   string
	Err    error
}

// Report lists the item ids per outcome, in commit order.
type Report struct {
	Moved     []int64
	Removed   []int64
	Identical []int64
	Failed    []Failure
}

// plan is the resolved decision for one item.
type plan struct {
	item   message.Item
	source string
	found  bool
	target string

	err  error
	kind string
}

// classify returns the failure kind of an error that only concerns one
// item.  Any other error ends the run.
func classify(err error) (string, bool) {
	switch errors.Cause(err).(type) {
	case *mailfile.MatchError:
		return KindMatch, true
	case *fs.PathError, *os.LinkError:
		return KindIO, true
	}
	return "", false
}

type runner struct {
	env       Env
	logger    log.Logger
	metrics   *metrics.Run
	paths     maildirs.Paths
	locator   *source.Locator
	generator *naming.Generator
	report    Report
}

// Run reconciles the items selected by env.  The error is non-nil only
// for problems that make any further work unsafe: an inconsistent
// collection hierarchy or a failing store.  Per item problems are
// returned in the Report.
func Run(ctx context.Context, env Env) (*Report, error) {
	r := &runner{env: env, logger: env.Logger, metrics: env.Metrics}
	if r.logger == nil {
		r.logger = log.NewNopLogger()
	}
	if r.metrics == nil {
		r.metrics = metrics.Discard()
	}
	if r.env.Concurrency < 1 {
		r.env.Concurrency = 1
	}

	collections, err := env.Store.Collections(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to list collections")
	}
	r.paths, err = maildirs.Resolve(collections, env.MaildirOverride)
	if err != nil {
		return nil, errors.Wrap(err, "unable to map collections to directories")
	}

	sel := env.Selection
	if env.ScanNewDirs {
		roots, err := env.Store.RootCollections(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "unable to list root collections")
		}
		sel.NewMail = newmail.Scan(maildirs.RootPaths(roots, env.MaildirOverride), r.logger)
	}

	var items []message.Item
	err = env.Store.ListPending(ctx, sel, func(item message.Item) error {
		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to select items")
	}
	r.metrics.Selected.Add(float64(len(items)))
	level.Info(r.logger).Log("msg", env.Mode.Prefix(), "items", len(items), "mode", env.Mode)

	r.locator = source.NewLocator(env.Store, env.CacheRoot, env.Mode, r.logger)
	defer r.removeTemps()
	r.generator = naming.NewGenerator(env.Store, env.Origin, env.Mode)

	plans, err := r.resolveAll(ctx, items)
	if err != nil {
		return nil, err
	}
	if err := r.commitAll(ctx, plans); err != nil {
		return &r.report, err
	}
	return &r.report, nil
}

// removeTemps drops the materialized payloads no move consumed.  Their
// items keep their store rows, so the next run writes them again.
func (r *runner) removeTemps() {
	removed, err := r.locator.RemoveTemps()
	for _, path := range removed {
		level.Debug(r.logger).Log("msg", "removed unused temporary file", "path", path)
	}
	if err != nil {
		level.Warn(r.logger).Log("msg", "cannot clean up the cache", "err", err)
	}
}

func (r *runner) resolveAll(ctx context.Context, items []message.Item) ([]plan, error) {
	plans := make([]plan, len(items))
	grp, ctx := errgroup.WithContext(ctx)
	grp.SetLimit(r.env.Concurrency)
	for i := range items {
		i := i
		grp.Go(func() error {
			p, err := r.resolve(ctx, items[i])
			if err != nil {
				if kind, ok := classify(err); ok {
					p.err, p.kind = err, kind
					err = nil
				}
			}
			plans[i] = p
			return err
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, errors.Wrap(err, "unable to resolve items")
	}
	return plans, nil
}

// resolve finds the source of item and, if there is one, its target.
func (r *runner) resolve(ctx context.Context, item message.Item) (plan, error) {
	p := plan{item: item}
	var err error
	p.source, p.found, err = r.locator.Locate(ctx, item, r.paths)
	if err != nil || !p.found {
		return p, err
	}
	p.target, err = r.generator.Target(ctx, item, p.source, r.paths)
	return p, err
}

func (r *runner) commitAll(ctx context.Context, plans []plan) error {
	limit := rate.Inf
	if r.env.MovesPerSecond > 0 {
		limit = rate.Limit(r.env.MovesPerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)

	for _, p := range plans {
		if p.err != nil {
			r.fail(p.item.ID, p.kind, p.err)
			continue
		}
		if r.env.Mode.Mutates() {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := r.commit(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) fail(id int64, kind string, err error) {
	level.Error(r.logger).Log("msg", "skipping item", "item", id, "kind", kind, "err", err)
	r.metrics.Failed.With("kind", kind).Add(1)
	r.report.Failed = append(r.report.Failed, Failure{ItemID: id, Kind: kind, Err: err})
}

func (r *runner) remove(ctx context.Context, id int64) error {
	if !r.env.Mode.Mutates() {
		return nil
	}
	return r.env.Store.DeleteItem(ctx, id)
}

// commit applies p.  Only store failures are returned.
func (r *runner) commit(ctx context.Context, p plan) error {
	id := p.item.ID
	logger := log.With(r.logger, "item", id)
	switch {
	case !p.found:
		level.Info(logger).Log("msg", r.env.Mode.Prefix()+": stale, removing from database", "action", "remove")
		if err := r.remove(ctx, id); err != nil {
			return err
		}
		r.metrics.Removed.Add(1)
		r.report.Removed = append(r.report.Removed, id)

	case p.source == p.target:
		level.Info(logger).Log("msg", "already correct", "action", "none", "source", p.source)
		r.metrics.Identical.Add(1)
		r.report.Identical = append(r.report.Identical, id)

	default:
		level.Info(logger).Log("msg", r.env.Mode.Verb(), "action", "move", "source", p.source, "target", p.target)
		if r.env.Mode.Mutates() {
			if err := mailfile.Move(p.source, p.target); err != nil {
				r.fail(id, KindIO, err)
				return nil
			}
			r.locator.Claim(p.source)
		}
		if err := r.remove(ctx, id); err != nil {
			return err
		}
		r.metrics.Moved.Add(1)
		r.report.Moved = append(r.report.Moved, id)
	}
	return nil
}
