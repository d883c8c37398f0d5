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

// The fixlocalmail command repairs a KMail local maildir that Akonadi
// lost track of: messages whose files were renamed, moved to "new",
// or only kept in the Akonadi cache are given their canonical maildir
// names, and their stale store entries are dropped so that Akonadi
// re-reads them from disk.
//
// Quit KMail before running it.  Use -dry-run first.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/matta/fixlocalmail/internal/config"
	"github.com/matta/fixlocalmail/internal/metrics"
	"github.com/matta/fixlocalmail/internal/naming"
	"github.com/matta/fixlocalmail/internal/notify"
	"github.com/matta/fixlocalmail/internal/persist"
	"github.com/matta/fixlocalmail/internal/reconcile"
)

func newLogger(verbose bool) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	if verbose {
		return level.NewFilter(logger, level.AllowDebug())
	}
	return level.NewFilter(logger, level.AllowInfo())
}

func cleanUp(ctx context.Context, cfg *config.Config, logger log.Logger) {
	if !cfg.Mode().Mutates() {
		level.Info(logger).Log("msg", "would clean up",
			"stop_kmail", cfg.StopKMail || cfg.StopAkonadi, "stop_akonadi", cfg.StopAkonadi)
		return
	}
	bus, err := notify.Dial()
	if err != nil {
		level.Warn(logger).Log("msg", "skipping clean up", "err", err)
		return
	}
	defer bus.Close()
	notify.CleanUp(ctx, bus, notify.Options{StopKMail: cfg.StopKMail, StopAkonadi: cfg.StopAkonadi}, logger)
}

// run returns the number of items that could not be reconciled.
func run(ctx context.Context, cfg *config.Config, logger log.Logger) (int, error) {
	opts := cfg.StoreOptions()
	opts.Logger = logger
	db, err := persist.Open(ctx, cfg.DBURL, opts)
	if err != nil {
		return 0, errors.Wrap(err, "unable to open the Akonadi database")
	}
	defer db.Close()

	m := metrics.Discard()
	if cfg.MetricsFile != "" {
		m = metrics.New()
	}

	report, err := reconcile.Run(ctx, reconcile.Env{
		Store:           db,
		Mode:            cfg.Mode(),
		MaildirOverride: cfg.MaildirOverride(),
		CacheRoot:       cfg.CacheRoot(),
		Origin:          naming.Origin(cfg.Origin),
		Selection:       persist.Selection{MinID: cfg.MinID, Limit: cfg.Limit},
		ScanNewDirs:     !cfg.IgnoreNewDirs,
		Concurrency:     cfg.Concurrency,
		MovesPerSecond:  cfg.MovesPerSecond,
		Logger:          logger,
		Metrics:         m,
	})
	if report != nil {
		level.Info(logger).Log("msg", "done", "mode", cfg.Mode(),
			"moved", len(report.Moved), "removed", len(report.Removed),
			"identical", len(report.Identical), "failed", len(report.Failed))
	}
	if werr := m.WriteTextfile(cfg.MetricsFile); werr != nil {
		level.Warn(logger).Log("msg", "cannot export metrics", "err", werr)
	}
	if err != nil {
		return 0, errors.Wrap(err, "unable to reconcile")
	}

	cleanUp(ctx, cfg, logger)
	return len(report.Failed), nil
}

func main() {
	cfg, err := config.Load(os.Args[1:], os.Stderr)
	if err == flag.ErrHelp {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fixlocalmail: %v\n", err)
		os.Exit(2)
	}
	logger := newLogger(cfg.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	failed, err := run(ctx, cfg, logger)
	if err != nil {
		level.Error(logger).Log("msg", "Failed", "err", err)
		os.Exit(1)
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d items could not be processed; see the log above.\n", failed)
		os.Exit(1)
	}
	fmt.Print("Success!\n")
}
