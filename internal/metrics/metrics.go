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

// Package metrics counts reconciliation outcomes.  Counters are either
// registered with a private Prometheus registry, which can be dumped in
// the node_exporter textfile format at the end of a run, or discarded.
package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/pkg/errors"
)

const namespace = "fixlocalmail"

// Run holds the counters of one reconciliation run.
type Run struct {
	Selected  metrics.Counter
	Moved     metrics.Counter
	Removed   metrics.Counter
	Identical metrics.Counter

	// Failures, labelled with "kind": "match" or "io".
	Failed metrics.Counter

	registry *prom.Registry
}

// Discard returns counters that go nowhere.
func Discard() *Run {
	return &Run{
		Selected:  discard.NewCounter(),
		Moved:     discard.NewCounter(),
		Removed:   discard.NewCounter(),
		Identical: discard.NewCounter(),
		Failed:    discard.NewCounter(),
	}
}

func counter(reg *prom.Registry, name, help string, labels ...string) metrics.Counter {
	cv := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "items",
		Name:      name,
		Help:      help,
	}, labels)
	reg.MustRegister(cv)
	return prometheus.NewCounter(cv)
}

// New returns counters backed by a fresh Prometheus registry.
func New() *Run {
	reg := prom.NewRegistry()
	return &Run{
		Selected:  counter(reg, "selected_total", "Number of items selected for reconciliation."),
		Moved:     counter(reg, "moved_total", "Number of message files moved to their canonical name."),
		Removed:   counter(reg, "removed_total", "Number of stale items removed from the store."),
		Identical: counter(reg, "identical_total", "Number of items already at their canonical name."),
		Failed:    counter(reg, "failed_total", "Number of items that could not be reconciled.", "kind"),
		registry:  reg,
	}
}

// WriteTextfile writes the counters to path for the node_exporter
// textfile collector.  It does nothing for discarded counters.
func (r *Run) WriteTextfile(path string) error {
	if r.registry == nil || path == "" {
		return nil
	}
	if err := prom.WriteToTextfile(path, r.registry); err != nil {
		return errors.Wrapf(err, "cannot write metrics to %s", path)
	}
	return nil
}
