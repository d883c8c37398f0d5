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

// Package execmode defines how much of a reconciliation run is allowed
// to touch the outside world.
package execmode

// Mode is threaded through every component that could mutate the
// filesystem or the item store.
type Mode int

const (
	// Execute resolves against the filesystem and applies every
	// decision.
	Execute Mode = iota

	// DryRun resolves against the filesystem but applies nothing.
	DryRun

	// Snapshot is used with a store that does not belong to the
	// local mailbox (e.g. a copy of another user's database).
	// Nothing is resolved against the filesystem: glob patterns are
	// reported verbatim and no file is read or written.
	Snapshot
)

// Mutates reports whether files may be created, moved, or rows
// deleted.
func (m Mode) Mutates() bool {
	return m == Execute
}

// Resolves reports whether glob patterns are expanded and files are
// read.
func (m Mode) Resolves() bool {
	return m != Snapshot
}

// Prefix is the leading word of per item log lines.
func (m Mode) Prefix() string {
	if m.Mutates() {
		return "Processing"
	}
	return "Dry run"
}

// Verb returns "Moving" or "Would move".
func (m Mode) Verb() string {
	if m.Mutates() {
		return "Moving"
	}
	return "Would move"
}

func (m Mode) String() string {
	switch m {
	case Execute:
		return "execute"
	case DryRun:
		return "dry-run"
	case Snapshot:
		return "snapshot"
	}
	return "unknown"
}
