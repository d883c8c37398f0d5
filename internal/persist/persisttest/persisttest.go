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

// Package persisttest provides a throwaway SQLite database with the
// subset of the Akonadi schema the persist package queries.
package persisttest

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// ResourceID is the maildir resource the fixtures belong to.
	ResourceID = 3

	// OtherResourceID is a second resource (e.g. an IMAP account)
	// whose rows must never be touched.
	OtherResourceID = 4

	MimeTypeMail     = 2
	PartTypePayload  = 2
	PartTypeEnvelope = 1
)

var createTableSql = []string{
	// Field: remoteId
	//
	//   For roots the absolute maildir path, otherwise the folder
	//   directory name.  Binary in MySQL and PostgreSQL.
	`
CREATE TABLE collectiontable (
id INTEGER PRIMARY KEY,
remoteId BLOB,
remoteRevision BLOB,
name TEXT NOT NULL,
parentId INTEGER,
resourceId INTEGER NOT NULL
);`,
	// Field: remoteId
	//
	//   The maildir file name of the item, flags suffix included.
	//
	// Field: dirty
	//
	//   Set by Akonadi when the item was changed locally and not yet
	//   written back by the resource.
	`
CREATE TABLE pimitemtable (
id INTEGER PRIMARY KEY,
rev INTEGER NOT NULL DEFAULT 0,
remoteId BLOB,
remoteRevision BLOB,
collectionId INTEGER,
mimeTypeId INTEGER,
dirty BOOLEAN,
size INTEGER NOT NULL DEFAULT 0
);`,
	`
CREATE TABLE flagtable (
id INTEGER PRIMARY KEY,
name TEXT NOT NULL UNIQUE
);`,
	`
CREATE TABLE pimitemflagrelation (
PimItem_id INTEGER NOT NULL,
Flag_id INTEGER NOT NULL,
PRIMARY KEY (PimItem_id, Flag_id)
);`,
	// Field: storage
	//
	//   0: data holds the payload bytes.
	//   1: data holds the name of a file in file_db_data.
	`
CREATE TABLE parttable (
id INTEGER PRIMARY KEY,
pimItemId INTEGER NOT NULL,
partTypeId INTEGER NOT NULL,
data BLOB,
datasize INTEGER NOT NULL DEFAULT 0,
storage INTEGER DEFAULT 0
);`,
}

// Store is an empty Akonadi-shaped database in a temporary directory.
type Store struct {
	// URL to hand to persist.Open.
	URL string

	db *sql.DB
}

// New creates the database.  It is removed when the test ends.
func New(t testing.TB) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "akonadi.db")
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("cannot open %s: %v", path, err)
	}
	t.Cleanup(func() { db.Close() })
	for _, q := range createTableSql {
		if _, err := db.Exec(q); err != nil {
			t.Fatalf("while executing %q: %v", q, err)
		}
	}
	return &Store{URL: "sqlite:" + path, db: db}
}

func (s *Store) exec(t testing.TB, q string, args ...interface{}) {
	t.Helper()
	if _, err := s.db.Exec(q, args...); err != nil {
		t.Fatalf("while executing %q %v: %v", q, args, err)
	}
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

// Collection adds a collection of resource.  An empty remoteID stores
// NULL; a zero parent makes a root.
func (s *Store) Collection(t testing.TB, id int64, remoteID string, parent int64, resource int64) {
	t.Helper()
	s.exec(t, `INSERT INTO collectiontable (id, remoteId, name, parentId, resourceId) VALUES (?, ?, ?, ?, ?)`,
		id, nullString(remoteID), remoteID, nullInt(parent), resource)
}

// Item adds a mail item.  An empty remoteID stores NULL.
func (s *Store) Item(t testing.TB, id int64, remoteID string, collection int64, dirty bool) {
	t.Helper()
	s.exec(t, `INSERT INTO pimitemtable (id, remoteId, collectionId, mimeTypeId, dirty) VALUES (?, ?, ?, ?, ?)`,
		id, nullString(remoteID), collection, MimeTypeMail, dirty)
}

// ItemOfType adds an item with an arbitrary mime type.
func (s *Store) ItemOfType(t testing.TB, id int64, remoteID string, collection int64, mimeType int64) {
	t.Helper()
	s.exec(t, `INSERT INTO pimitemtable (id, remoteId, collectionId, mimeTypeId, dirty) VALUES (?, ?, ?, ?, 0)`,
		id, nullString(remoteID), collection, mimeType)
}

// Flag sets flag name (e.g. `\SEEN`) on item id, creating the flag row
// on first use.
func (s *Store) Flag(t testing.TB, id int64, name string) {
	t.Helper()
	s.exec(t, `INSERT OR IGNORE INTO flagtable (name) VALUES (?)`, name)
	s.exec(t, `INSERT INTO pimitemflagrelation (PimItem_id, Flag_id) SELECT ?, id FROM flagtable WHERE name = ?`,
		id, name)
}

// Part adds a part of partType to item id.  A nil data stores NULL.
func (s *Store) Part(t testing.TB, id int64, partType int64, data []byte, storage int) {
	t.Helper()
	s.exec(t, `INSERT INTO parttable (pimItemId, partTypeId, data, datasize, storage) VALUES (?, ?, ?, ?, ?)`,
		id, partType, data, len(data), storage)
}

// HasItem reports whether item id is still in pimitemtable.
func (s *Store) HasItem(t testing.TB, id int64) bool {
	t.Helper()
	var n int
	if err := s.db.QueryRow(`SELECT count(*) FROM pimitemtable WHERE id = ?`, id).Scan(&n); err != nil {
		t.Fatalf("cannot count item %d: %v", id, err)
	}
	return n > 0
}
