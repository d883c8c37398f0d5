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

package persist

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/matta/fixlocalmail/internal/message"

	"github.com/pkg/errors"
)

// Selection narrows the set of pending items.
type Selection struct {
	// Only items with id >= MinID.
	MinID int64

	// At most Limit items; 0 means no limit.
	Limit int

	// Remote ids of files found in "new" maildir subdirectories.
	// Items carrying one of them are selected regardless of their
	// other state.
	NewMail []string
}

func (db *DB) collectionsIn() string {
	return "SELECT id FROM collectiontable WHERE resourceId = ?"
}

func (db *DB) collections(ctx context.Context, rootsOnly bool) ([]*message.Collection, error) {
	d := db.dialect
	q := `
SELECT id, ` + d.bytes("remoteId") + `, parentId, ` + d.chars("name") + `
FROM collectiontable
WHERE resourceId = ?`
	if rootsOnly {
		q += " AND parentId IS NULL"
	}
	rows, err := db.query(ctx, q, db.opts.ResourceID)
	if err != nil {
		return nil, errors.Wrap(err, "db query failed in collections")
	}
	defer rows.Close()

	var cs []*message.Collection
	for rows.Next() {
		var c message.Collection
		var name sql.NullString
		if err := rows.Scan(&c.ID, &c.RemoteID, &c.ParentID, &name); err != nil {
			return nil, errors.Wrap(err, "db scan failed in collections")
		}
		c.Name = name.String
		cs = append(cs, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "db iteration failed in collections")
	}
	return cs, nil
}

// Collections returns every collection of the maildir resource, keyed
// by id.
func (db *DB) Collections(ctx context.Context) (map[int64]*message.Collection, error) {
	cs, err := db.collections(ctx, false)
	if err != nil {
		return nil, err
	}
	m := make(map[int64]*message.Collection, len(cs))
	for _, c := range cs {
		m[c.ID] = c
	}
	return m, nil
}

// RootCollections returns the collections of the maildir resource that
// have no parent.
func (db *DB) RootCollections(ctx context.Context) ([]*message.Collection, error) {
	return db.collections(ctx, true)
}

// pendingQuery renders the ListPending statement with "?" placeholders.
func (db *DB) pendingQuery(sel Selection) (string, []interface{}) {
	rid := db.dialect.bytes("remoteId")
	var sb strings.Builder
	args := []interface{}{db.opts.MimeTypeID, sel.MinID}
	sb.WriteString(`
SELECT id, ` + rid + `, collectionId, dirty
FROM pimitemtable
WHERE mimeTypeId = ?
AND id >= ?
AND (dirty = ` + db.dialect.trueLit + `
	OR remoteId IS NULL
	OR ` + rid + ` NOT LIKE '%:2,%S'
	OR (id IN (SELECT pimitem_id
	           FROM pimitemflagrelation
	           WHERE flag_id IN (SELECT id
	                             FROM flagtable
	                             WHERE ` + db.dialect.chars("name") + ` LIKE '%ANSWERED'))
	    AND ` + rid + ` NOT LIKE '%:2%RS')`)
	if len(sel.NewMail) > 0 {
		sb.WriteString("\n\tOR " + rid + " IN (")
		for i, name := range sel.NewMail {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("?")
			args = append(args, name)
		}
		sb.WriteString(")")
	}
	sb.WriteString(")\nAND collectionId IN (" + db.collectionsIn() + ")\nORDER BY id")
	args = append(args, db.opts.ResourceID)
	if sel.Limit > 0 {
		sb.WriteString("\nLIMIT " + strconv.Itoa(sel.Limit))
	}
	return sb.String(), args
}

// ListPending calls handler for every item needing reconciliation, in
// ascending id order.  An item is pending when it is dirty, when its
// remote id lacks the seen marker, when it is answered but its remote id
// lacks the replied marker, or when its remote id names a file found in
// a "new" directory.
func (db *DB) ListPending(ctx context.Context, sel Selection, handler func(message.Item) error) error {
	q, args := db.pendingQuery(sel)
	rows, err := db.query(ctx, q, args...)
	if err != nil {
		return errors.Wrap(err, "db query failed in ListPending")
	}
	defer rows.Close()

	for rows.Next() {
		var item message.Item
		var dirty sql.NullBool
		if err := rows.Scan(&item.ID, &item.RemoteID, &item.CollectionID, &dirty); err != nil {
			return errors.Wrap(err, "db scan failed in ListPending")
		}
		item.Dirty = dirty.Bool
		if err := handler(item); err != nil {
			return err
		}
	}
	return errors.Wrap(rows.Err(), "db iteration failed in ListPending")
}

// Part returns the payload descriptor of item id, or nil if the item has
// no payload part.
func (db *DB) Part(ctx context.Context, id int64) (*message.Part, error) {
	const q = `SELECT data, storage FROM parttable WHERE pimItemId = ? AND partTypeId = ?`
	var p message.Part
	var storage sql.NullInt64
	err := db.queryRow(ctx, q, id, db.opts.PartTypeID).Scan(&p.Data, &storage)
	if err == sql.ErrNoRows {
		return nil, nil // a non-error
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch cached email for item %d", id)
	}
	p.Storage = message.StorageKind(storage.Int64)
	return &p, nil
}

// Flags returns the names of the flags set on item id, e.g. "\SEEN".
func (db *DB) Flags(ctx context.Context, id int64) ([]string, error) {
	q := `
SELECT ` + db.dialect.chars("flagtable.name") + `
FROM pimitemflagrelation JOIN flagtable
  ON pimitemflagrelation.flag_id = flagtable.id
WHERE pimitemflagrelation.pimitem_id = ?`
	rows, err := db.query(ctx, q, id)
	if err != nil {
		return nil, errors.Wrapf(err, "db query failed in Flags(%d)", id)
	}
	defer rows.Close()

	var flags []string
	for rows.Next() {
		var name sql.NullString
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrapf(err, "db scan failed in Flags(%d)", id)
		}
		if name.Valid {
			flags = append(flags, name.String)
		}
	}
	return flags, errors.Wrapf(rows.Err(), "db iteration failed in Flags(%d)", id)
}

var sequenceRE = regexp.MustCompile(`^\d+\.R(\d+)`)

// MaxSequence returns the largest R<sequence> among the remote ids of
// mail items starting with "<timestamp>.".  ok is false if there is
// none.
func (db *DB) MaxSequence(ctx context.Context, timestamp int64) (seq int64, ok bool, err error) {
	rid := db.dialect.bytes("remoteId")
	q := `
SELECT ` + rid + `
FROM pimitemtable
WHERE mimeTypeId = ?
AND ` + rid + ` LIKE ?
AND collectionId IN (` + db.collectionsIn() + `)`
	prefix := fmt.Sprintf("%d.%%", timestamp)
	rows, err := db.query(ctx, q, db.opts.MimeTypeID, prefix, db.opts.ResourceID)
	if err != nil {
		return 0, false, errors.Wrapf(err, "db query failed in MaxSequence(%d)", timestamp)
	}
	defer rows.Close()

	for rows.Next() {
		var remoteID sql.NullString
		if err := rows.Scan(&remoteID); err != nil {
			return 0, false, errors.Wrapf(err, "db scan failed in MaxSequence(%d)", timestamp)
		}
		m := sequenceRE.FindStringSubmatch(remoteID.String)
		if m == nil {
			continue
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue // overflow; not one of ours
		}
		if !ok || n > seq {
			seq, ok = n, true
		}
	}
	if err := rows.Err(); err != nil {
		return 0, false, errors.Wrapf(err, "db iteration failed in MaxSequence(%d)", timestamp)
	}
	return seq, ok, nil
}

// DeleteItem removes item id from the store.  Akonadi re-creates it
// from the maildir on the next resource sync.
func (db *DB) DeleteItem(ctx context.Context, id int64) error {
	if _, err := db.exec(ctx, `DELETE FROM pimitemtable WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "db delete failed for item %d", id)
	}
	return nil
}
