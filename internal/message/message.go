package message

// This file provides the common data objects used by the rest of the
// program.

import (
	"database/sql"

	"github.com/pkg/errors"
)

// ErrCorrupt is the cause of every error that reports an inconsistent
// metadata snapshot: a missing parent, a missing collection or a parent
// cycle.  Runs that hit it abort before touching anything.
var ErrCorrupt = errors.New("corrupt metadata")

// Collection is a folder node in the item store's hierarchy.
type Collection struct {
	ID int64

	// The on-disk directory component.  For root collections this is
	// the absolute path of the maildir root.  NULL only for transient
	// states of the store.
	RemoteID sql.NullString

	// The parent collection.  NULL for a mailbox root.
	ParentID sql.NullInt64

	// The user visible folder name.
	Name string
}

// IsRoot reports whether c has no parent.
func (c *Collection) IsRoot() bool {
	return !c.ParentID.Valid
}

// Item is a mail object tracked by the item store that is a candidate
// for reconciliation.
type Item struct {
	ID int64

	// Normally a maildir file name (without directory).  NULL for
	// items that only exist in the store's part table.
	RemoteID sql.NullString

	CollectionID int64

	// The store-side "needs sync" marker.
	Dirty bool
}

// StorageKind says where the payload of a Part lives.
type StorageKind int

const (
	// StorageInline parts carry the message bytes in Part.Data.
	StorageInline StorageKind = 0

	// StorageFile parts carry the name of a file below the cache
	// root in Part.Data.
	StorageFile StorageKind = 1
)

// Part is the blob descriptor of an item.
type Part struct {
	// Nil when the store row has a NULL payload.
	Data []byte

	Storage StorageKind
}
