package persist_test

import (
	"context"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/matta/fixlocalmail/internal/message"
	"github.com/matta/fixlocalmail/internal/persist"
	"github.com/matta/fixlocalmail/internal/persist/persisttest"
)

func fixture(t *testing.T) (*persisttest.Store, *persist.DB) {
	t.Helper()
	s := persisttest.New(t)

	s.Collection(t, 1, "/home/u/.local/share/local-mail/", 0, persisttest.ResourceID)
	s.Collection(t, 66, "inbox", 1, persisttest.ResourceID)
	s.Collection(t, 100, "INBOX", 0, persisttest.OtherResourceID)

	s.Item(t, 10, "1686315625.R100.host:2,S", 66, false)
	s.Item(t, 11, "1686315625.R7.host:2,", 66, false)
	s.Item(t, 12, "1686315625.R200.host:2,S", 66, true)
	s.Item(t, 13, "", 66, false)
	s.Item(t, 14, "1700000000.R5.host:2,S", 66, false)
	s.Flag(t, 14, `\ANSWERED`)
	s.Flag(t, 14, `\SEEN`)
	s.Item(t, 15, "1700000000.R6.host:2,RS", 66, false)
	s.Flag(t, 15, `\ANSWERED`)
	s.Item(t, 16, "1700000001.R1.host:2,S", 66, false)
	s.Item(t, 17, "1686315625.R999.host:2,", 100, false)
	s.ItemOfType(t, 18, "1686315625.R998.host", 66, 5)

	s.Part(t, 11, persisttest.PartTypePayload, []byte("ab/11_r0"), 1)
	s.Part(t, 12, persisttest.PartTypeEnvelope, []byte("envelope"), 0)
	s.Part(t, 12, persisttest.PartTypePayload, []byte("Subject: x\n\nbody\n"), 0)
	s.Part(t, 14, persisttest.PartTypePayload, nil, 0)

	db, err := persist.Open(context.Background(), s.URL, persist.DefaultOptions())
	if err != nil {
		t.Fatalf("persist.Open(%q) = %v", s.URL, err)
	}
	t.Cleanup(func() { db.Close() })
	return s, db
}

func pending(t *testing.T, db *persist.DB, sel persist.Selection) []int64 {
	t.Helper()
	var ids []int64
	err := db.ListPending(context.Background(), sel, func(item message.Item) error {
		ids = append(ids, item.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("ListPending(%+v) = %v", sel, err)
	}
	return ids
}

func TestListPending(t *testing.T) {
	_, db := fixture(t)
	cases := []struct {
		sel  persist.Selection
		want []int64
	}{
		{persist.Selection{}, []int64{11, 12, 13, 14}},
		{persist.Selection{NewMail: []string{"1700000001.R1.host:2,S", "unknown"}}, []int64{11, 12, 13, 14, 16}},
		{persist.Selection{MinID: 13}, []int64{13, 14}},
		{persist.Selection{Limit: 2}, []int64{11, 12}},
		{persist.Selection{MinID: 17}, nil},
	}
	for _, tc := range cases {
		got := pending(t, db, tc.sel)
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("ListPending(%+v) mismatch (-want +got):\n%s", tc.sel, diff)
		}
	}
}

func TestListPendingFields(t *testing.T) {
	_, db := fixture(t)
	var items []message.Item
	err := db.ListPending(context.Background(), persist.Selection{MinID: 12, Limit: 2}, func(item message.Item) error {
		items = append(items, item)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("ListPending() returned %d items, want 2", len(items))
	}
	if it := items[0]; it.ID != 12 || !it.Dirty || it.CollectionID != 66 ||
		!it.RemoteID.Valid || it.RemoteID.String != "1686315625.R200.host:2,S" {
		t.Errorf("item 12 = %+v", it)
	}
	if it := items[1]; it.ID != 13 || it.Dirty || it.RemoteID.Valid {
		t.Errorf("item 13 = %+v, want NULL remote id", it)
	}
}

func TestCollections(t *testing.T) {
	_, db := fixture(t)
	ctx := context.Background()

	all, err := db.Collections(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[1] == nil || all[66] == nil {
		t.Fatalf("Collections() = %v, want ids 1 and 66", all)
	}
	if c := all[66]; c.RemoteID.String != "inbox" || !c.ParentID.Valid || c.ParentID.Int64 != 1 || c.IsRoot() {
		t.Errorf("collection 66 = %+v", c)
	}
	if c := all[1]; !c.IsRoot() || c.RemoteID.String != "/home/u/.local/share/local-mail/" {
		t.Errorf("collection 1 = %+v", c)
	}

	roots, err := db.RootCollections(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(roots) != 1 || roots[0].ID != 1 {
		t.Errorf("RootCollections() = %v, want [1]", roots)
	}
}

func TestPart(t *testing.T) {
	_, db := fixture(t)
	ctx := context.Background()
	cases := []struct {
		id   int64
		want *message.Part
	}{
		{11, &message.Part{Data: []byte("ab/11_r0"), Storage: message.StorageFile}},
		{12, &message.Part{Data: []byte("Subject: x\n\nbody\n"), Storage: message.StorageInline}},
		{13, nil},
		{14, &message.Part{Storage: message.StorageInline}},
	}
	for _, tc := range cases {
		got, err := db.Part(ctx, tc.id)
		if err != nil {
			t.Errorf("Part(%d) = %v", tc.id, err)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("Part(%d) mismatch (-want +got):\n%s", tc.id, diff)
		}
	}
}

func TestFlags(t *testing.T) {
	_, db := fixture(t)
	got, err := db.Flags(context.Background(), 14)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(got)
	if diff := cmp.Diff([]string{`\ANSWERED`, `\SEEN`}, got); diff != "" {
		t.Errorf("Flags(14) mismatch (-want +got):\n%s", diff)
	}
	if got, err := db.Flags(context.Background(), 10); err != nil || len(got) != 0 {
		t.Errorf("Flags(10) = %v, %v, want none", got, err)
	}
}

func TestMaxSequence(t *testing.T) {
	_, db := fixture(t)
	cases := []struct {
		ts  int64
		seq int64
		ok  bool
	}{
		// Items of other resources and other mime types do not count.
		{1686315625, 200, true},
		{1700000000, 6, true},
		{170000000, 0, false},
		{1, 0, false},
	}
	for _, tc := range cases {
		seq, ok, err := db.MaxSequence(context.Background(), tc.ts)
		if err != nil || seq != tc.seq || ok != tc.ok {
			t.Errorf("MaxSequence(%d) = %d, %v, %v, want %d, %v, nil", tc.ts, seq, ok, err, tc.seq, tc.ok)
		}
	}
}

func TestDeleteItem(t *testing.T) {
	s, db := fixture(t)
	if err := db.DeleteItem(context.Background(), 11); err != nil {
		t.Fatalf("DeleteItem(11) = %v", err)
	}
	if s.HasItem(t, 11) {
		t.Errorf("item 11 still present")
	}
	if !s.HasItem(t, 12) {
		t.Errorf("item 12 deleted")
	}
	if got := pending(t, db, persist.Selection{}); !cmp.Equal(got, []int64{12, 13, 14}) {
		t.Errorf("ListPending() after delete = %v, want [12 13 14]", got)
	}
}
