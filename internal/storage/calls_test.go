package storage

import (
	"errors"
	"testing"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func row(id, caller, receiver string, created int64) CallRow {
	return CallRow{
		ID:         id,
		CallerID:   caller,
		ReceiverID: receiver,
		CallType:   "voice",
		Status:     "calling",
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func TestInsertAndGetCall(t *testing.T) {
	db := openTest(t)

	if err := db.InsertCall(row("c1", "alice", "bob", 1000)); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetCall("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CallerID != "alice" || got.ReceiverID != "bob" || got.Status != "calling" {
		t.Fatalf("unexpected row: %+v", got)
	}
	if got.StartedAt != nil || got.EndedAt != nil {
		t.Fatalf("new row should have no start/end: %+v", got)
	}

	if _, err := db.GetCall("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := db.InsertCall(row("c1", "alice", "bob", 1000)); err == nil {
		t.Fatal("duplicate id should fail")
	}
	if err := db.InsertCall(row("c2", "alice", "alice", 1000)); err == nil {
		t.Fatal("self call should violate the check constraint")
	}
}

func TestCompareAndSetStatus(t *testing.T) {
	db := openTest(t)
	if err := db.InsertCall(row("c1", "alice", "bob", 1000)); err != nil {
		t.Fatal(err)
	}

	started := int64(2000)
	next := row("c1", "alice", "bob", 1000)
	next.Status = "ongoing"
	next.UpdatedAt = 2000
	next.StartedAt = &started

	got, err := db.CompareAndSetStatus("calling", next)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "ongoing" || got.StartedAt == nil || *got.StartedAt != 2000 {
		t.Fatalf("unexpected row after CAS: %+v", got)
	}

	t.Run("stale from loses", func(t *testing.T) {
		stale := next
		stale.Status = "rejected"
		cur, err := db.CompareAndSetStatus("calling", stale)
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		if cur.Status != "ongoing" {
			t.Fatalf("conflict should return the stored row, got %q", cur.Status)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		ghost := row("nope", "a", "b", 1)
		if _, err := db.CompareAndSetStatus("calling", ghost); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestListCalls(t *testing.T) {
	db := openTest(t)
	for i, r := range []CallRow{
		row("c1", "alice", "bob", 1000),
		row("c2", "bob", "alice", 2000),
		row("c3", "carol", "dave", 3000),
		row("c4", "alice", "carol", 4000),
	} {
		if err := db.InsertCall(r); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	got, err := db.ListCalls("alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"c4", "c2", "c1"}
	if len(got) != len(want) {
		t.Fatalf("expected %d calls, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}

	limited, err := db.ListCalls("alice", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].ID != "c4" {
		t.Fatalf("limit 1 should return newest only, got %+v", limited)
	}
}

func TestListCallsInStatus(t *testing.T) {
	db := openTest(t)
	old := row("old", "alice", "bob", 1000)
	fresh := row("fresh", "alice", "carol", 5000)
	ringing := row("ringing", "dave", "bob", 1500)
	ringing.Status = "ringing"
	done := row("done", "bob", "alice", 500)
	done.Status = "completed"
	for _, r := range []CallRow{old, fresh, ringing, done} {
		if err := db.InsertCall(r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.ListCallsInStatus([]string{"calling", "ringing"}, 3000)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "old" || got[1].ID != "ringing" {
		t.Fatalf("unexpected stale rows: %+v", got)
	}

	none, err := db.ListCallsInStatus(nil, 3000)
	if err != nil || none != nil {
		t.Fatalf("empty status list should return nothing, got %v %v", none, err)
	}
}

func TestMeta(t *testing.T) {
	db := openTest(t)
	if v := db.GetMeta("schema"); v != "" {
		t.Fatalf("unset key should be empty, got %q", v)
	}
	if err := db.SetMeta("schema", "1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetMeta("schema", "2"); err != nil {
		t.Fatal(err)
	}
	if v := db.GetMeta("schema"); v != "2" {
		t.Fatalf("expected 2, got %q", v)
	}
}

func TestOpenRecordsSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if v := db.GetMeta("schema_version"); v != schemaVersion {
		t.Fatalf("expected schema %s, got %q", schemaVersion, v)
	}
	if err := db.SetMeta("schema_version", "99"); err != nil {
		t.Fatal(err)
	}
	db.Close()

	if _, err := Open(dir); err == nil {
		t.Fatal("opening a database with an unknown schema should fail")
	}
}
