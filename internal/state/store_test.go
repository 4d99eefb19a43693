package state

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEntry(path, remoteID string) *Entry {
	return &Entry{
		Path:        path,
		RemoteID:    remoteID,
		RemoteURL:   "https://docs.example.com/" + remoteID,
		Kind:        KindLeaf,
		LocalHash:   "aaa",
		RemoteHash:  "bbb",
		RemoteMTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Status:      StatusClean,
	}
}

// TestStore_UpsertAndGet verifies round-tripping an entry through the
// store, including the mtime.
func TestStore_UpsertAndGet(t *testing.T) {
	s := openTestStore(t)

	want := testEntry("Notes.md", "r1")
	if err := s.Upsert(want); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}

	got, err := s.GetByPath("Notes.md")
	if err != nil {
		t.Fatalf("GetByPath() failed: %v", err)
	}
	if got.RemoteID != "r1" || got.LocalHash != "aaa" || got.Status != StatusClean {
		t.Errorf("GetByPath() = %+v", got)
	}
	if !got.RemoteMTime.Equal(want.RemoteMTime) {
		t.Errorf("mtime round-trip: got %v, want %v", got.RemoteMTime, want.RemoteMTime)
	}

	byID, err := s.GetByRemoteID("r1")
	if err != nil {
		t.Fatalf("GetByRemoteID() failed: %v", err)
	}
	if byID.Path != "Notes.md" {
		t.Errorf("GetByRemoteID().Path = %q", byID.Path)
	}
}

// TestStore_GetMissing verifies lookups of missing entries return
// ErrNotFound.
func TestStore_GetMissing(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetByPath("nope.md"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByPath() error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetByRemoteID("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByRemoteID() error = %v, want ErrNotFound", err)
	}
}

// TestStore_UpsertUpdates verifies a second upsert replaces the row.
func TestStore_UpsertUpdates(t *testing.T) {
	s := openTestStore(t)

	e := testEntry("Notes.md", "r1")
	if err := s.Upsert(e); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}

	e.Status = StatusLocalModified
	e.LocalHash = "ccc"
	if err := s.Upsert(e); err != nil {
		t.Fatalf("second Upsert() failed: %v", err)
	}

	got, err := s.GetByPath("Notes.md")
	if err != nil {
		t.Fatalf("GetByPath() failed: %v", err)
	}
	if got.Status != StatusLocalModified || got.LocalHash != "ccc" {
		t.Errorf("update not applied: %+v", got)
	}

	all, err := s.ListAll()
	if err != nil {
		t.Fatalf("ListAll() failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 entry after upsert, got %d", len(all))
	}
}

// TestStore_DeleteByPath verifies deletion and its idempotence.
func TestStore_DeleteByPath(t *testing.T) {
	s := openTestStore(t)

	if err := s.Upsert(testEntry("Notes.md", "r1")); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if err := s.DeleteByPath("Notes.md"); err != nil {
		t.Fatalf("DeleteByPath() failed: %v", err)
	}
	if _, err := s.GetByPath("Notes.md"); !errors.Is(err, ErrNotFound) {
		t.Errorf("entry still present after delete")
	}
	// Deleting again is not an error.
	if err := s.DeleteByPath("Notes.md"); err != nil {
		t.Errorf("second DeleteByPath() failed: %v", err)
	}
}

// TestStore_ListWhere verifies status filtering.
func TestStore_ListWhere(t *testing.T) {
	s := openTestStore(t)

	clean := testEntry("a.md", "r1")
	conflicted := testEntry("b.md", "r2")
	conflicted.Status = StatusConflict
	deleted := testEntry("c.md", "r3")
	deleted.Status = StatusDeletedRemote

	for _, e := range []*Entry{clean, conflicted, deleted} {
		if err := s.Upsert(e); err != nil {
			t.Fatalf("Upsert(%s) failed: %v", e.Path, err)
		}
	}

	got, err := s.ListWhere(StatusConflict, StatusDeletedRemote)
	if err != nil {
		t.Fatalf("ListWhere() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListWhere() returned %d entries, want 2", len(got))
	}
	if got[0].Path != "b.md" || got[1].Path != "c.md" {
		t.Errorf("ListWhere() order: %s, %s", got[0].Path, got[1].Path)
	}
}

// TestStore_TransactionRollback verifies nothing is applied when the body
// fails.
func TestStore_TransactionRollback(t *testing.T) {
	s := openTestStore(t)

	if err := s.Upsert(testEntry("keep.md", "r1")); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}

	sentinel := errors.New("boom")
	err := s.Transaction(func(tx *Tx) error {
		if err := tx.Upsert(testEntry("new.md", "r2")); err != nil {
			return err
		}
		if err := tx.DeleteByPath("keep.md"); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Transaction() error = %v, want sentinel", err)
	}

	if _, err := s.GetByPath("keep.md"); err != nil {
		t.Errorf("rolled-back delete removed the entry: %v", err)
	}
	if _, err := s.GetByPath("new.md"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled-back insert is visible: %v", err)
	}
}

// TestStore_TransactionCommit verifies a group of mutations lands
// atomically.
func TestStore_TransactionCommit(t *testing.T) {
	s := openTestStore(t)

	err := s.Transaction(func(tx *Tx) error {
		for i := 0; i < 3; i++ {
			if err := tx.Upsert(testEntry(fmt.Sprintf("doc%d.md", i), fmt.Sprintf("r%d", i))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction() failed: %v", err)
	}

	all, err := s.ListAll()
	if err != nil {
		t.Fatalf("ListAll() failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 entries, got %d", len(all))
	}
}

// TestStore_ValidatesEntries verifies malformed entries are rejected
// before reaching the database.
func TestStore_ValidatesEntries(t *testing.T) {
	s := openTestStore(t)

	bad := testEntry("x.md", "rx")
	bad.Status = "nonsense"
	if err := s.Upsert(bad); err == nil {
		t.Error("expected Upsert to reject invalid status")
	}

	bad = testEntry("y.md", "")
	if err := s.Upsert(bad); err == nil {
		t.Error("expected Upsert to reject empty remote_id")
	}
}

// TestStore_CorruptionDetectedAtOpen verifies a row with an unknown
// status makes Open fail with ErrCorrupt.
func TestStore_CorruptionDetectedAtOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Upsert(testEntry("ok.md", "r1")); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	// Corrupt the row out-of-band.
	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("raw open failed: %v", err)
	}
	if _, err := conn.Exec(`UPDATE entries SET status = 'bogus'`); err != nil {
		t.Fatalf("raw update failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("raw close failed: %v", err)
	}

	if _, err := Open(path); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Open() error = %v, want ErrCorrupt", err)
	}
}

// TestStore_Reopen verifies durability across close and reopen.
func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Upsert(testEntry("Notes.md", "r1")); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetByPath("Notes.md")
	if err != nil {
		t.Fatalf("GetByPath() after reopen failed: %v", err)
	}
	if got.RemoteID != "r1" {
		t.Errorf("entry lost across reopen: %+v", got)
	}
}
