package locks

import "testing"

func TestKey_String(t *testing.T) {
	if got := (Key{DocumentID: "7"}).String(); got != "doc/7" {
		t.Errorf("Expected doc/7, got %s", got)
	}
	if got := (Key{DocumentID: "7", SectionID: "s2"}).String(); got != "doc/7/s2" {
		t.Errorf("Expected doc/7/s2, got %s", got)
	}
}

func TestTable_PutGetRemove(t *testing.T) {
	tbl := NewTable()
	key := Key{DocumentID: "7"}
	tbl.Put(key, Lock{HolderUserID: "alice", HolderConnID: "c1", AcquiredAt: 100}, 3)

	l, rev, ok := tbl.Get(key)
	if !ok || l.HolderUserID != "alice" || rev != 3 {
		t.Errorf("Expected alice at rev 3, got %+v rev %d ok %v", l, rev, ok)
	}

	tbl.Remove(key)
	if _, _, ok := tbl.Get(key); ok {
		t.Error("Expected entry gone after Remove")
	}
	if tbl.Len() != 0 {
		t.Errorf("Expected empty table, got %d", tbl.Len())
	}
}

func TestTable_ByConn(t *testing.T) {
	tbl := NewTable()
	tbl.Put(Key{DocumentID: "7"}, Lock{HolderConnID: "c1"}, 1)
	tbl.Put(Key{DocumentID: "8"}, Lock{HolderConnID: "c1"}, 2)
	tbl.Put(Key{DocumentID: "9"}, Lock{HolderConnID: "c2"}, 3)

	if got := tbl.ByConn("c1"); len(got) != 2 {
		t.Errorf("Expected 2 keys for c1, got %v", got)
	}

	// Replacing the holder must reindex the key.
	tbl.Put(Key{DocumentID: "7"}, Lock{HolderConnID: "c2"}, 4)
	if got := tbl.ByConn("c1"); len(got) != 1 {
		t.Errorf("Expected 1 key for c1 after takeover, got %v", got)
	}
	if got := tbl.ByConn("c2"); len(got) != 2 {
		t.Errorf("Expected 2 keys for c2 after takeover, got %v", got)
	}

	tbl.Remove(Key{DocumentID: "8"})
	if got := tbl.ByConn("c1"); got != nil {
		t.Errorf("Expected no keys for c1, got %v", got)
	}
}

func TestTable_Expired(t *testing.T) {
	tbl := NewTable()
	tbl.Put(Key{DocumentID: "old"}, Lock{HolderConnID: "c1", AcquiredAt: 100}, 1)
	tbl.Put(Key{DocumentID: "new"}, Lock{HolderConnID: "c1", AcquiredAt: 900}, 2)

	expired := tbl.Expired(500)
	if len(expired) != 1 || expired[0].DocumentID != "old" {
		t.Errorf("Expected only the old entry expired, got %v", expired)
	}
	if got := tbl.Expired(50); got != nil {
		t.Errorf("Expected nothing expired below cutoff, got %v", got)
	}
}
