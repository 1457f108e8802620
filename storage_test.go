package courier

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"
)

func testStoreContract(t *testing.T, s Store) {
	t.Helper()

	t.Run("absent key", func(t *testing.T) {
		v, ok, err := s.Get("missing")
		if err != nil || ok || v != nil {
			t.Fatalf("Get(missing) = %q, %v, %v", v, ok, err)
		}
	})

	t.Run("set and get", func(t *testing.T) {
		if err := s.Set("k", []byte("v1")); err != nil {
			t.Fatalf("Set: %v", err)
		}
		v, ok, err := s.Get("k")
		if err != nil || !ok || !bytes.Equal(v, []byte("v1")) {
			t.Fatalf("Get = %q, %v, %v", v, ok, err)
		}
	})

	t.Run("overwrite", func(t *testing.T) {
		if err := s.Set("k", []byte("v2")); err != nil {
			t.Fatalf("Set: %v", err)
		}
		v, _, _ := s.Get("k")
		if string(v) != "v2" {
			t.Fatalf("Get = %q, want v2", v)
		}
	})

	t.Run("empty value", func(t *testing.T) {
		if err := s.Set("empty", nil); err != nil {
			t.Fatalf("Set: %v", err)
		}
		v, ok, err := s.Get("empty")
		if err != nil || !ok || len(v) != 0 {
			t.Fatalf("Get = %q, %v, %v", v, ok, err)
		}
	})

	t.Run("remove", func(t *testing.T) {
		if err := s.Remove("k"); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if _, ok, _ := s.Get("k"); ok {
			t.Fatal("key still present after Remove")
		}
		if err := s.Remove("k"); err != nil {
			t.Fatalf("Remove absent: %v", err)
		}
	})

	t.Run("json helpers restore times", func(t *testing.T) {
		want := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
		if err := setJSON(s, "t", want); err != nil {
			t.Fatalf("setJSON: %v", err)
		}
		got, ok, err := getJSON[time.Time](s, "t")
		if err != nil || !ok || !got.Equal(want) {
			t.Fatalf("getJSON = %v, %v, %v", got, ok, err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemoryStore())

	t.Run("values are copied", func(t *testing.T) {
		s := NewMemoryStore()
		buf := []byte("abc")
		_ = s.Set("k", buf)
		buf[0] = 'x'
		v, _, _ := s.Get("k")
		v[1] = 'y'
		again, _, _ := s.Get("k")
		if string(again) != "abc" {
			t.Fatalf("stored value mutated: %q", again)
		}
	})
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "courier.db")
	s, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	testStoreContract(t, s)

	if err := s.Set(KeyLastSyncAt, []byte(`"2026-01-01T00:00:00Z"`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	t.Run("reopen keeps data", func(t *testing.T) {
		s2, err := OpenSQLiteStore(path)
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		defer s2.Close()
		v, ok, err := s2.Get(KeyLastSyncAt)
		if err != nil || !ok || string(v) != `"2026-01-01T00:00:00Z"` {
			t.Fatalf("Get after reopen = %q, %v, %v", v, ok, err)
		}
	})

	t.Run("empty path", func(t *testing.T) {
		if _, err := OpenSQLiteStore("  "); err == nil {
			t.Fatal("expected error for empty path")
		}
	})
}

func TestSQLiteStore_QueueSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.db")
	s, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	q := NewQueue(s, &fakeGateway{}, NewManualMonitor(false), nil, QueueOptions{Logger: discardLogger()})
	id := q.Enqueue(OutboundMessage{SenderID: "u", Recipient: "r", Text: "persist me"}, PriorityHigh)
	_ = s.Close()

	s2, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	q2 := NewQueue(s2, &fakeGateway{}, NewManualMonitor(false), nil, QueueOptions{Logger: discardLogger()})
	msgs := q2.QueuedMessages()
	if len(msgs) != 1 || msgs[0].ID != id || msgs[0].Text != "persist me" || msgs[0].Priority != PriorityHigh {
		t.Fatalf("restored queue = %+v", msgs)
	}
}
