package store

import (
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTest(t)

	if _, ok, err := s.Get("ns", "missing"); err != nil || ok {
		t.Fatalf("absent key: ok=%t err=%v", ok, err)
	}

	if err := s.Put("ns", "k", "v1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if v, ok, _ := s.Get("ns", "k"); !ok || v != "v1" {
		t.Fatalf("get = %q/%t, want v1/true", v, ok)
	}

	// Overwrite
	if err := s.Put("ns", "k", "v2"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if v, _, _ := s.Get("ns", "k"); v != "v2" {
		t.Fatalf("get after overwrite = %q, want v2", v)
	}

	if err := s.Delete("ns", "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get("ns", "k"); ok {
		t.Error("deleted key should be absent")
	}
	if err := s.Delete("ns", "k"); err != nil {
		t.Errorf("deleting an absent key should not error: %v", err)
	}
}

func TestNamespacesAreIsolated(t *testing.T) {
	s := openTest(t)

	if err := s.Put("a", "k", "va"); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("b", "k", "vb"); err != nil {
		t.Fatal(err)
	}

	if v, _, _ := s.Get("a", "k"); v != "va" {
		t.Errorf("namespace a = %q", v)
	}
	if v, _, _ := s.Get("b", "k"); v != "vb" {
		t.Errorf("namespace b = %q", v)
	}

	if err := s.DeleteAll("a"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get("a", "k"); ok {
		t.Error("namespace a should be cleared")
	}
	if _, ok, _ := s.Get("b", "k"); !ok {
		t.Error("namespace b should be untouched")
	}
}

func TestForEach(t *testing.T) {
	s := openTest(t)

	want := map[string]string{"k1": "v1", "k2": "v2", "k3": "v3"}
	for k, v := range want {
		if err := s.Put("ns", k, v); err != nil {
			t.Fatal(err)
		}
	}

	got := make(map[string]string)
	err := s.ForEach("ns", func(key, value string) error {
		got[key] = value
		return nil
	})
	if err != nil {
		t.Fatalf("foreach: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("entry %s = %q, want %q", k, got[k], v)
		}
	}
}
