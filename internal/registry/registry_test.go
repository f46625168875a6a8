package registry

import (
	"path/filepath"
	"testing"

	"github.com/Chardot/nostrface-sub001/internal/store"
)

func openTestStore(t *testing.T, path string) *store.Store {
	t.Helper()
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRecordAndContains(t *testing.T) {
	st := openTestStore(t, filepath.Join(t.TempDir(), "test.db"))
	r, err := Open(st)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}

	const url = "https://example.com/broken.png"
	if r.Contains(url) {
		t.Error("fresh registry should not contain anything")
	}

	r.Record(url)
	r.Record(url) // Idempotent
	if !r.Contains(url) {
		t.Error("recorded URL should be denylisted")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

// The denylist survives a restart.
func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	const url = "https://example.com/broken.png"

	st := openTestStore(t, path)
	r, err := Open(st)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	r.Record(url)
	st.Close()

	st2 := openTestStore(t, path)
	r2, err := Open(st2)
	if err != nil {
		t.Fatalf("reopen registry: %v", err)
	}
	if !r2.Contains(url) {
		t.Error("denylist entry lost across reopen")
	}
}

func TestClearIsExplicit(t *testing.T) {
	st := openTestStore(t, filepath.Join(t.TempDir(), "test.db"))
	r, err := Open(st)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}

	r.Record("https://example.com/a.png")
	r.Record("https://example.com/b.png")
	if err := r.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len after clear = %d, want 0", r.Len())
	}
	if r.Contains("https://example.com/a.png") {
		t.Error("cleared registry should be empty")
	}
}
