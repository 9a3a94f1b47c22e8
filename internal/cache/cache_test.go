package cache

import (
	"path/filepath"
	"testing"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "cache.db"), "tonk-sw-state-v3")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGetSetRoundtrip(t *testing.T) {
	c := openTestCache(t)

	if err := c.SetGlobal(KeyAppSlug, []byte(`{"slug":"app"}`)); err != nil {
		t.Fatalf("SetGlobal: %v", err)
	}
	got, ok, err := c.GetGlobal(KeyAppSlug)
	if err != nil || !ok {
		t.Fatalf("GetGlobal: got=%q ok=%v err=%v", got, ok, err)
	}
	if string(got) != `{"slug":"app"}` {
		t.Fatalf("GetGlobal value = %q", got)
	}
}

func TestGetMissingReturnsNotOK(t *testing.T) {
	c := openTestCache(t)

	_, ok, err := c.GetGlobal(KeyWSURL)
	if err != nil {
		t.Fatalf("GetGlobal: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing key")
	}
}

func TestClearAllIsGroupOperation(t *testing.T) {
	c := openTestCache(t)

	c.SetGlobal(KeyAppSlug, []byte("a"))
	c.SetGlobal(KeyBundleBytes, []byte("b"))
	c.SetGlobal(KeyWSURL, []byte("c"))

	if err := c.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}

	for _, key := range []string{KeyAppSlug, KeyBundleBytes, KeyWSURL} {
		if _, ok, _ := c.GetGlobal(key); ok {
			t.Fatalf("expected %s to be cleared", key)
		}
	}
}

type recordingHitRecorder struct {
	hits, misses int
}

func (r *recordingHitRecorder) RecordHit()  { r.hits++ }
func (r *recordingHitRecorder) RecordMiss() { r.misses++ }

func TestGetRecordsHitsAndMisses(t *testing.T) {
	c := openTestCache(t)
	rec := &recordingHitRecorder{}
	c.SetHitRecorder(rec)

	c.GetGlobal(KeyAppSlug)
	if rec.misses != 1 || rec.hits != 0 {
		t.Fatalf("after miss: hits=%d misses=%d, want 0/1", rec.hits, rec.misses)
	}

	c.SetGlobal(KeyAppSlug, []byte("a"))
	c.GetGlobal(KeyAppSlug)
	if rec.hits != 1 || rec.misses != 1 {
		t.Fatalf("after hit: hits=%d misses=%d, want 1/1", rec.hits, rec.misses)
	}
}

func TestClearRootBlobsOnlyClearsAppSlugAndBundleBytes(t *testing.T) {
	c := openTestCache(t)

	c.SetGlobal(KeyAppSlug, []byte("a"))
	c.SetGlobal(KeyBundleBytes, []byte("b"))
	c.SetGlobal(KeyWSURL, []byte("c"))

	c.ClearRootBlobs()

	if _, ok, _ := c.GetGlobal(KeyAppSlug); ok {
		t.Fatalf("expected appSlug cleared")
	}
	if _, ok, _ := c.GetGlobal(KeyBundleBytes); ok {
		t.Fatalf("expected bundleBytes cleared")
	}
	if _, ok, _ := c.GetGlobal(KeyWSURL); !ok {
		t.Fatalf("expected wsUrl to survive RootReset")
	}
}
