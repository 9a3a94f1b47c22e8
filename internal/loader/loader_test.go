package loader

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tonk-labs/bundle-runtime-router/internal/cache"
	"github.com/tonk-labs/bundle-runtime-router/internal/registry"
	"github.com/tonk-labs/bundle-runtime-router/internal/vfscore"
	"github.com/tonk-labs/bundle-runtime-router/internal/vfscore/fake"
)

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(msg any) {}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := cache.Open(filepath.Join(dir, "cache.db"), "tonk-sw-state-v3")
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func seedFactory(t *testing.T, bytes []byte, manifest vfscore.Manifest, files map[string][]byte) *fake.Factory {
	t.Helper()
	f := fake.NewFactory()
	f.Seed(bytes, manifest, files)
	vfscore.RegisterFactory(f)
	t.Cleanup(func() { vfscore.RegisterFactory(nil) })
	return f
}

func TestLoadCommitsActiveState(t *testing.T) {
	seedFactory(t, []byte("bundle-A"), vfscore.Manifest{
		Entrypoints: []string{"app"},
		NetworkURIs: []string{"http://sync.example.com"},
	}, map[string][]byte{"app/index.html": []byte("<html></html>")})

	reg := registry.New()
	l := New(reg, newTestCache(t), nil, nopBroadcaster{}, 20*time.Millisecond)

	result, err := l.Load(context.Background(), Request{
		LauncherBundleID: "L1",
		BundleBytes:      []byte("bundle-A"),
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if result.Skipped {
		t.Fatalf("expected a fresh load, got Skipped=true")
	}
	if result.AppSlug != "app" {
		t.Fatalf("AppSlug = %q, want app", result.AppSlug)
	}

	st, ok := reg.Get("L1")
	if !ok || st.Status != registry.StatusActive {
		t.Fatalf("expected Active state, got %+v ok=%v", st, ok)
	}
	if st.WSURL != "ws://sync.example.com" {
		t.Fatalf("WSURL = %q, want ws://sync.example.com", st.WSURL)
	}
}

func TestLoadIdempotencyGuardSkipsSecondCall(t *testing.T) {
	seedFactory(t, []byte("bundle-A"), vfscore.Manifest{Entrypoints: []string{"app"}}, nil)

	reg := registry.New()
	l := New(reg, newTestCache(t), nil, nopBroadcaster{}, 5*time.Millisecond)

	req := Request{LauncherBundleID: "L1", BundleBytes: []byte("bundle-A"), ServerURLDefault: "http://fallback.example.com"}

	if _, err := l.Load(context.Background(), req); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	result, err := l.Load(context.Background(), req)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if !result.Skipped {
		t.Fatalf("expected second Load to be skipped")
	}
}

type recordingLoadRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingLoadRecorder) RecordLoad(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingLoadRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.outcomes...)
}

func TestLoadRecordsOutcomePerCall(t *testing.T) {
	seedFactory(t, []byte("bundle-A"), vfscore.Manifest{Entrypoints: []string{"app"}}, nil)

	reg := registry.New()
	l := New(reg, newTestCache(t), nil, nopBroadcaster{}, 5*time.Millisecond)
	rec := &recordingLoadRecorder{}
	l.SetLoadRecorder(rec)

	req := Request{LauncherBundleID: "L1", BundleBytes: []byte("bundle-A"), ServerURLDefault: "http://fallback.example.com"}

	if _, err := l.Load(context.Background(), req); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	if _, err := l.Load(context.Background(), req); err != nil {
		t.Fatalf("second Load: %v", err)
	}

	outcomes := rec.snapshot()
	if len(outcomes) != 2 || outcomes[0] != "active" || outcomes[1] != "skipped" {
		t.Fatalf("outcomes = %v, want [active skipped]", outcomes)
	}
}

func TestLoadRecordsErrorOnUnresolvableWSURL(t *testing.T) {
	seedFactory(t, []byte("bundle-A"), vfscore.Manifest{Entrypoints: []string{"app"}}, nil)

	reg := registry.New()
	l := New(reg, newTestCache(t), nil, nopBroadcaster{}, 5*time.Millisecond)
	rec := &recordingLoadRecorder{}
	l.SetLoadRecorder(rec)

	_, err := l.Load(context.Background(), Request{LauncherBundleID: "L1", BundleBytes: []byte("bundle-A")})
	if err == nil {
		t.Fatalf("expected an error with no resolvable websocket URL")
	}

	outcomes := rec.snapshot()
	if len(outcomes) != 1 || outcomes[0] != "error" {
		t.Fatalf("outcomes = %v, want [error]", outcomes)
	}
}

func TestConcurrentLoadsCoalesce(t *testing.T) {
	seedFactory(t, []byte("bundle-A"), vfscore.Manifest{
		Entrypoints: []string{"app"},
		NetworkURIs: []string{"http://sync.example.com"},
	}, nil)

	reg := registry.New()
	l := New(reg, newTestCache(t), nil, nopBroadcaster{}, 5*time.Millisecond)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = l.Load(context.Background(), Request{
				LauncherBundleID: "L1",
				BundleBytes:      []byte("bundle-A"),
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Load[%d]: %v", i, err)
		}
		if results[i].AppSlug != "app" {
			t.Fatalf("Load[%d].AppSlug = %q", i, results[i].AppSlug)
		}
	}
}

func TestLoadFailsWithoutResolvableWSURL(t *testing.T) {
	seedFactory(t, []byte("bundle-B"), vfscore.Manifest{Entrypoints: []string{"app"}}, nil)

	reg := registry.New()
	l := New(reg, newTestCache(t), nil, nopBroadcaster{}, 5*time.Millisecond)

	_, err := l.Load(context.Background(), Request{
		LauncherBundleID: "L2",
		BundleBytes:      []byte("bundle-B"),
	})
	if err == nil {
		t.Fatalf("expected error when no WS URL can be resolved")
	}

	st, ok := reg.Get("L2")
	if !ok || st.Status != registry.StatusError {
		t.Fatalf("expected Error state, got %+v ok=%v", st, ok)
	}
}

func TestResolveWSURLPriorityOrder(t *testing.T) {
	manifest := vfscore.Manifest{NetworkURIs: []string{"http://manifest.example.com"}}

	got := resolveWSURL(manifest, Request{WSURLOverride: "ws://explicit.example.com"})
	if got != "ws://explicit.example.com" {
		t.Fatalf("explicit override not honored: %q", got)
	}

	got = resolveWSURL(manifest, Request{})
	if got != "ws://manifest.example.com" {
		t.Fatalf("manifest fallback not honored: %q", got)
	}

	got = resolveWSURL(vfscore.Manifest{}, Request{ServerURLDefault: "http://default.example.com"})
	if got != "ws://default.example.com" {
		t.Fatalf("server default fallback not honored: %q", got)
	}
}
