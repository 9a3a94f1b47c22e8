package fetchintercept

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tonk-labs/bundle-runtime-router/internal/registry"
	"github.com/tonk-labs/bundle-runtime-router/internal/vfscore"
	"github.com/tonk-labs/bundle-runtime-router/internal/vfscore/fake"
)

type stubDevProxy struct {
	called    bool
	targetURL string
}

func (s *stubDevProxy) ServeHTTP(w http.ResponseWriter, r *http.Request, targetURL string) {
	s.called = true
	s.targetURL = targetURL
	w.WriteHeader(http.StatusOK)
}

type nextRecorder struct{ called bool }

func (n *nextRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.called = true
	w.WriteHeader(http.StatusOK)
}

type immediateAutoInit struct{}

func (immediateAutoInit) Wait(ctx context.Context) {}

func newActiveVFS(t *testing.T, launcherID, appSlug string) (*registry.Registry, *fake.VFS) {
	t.Helper()
	reg := registry.New()
	f := fake.NewFactory()
	f.Seed([]byte("b"), vfscore.Manifest{Entrypoints: []string{appSlug}}, map[string][]byte{
		appSlug + "/index.html": []byte("<html>index</html>"),
		appSlug + "/about.html": []byte("<html>about</html>"),
	})
	vfs, err := f.VFSFromBytes([]byte("b"), vfscore.StorageOptions{Namespace: launcherID})
	if err != nil {
		t.Fatalf("VFSFromBytes: %v", err)
	}
	reg.SetLoading(launcherID, launcherID)
	reg.SetActive(launcherID, registry.BundleState{
		BundleID:         launcherID,
		LauncherBundleID: launcherID,
		VFS:              vfs,
		Manifest:         vfscore.Manifest{Entrypoints: []string{appSlug}},
		AppSlug:          appSlug,
	})
	reg.SetLastActiveBundleID(launcherID)
	return reg, vfs.(*fake.VFS)
}

func TestServeHTTPPassDelegatesToNext(t *testing.T) {
	reg := registry.New()
	next := &nextRecorder{}
	h := New(reg, nil, nil, nil, false, "", 0, next)

	req := httptest.NewRequest(http.MethodGet, "/space/_runtime/foo.woff2", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !next.called {
		t.Fatalf("expected next handler to be invoked for RuntimeAsset")
	}
}

func TestServeHTTPVfsServeReturnsFile(t *testing.T) {
	reg, _ := newActiveVFS(t, "L1", "app")
	h := New(reg, nil, nil, nil, false, "", 0, nil)

	req := httptest.NewRequest(http.MethodGet, "/space/L1/app/about.html", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "about") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestServeHTTPVfsServeFallsBackToIndexHTML(t *testing.T) {
	reg, _ := newActiveVFS(t, "L1", "app")
	h := New(reg, nil, nil, nil, false, "", 0, nil)

	req := httptest.NewRequest(http.MethodGet, "/space/L1/app/missing/page", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "index") {
		t.Fatalf("expected SPA fallback to index.html, body = %q", rec.Body.String())
	}
}

func TestServeHTTPVfsServeRendersErrorPageWhenBundleMissing(t *testing.T) {
	reg := registry.New()
	h := New(reg, nil, nil, immediateAutoInit{}, false, "", 0, nil)

	req := httptest.NewRequest(http.MethodGet, "/space/unknown/app/index.html", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "unknown") {
		t.Fatalf("expected error page to embed bundle id, body = %q", rec.Body.String())
	}
}

func TestServeHTTPDevProxyDelegatesWithURL(t *testing.T) {
	reg := registry.New()
	dp := &stubDevProxy{}
	h := New(reg, nil, dp, nil, true, "http://localhost:5173", 0, nil)

	req := httptest.NewRequest(http.MethodGet, "/src/main.tsx", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !dp.called {
		t.Fatalf("expected dev proxy to be invoked")
	}
	if dp.targetURL != "http://localhost:5173/src/main.tsx" {
		t.Fatalf("targetURL = %q", dp.targetURL)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestServeHTTPRootResetDelegatesToNext(t *testing.T) {
	reg := registry.New()
	next := &nextRecorder{}
	h := New(reg, nil, nil, nil, false, "", 0, next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !next.called {
		t.Fatalf("expected RootReset to delegate to next handler")
	}
}
