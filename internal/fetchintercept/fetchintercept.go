// Package fetchintercept implements the Fetch Interceptor:
// a net/http.Handler that classifies every request via internal/urlrouter
// and either lets it pass through to the next handler, proxies it to the
// local dev server, or serves it from the active bundle's VFS — rendering
// a templated HTML error page on any miss, the Go-native stand-in for the
// original's service-worker "respondWith" branch.
package fetchintercept

import (
	"context"
	"html/template"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"time"

	"github.com/tonk-labs/bundle-runtime-router/internal/cache"
	"github.com/tonk-labs/bundle-runtime-router/internal/registry"
	"github.com/tonk-labs/bundle-runtime-router/internal/urlrouter"
	"github.com/tonk-labs/bundle-runtime-router/internal/vfscore"
)

// AutoInitWaiter exposes the single process-wide auto-init completion
// signal (internal/autoinit) so a request arriving before recovery
// finishes can wait a bounded time rather than missing the bundle
// entirely.
type AutoInitWaiter interface {
	Wait(ctx context.Context)
}

// DevProxy forwards a request to the local dev server and writes the
// (possibly synthesized 502) response.
type DevProxy interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request, targetURL string)
}

// defaultAutoInitRaceTimeout bounds how long VfsServe waits for auto-init
// to finish recovering a bundle before proceeding anyway, used when New
// is given a zero timeout.
const defaultAutoInitRaceTimeout = 15 * time.Second

// Handler is the Fetch Interceptor. It wraps next, which handles every
// Pass/RuntimeAsset/Ignore classification — the Go equivalent of "let the
// platform network stack handle it".
type Handler struct {
	registry *registry.Registry
	cache    *cache.Cache
	devProxy DevProxy
	autoInit AutoInitWaiter

	serveLocal          bool
	devProxyBase        string
	autoInitRaceTimeout time.Duration

	next http.Handler
}

// New creates a Handler. autoInit may be nil (no recovery in flight to
// race against); next handles every request the interceptor itself does
// not own. autoInitRaceTimeout of zero falls back to
// defaultAutoInitRaceTimeout.
func New(reg *registry.Registry, c *cache.Cache, devProxy DevProxy, autoInit AutoInitWaiter, serveLocal bool, devProxyBase string, autoInitRaceTimeout time.Duration, next http.Handler) *Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if autoInitRaceTimeout <= 0 {
		autoInitRaceTimeout = defaultAutoInitRaceTimeout
	}
	return &Handler{
		registry:            reg,
		cache:               c,
		devProxy:            devProxy,
		autoInit:            autoInit,
		serveLocal:          serveLocal,
		devProxyBase:        devProxyBase,
		autoInitRaceTimeout: autoInitRaceTimeout,
		next:                next,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	activeAppSlug := h.activeAppSlug()
	decision := urlrouter.Classify(urlrouter.FromHTTP(r), activeAppSlug, h.serveLocal, h.devProxyBase)

	switch decision.Kind {
	case urlrouter.KindPass, urlrouter.KindRuntimeAsset, urlrouter.KindIgnore:
		h.next.ServeHTTP(w, r)

	case urlrouter.KindRootReset:
		if h.cache != nil {
			h.cache.ClearRootBlobs()
		}
		h.next.ServeHTTP(w, r)

	case urlrouter.KindDevProxy:
		if h.devProxy == nil {
			http.Error(w, "dev proxy not configured", http.StatusBadGateway)
			return
		}
		h.devProxy.ServeHTTP(w, r, decision.DevProxyURL)

	case urlrouter.KindVfsServe:
		h.serveVFS(w, r, decision)
	}
}

func (h *Handler) activeAppSlug() string {
	id := h.registry.LastActiveBundleID()
	if id == "" {
		return ""
	}
	st, ok := h.registry.Get(id)
	if !ok {
		return ""
	}
	return st.AppSlug
}

// serveVFS races auto-init, looks up Active
// state, serve the requested path with SPA fallback to the app's
// index.html, and render the error page template on any miss.
func (h *Handler) serveVFS(w http.ResponseWriter, r *http.Request, decision urlrouter.Decision) {
	st, ok := h.registry.Get(decision.LauncherBundleID)
	if (!ok || st.Status != registry.StatusActive) && h.autoInit != nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.autoInitRaceTimeout)
		h.autoInit.Wait(ctx)
		cancel()
		st, ok = h.registry.Get(decision.LauncherBundleID)
	}

	if !ok || st.Status != registry.StatusActive {
		renderErrorPage(w, decision.LauncherBundleID, decision.VFSPath, "bundle is not active")
		return
	}

	path := decision.VFSPath
	if !st.VFS.Exists(normalizeVFSPath(path)) {
		path = decision.AppSlug + "/index.html"
	}

	result, err := st.VFS.ReadFile(normalizeVFSPath(path))
	if err != nil {
		renderErrorPage(w, decision.LauncherBundleID, decision.VFSPath, err.Error())
		return
	}

	writeDocument(w, path, result)
}

func normalizeVFSPath(p string) string { return "/" + p }

// writeDocument encodes a read result as an HTTP response body: Bytes
// takes priority over Content when both are present. The content type
// is, in order: the VFS-reported MIME, a guess from the served path's
// extension, or a sniff of the body itself — never a blanket
// application/json, which would mislabel every static asset (HTML, JS,
// CSS) the fetch interceptor serves.
func writeDocument(w http.ResponseWriter, servedPath string, result vfscore.ReadResult) {
	body := result.Bytes
	if body == nil {
		body = result.Content
	}

	contentType := result.MIME
	if contentType == "" {
		if ext := path.Ext(servedPath); ext != "" {
			contentType = mime.TypeByExtension(ext)
		}
	}
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// errorPageTemplate is the literal HTML error page, embedding the bundle id, path, and error message,
// with a reload button for the user to retry.
var errorPageTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><title>Bundle unavailable</title></head>
<body>
  <h1>Bundle unavailable</h1>
  <p>Bundle: {{.BundleID}}</p>
  <p>Path: {{.Path}}</p>
  <p>Error: {{.Message}}</p>
  <button onclick="location.reload()">Reload</button>
</body>
</html>
`))

type errorPageData struct {
	BundleID string
	Path     string
	Message  string
}

func renderErrorPage(w http.ResponseWriter, bundleID, path, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	if err := errorPageTemplate.Execute(w, errorPageData{BundleID: bundleID, Path: path, Message: message}); err != nil {
		slog.Error("fetchintercept: failed to render error page", "error", err)
	}
}
