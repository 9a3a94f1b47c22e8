// Package devproxy implements the SERVE_LOCAL dev-server reverse proxy:
// forward matched requests to
// the local Vite dev server, force no-cache response headers, and
// synthesize a 502 text/plain response on dial failure. Grounded on the
// teacher's handleWorkspacePortProxy (internal/server/ports_proxy.go),
// which builds one httputil.ReverseProxy per target and installs an
// ErrorHandler for the dial-failure case.
package devproxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"log/slog"
)

// Proxy forwards requests to a local dev server and, optionally, watches
// an on-disk build-output directory via fsnotify. Changes under that
// directory are logged at debug level only; nothing in this module acts
// on them.
type Proxy struct {
	watcher *fsnotify.Watcher
}

// New creates a Proxy. watchDir is the on-disk directory whose changes
// are logged; an empty watchDir disables the watch.
func New(watchDir string) (*Proxy, error) {
	p := &Proxy{}
	if watchDir == "" {
		return p, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("devproxy: create watcher: %w", err)
	}
	if err := w.Add(watchDir); err != nil {
		w.Close()
		return nil, fmt.Errorf("devproxy: watch %s: %w", watchDir, err)
	}
	p.watcher = w
	go p.drainEvents(filepath.Clean(watchDir))
	return p, nil
}

// Close stops the underlying filesystem watch, if any.
func (p *Proxy) Close() error {
	if p.watcher == nil {
		return nil
	}
	return p.watcher.Close()
}

// drainEvents logs local build-output changes at debug level and watch
// errors at warn level. No response cache exists behind this proxy: every
// proxied response is sent with no-cache headers instead.
func (p *Proxy) drainEvents(watchDir string) {
	for {
		select {
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			slog.Debug("devproxy: dev build output changed", "dir", watchDir, "event", ev)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("devproxy: watch error", "dir", watchDir, "error", err)
		}
	}
}

// ServeHTTP forwards r to targetURL, forcing no-cache response headers
// and synthesizing a 502 text/plain body on dial failure.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request, targetURL string) {
	u, err := url.Parse(targetURL)
	if err != nil {
		writeBadGateway(w, fmt.Errorf("devproxy: invalid target url: %w", err))
		return
	}

	// targetURL already carries the request's path and query, so the
	// director must not join r's path and query onto it a second time.
	proxy := httputil.NewSingleHostReverseProxy(&url.URL{Scheme: u.Scheme, Host: u.Host})
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.URL.Path = u.Path
		req.URL.RawPath = u.RawPath
		req.URL.RawQuery = u.RawQuery
	}
	proxy.ModifyResponse = forceNoCache
	proxy.ErrorHandler = func(rw http.ResponseWriter, _ *http.Request, proxyErr error) {
		writeBadGateway(rw, proxyErr)
	}
	proxy.ServeHTTP(w, r)
}

func forceNoCache(resp *http.Response) error {
	resp.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	resp.Header.Set("Pragma", "no-cache")
	resp.Header.Set("Expires", "0")
	return nil
}

func writeBadGateway(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	fmt.Fprintf(w, "dev proxy error: %v", err)
}
