// Package fake provides an in-memory VFS Core test double, standing in
// for the real CRDT engine in tests.
package fake

import (
	"context"
	"fmt"
	"mime"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/tonk-labs/bundle-runtime-router/internal/vfscore"
)

// Factory builds fake Bundles/VFS instances from an in-memory table of
// manifests and files, keyed by the raw bytes passed to BundleFromBytes
// and VFSFromBytes. Tests
// register bundle bytes with Seed before exercising the loader.
type Factory struct {
	mu      sync.Mutex
	bundles map[string]seeded
}

type seeded struct {
	manifest vfscore.Manifest
	files    map[string][]byte
}

// NewFactory returns an empty fake factory.
func NewFactory() *Factory {
	return &Factory{bundles: make(map[string]seeded)}
}

// Seed registers a bundle's manifest and initial file contents under a
// byte-string key. Callers typically pass a short token (e.g. "bundle-A")
// as bytes rather than a real serialized bundle.
func (f *Factory) Seed(bytes []byte, manifest vfscore.Manifest, files map[string][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(map[string][]byte, len(files))
	for k, v := range files {
		cp[k] = append([]byte(nil), v...)
	}
	f.bundles[string(bytes)] = seeded{manifest: manifest, files: cp}
}

func (f *Factory) lookup(bytes []byte) (seeded, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.bundles[string(bytes)]
	return s, ok
}

// Bundle is the fake Bundle handle.
type Bundle struct {
	manifest vfscore.Manifest
	freed    bool
}

func (b *Bundle) Manifest() (vfscore.Manifest, error) { return b.manifest, nil }
func (b *Bundle) Free()                                { b.freed = true }

func (f *Factory) BundleFromBytes(bytes []byte) (vfscore.Bundle, error) {
	s, ok := f.lookup(bytes)
	if !ok {
		return nil, fmt.Errorf("fake vfscore: no bundle seeded for given bytes")
	}
	return &Bundle{manifest: s.manifest}, nil
}

func (f *Factory) VFSFromBytes(bytes []byte, opts vfscore.StorageOptions) (vfscore.VFS, error) {
	s, ok := f.lookup(bytes)
	if !ok {
		return nil, fmt.Errorf("fake vfscore: no bundle seeded for given bytes")
	}
	v := &VFS{
		namespace: opts.Namespace,
		files:     make(map[string][]byte, len(s.files)),
		watchers:  make(map[*watcher]struct{}),
	}
	for k, val := range s.files {
		v.files[k] = append([]byte(nil), val...)
	}
	return v, nil
}

// VFS is an in-memory, non-CRDT stand-in for the real VFS Core. It is
// concurrency-safe but intentionally simplistic: ConnectWebsocket always
// succeeds unless SetDialErr was given an error, and IsConnected reflects a manually
// toggled flag so health-controller tests can simulate disconnects.
type VFS struct {
	namespace string

	mu         sync.Mutex
	files      map[string][]byte
	connected  bool
	dialErr    error
	watchers   map[*watcher]struct{}
	connectCnt int
}

type watcher struct {
	vfs        *VFS
	path       string
	isDir      bool
	cb         func(vfscore.ChangeEvent)
	stopped    bool
}

func (w *watcher) Stop() {
	w.vfs.mu.Lock()
	defer w.vfs.mu.Unlock()
	w.stopped = true
	delete(w.vfs.watchers, w)
}

// SetDialErr makes the next/future ConnectWebsocket calls fail.
func (v *VFS) SetDialErr(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dialErr = err
}

// SetConnected lets tests directly flip connectivity to simulate a drop
// or restore without going through ConnectWebsocket.
func (v *VFS) SetConnected(connected bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connected = connected
}

// ConnectAttempts returns how many times ConnectWebsocket has been called.
func (v *VFS) ConnectAttempts() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connectCnt
}

func (v *VFS) ConnectWebsocket(ctx context.Context, url string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connectCnt++
	if v.dialErr != nil {
		return v.dialErr
	}
	v.connected = true
	return nil
}

func (v *VFS) IsConnected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connected
}

func (v *VFS) ConnectionState() string {
	if v.IsConnected() {
		return "connected"
	}
	return "disconnected"
}

func (v *VFS) ReadFile(p string) (vfscore.ReadResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	data, ok := v.files[clean(p)]
	if !ok {
		return vfscore.ReadResult{}, fmt.Errorf("fake vfscore: file not found: %s", p)
	}
	// A real VFS Core reports the stored file's MIME type alongside its
	// bytes; this fake derives the same from the path extension so
	// fetch-interceptor tests exercise real Content-Type negotiation
	// instead of always falling through to a sniffed/default type.
	return vfscore.ReadResult{
		Content: append([]byte(nil), data...),
		MIME:    mime.TypeByExtension(path.Ext(p)),
	}, nil
}

func (v *VFS) WriteFile(p string, data vfscore.ReadResult, create bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := clean(p)
	if _, exists := v.files[key]; !exists && !create {
		return fmt.Errorf("fake vfscore: file does not exist: %s", p)
	}
	v.files[key] = content(data)
	return nil
}

func (v *VFS) UpdateFile(p string, data vfscore.ReadResult) error {
	return v.WriteFile(p, data, false)
}

func (v *VFS) PatchFile(p, jsonPath string, value any) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := clean(p)
	if _, ok := v.files[key]; !ok {
		return fmt.Errorf("fake vfscore: file not found: %s", p)
	}
	// The fake does not implement real JSON-path patching; it records
	// that a patch occurred by appending a marker, which is sufficient
	// for dispatcher-level tests that only assert success/failure.
	v.files[key] = append(v.files[key], []byte(fmt.Sprintf("\x00patch:%s=%v", jsonPath, value))...)
	return nil
}

func (v *VFS) DeleteFile(p string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := clean(p)
	if _, ok := v.files[key]; !ok {
		return fmt.Errorf("fake vfscore: file not found: %s", p)
	}
	delete(v.files, key)
	return nil
}

func (v *VFS) CreateDirectory(p string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := clean(p) + "/.dirkeep"
	if _, ok := v.files[key]; ok {
		return nil
	}
	v.files[key] = []byte{}
	return nil
}

func (v *VFS) ListDirectory(p string) ([]vfscore.DirEntry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	prefix := strings.TrimSuffix(clean(p), "/") + "/"
	seen := map[string]bool{}
	var entries []vfscore.DirEntry
	for k := range v.files {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if rest == "" || rest == ".dirkeep" {
			continue
		}
		parts := strings.SplitN(rest, "/", 2)
		name := parts[0]
		if seen[name] {
			continue
		}
		seen[name] = true
		entries = append(entries, vfscore.DirEntry{Name: name, IsDir: len(parts) > 1})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (v *VFS) Exists(p string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := clean(p)
	if _, ok := v.files[key]; ok {
		return true
	}
	prefix := strings.TrimSuffix(key, "/") + "/"
	for k := range v.files {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

func (v *VFS) Rename(from, to string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	fromKey, toKey := clean(from), clean(to)
	data, ok := v.files[fromKey]
	if !ok {
		return fmt.Errorf("fake vfscore: file not found: %s", from)
	}
	v.files[toKey] = data
	delete(v.files, fromKey)
	return nil
}

func (v *VFS) GetMetadata(p string) (vfscore.Metadata, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := clean(p)
	data, ok := v.files[key]
	if !ok {
		return vfscore.Metadata{}, fmt.Errorf("fake vfscore: file not found: %s", p)
	}
	return vfscore.Metadata{Path: p, Size: int64(len(data))}, nil
}

func (v *VFS) WatchDocument(p string, cb func(vfscore.ChangeEvent)) (vfscore.Watcher, error) {
	return v.watch(p, false, cb), nil
}

func (v *VFS) WatchDirectory(p string, cb func(vfscore.ChangeEvent)) (vfscore.Watcher, error) {
	return v.watch(p, true, cb), nil
}

func (v *VFS) watch(p string, isDir bool, cb func(vfscore.ChangeEvent)) *watcher {
	v.mu.Lock()
	defer v.mu.Unlock()
	w := &watcher{vfs: v, path: clean(p), isDir: isDir, cb: cb}
	v.watchers[w] = struct{}{}
	return w
}

// Emit synchronously delivers a change event to every watcher registered
// at path and every directory watcher on a directory containing path. Tests use this to drive PathIndex-sync-wait and
// watcher-forwarding scenarios deterministically.
func (v *VFS) Emit(path string, ev vfscore.ChangeEvent) {
	v.mu.Lock()
	var targets []*watcher
	key := clean(path)
	for w := range v.watchers {
		if w.stopped {
			continue
		}
		if w.path == key || (w.isDir && strings.HasPrefix(key, strings.TrimSuffix(w.path, "/")+"/")) {
			targets = append(targets, w)
		}
	}
	v.mu.Unlock()
	for _, w := range targets {
		w.cb(ev)
	}
}

func (v *VFS) ToBytes() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	names := make([]string, 0, len(v.files))
	for k := range v.files {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		fmt.Fprintf(&b, "%s=%d;", n, len(v.files[n]))
	}
	return []byte(b.String()), nil
}

func (v *VFS) ForkToBytes() ([]byte, error) { return v.ToBytes() }

func clean(p string) string {
	p = strings.TrimPrefix(p, "/")
	return path.Clean(p)
}

func content(r vfscore.ReadResult) []byte {
	if r.Bytes != nil {
		return append([]byte(nil), r.Bytes...)
	}
	return append([]byte(nil), r.Content...)
}
