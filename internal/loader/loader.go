// Package loader implements the Bundle Loader: the
// twelve-step sequence that takes bundle bytes and a launcherBundleId
// through manifest acquisition, VFS instantiation, websocket connection,
// and PathIndex sync, committing an Active BundleState on success.
//
// Concurrent loads for the same launcherBundleId are coalesced with
// golang.org/x/sync/singleflight's Group.Do, the same library
// the pack's request coalescer uses to deduplicate concurrent identical
// work.
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonk-labs/bundle-runtime-router/internal/cache"
	"github.com/tonk-labs/bundle-runtime-router/internal/health"
	"github.com/tonk-labs/bundle-runtime-router/internal/registry"
	"github.com/tonk-labs/bundle-runtime-router/internal/urlrouter"
	"github.com/tonk-labs/bundle-runtime-router/internal/vfscore"
)

// Broadcaster delivers a message to every connected client.
type Broadcaster interface {
	Broadcast(msg any)
}

// LoadRecorder observes load outcomes ("active", "skipped", "error"),
// typically backed by internal/metrics. Nil by default; Load is a no-op
// toward it when unset.
type LoadRecorder interface {
	RecordLoad(outcome string)
}

// Request carries everything the loader needs to perform a load: the
// bundle bytes (or a cache-recovered manifest/VFS pair), the resolution
// inputs for the WS URL, and the caller-supplied overrides.
type Request struct {
	LauncherBundleID string
	BundleBytes      []byte

	// WSURLOverride is the explicit parameter, highest priority in step 7.
	WSURLOverride string
	// QueryOverride is the raw query string carrying a possible base64
	// "bundle" override, second priority in step 7.
	QueryOverride string
	// ServerURLDefault is the fallback server URL, lowest priority.
	ServerURLDefault string

	// CachedManifest, if non-nil, skips bundle parsing (step 5).
	CachedManifest *vfscore.Manifest
}

// Result is what a successful (or skipped) load reports back to the
// dispatcher.
type Result struct {
	Skipped  bool
	AppSlug  string
	Manifest vfscore.Manifest
}

// Loader runs the end-to-end bundle load pipeline.
type Loader struct {
	registry      *registry.Registry
	cache         *cache.Cache
	health        *health.Controller
	broadcaster   Broadcaster
	pathIndexWait time.Duration
	recorder      LoadRecorder

	group singleflight.Group
}

// New creates a Loader.
func New(reg *registry.Registry, c *cache.Cache, h *health.Controller, b Broadcaster, pathIndexWait time.Duration) *Loader {
	return &Loader{registry: reg, cache: c, health: h, broadcaster: b, pathIndexWait: pathIndexWait}
}

// SetLoadRecorder wires a metrics observer in after construction. Safe to
// call at most once, before the loader is shared across goroutines.
func (l *Loader) SetLoadRecorder(r LoadRecorder) {
	l.recorder = r
}

func (l *Loader) recordLoad(outcome string) {
	if l.recorder != nil {
		l.recorder.RecordLoad(outcome)
	}
}

// Load runs the twelve-step sequence for req, coalescing concurrent
// callers for the same LauncherBundleID via singleflight.
func (l *Loader) Load(ctx context.Context, req Request) (Result, error) {
	// Step 1: idempotency guard.
	if st, ok := l.registry.Get(req.LauncherBundleID); ok && st.Status == registry.StatusActive {
		l.registry.SetLastActiveBundleID(req.LauncherBundleID)
		l.persist(req.LauncherBundleID, req.BundleBytes, st)
		l.recordLoad("skipped")
		return Result{Skipped: true, AppSlug: st.AppSlug, Manifest: st.Manifest}, nil
	}

	// Step 2: await an in-flight load for the same id. This caller never
	// entered the group.Do below, so recording its outcome here can't
	// double-count the pipeline execution that actually ran.
	if st, ok := l.registry.Get(req.LauncherBundleID); ok && st.Status == registry.StatusLoading && st.Completion != nil {
		final, err := st.Completion.Wait(ctx)
		if err != nil {
			l.recordLoad("error")
			return Result{}, err
		}
		l.recordLoad("skipped")
		return Result{Skipped: true, AppSlug: final.AppSlug, Manifest: final.Manifest}, nil
	}

	type loadOutcome struct {
		state registry.BundleState
	}

	// RecordLoad is called inside the singleflight closure, not around
	// group.Do, so concurrent callers coalesced onto the same in-flight
	// pipeline run record the outcome exactly once rather than once per
	// waiter.
	v, err, _ := l.group.Do(req.LauncherBundleID, func() (any, error) {
		state, loadErr := l.runPipeline(ctx, req)
		if loadErr != nil {
			l.registry.SetError(req.LauncherBundleID, loadErr)
			l.recordLoad("error")
			return nil, loadErr
		}
		l.recordLoad("active")
		return loadOutcome{state: state}, nil
	})
	if err != nil {
		return Result{}, err
	}

	outcome := v.(loadOutcome)
	return Result{AppSlug: outcome.state.AppSlug, Manifest: outcome.state.Manifest}, nil
}

// runPipeline executes steps 3-11 and commits the resulting state.
func (l *Loader) runPipeline(ctx context.Context, req Request) (registry.BundleState, error) {
	// Step 3: transition to Loading, publishing a completion signal for
	// any caller that observes the registry directly.
	completion := l.registry.SetLoading(req.LauncherBundleID, req.LauncherBundleID)

	state, err := l.load(ctx, req)
	completion.Resolve(state, err)
	if err != nil {
		return registry.BundleState{}, err
	}

	// Step 10/11: commit + persist happen inside load() via registry.SetActive
	// and l.persist, so by the time we reach here the registry already
	// reflects Active state.
	return state, nil
}

func (l *Loader) load(ctx context.Context, req Request) (registry.BundleState, error) {
	// Step 4: WASM init / process-wide factory init. There is no WASM
	// boundary in a native Go VFS Core client; the equivalent is
	// internal/vfscore's single package-level factory, installed by
	// vfscore.RegisterFactory at process startup rather than per load.
	factory, err := vfscore.ActiveFactory()
	if err != nil {
		return registry.BundleState{}, fmt.Errorf("loader: %w", err)
	}

	// Step 5: manifest acquisition.
	manifest, err := l.acquireManifest(factory, req)
	if err != nil {
		return registry.BundleState{}, fmt.Errorf("loader: acquire manifest: %w", err)
	}

	// Step 6: VFS instantiation.
	vfs, err := factory.VFSFromBytes(req.BundleBytes, vfscore.StorageOptions{
		Backend:   "indexeddb",
		Namespace: req.LauncherBundleID,
	})
	if err != nil {
		return registry.BundleState{}, fmt.Errorf("loader: instantiate vfs: %w", err)
	}

	// Step 7: WS URL resolution.
	wsURL := resolveWSURL(manifest, req)
	if wsURL == "" {
		return registry.BundleState{}, fmt.Errorf("loader: no websocket URL could be resolved")
	}

	// Step 8: connect websocket. Failure is fatal to this load.
	if err := vfs.ConnectWebsocket(ctx, wsURL); err != nil {
		return registry.BundleState{}, fmt.Errorf("loader: connect websocket: %w", err)
	}

	// Step 9: PathIndex sync wait — a root-directory watcher with a
	// quiet-period timeout, unconditionally stopped before returning.
	l.waitForPathIndexSync(vfs)

	appSlug := manifest.DefaultAppSlug()

	healthCtx, cancel := context.WithCancel(context.Background())

	// Step 10: commit.
	next := registry.BundleState{
		BundleID:         req.LauncherBundleID,
		LauncherBundleID: req.LauncherBundleID,
		VFS:              vfs,
		Manifest:         manifest,
		AppSlug:          appSlug,
		WSURL:            wsURL,
		ConnectionHealthy: true,
		HealthCancel:     cancel,
	}
	l.registry.SetActive(req.LauncherBundleID, next)

	if l.health != nil {
		l.health.Start(healthCtx, req.LauncherBundleID, vfs, wsURL)
	}

	// Step 11: persist.
	committed, _ := l.registry.Get(req.LauncherBundleID)
	l.persist(req.LauncherBundleID, req.BundleBytes, committed)

	return committed, nil
}

// acquireManifest implements step 5: skip parsing if a cached manifest
// was supplied, otherwise parse the bundle bytes and free the temporary
// handle immediately.
func (l *Loader) acquireManifest(factory vfscore.Factory, req Request) (vfscore.Manifest, error) {
	if req.CachedManifest != nil {
		return *req.CachedManifest, nil
	}

	bundle, err := factory.BundleFromBytes(req.BundleBytes)
	if err != nil {
		return vfscore.Manifest{}, err
	}
	defer bundle.Free()

	return bundle.Manifest()
}

// resolveWSURL implements step 7's priority order: explicit parameter >
// URL query "bundle" base64 JSON override > manifest.networkUris[0]
// (http→ws) > server-URL default (http→ws).
func resolveWSURL(manifest vfscore.Manifest, req Request) string {
	if req.WSURLOverride != "" {
		return req.WSURLOverride
	}
	if req.QueryOverride != "" {
		if override, ok := urlrouter.DecodeBundleQueryOverride(req.QueryOverride); ok {
			return override
		}
	}
	if uri := manifest.DefaultNetworkURI(); uri != "" {
		return urlrouter.HTTPToWS(uri)
	}
	if req.ServerURLDefault != "" {
		return urlrouter.HTTPToWS(req.ServerURLDefault)
	}
	return ""
}

// waitForPathIndexSync implements step 9: register a root-directory
// watcher, proceed on the first change event or after the quiet-period
// timeout, unconditionally stopping the watcher before returning.
func (l *Loader) waitForPathIndexSync(vfs vfscore.VFS) {
	synced := make(chan struct{}, 1)
	watcher, err := vfs.WatchDirectory("", func(vfscore.ChangeEvent) {
		select {
		case synced <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return
	}
	defer watcher.Stop()

	timer := time.NewTimer(l.pathIndexWait)
	defer timer.Stop()

	select {
	case <-synced:
	case <-timer.C:
	}
}

// persist writes the post-commit cache blobs, best-effort.
func (l *Loader) persist(launcherBundleID string, bundleBytes []byte, st registry.BundleState) {
	if l.cache == nil {
		return
	}

	_ = l.cache.SetGlobal(cache.KeyAppSlug, []byte(st.AppSlug))
	if len(bundleBytes) > 0 {
		_ = l.cache.SetGlobal(cache.KeyBundleBytes, bundleBytes)
	}
	if manifestBytes, err := json.Marshal(st.Manifest); err == nil {
		_ = l.cache.SetGlobal(cache.KeyManifest, manifestBytes)
	}
	_ = l.cache.SetGlobal(cache.KeyNamespace, []byte(launcherBundleID))
	_ = l.cache.SetGlobal(cache.KeyLastActiveBundleID, []byte(launcherBundleID))
}
