// Package autoinit implements the Auto-Init Orchestrator:
// on process start, attempt to recover the last-active bundle from
// internal/cache without a manifest round-trip, publishing a single
// completion signal that internal/fetchintercept races against for early
// requests arriving before recovery finishes.
package autoinit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/tonk-labs/bundle-runtime-router/internal/cache"
	"github.com/tonk-labs/bundle-runtime-router/internal/loader"
	"github.com/tonk-labs/bundle-runtime-router/internal/registry"
	"github.com/tonk-labs/bundle-runtime-router/internal/vfscore"
)

// Broadcaster delivers a message to every connected client.
type Broadcaster interface {
	Broadcast(msg any)
}

// NeedsReinitMessage is broadcast when cache recovery was attempted and
// failed, prompting clients to reload.
type NeedsReinitMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Orchestrator runs the single recovery attempt made at process start.
type Orchestrator struct {
	cache            *cache.Cache
	loader           *loader.Loader
	broadcaster      Broadcaster
	serverURLDefault string

	completion *registry.Completion
}

// New creates an Orchestrator and immediately publishes its completion
// signal,
// before Run has even been called — fetchintercept.Handler can be wired
// with the orchestrator from the moment the process starts.
func New(c *cache.Cache, ld *loader.Loader, b Broadcaster, serverURLDefault string) *Orchestrator {
	return &Orchestrator{
		cache:            c,
		loader:           ld,
		broadcaster:      b,
		serverURLDefault: serverURLDefault,
		completion:       registry.NewCompletion(),
	}
}

// Wait implements fetchintercept.AutoInitWaiter: block until Run resolves
// the completion signal, or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) {
	_, _ = o.completion.Wait(ctx)
}

// Run attempts a single cache-backed recovery and resolves the completion
// signal exactly once, regardless of outcome. It should be invoked once,
// from Runtime.Start.
func (o *Orchestrator) Run(ctx context.Context) {
	var resultState registry.BundleState
	var resultErr error
	defer func() { o.completion.Resolve(resultState, resultErr) }()

	appSlugBytes, okSlug, _ := o.cache.GetGlobal(cache.KeyAppSlug)
	bundleBytes, okBytes, _ := o.cache.GetGlobal(cache.KeyBundleBytes)
	lastActiveBytes, okLast, _ := o.cache.GetGlobal(cache.KeyLastActiveBundleID)
	namespaceBytes, okNS, _ := o.cache.GetGlobal(cache.KeyNamespace)

	if !okSlug || !okBytes || (!okLast && !okNS) {
		slog.Info("autoinit: no recoverable cache entry, skipping recovery")
		return
	}

	launcherBundleID := string(lastActiveBytes)
	if launcherBundleID == "" {
		launcherBundleID = string(namespaceBytes)
	}

	var cachedManifest *vfscore.Manifest
	if manifestBytes, okM, _ := o.cache.GetGlobal(cache.KeyManifest); okM {
		var m vfscore.Manifest
		if err := json.Unmarshal(manifestBytes, &m); err == nil {
			cachedManifest = &m
		}
	}

	req := loader.Request{
		LauncherBundleID: launcherBundleID,
		BundleBytes:      bundleBytes,
		ServerURLDefault: o.serverURLDefault,
		CachedManifest:   cachedManifest,
	}

	result, err := o.loader.Load(ctx, req)
	if err != nil {
		resultErr = err
		slog.Warn("autoinit: cache recovery failed, clearing cache", "error", err)
		if clearErr := o.cache.ClearAll(); clearErr != nil {
			slog.Warn("autoinit: failed to clear cache after failed recovery", "error", clearErr)
		}
		o.broadcaster.Broadcast(NeedsReinitMessage{Type: "needsReinit", Reason: err.Error()})
		return
	}

	slog.Info("autoinit: recovered bundle from cache", "launcherBundleId", launcherBundleID, "appSlug", string(appSlugBytes), "resolvedAppSlug", result.AppSlug)
}
