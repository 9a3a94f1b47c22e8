// Package registry implements the Bundle Registry: the
// single owning map of per-bundle state. Every mutation is confined to
// one mutex, standing in for the source's single-threaded event-loop
// discipline — Go goroutines are not run-to-completion, so the mutex is
// load-bearing where the original relied on cooperative scheduling alone.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/tonk-labs/bundle-runtime-router/internal/vfscore"
)

// Status is a BundleState's lifecycle phase.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusActive
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusActive:
		return "active"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Completion is a shared one-shot signal: any number of
// goroutines can Wait on the same in-flight load and observe its result.
type Completion struct {
	done   chan struct{}
	once   sync.Once
	result BundleState
	err    error
}

// NewCompletion creates an unresolved completion signal.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Resolve publishes the final (state, err) to every waiter. Safe to call
// more than once; only the first call has effect.
func (c *Completion) Resolve(state BundleState, err error) {
	c.once.Do(func() {
		c.result = state
		c.err = err
		close(c.done)
	})
}

// Wait blocks until Resolve is called or ctx is done.
func (c *Completion) Wait(ctx context.Context) (BundleState, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return BundleState{}, ctx.Err()
	}
}

// WatchEntry binds a watch id to its underlying VFS watcher handle and
// the websocket client that registered it.
type WatchEntry struct {
	Handle   vfscore.Watcher
	ClientID string
}

// BundleState is a single launcherBundleId's lifecycle record.
type BundleState struct {
	Status            Status
	BundleID          string
	LauncherBundleID  string
	Completion        *Completion
	VFS               vfscore.VFS
	Manifest          vfscore.Manifest
	AppSlug           string
	WSURL             string
	ConnectionHealthy bool
	ReconnectAttempts uint32
	HealthCancel      context.CancelFunc
	Watchers          map[string]WatchEntry
	Err               error

	// LoadedAt is when the Active transition committed; recorded by
	// SetActive and reported in Snapshot's BundleSummary.
	LoadedAt time.Time
}

// BundleSummary is the read-only projection exposed by Snapshot, used
// for /metrics and diagnostics.
type BundleSummary struct {
	LauncherBundleID string
	AppSlug          string
	Status           Status
	ConnectionHealthy bool
	ReconnectAttempts uint32
	WatcherCount      int
	LoadedAt          time.Time
}

// Registry is the single owning map of BundleState, guarded by one
// mutex.
type Registry struct {
	mu                  sync.Mutex
	bundles             map[string]*BundleState
	lastActiveBundleID  string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{bundles: make(map[string]*BundleState)}
}

// Get returns a copy of the state for id, if present.
func (r *Registry) Get(id string) (BundleState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.bundles[id]
	if !ok {
		return BundleState{}, false
	}
	return *st, true
}

// LastActiveBundleID returns the current default bundle context.
func (r *Registry) LastActiveBundleID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActiveBundleID
}

// SetLastActiveBundleID sets the default bundle context directly,
// bypassing SetActive's cleanup protocol — used by the idempotency-guard
// and skipped-load paths of Load.
func (r *Registry) SetLastActiveBundleID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActiveBundleID = id
}

// SetLoading installs a Loading state with a fresh Completion signal, or
// returns the existing Completion if one is already Loading.
func (r *Registry) SetLoading(id, launcherBundleID string) *Completion {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.bundles[id]; ok && st.Status == StatusLoading && st.Completion != nil {
		return st.Completion
	}

	completion := NewCompletion()
	r.bundles[id] = &BundleState{
		Status:           StatusLoading,
		LauncherBundleID: launcherBundleID,
		Completion:       completion,
	}
	return completion
}

// SetActive installs a fully-loaded state at id, running the cleanup
// protocol synchronously against any existing Active state first. Mutations made after this
// call returns observe the new state only.
func (r *Registry) SetActive(id string, next BundleState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.bundles[id]; ok {
		cleanup(prev)
	}

	next.Status = StatusActive
	next.LoadedAt = time.Now()
	if next.Watchers == nil {
		next.Watchers = make(map[string]WatchEntry)
	}
	r.bundles[id] = &next
	r.lastActiveBundleID = id
}

// SetError installs an Error state, resolving any pending Completion with
// err so waiters observe the failure.
func (r *Registry) SetError(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.bundles[id]
	if !ok {
		st = &BundleState{}
		r.bundles[id] = st
	}
	if st.Completion != nil {
		st.Completion.Resolve(BundleState{}, err)
	}
	st.Status = StatusError
	st.Err = err
}

// cleanup runs the teardown protocol: cancel the health context and stop
// every watcher (tolerating individual errors). The VFS's websocket is not
// disconnected; vfscore.VFS has no disconnect operation. Caller must hold
// r.mu.
func cleanup(st *BundleState) {
	if st.HealthCancel != nil {
		st.HealthCancel()
	}
	for id, entry := range st.Watchers {
		if entry.Handle != nil {
			entry.Handle.Stop()
		}
		delete(st.Watchers, id)
	}
}

// Remove cleans up and deletes id, clearing lastActiveBundleID if it
// pointed there.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.bundles[id]
	if !ok {
		return false
	}
	cleanup(st)
	delete(r.bundles, id)
	if r.lastActiveBundleID == id {
		r.lastActiveBundleID = ""
	}
	return true
}

// SetAppSlug updates the active appSlug for id.
func (r *Registry) SetAppSlug(id, slug string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.bundles[id]
	if !ok {
		return false
	}
	st.AppSlug = slug
	return true
}

// SetConnectionHealthy updates the health flag for id.
func (r *Registry) SetConnectionHealthy(id string, healthy bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.bundles[id]
	if !ok {
		return false
	}
	st.ConnectionHealthy = healthy
	return true
}

// IncrementReconnect bumps and returns the reconnect-attempt counter.
func (r *Registry) IncrementReconnect(id string) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.bundles[id]
	if !ok {
		return 0, false
	}
	st.ReconnectAttempts++
	return st.ReconnectAttempts, true
}

// ResetReconnect zeroes the reconnect-attempt counter.
func (r *Registry) ResetReconnect(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.bundles[id]
	if !ok {
		return false
	}
	st.ReconnectAttempts = 0
	return true
}

// SetHealthCancel stores the cancel func for the bundle's health-probe
// goroutine.
func (r *Registry) SetHealthCancel(id string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.bundles[id]
	if !ok {
		return false
	}
	st.HealthCancel = cancel
	return true
}

// AddWatcher registers a watch entry under (id, watchID).
func (r *Registry) AddWatcher(id, watchID string, handle vfscore.Watcher, clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.bundles[id]
	if !ok {
		return false
	}
	if st.Watchers == nil {
		st.Watchers = make(map[string]WatchEntry)
	}
	st.Watchers[watchID] = WatchEntry{Handle: handle, ClientID: clientID}
	return true
}

// RemoveWatcher stops and removes the watch entry under (id, watchID).
func (r *Registry) RemoveWatcher(id, watchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.bundles[id]
	if !ok {
		return false
	}
	entry, ok := st.Watchers[watchID]
	if !ok {
		return false
	}
	if entry.Handle != nil {
		entry.Handle.Stop()
	}
	delete(st.Watchers, watchID)
	return true
}

// GetWatcher returns the watch entry under (id, watchID).
func (r *Registry) GetWatcher(id, watchID string) (WatchEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.bundles[id]
	if !ok {
		return WatchEntry{}, false
	}
	entry, ok := st.Watchers[watchID]
	return entry, ok
}

// ListWatchers returns every watch id registered for id.
func (r *Registry) ListWatchers(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.bundles[id]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(st.Watchers))
	for watchID := range st.Watchers {
		ids = append(ids, watchID)
	}
	return ids
}

// Snapshot returns a read-only listing of every registered bundle,
// used by /metrics and diagnostics.
func (r *Registry) Snapshot() []BundleSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BundleSummary, 0, len(r.bundles))
	for id, st := range r.bundles {
		out = append(out, BundleSummary{
			LauncherBundleID:  id,
			AppSlug:           st.AppSlug,
			Status:            st.Status,
			ConnectionHealthy: st.ConnectionHealthy,
			ReconnectAttempts: st.ReconnectAttempts,
			WatcherCount:      len(st.Watchers),
			LoadedAt:          st.LoadedAt,
		})
	}
	return out
}
