package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tonk-labs/bundle-runtime-router/internal/errs"
	"github.com/tonk-labs/bundle-runtime-router/internal/loader"
	"github.com/tonk-labs/bundle-runtime-router/internal/registry"
	"github.com/tonk-labs/bundle-runtime-router/internal/vfscore"
	"github.com/tonk-labs/bundle-runtime-router/internal/watcher"
)

// Connection is the minimal sink a transport (websocket) must implement
// so the dispatcher can push a reply or broadcast without depending on
// gorilla/websocket directly.
type Connection interface {
	WriteJSON(v any) error
}

// Dispatcher is shared by every client connection attached to this
// process.
type Dispatcher struct {
	registry *registry.Registry
	loader   *loader.Loader
	watcher  *watcher.Manager

	serverURLDefault string

	mu      sync.RWMutex
	clients map[string]Connection
}

// New creates a Dispatcher.
func New(reg *registry.Registry, ld *loader.Loader, w *watcher.Manager, serverURLDefault string) *Dispatcher {
	return &Dispatcher{
		registry:         reg,
		loader:           ld,
		watcher:          w,
		serverURLDefault: serverURLDefault,
		clients:          make(map[string]Connection),
	}
}

// SetWatcher wires the watcher manager in after construction, breaking
// the constructor cycle between Dispatcher (needs a *watcher.Manager) and
// watcher.Manager (needs a ClientSender, which Dispatcher implements).
func (d *Dispatcher) SetWatcher(w *watcher.Manager) {
	d.watcher = w
}

// SetLoader wires the loader in after construction, for the same reason
// as SetWatcher: the loader's health.Controller needs a Reestablisher
// built from the watcher manager, which in turn needs Dispatcher as its
// ClientSender.
func (d *Dispatcher) SetLoader(ld *loader.Loader) {
	d.loader = ld
}

// RegisterClient attaches a connection under clientID, so watcher events
// and broadcasts can reach it.
func (d *Dispatcher) RegisterClient(clientID string, conn Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients[clientID] = conn
}

// UnregisterClient detaches clientID. Any watchers it owns remain
// registered.
func (d *Dispatcher) UnregisterClient(clientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.clients, clientID)
}

// SendToClient implements watcher.ClientSender: deliver msg to one
// connected client, or report an error if it has disconnected.
func (d *Dispatcher) SendToClient(clientID string, msg any) error {
	d.mu.RLock()
	conn, ok := d.clients[clientID]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("dispatch: client %s not connected", clientID)
	}
	return conn.WriteJSON(msg)
}

// Broadcast implements watcher.Broadcaster / health.Broadcaster: deliver
// msg to every connected client.
func (d *Dispatcher) Broadcast(msg any) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for clientID, conn := range d.clients {
		if err := conn.WriteJSON(msg); err != nil {
			slog.Warn("dispatch: broadcast delivery failed", "clientId", clientID, "error", err)
		}
	}
}

// Dispatch parses and routes one inbound frame from clientID, replying
// to that client directly. It never panics on malformed input: parse and
// handler errors both become a failure Reply, and a panicking handler is
// recovered and logged and answered with a failure Reply.
func (d *Dispatcher) Dispatch(ctx context.Context, clientID string, raw []byte) {
	msg, err := ParseMessage(raw)
	if err != nil {
		d.reply(clientID, fail("", "", fmt.Errorf("malformed message: %w", err)))
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("dispatch: handler panicked", "clientId", clientID, "type", msg.Type, "panic", rec)
			d.reply(clientID, fail(msg.Type, msg.ID, fmt.Errorf("internal error: %v", rec)))
		}
	}()

	reply := d.handle(ctx, clientID, msg)
	d.reply(clientID, reply)
}

func (d *Dispatcher) reply(clientID string, r Reply) {
	if err := d.SendToClient(clientID, r); err != nil {
		slog.Warn("dispatch: failed to deliver reply", "clientId", clientID, "type", r.Type, "error", err)
	}
}

// handle implements the precondition gate and routing table for every
// inbound message type.
func (d *Dispatcher) handle(ctx context.Context, clientID string, msg BaseMessage) Reply {
	if !lifecycleWhitelist[msg.Type] {
		effectiveID := msg.LauncherBundleID
		if effectiveID == "" {
			effectiveID = d.registry.LastActiveBundleID()
		}
		if effectiveID == "" {
			return fail(msg.Type, msg.ID, errs.ErrNoBundleContext)
		}
		st, ok := d.registry.Get(effectiveID)
		if !ok || st.Status != registry.StatusActive {
			return fail(msg.Type, msg.ID, errs.ErrBundleNotInitialized)
		}
		return d.handleBundleOp(ctx, clientID, msg, effectiveID, st)
	}

	switch msg.Type {
	case TypeInit:
		return d.handleInit(msg)
	case TypeLoadBundle:
		return d.handleLoadBundle(ctx, msg)
	case TypeUnloadBundle:
		return d.handleUnloadBundle(msg)
	case TypeInitializeFromURL:
		return d.handleInitializeFromURL(ctx, msg)
	case TypeInitializeFromBytes:
		return d.handleInitializeFromBytes(ctx, msg)
	case TypeGetServerURL:
		return ok(msg.Type, msg.ID, map[string]string{"serverUrl": d.serverURLDefault})
	case TypePing:
		d.Broadcast(Reply{Type: TypeReady, Success: true, Data: map[string]bool{"needsBundle": !d.hasActiveBundle()}})
		return ok(msg.Type, msg.ID, nil)
	case TypeSetAppSlug:
		return d.handleSetAppSlug(msg)
	default:
		return fail(msg.Type, msg.ID, &errs.ErrDispatcherUnknown{Type: string(msg.Type)})
	}
}

// hasActiveBundle reports whether the last-active bundle, if any, is
// currently Active — the condition a "ready" broadcast's needsBundle
// field negates.
func (d *Dispatcher) hasActiveBundle() bool {
	id := d.registry.LastActiveBundleID()
	if id == "" {
		return false
	}
	st, ok := d.registry.Get(id)
	return ok && st.Status == registry.StatusActive
}

// handleBundleOp routes every operation that requires an Active bundle
// (files, bytes, watchers).
func (d *Dispatcher) handleBundleOp(ctx context.Context, clientID string, msg BaseMessage, bundleID string, st registry.BundleState) Reply {
	switch msg.Type {
	case TypeGetManifest:
		return ok(msg.Type, msg.ID, st.Manifest)

	case TypeReadFile:
		var p readFilePayload
		if err := unmarshalData(msg.Data, &p); err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		result, err := st.VFS.ReadFile(p.Path)
		if err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		return ok(msg.Type, msg.ID, result)

	case TypeWriteFile:
		var p writeFilePayload
		if err := unmarshalData(msg.Data, &p); err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		err := st.VFS.WriteFile(p.Path, vfscore.ReadResult{Content: p.Content, Bytes: p.Bytes, MIME: p.MIME}, p.Create)
		if err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		return ok(msg.Type, msg.ID, nil)

	case TypeDeleteFile:
		var p deleteFilePayload
		if err := unmarshalData(msg.Data, &p); err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		if err := st.VFS.DeleteFile(p.Path); err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		return ok(msg.Type, msg.ID, nil)

	case TypeRename:
		var p renamePayload
		if err := unmarshalData(msg.Data, &p); err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		if err := st.VFS.Rename(p.From, p.To); err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		return ok(msg.Type, msg.ID, nil)

	case TypeExists:
		var p existsPayload
		if err := unmarshalData(msg.Data, &p); err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		return ok(msg.Type, msg.ID, map[string]bool{"exists": st.VFS.Exists(p.Path)})

	case TypePatchFile:
		var p patchFilePayload
		if err := unmarshalData(msg.Data, &p); err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		if err := st.VFS.PatchFile(p.Path, p.JSONPath, p.Value); err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		return ok(msg.Type, msg.ID, nil)

	case TypeUpdateFile:
		var p updateFilePayload
		if err := unmarshalData(msg.Data, &p); err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		if err := st.VFS.UpdateFile(p.Path, vfscore.ReadResult{Content: p.Content, Bytes: p.Bytes, MIME: p.MIME}); err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		return ok(msg.Type, msg.ID, nil)

	case TypeListDirectory:
		var p listDirectoryPayload
		if err := unmarshalData(msg.Data, &p); err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		entries, err := st.VFS.ListDirectory(p.Path)
		if err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		return ok(msg.Type, msg.ID, entries)

	case TypeToBytes:
		data, err := st.VFS.ToBytes()
		if err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		return ok(msg.Type, msg.ID, map[string][]byte{"bytes": data})

	case TypeForkToBytes:
		data, err := st.VFS.ForkToBytes()
		if err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		return ok(msg.Type, msg.ID, map[string][]byte{"bytes": data})

	case TypeWatchFile:
		var p watchFilePayload
		if err := unmarshalData(msg.Data, &p); err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		if err := d.watcher.WatchFile(bundleID, st.VFS, p.WatchID, p.Path, clientID); err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		return ok(msg.Type, msg.ID, nil)

	case TypeUnwatchFile:
		var p unwatchFilePayload
		if err := unmarshalData(msg.Data, &p); err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		d.watcher.Unwatch(bundleID, p.WatchID)
		return ok(msg.Type, msg.ID, nil)

	case TypeWatchDirectory:
		var p watchDirectoryPayload
		if err := unmarshalData(msg.Data, &p); err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		if err := d.watcher.WatchDirectory(bundleID, st.VFS, p.WatchID, p.Path, clientID); err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		return ok(msg.Type, msg.ID, nil)

	case TypeUnwatchDirectory:
		var p unwatchDirectoryPayload
		if err := unmarshalData(msg.Data, &p); err != nil {
			return fail(msg.Type, msg.ID, err)
		}
		d.watcher.Unwatch(bundleID, p.WatchID)
		return ok(msg.Type, msg.ID, nil)

	default:
		return fail(msg.Type, msg.ID, &errs.ErrDispatcherUnknown{Type: string(msg.Type)})
	}
}

func (d *Dispatcher) handleInit(msg BaseMessage) Reply {
	var p initPayload
	_ = unmarshalData(msg.Data, &p)
	if p.LauncherBundleID != "" {
		d.registry.SetLastActiveBundleID(p.LauncherBundleID)
	}
	return ok(msg.Type, msg.ID, nil)
}

func (d *Dispatcher) handleLoadBundle(ctx context.Context, msg BaseMessage) Reply {
	var p loadBundlePayload
	if err := unmarshalData(msg.Data, &p); err != nil {
		return fail(msg.Type, msg.ID, err)
	}
	result, err := d.loader.Load(ctx, loader.Request{
		LauncherBundleID: p.LauncherBundleID,
		BundleBytes:      p.BundleBytes,
		WSURLOverride:    p.WSURL,
		QueryOverride:    p.Query,
		ServerURLDefault: d.serverURLDefault,
	})
	if err != nil {
		return fail(msg.Type, msg.ID, err)
	}
	return ok(msg.Type, msg.ID, map[string]any{"skipped": result.Skipped, "appSlug": result.AppSlug})
}

func (d *Dispatcher) handleUnloadBundle(msg BaseMessage) Reply {
	var p unloadBundlePayload
	if err := unmarshalData(msg.Data, &p); err != nil {
		return fail(msg.Type, msg.ID, err)
	}
	d.registry.Remove(p.LauncherBundleID)
	return ok(msg.Type, msg.ID, nil)
}

func (d *Dispatcher) handleInitializeFromURL(ctx context.Context, msg BaseMessage) Reply {
	var p initializeFromURLPayload
	if err := unmarshalData(msg.Data, &p); err != nil {
		return fail(msg.Type, msg.ID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fail(msg.Type, msg.ID, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fail(msg.Type, msg.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fail(msg.Type, msg.ID, fmt.Errorf("fetch bundle: unexpected status %d", resp.StatusCode))
	}
	bundleBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(msg.Type, msg.ID, err)
	}

	result, err := d.loader.Load(ctx, loader.Request{
		LauncherBundleID: p.LauncherBundleID,
		BundleBytes:      bundleBytes,
		ServerURLDefault: d.serverURLDefault,
	})
	if err != nil {
		return fail(msg.Type, msg.ID, err)
	}
	return ok(msg.Type, msg.ID, map[string]any{"skipped": result.Skipped, "appSlug": result.AppSlug})
}

func (d *Dispatcher) handleInitializeFromBytes(ctx context.Context, msg BaseMessage) Reply {
	var p initializeFromBytesPayload
	if err := unmarshalData(msg.Data, &p); err != nil {
		return fail(msg.Type, msg.ID, err)
	}
	result, err := d.loader.Load(ctx, loader.Request{
		LauncherBundleID: p.LauncherBundleID,
		BundleBytes:      p.BundleBytes,
		ServerURLDefault: d.serverURLDefault,
	})
	if err != nil {
		return fail(msg.Type, msg.ID, err)
	}
	return ok(msg.Type, msg.ID, map[string]any{"skipped": result.Skipped, "appSlug": result.AppSlug})
}

func (d *Dispatcher) handleSetAppSlug(msg BaseMessage) Reply {
	var p setAppSlugPayload
	if err := unmarshalData(msg.Data, &p); err != nil {
		return fail(msg.Type, msg.ID, err)
	}
	effectiveID := p.LauncherBundleID
	if effectiveID == "" {
		effectiveID = d.registry.LastActiveBundleID()
	}
	if effectiveID == "" {
		return fail(msg.Type, msg.ID, errs.ErrNoBundleContext)
	}
	if !d.registry.SetAppSlug(effectiveID, p.AppSlug) {
		return fail(msg.Type, msg.ID, errors.New("unknown bundle"))
	}
	return ok(msg.Type, msg.ID, nil)
}

func unmarshalData(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing payload")
	}
	return json.Unmarshal(data, v)
}
