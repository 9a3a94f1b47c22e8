// Package watcher implements the Watcher Registry & Re-establishment
// component: binding (launcherBundleId, watchId) pairs to
// a VFS watch handle and the client that asked for it, delivering change
// events to that client only, and handling the post-reconnect
// re-establishment decision.
package watcher

import (
	"fmt"
	"log/slog"

	"github.com/tonk-labs/bundle-runtime-router/internal/registry"
	"github.com/tonk-labs/bundle-runtime-router/internal/vfscore"
)

// ClientSender delivers a message to one specific connected client,
// identified the way the dispatcher tracks connections.
// Returns an error if the client is no longer connected.
type ClientSender interface {
	SendToClient(clientID string, msg any) error
}

// Broadcaster delivers a message to every connected client.
type Broadcaster interface {
	Broadcast(msg any)
}

// FileChangedMessage is posted to the originating client on a document
// watch event.
type FileChangedMessage struct {
	Type         string `json:"type"`
	WatchID      string `json:"watchId"`
	DocumentData []byte `json:"documentData"`
}

// DirectoryChangedMessage is posted to the originating client on a
// directory watch event.
type DirectoryChangedMessage struct {
	Type       string `json:"type"`
	WatchID    string `json:"watchId"`
	Path       string `json:"path"`
	ChangeData []byte `json:"changeData"`
}

// WatchersReestablishedMessage is broadcast after a successful reconnect,
// reporting how many watch entries the bundle holds; the handles are not
// re-subscribed.
type WatchersReestablishedMessage struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// Manager wires the registry's watch-entry bookkeeping to live VFS
// watcher handles and client delivery.
type Manager struct {
	registry *registry.Registry
	sender   ClientSender
}

// New creates a watcher Manager bound to the given registry and client
// sender.
func New(reg *registry.Registry, sender ClientSender) *Manager {
	return &Manager{registry: reg, sender: sender}
}

// WatchFile registers a document watch. The returned
// error is from the underlying VFS call; registry bookkeeping only
// happens on success.
func (m *Manager) WatchFile(launcherBundleID string, vfs vfscore.VFS, watchID, path, clientID string) error {
	handle, err := vfs.WatchDocument(path, func(ev vfscore.ChangeEvent) {
		m.deliver(clientID, FileChangedMessage{
			Type:         "fileChanged",
			WatchID:      watchID,
			DocumentData: ev.DocumentData,
		})
	})
	if err != nil {
		return fmt.Errorf("watch file %s: %w", path, err)
	}
	m.registry.AddWatcher(launcherBundleID, watchID, handle, clientID)
	return nil
}

// WatchDirectory registers a directory watch.
func (m *Manager) WatchDirectory(launcherBundleID string, vfs vfscore.VFS, watchID, path, clientID string) error {
	handle, err := vfs.WatchDirectory(path, func(ev vfscore.ChangeEvent) {
		m.deliver(clientID, DirectoryChangedMessage{
			Type:       "directoryChanged",
			WatchID:    watchID,
			Path:       ev.Path,
			ChangeData: ev.ChangeData,
		})
	})
	if err != nil {
		return fmt.Errorf("watch directory %s: %w", path, err)
	}
	m.registry.AddWatcher(launcherBundleID, watchID, handle, clientID)
	return nil
}

// Unwatch stops and removes a watch entry.
func (m *Manager) Unwatch(launcherBundleID, watchID string) bool {
	return m.registry.RemoveWatcher(launcherBundleID, watchID)
}

// deliver posts a change event to the originating client only, dropping
// it with a warning if that client has disconnected — the watcher itself
// is left intact, since it may serve a future reload at the same client
// id.
func (m *Manager) deliver(clientID string, msg any) {
	if err := m.sender.SendToClient(clientID, msg); err != nil {
		slog.Warn("watcher: dropping change event, client disconnected", "clientId", clientID, "error", err)
	}
}

// Reestablish implements the reconnect Open Question, option (b): do not
// silently re-subscribe underlying VFS handles (the contract in
// internal/vfscore gives no way to replay a watcher's missed events
// across the disconnect window); instead broadcast the pre-existing
// watch count and require clients to re-issue watchFile/watchDirectory.
func (m *Manager) Reestablish(broadcaster Broadcaster, launcherBundleID string) int {
	count := len(m.registry.ListWatchers(launcherBundleID))
	broadcaster.Broadcast(WatchersReestablishedMessage{
		Type:  "watchersReestablished",
		Count: count,
	})
	return count
}
