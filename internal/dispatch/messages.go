// Package dispatch implements the Message Dispatcher:
// routing ~25 operation kinds carried over one shared BaseMessage
// envelope: a BaseMessage{Type, ID, LauncherBundleID, Data} / Parse*Message /
// New*Message pattern applied to per-bundle VFS operations.
package dispatch

import "encoding/json"

// MessageType is the discriminator carried by every dispatcher message.
type MessageType string

// Lifecycle operations — all but getManifest are exempt from the
// precondition gate (see lifecycleWhitelist).
const (
	TypeInit                MessageType = "init"
	TypeLoadBundle           MessageType = "loadBundle"
	TypeUnloadBundle         MessageType = "unloadBundle"
	TypeInitializeFromURL    MessageType = "initializeFromUrl"
	TypeInitializeFromBytes  MessageType = "initializeFromBytes"
	TypeGetServerURL         MessageType = "getServerUrl"
	TypeGetManifest          MessageType = "getManifest"
	TypePing                 MessageType = "ping"
	TypeSetAppSlug           MessageType = "setAppSlug"
)

// File operations — subject to the precondition gate.
const (
	TypeReadFile      MessageType = "readFile"
	TypeWriteFile     MessageType = "writeFile"
	TypeDeleteFile    MessageType = "deleteFile"
	TypeRename        MessageType = "rename"
	TypeExists        MessageType = "exists"
	TypePatchFile     MessageType = "patchFile"
	TypeUpdateFile    MessageType = "updateFile"
	TypeListDirectory MessageType = "listDirectory"
)

// Byte-serialization operations — subject to the precondition gate.
const (
	TypeToBytes     MessageType = "toBytes"
	TypeForkToBytes MessageType = "forkToBytes"
)

// Watcher operations — subject to the precondition gate.
const (
	TypeWatchFile        MessageType = "watchFile"
	TypeUnwatchFile      MessageType = "unwatchFile"
	TypeWatchDirectory   MessageType = "watchDirectory"
	TypeUnwatchDirectory MessageType = "unwatchDirectory"
)

// Server -> client broadcast-only types.
const (
	TypeReady                  MessageType = "ready"
	TypeDisconnected           MessageType = "disconnected"
	TypeReconnecting           MessageType = "reconnecting"
	TypeReconnected            MessageType = "reconnected"
	TypeWatchersReestablished  MessageType = "watchersReestablished"
	TypeNeedsReinit            MessageType = "needsReinit"
)

// lifecycleWhitelist is exempt from the "No bundle context"/"Bundle not
// initialized" precondition gate.
var lifecycleWhitelist = map[MessageType]bool{
	TypeInit:               true,
	TypeLoadBundle:         true,
	TypeUnloadBundle:       true,
	TypeInitializeFromURL:  true,
	TypeInitializeFromBytes: true,
	TypeGetServerURL:       true,
	TypePing:               true,
	TypeSetAppSlug:         true,
}

// BaseMessage is the common envelope for every inbound message.
type BaseMessage struct {
	Type             MessageType     `json:"type"`
	ID               string          `json:"id,omitempty"`
	LauncherBundleID string          `json:"launcherBundleId,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
}

// Reply is the common outbound shape for every request/response pair:
// { type, id, success, data?, error? }.
type Reply struct {
	Type    MessageType `json:"type"`
	ID      string      `json:"id,omitempty"`
	Success bool        `json:"success"`
	Data    any         `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func ok(msgType MessageType, id string, data any) Reply {
	return Reply{Type: msgType, ID: id, Success: true, Data: data}
}

func fail(msgType MessageType, id string, err error) Reply {
	return Reply{Type: msgType, ID: id, Success: false, Error: err.Error()}
}

// ParseMessage decodes a raw inbound frame into a BaseMessage.
func ParseMessage(raw []byte) (BaseMessage, error) {
	var msg BaseMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return BaseMessage{}, err
	}
	return msg, nil
}

// Payload shapes for each operation's Data field.

type initPayload struct {
	LauncherBundleID string `json:"launcherBundleId"`
}

type loadBundlePayload struct {
	LauncherBundleID string `json:"launcherBundleId"`
	BundleBytes      []byte `json:"bundleBytes"`
	WSURL            string `json:"wsUrl,omitempty"`
	Query            string `json:"query,omitempty"`
}

type unloadBundlePayload struct {
	LauncherBundleID string `json:"launcherBundleId"`
}

type initializeFromURLPayload struct {
	LauncherBundleID string `json:"launcherBundleId"`
	URL              string `json:"url"`
}

type initializeFromBytesPayload struct {
	LauncherBundleID string `json:"launcherBundleId"`
	BundleBytes      []byte `json:"bundleBytes"`
}

type setAppSlugPayload struct {
	LauncherBundleID string `json:"launcherBundleId"`
	AppSlug          string `json:"appSlug"`
}

type readFilePayload struct {
	Path string `json:"path"`
}

type writeFilePayload struct {
	Path    string `json:"path"`
	Content []byte `json:"content,omitempty"`
	Bytes   []byte `json:"bytes,omitempty"`
	MIME    string `json:"mime,omitempty"`
	Create  bool   `json:"create,omitempty"`
}

type deleteFilePayload struct {
	Path string `json:"path"`
}

type renamePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type existsPayload struct {
	Path string `json:"path"`
}

type patchFilePayload struct {
	Path     string `json:"path"`
	JSONPath string `json:"jsonPath"`
	Value    any    `json:"value"`
}

type updateFilePayload struct {
	Path    string `json:"path"`
	Content []byte `json:"content,omitempty"`
	Bytes   []byte `json:"bytes,omitempty"`
	MIME    string `json:"mime,omitempty"`
}

type listDirectoryPayload struct {
	Path string `json:"path"`
}

type watchFilePayload struct {
	WatchID string `json:"watchId"`
	Path    string `json:"path"`
}

type unwatchFilePayload struct {
	WatchID string `json:"watchId"`
}

type watchDirectoryPayload struct {
	WatchID string `json:"watchId"`
	Path    string `json:"path"`
}

type unwatchDirectoryPayload struct {
	WatchID string `json:"watchId"`
}
