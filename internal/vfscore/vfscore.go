// Package vfscore defines the contract the Bundle Runtime Router consumes
// from the VFS Core: a content-addressed, CRDT-backed virtual filesystem.
// The CRDT engine itself — bundle parsing, document storage, text
// splicing, websocket sync — is out of scope; this package
// only names the seam. Production binaries supply a concrete
// implementation; internal/vfscore/fake supplies an in-memory one for
// tests.
package vfscore

import (
	"context"
	"fmt"
)

// Manifest is the header metadata of a bundle: root hash, entrypoint app
// slugs, and candidate sync endpoints.
type Manifest struct {
	RootID      string   `json:"rootId"`
	Entrypoints []string `json:"entrypoints"`
	NetworkURIs []string `json:"networkUris"`
}

// DefaultAppSlug returns entrypoints[0], or "" if there are none.
func (m Manifest) DefaultAppSlug() string {
	if len(m.Entrypoints) == 0 {
		return ""
	}
	return m.Entrypoints[0]
}

// DefaultNetworkURI returns networkUris[0], or "" if there are none.
func (m Manifest) DefaultNetworkURI() string {
	if len(m.NetworkURIs) == 0 {
		return ""
	}
	return m.NetworkURIs[0]
}

// Metadata describes a single VFS path entry.
type Metadata struct {
	Path    string
	IsDir   bool
	Size    int64
	ModTime int64
}

// DirEntry is one entry returned by VFS.ListDirectory.
type DirEntry struct {
	Name  string
	IsDir bool
}

// ChangeEvent is delivered to a watcher callback. Exactly one of
// DocumentData or (Path, ChangeData) is meaningful, depending on whether
// the watcher was registered via WatchDocument or WatchDirectory.
type ChangeEvent struct {
	IsDirectory  bool
	Path         string
	DocumentData []byte
	ChangeData   []byte
}

// ReadResult is the decoded content of a file read.
type ReadResult struct {
	// Content is the JSON-encodable value when the file holds structured
	// data rather than raw bytes.
	Content []byte
	// Bytes holds raw octets when the file is binary. When non-nil this
	// takes priority over Content for response encoding.
	Bytes []byte
	// MIME is the declared content type, if any.
	MIME string
}

// Watcher is a live subscription; Stop unsubscribes and releases any
// underlying resources. Ownership is exclusive to whatever registry holds
// the Watcher.
type Watcher interface {
	Stop()
}

// Bundle is a parsed, content-addressed set of key/value pairs plus a
// manifest, consumed only long enough to extract the
// Manifest during load.
type Bundle interface {
	Manifest() (Manifest, error)
	Free()
}

// StorageOptions configures the storage backend a VFS instance persists
// its CRDT state under.
type StorageOptions struct {
	Backend   string // e.g. "indexeddb" in the browser original; opaque here.
	Namespace string // == launcherBundleId.
}

// VFS is the in-memory, CRDT-backed filesystem exposed by the VFS Core.
// All operations are consumed verbatim by BRR's components; none of
// them are implemented by this module.
type VFS interface {
	ConnectWebsocket(ctx context.Context, url string) error
	IsConnected() bool
	ConnectionState() string

	ReadFile(path string) (ReadResult, error)
	WriteFile(path string, data ReadResult, create bool) error
	UpdateFile(path string, data ReadResult) error
	PatchFile(path, jsonPath string, value any) error
	DeleteFile(path string) error
	CreateDirectory(path string) error
	ListDirectory(path string) ([]DirEntry, error)
	Exists(path string) bool
	Rename(from, to string) error
	GetMetadata(path string) (Metadata, error)

	WatchDocument(path string, cb func(ChangeEvent)) (Watcher, error)
	WatchDirectory(path string, cb func(ChangeEvent)) (Watcher, error)

	ToBytes() ([]byte, error)
	ForkToBytes() ([]byte, error)
}

// Factory constructs VFS Core objects from bundle bytes. A concrete
// implementation is wired into internal/loader at startup; Driver
// registration follows the database/sql convention (an init-time
// RegisterFactory call) so exactly one factory backs the process,
// mirroring the original runtime's single in-process module instance.
type Factory interface {
	BundleFromBytes(bytes []byte) (Bundle, error)
	VFSFromBytes(bytes []byte, opts StorageOptions) (VFS, error)
}

var registered Factory

// RegisterFactory installs the process-wide VFS Core factory. It must be
// called at most once, typically from an init() function in the package
// providing the concrete CRDT engine binding.
func RegisterFactory(f Factory) {
	registered = f
}

// ActiveFactory returns the registered factory, or an error if none has
// been installed yet.
func ActiveFactory() (Factory, error) {
	if registered == nil {
		return nil, fmt.Errorf("vfscore: no factory registered")
	}
	return registered, nil
}
