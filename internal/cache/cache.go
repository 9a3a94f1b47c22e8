// Package cache provides the Persistent Cache Adapter: a
// byte-addressable KV cache, backed by SQLite, that lets a cold service
// restart auto-resume the last active bundle. All keys live under a fixed
// versioned namespace prefix; a version bump invalidates caches on
// upgrade.
package cache

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"
)

// Blob keys for the named cache entries.
const (
	KeyAppSlug            = "appSlug"
	KeyBundleBytes         = "bundleBytes"
	KeyWSURL              = "wsUrl"
	KeyNamespace          = "namespace"
	KeyLastActiveBundleID = "lastActiveBundleId"
	// KeyManifest caches the JSON-encoded manifest alongside bundleBytes
	// so recovery can skip manifest parsing entirely.
	KeyManifest = "manifest"
)

// HitRecorder observes cache read outcomes, typically backed by
// internal/metrics. Nil by default; Get is a no-op toward it when unset.
type HitRecorder interface {
	RecordHit()
	RecordMiss()
}

// Cache is the persistent byte-blob store. All reads/writes are scoped
// under a single namespace prefix.
type Cache struct {
	db     *sql.DB
	mu     sync.RWMutex
	prefix string

	hits HitRecorder
}

// SetHitRecorder wires a metrics observer in after construction. Safe to
// call at most once, before the cache is shared across goroutines.
func (c *Cache) SetHitRecorder(h HitRecorder) {
	c.hits = h
}

// Open creates or opens a SQLite-backed cache at dbPath, scoped under the
// given namespace prefix (e.g. "tonk-sw-state-v3").
func Open(dbPath, namespacePrefix string) (*Cache, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	c := &Cache{db: db, prefix: namespacePrefix}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return c, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) migrate() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS blobs (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create blobs table: %w", err)
	}
	return nil
}

func (c *Cache) scopedKey(key string) string {
	return c.prefix + ":" + key
}

// Get reads a named blob, scoped to namespace ns (typically the
// launcherBundleId). Returns ok=false if absent — CacheIO is best-effort
// and never fatal.
func (c *Cache) Get(ns, key string) (value []byte, ok bool, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	row := c.db.QueryRow("SELECT value FROM blobs WHERE key = ?", c.scopedKey(ns+"/"+key))
	var v []byte
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			if c.hits != nil {
				c.hits.RecordMiss()
			}
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache get %s/%s: %w", ns, key, err)
	}
	if c.hits != nil {
		c.hits.RecordHit()
	}
	return v, true, nil
}

// Set writes a named blob, scoped to namespace ns. Write-last-wins; there
// is no transactional grouping beyond ClearAll.
func (c *Cache) Set(ns, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(
		"INSERT INTO blobs (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		c.scopedKey(ns+"/"+key), value,
	)
	if err != nil {
		return fmt.Errorf("cache set %s/%s: %w", ns, key, err)
	}
	return nil
}

// Delete removes a single named blob, scoped to namespace ns.
func (c *Cache) Delete(ns, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.Exec("DELETE FROM blobs WHERE key = ?", c.scopedKey(ns+"/"+key)); err != nil {
		return fmt.Errorf("cache delete %s/%s: %w", ns, key, err)
	}
	return nil
}

// ClearAll performs the all-or-nothing group delete used on hard reset
// and auto-init failure.
func (c *Cache) ClearAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.Exec("DELETE FROM blobs WHERE key LIKE ?", c.prefix+":%"); err != nil {
		return fmt.Errorf("cache clear all: %w", err)
	}
	return nil
}

// globalNamespace scopes cache entries that are not per-bundle, such as
// lastActiveBundleId.
const globalNamespace = "_global"

// GetGlobal reads a blob from the process-wide namespace.
func (c *Cache) GetGlobal(key string) ([]byte, bool, error) {
	return c.Get(globalNamespace, key)
}

// SetGlobal writes a blob to the process-wide namespace.
func (c *Cache) SetGlobal(key string, value []byte) error {
	return c.Set(globalNamespace, key, value)
}

// DeleteGlobal removes a blob from the process-wide namespace.
func (c *Cache) DeleteGlobal(key string) error {
	return c.Delete(globalNamespace, key)
}

// ClearRootBlobs clears just the default appSlug and bundleBytes blobs,
// used by RootReset.
func (c *Cache) ClearRootBlobs() {
	for _, key := range []string{KeyAppSlug, KeyBundleBytes} {
		if err := c.DeleteGlobal(key); err != nil {
			slog.Warn("cache: failed to clear root blob", "key", key, "error", err)
		}
	}
}
