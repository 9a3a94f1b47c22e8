// Package health implements the Health & Reconnect Controller: a
// per-bundle background ticker loop that probes VFS connectivity and
// drives reconnect with exponential backoff.
package health

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/tonk-labs/bundle-runtime-router/internal/registry"
	"github.com/tonk-labs/bundle-runtime-router/internal/vfscore"
)

// Broadcaster delivers a message to every connected client.
type Broadcaster interface {
	Broadcast(msg any)
}

// Reestablisher re-establishes (or, per the Open Question resolution in
// internal/watcher, announces) watchers after a successful reconnect.
type Reestablisher interface {
	Reestablish(b Broadcaster, launcherBundleID string) int
}

// DisconnectedMessage is broadcast when a probe first observes the VFS
// connection has dropped.
type DisconnectedMessage struct {
	Type             string `json:"type"`
	LauncherBundleID string `json:"launcherBundleId"`
}

// ReconnectingMessage is broadcast before each reconnect attempt.
type ReconnectingMessage struct {
	Type    string `json:"type"`
	Attempt uint32 `json:"attempt"`
}

// ReconnectedMessage is broadcast once a reconnect attempt succeeds.
type ReconnectedMessage struct {
	Type string `json:"type"`
}

// Controller drives the probe/reconnect loop for every Active bundle.
type Controller struct {
	registry      *registry.Registry
	broadcaster   Broadcaster
	reestablisher Reestablisher

	probeInterval time.Duration
	backoffBase   time.Duration
	backoffCap    time.Duration
	attemptReset  uint32
	postDelay     time.Duration

	// reconnectLimiter caps the rate of reconnect attempts across every
	// bundle in the process, so many bundles going unhealthy at once
	// (e.g. a shared sync server blip) cannot stampede it with dial
	// attempts.
	reconnectLimiter *rate.Limiter
}

// New creates a Controller. probeInterval is the steady-state connection
// check period; backoffBase/backoffCap/attemptReset parameterize the
// reconnect schedule min(backoffBase*2^(n-1), backoffCap), resetting at
// attemptReset attempts; postDelay is the settle time after each dial
// attempt, before the dial's outcome is checked.
func New(reg *registry.Registry, broadcaster Broadcaster, reestablisher Reestablisher, probeInterval, backoffBase, backoffCap time.Duration, attemptReset uint32, postDelay time.Duration) *Controller {
	return &Controller{
		registry:      reg,
		broadcaster:   broadcaster,
		reestablisher: reestablisher,
		probeInterval: probeInterval,
		backoffBase:   backoffBase,
		backoffCap:    backoffCap,
		attemptReset:  attemptReset,
		postDelay:     postDelay,
		// 2 reconnect dials/sec process-wide, bursting to 5 for the
		// common case of a handful of bundles recovering together.
		reconnectLimiter: rate.NewLimiter(rate.Limit(2), 5),
	}
}

// Start launches the probe loop for launcherBundleID in a new goroutine,
// bound to ctx — the caller stores ctx's CancelFunc in
// BundleState.HealthCancel so registry.SetActive's cleanup protocol can
// stop it.
func (c *Controller) Start(ctx context.Context, launcherBundleID string, vfs vfscore.VFS, wsURL string) {
	c.registry.SetConnectionHealthy(launcherBundleID, true)
	c.registry.ResetReconnect(launcherBundleID)
	go c.loop(ctx, launcherBundleID, vfs, wsURL)
}

func (c *Controller) loop(ctx context.Context, launcherBundleID string, vfs vfscore.VFS, wsURL string) {
	ticker := time.NewTicker(c.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probe(ctx, launcherBundleID, vfs, wsURL)
		}
	}
}

// probe checks connectivity once and, on a healthy→unhealthy transition,
// drives the reconnect sequence to completion (or cancellation).
func (c *Controller) probe(ctx context.Context, launcherBundleID string, vfs vfscore.VFS, wsURL string) {
	st, ok := c.registry.Get(launcherBundleID)
	if !ok {
		return
	}

	connected := vfs.IsConnected()
	switch {
	case st.ConnectionHealthy && !connected:
		c.registry.SetConnectionHealthy(launcherBundleID, false)
		c.broadcaster.Broadcast(DisconnectedMessage{Type: "disconnected", LauncherBundleID: launcherBundleID})
		c.reconnect(ctx, launcherBundleID, vfs, wsURL)
	case !st.ConnectionHealthy && connected:
		c.registry.SetConnectionHealthy(launcherBundleID, true)
		c.registry.ResetReconnect(launcherBundleID)
		slog.Info("health: connection restored", "launcherBundleId", launcherBundleID)
	}
}

// reconnect runs the retry sequence until success or ctx
// cancellation.
func (c *Controller) reconnect(ctx context.Context, launcherBundleID string, vfs vfscore.VFS, wsURL string) {
	for {
		if ctx.Err() != nil {
			return
		}

		attempt, ok := c.registry.IncrementReconnect(launcherBundleID)
		if !ok {
			return
		}
		if attempt > c.attemptReset {
			c.registry.ResetReconnect(launcherBundleID)
			attempt, ok = c.registry.IncrementReconnect(launcherBundleID)
			if !ok {
				return
			}
		}

		c.broadcaster.Broadcast(ReconnectingMessage{Type: "reconnecting", Attempt: attempt})

		if err := c.reconnectLimiter.Wait(ctx); err != nil {
			return
		}
		dialErr := vfs.ConnectWebsocket(ctx, wsURL)

		if !sleep(ctx, c.postDelay) {
			return
		}

		if dialErr == nil && vfs.IsConnected() {
			c.registry.SetConnectionHealthy(launcherBundleID, true)
			c.registry.ResetReconnect(launcherBundleID)
			c.broadcaster.Broadcast(ReconnectedMessage{Type: "reconnected"})
			c.reestablisher.Reestablish(c.broadcaster, launcherBundleID)
			return
		}

		backoff := nextBackoff(attempt, c.backoffBase, c.backoffCap)
		if !sleep(ctx, backoff) {
			return
		}
	}
}

// nextBackoff computes min(backoffBase*2^(attempt-1), backoffCap),
// generalized over config.Config's reconnect tunables.
func nextBackoff(attempt uint32, base, cap_ time.Duration) time.Duration {
	if attempt == 0 {
		attempt = 1
	}
	d := base
	for i := uint32(1); i < attempt; i++ {
		d *= 2
		if d >= cap_ {
			return cap_
		}
	}
	if d > cap_ {
		return cap_
	}
	return d
}

// sleep waits for d or ctx cancellation, returning false if ctx ended
// first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
