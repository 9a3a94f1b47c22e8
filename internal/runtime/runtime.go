// Package runtime wires every Bundle Runtime Router component into one
// owning process: a constructor that builds each subsystem and threads
// cross-references between them, a setupRoutes-style mux registration,
// and a CORS-wrapped http.Server with WriteTimeout left at 0 because
// the /ws endpoint is a long-lived websocket — see the comment on
// WriteTimeout in New.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tonk-labs/bundle-runtime-router/internal/autoinit"
	"github.com/tonk-labs/bundle-runtime-router/internal/cache"
	"github.com/tonk-labs/bundle-runtime-router/internal/config"
	"github.com/tonk-labs/bundle-runtime-router/internal/devproxy"
	"github.com/tonk-labs/bundle-runtime-router/internal/dispatch"
	"github.com/tonk-labs/bundle-runtime-router/internal/fetchintercept"
	"github.com/tonk-labs/bundle-runtime-router/internal/health"
	"github.com/tonk-labs/bundle-runtime-router/internal/loader"
	"github.com/tonk-labs/bundle-runtime-router/internal/metrics"
	"github.com/tonk-labs/bundle-runtime-router/internal/registry"
	"github.com/tonk-labs/bundle-runtime-router/internal/watcher"
)

// Runtime is the single owning process: every component is
// constructed once and wired together here.
type Runtime struct {
	config *config.Config

	cache      *cache.Cache
	registry   *registry.Registry
	health     *health.Controller
	watcher    *watcher.Manager
	loader     *loader.Loader
	dispatcher *dispatch.Dispatcher
	devProxy   *devproxy.Proxy
	autoInit   *autoinit.Orchestrator
	metrics    *metrics.Metrics
	metricsReg *prometheus.Registry

	upgrader websocket.Upgrader

	httpServer    *http.Server
	metricsServer *http.Server
}

// reestablishAdapter satisfies health.Reestablisher over a
// *watcher.Manager. No type conversion is actually required — both
// Broadcaster interfaces are structurally identical single-method
// interfaces, so a health.Broadcaster value is already assignable to a
// watcher.Broadcaster parameter — but a named adapter keeps the call site
// at the health/watcher seam explicit and documents why no cast exists.
type reestablishAdapter struct {
	manager *watcher.Manager
}

func (a reestablishAdapter) Reestablish(b health.Broadcaster, launcherBundleID string) int {
	return a.manager.Reestablish(b, launcherBundleID)
}

// New constructs every subsystem and wires their cross-references, but
// does not start listening (see Start).
func New(cfg *config.Config) (*Runtime, error) {
	c, err := cache.Open(cfg.CacheDBPath, cfg.CacheNamespace)
	if err != nil {
		return nil, fmt.Errorf("runtime: open cache: %w", err)
	}

	reg := registry.New()

	rt := &Runtime{
		config:     cfg,
		cache:      c,
		registry:   reg,
		metricsReg: prometheus.NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.WSReadBufferSize,
			WriteBufferSize: cfg.WSWriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return isOriginAllowed(r.Header.Get("Origin"), cfg.AllowedOrigins) },
		},
	}
	rt.metrics = metrics.New(rt.metricsReg)
	c.SetHitRecorder(rt.metrics)

	// Dispatcher, watcher.Manager and health.Controller form a reference
	// cycle (the dispatcher is every other component's Broadcaster/
	// ClientSender, but it itself needs a *watcher.Manager and a
	// *loader.Loader). Build the dispatcher first with its two
	// dependencies unset, then wire them in once they exist.
	d := dispatch.New(reg, nil, nil, cfg.ServerURLDefault)

	watcherManager := watcher.New(reg, d)
	healthController := health.New(reg, d, reestablishAdapter{manager: watcherManager}, cfg.HealthProbeInterval, cfg.ReconnectBackoffBase, cfg.ReconnectBackoffCap, cfg.ReconnectAttemptReset, cfg.ReconnectPostDelay)
	ld := loader.New(reg, c, healthController, d, cfg.PathIndexSyncWait)
	ld.SetLoadRecorder(rt.metrics)

	d.SetWatcher(watcherManager)
	d.SetLoader(ld)

	rt.watcher = watcherManager
	rt.health = healthController
	rt.loader = ld
	rt.dispatcher = d

	rt.autoInit = autoinit.New(c, ld, d, cfg.ServerURLDefault)

	if cfg.ServeLocal {
		p, err := devproxy.New(cfg.DevWatchDir)
		if err != nil {
			return nil, fmt.Errorf("runtime: create dev proxy: %w", err)
		}
		rt.devProxy = p
	}

	mux := http.NewServeMux()
	rt.setupRoutes(mux)

	rt.httpServer = &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		// WriteTimeout left at 0: /ws is a long-lived websocket, and
		// http.Server.WriteTimeout sets a deadline on the underlying
		// net.Conn before the handler runs, which would kill hijacked
		// connections after the timeout elapses.
		Handler:     corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler(rt.metricsReg))
		rt.metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	}

	return rt, nil
}

// setupRoutes registers /ws (the dispatcher transport) and mounts the
// fetch interceptor over everything else as the catch-all handler.
func (rt *Runtime) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", rt.handleWS)
	mux.HandleFunc("GET /health", rt.handleHealthCheck)

	fi := fetchintercept.New(rt.registry, rt.cache, rt.devProxy, rt.autoInit, rt.config.ServeLocal, rt.config.DevServerAddr, rt.config.AutoInitRaceTimeout, http.NotFoundHandler())
	mux.Handle("/", fi)
}

func (rt *Runtime) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleWS upgrades the connection and registers it with the dispatcher
// under a fresh client id, the Go-native analogue of the service worker's
// implicit single-client "self" scope — BRR serves many browser tabs, so
// each websocket connection is its own addressable client.
func (rt *Runtime) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("runtime: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	wrapped := &wsConnection{conn: conn}
	rt.dispatcher.RegisterClient(clientID, wrapped)
	defer rt.dispatcher.UnregisterClient(clientID)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		rt.dispatcher.Dispatch(r.Context(), clientID, message)
		rt.metrics.RefreshFromRegistry(rt.registry)
	}
}

// wsConnection adapts *websocket.Conn to dispatch.Connection, guarding
// concurrent writes with a mutex — gorilla/websocket permits only one
// writer at a time, and both the dispatcher's reply and a watcher's
// broadcast can race to write to the same connection.
type wsConnection struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConnection) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Start runs the auto-init recovery attempt, then blocks serving HTTP
// until the listener fails or is shut down.
func (rt *Runtime) Start() error {
	go rt.autoInit.Run(context.Background())

	if rt.metricsServer != nil {
		go func() {
			if err := rt.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Warn("runtime: metrics server error", "error", err)
			}
		}()
	}

	slog.Info("runtime: starting bundle runtime router", "addr", rt.httpServer.Addr)
	return rt.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server(s) and closes the cache.
func (rt *Runtime) Stop(ctx context.Context) error {
	if rt.metricsServer != nil {
		_ = rt.metricsServer.Shutdown(ctx)
	}
	err := rt.httpServer.Shutdown(ctx)
	if closeErr := rt.cache.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func isOriginAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		if strings.Contains(a, "*") {
			if matchWildcardOrigin(origin, a) {
				return true
			}
		}
	}
	return false
}

// matchWildcardOrigin supports patterns like "https://*.example.com".
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

// corsMiddleware adds CORS headers for the allowed origin list.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if isOriginAllowed(origin, allowedOrigins) && origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
