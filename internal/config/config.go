// Package config provides configuration loading for the Bundle Runtime Router.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the Bundle Runtime Router.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// ServerURLDefault is the lowest-priority websocket URL fallback,
	// used only when neither an explicit URL, a query override nor the
	// manifest supplies one.
	ServerURLDefault string

	// Dev-server proxy
	ServeLocal    bool
	DevServerAddr string
	// DevWatchDir is an on-disk build-output directory to watch via
	// fsnotify; changes under it are only logged by internal/devproxy.
	// Empty disables the watch.
	DevWatchDir string

	// Persistence settings
	CacheDBPath    string
	CacheNamespace string

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// Health & reconnect controller
	HealthProbeInterval   time.Duration
	ReconnectPostDelay    time.Duration
	ReconnectBackoffBase  time.Duration
	ReconnectBackoffCap   time.Duration
	ReconnectAttemptReset uint32

	// Bundle loader
	PathIndexSyncWait time.Duration

	// Auto-init orchestrator
	AutoInitRaceTimeout time.Duration

	// Metrics
	MetricsAddr string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("BRR_PORT", 8787),
		Host:           getEnv("BRR_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"}),

		ServerURLDefault: getEnv("SERVER_URL_DEFAULT", "http://localhost:8787"),

		ServeLocal:    getEnvBool("SERVE_LOCAL", false),
		DevServerAddr: getEnv("DEV_SERVER_ADDR", "http://localhost:4001"),
		DevWatchDir:   getEnv("DEV_WATCH_DIR", ""),

		CacheDBPath:    getEnv("CACHE_DB_PATH", "./brr-cache.db"),
		CacheNamespace: getEnv("CACHE_NAMESPACE", "tonk-sw-state-v3"),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 0), // 0: long-lived websockets, see server wiring
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 4096),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 4096),

		HealthProbeInterval:   getEnvDuration("HEALTH_PROBE_INTERVAL", 5*time.Second),
		ReconnectPostDelay:    getEnvDuration("RECONNECT_POST_DELAY", 1*time.Second),
		ReconnectBackoffBase:  getEnvDuration("RECONNECT_BACKOFF_BASE", 1*time.Second),
		ReconnectBackoffCap:   getEnvDuration("RECONNECT_BACKOFF_CAP", 30*time.Second),
		ReconnectAttemptReset: uint32(getEnvInt("RECONNECT_ATTEMPT_RESET", 10)),

		PathIndexSyncWait: getEnvDuration("PATH_INDEX_SYNC_WAIT", 1*time.Second),

		AutoInitRaceTimeout: getEnvDuration("AUTO_INIT_RACE_TIMEOUT", 15*time.Second),

		MetricsAddr: getEnv("METRICS_ADDR", ""),
	}

	if cfg.CacheDBPath == "" {
		return nil, fmt.Errorf("CACHE_DB_PATH must not be empty")
	}

	return cfg, nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
