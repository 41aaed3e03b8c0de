// Package config handles environment-based configuration for the relay
// daemon.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig holds all environment-variable-driven relay settings.
type EnvConfig struct {
	// Network
	HTTPHost string
	HTTPPort int
	CtrlPort int

	// Ingress limits
	MaxRequestSize  int64
	RateLimitPerMin int64
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	// Control channel
	MaxFrameSize      int
	WriteQueue        int
	WriteTimeout      time.Duration
	DrainWindow       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Alias resolution
	ControlPlaneURL string
	InternalSecret  string
	AliasCacheTTL   time.Duration
	AliasCacheNeg   time.Duration
	AliasCacheSize  int
	ReservedAliases []string

	// Optional subsystems
	JournalDSN   string
	OTLPEndpoint string
}

// LoadEnv reads environment variables and returns a validated EnvConfig.
// Every problem is reported at once rather than one per restart.
func LoadEnv() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.HTTPHost = envStr("TUNNEL_RELAY_HTTP_HOST", "127.0.0.1")
	cfg.HTTPPort = envInt("TUNNEL_RELAY_HTTP", 7070, &errs)
	cfg.CtrlPort = envInt("TUNNEL_RELAY_CTRL", 7071, &errs)

	cfg.MaxRequestSize = int64(envInt("TUNNEL_MAX_REQUEST_SIZE", 10<<20, &errs))
	cfg.RateLimitPerMin = int64(envInt("TUNNEL_RATE_LIMIT_REQUESTS", 1000, &errs))
	cfg.RequestTimeout = envMillis("TUNNEL_REQUEST_TIMEOUT_MS", 30_000, &errs)
	cfg.ShutdownTimeout = envMillis("TUNNEL_SHUTDOWN_TIMEOUT_MS", 10_000, &errs)

	cfg.MaxFrameSize = envInt("TUNNEL_MAX_FRAME_SIZE", 16<<20, &errs)
	cfg.WriteQueue = envInt("TUNNEL_WRITE_QUEUE", 256, &errs)
	cfg.WriteTimeout = envMillis("TUNNEL_WRITE_TIMEOUT_MS", 10_000, &errs)
	cfg.DrainWindow = envMillis("TUNNEL_DRAIN_WINDOW_MS", 2_000, &errs)
	cfg.HeartbeatInterval = envMillis("TUNNEL_HEARTBEAT_INTERVAL_MS", 15_000, &errs)
	cfg.HeartbeatTimeout = envMillis("TUNNEL_HEARTBEAT_TIMEOUT_MS", 45_000, &errs)

	cfg.ControlPlaneURL = envStr("TUNNEL_CONTROL_PLANE_URL", "")
	cfg.InternalSecret = envStr("RELAY_INTERNAL_SECRET", "")
	cfg.AliasCacheTTL = envMillis("ALIAS_CACHE_TTL_MS", 60_000, &errs)
	cfg.AliasCacheNeg = envMillis("ALIAS_CACHE_NEG_TTL_MS", 10_000, &errs)
	cfg.AliasCacheSize = envInt("TUNNEL_ALIAS_CACHE_SIZE", 10_000, &errs)
	cfg.ReservedAliases = envCSV("TUNNEL_RESERVED_ALIASES")

	cfg.JournalDSN = envStr("TUNNEL_JOURNAL_DSN", "")
	cfg.OTLPEndpoint = envStr("TUNNEL_OTLP_ENDPOINT", "")

	// --- Validation ---
	if strings.TrimSpace(cfg.HTTPHost) == "" {
		errs = append(errs, "TUNNEL_RELAY_HTTP_HOST must not be empty")
	}
	validatePort("TUNNEL_RELAY_HTTP", cfg.HTTPPort, &errs)
	validatePort("TUNNEL_RELAY_CTRL", cfg.CtrlPort, &errs)
	if cfg.HTTPPort == cfg.CtrlPort {
		errs = append(errs, "TUNNEL_RELAY_HTTP and TUNNEL_RELAY_CTRL must differ")
	}
	validatePositive("TUNNEL_MAX_REQUEST_SIZE", int(cfg.MaxRequestSize), &errs)
	validatePositive("TUNNEL_MAX_FRAME_SIZE", cfg.MaxFrameSize, &errs)
	validatePositive("TUNNEL_WRITE_QUEUE", cfg.WriteQueue, &errs)
	validatePositive("TUNNEL_ALIAS_CACHE_SIZE", cfg.AliasCacheSize, &errs)
	if cfg.RateLimitPerMin < 0 {
		errs = append(errs, "TUNNEL_RATE_LIMIT_REQUESTS must not be negative (0 disables limiting)")
	}
	if cfg.RequestTimeout <= 0 {
		errs = append(errs, "TUNNEL_REQUEST_TIMEOUT_MS must be positive")
	}
	if cfg.HeartbeatInterval >= cfg.HeartbeatTimeout {
		errs = append(errs, "TUNNEL_HEARTBEAT_INTERVAL_MS must be less than TUNNEL_HEARTBEAT_TIMEOUT_MS")
	}
	if int64(cfg.MaxFrameSize) < cfg.MaxRequestSize {
		errs = append(errs, "TUNNEL_MAX_FRAME_SIZE must be at least TUNNEL_MAX_REQUEST_SIZE")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envMillis(key string, defaultMS int, errs *[]string) time.Duration {
	return time.Duration(envInt(key, defaultMS, errs)) * time.Millisecond
}

func envCSV(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
