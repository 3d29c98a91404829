package api

import (
	"log/slog"
	"time"
)

const (
	DefaultGracefulShutdown  = 30 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 60 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
)

// HTTPServerConfig configures the vault API server and its metrics listener.
type HTTPServerConfig struct {
	// ListenAddr serves the vault, fabric callback and health routes.
	ListenAddr string

	// MetricsAddr serves /metrics. Empty disables the metrics listener.
	MetricsAddr string

	// EnablePprof mounts net/http/pprof under /debug.
	EnablePprof bool

	Log *slog.Logger

	// DrainDuration is how long /drain keeps the server not-ready before
	// reporting the drain complete.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds how long Shutdown waits for in-flight
	// vault requests.
	GracefulShutdownDuration time.Duration

	// ReadHeaderTimeout bounds header reads, so idle clients cannot hold
	// connections open before authenticating.
	ReadHeaderTimeout time.Duration

	// ReadTimeout covers the whole request, including secrets in the body.
	ReadTimeout time.Duration

	WriteTimeout time.Duration
}

// WithDefaults returns a copy with zero timeouts and a nil logger replaced.
func (cfg HTTPServerConfig) WithDefaults() *HTTPServerConfig {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.GracefulShutdownDuration <= 0 {
		cfg.GracefulShutdownDuration = DefaultGracefulShutdown
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &cfg
}
