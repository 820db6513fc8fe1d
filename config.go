package syncd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9741"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus
	// scrape). Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStore points the server at the in-memory backend when no store
	// is provided.
	DefaultStore = "mem://"
	// DefaultDefaultACL is the access tag stamped on created nodes when
	// neither the publish nor the session supplies one.
	DefaultDefaultACL = "open"
	// DefaultSessionSendBuffer bounds outbound Data events queued per sync
	// session before overflow drops begin.
	DefaultSessionSendBuffer = 256
	// DefaultDispatchQueue bounds committed events awaiting fan-out.
	DefaultDispatchQueue = 1024
	// DefaultMaxPayloadBytes caps a single frame on a sync session.
	DefaultMaxPayloadBytes = 1 << 20
	// DefaultWriteTimeout bounds a single frame write to a session.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPingInterval is the keepalive ping cadence on sync sessions.
	DefaultPingInterval = 30 * time.Second
	// DefaultShutdownTimeout caps total graceful shutdown duration.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is
	// omitted.
	DefaultConfigFileName = "syncd.yaml"
)

// Config captures the tunables for a syncd.Server instance.
type Config struct {
	// Listen is the server bind address (for example ":9741").
	Listen string
	// Store is the backend DSN (mem:// or sqlite://path/to/nodes.db).
	Store string
	// MetricsListen is the metrics endpoint bind address; empty disables
	// metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableRuntimeMetrics adds Go runtime instrumentation to the metrics
	// endpoint.
	EnableRuntimeMetrics bool
	// OTLPEndpoint enables OTLP trace export to the given collector endpoint.
	OTLPEndpoint string
	// DisableHTTPTracing disables OpenTelemetry spans on the sync and stats
	// surfaces.
	DisableHTTPTracing bool
	// DefaultACL is applied to created nodes whose publish and session both
	// omit an access tag.
	DefaultACL string
	// ACLTickOnCreate counts an explicit non-default ACL on node creation as
	// an ACL-setting event, consuming the extra version tick that ACL
	// changes on existing nodes consume.
	ACLTickOnCreate bool
	// SessionSendBuffer bounds outbound Data events queued per session.
	SessionSendBuffer int
	// DispatchQueue bounds committed events awaiting fan-out.
	DispatchQueue int
	// MaxPayloadBytes caps a single frame on a sync session.
	MaxPayloadBytes int64
	// WriteTimeout bounds a single frame write to a session.
	WriteTimeout time.Duration
	// PingInterval is the keepalive ping cadence on sync sessions.
	PingInterval time.Duration
	// ShutdownTimeout caps total graceful shutdown duration.
	ShutdownTimeout time.Duration
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Store == "" {
		return fmt.Errorf("config: store is required")
	}
	if c.EnableRuntimeMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: runtime metrics require metrics-listen")
	}
	if c.DefaultACL == "" {
		c.DefaultACL = DefaultDefaultACL
	}
	if c.SessionSendBuffer < 0 {
		return fmt.Errorf("config: session send buffer must be >= 0")
	}
	if c.SessionSendBuffer == 0 {
		c.SessionSendBuffer = DefaultSessionSendBuffer
	}
	if c.DispatchQueue < 0 {
		return fmt.Errorf("config: dispatch queue must be >= 0")
	}
	if c.DispatchQueue == 0 {
		c.DispatchQueue = DefaultDispatchQueue
	}
	if c.MaxPayloadBytes < 0 {
		return fmt.Errorf("config: max payload bytes must be >= 0")
	}
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("config: write timeout must be >= 0")
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("config: ping interval must be >= 0")
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown timeout must be >= 0")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.syncd, overridable via SYNCD_CONFIG_DIR).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("SYNCD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".syncd"), nil
}
