package txnd

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9410"
	// DefaultListenProto controls the listener type when none is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultDefaultTTL is the baseline transaction lifetime granted at begin.
	DefaultDefaultTTL = 60 * time.Second
	// DefaultMaxTTL is the hard ceiling enforced on caller-supplied TTLs.
	DefaultMaxTTL = 10 * time.Minute
	// DefaultSweepInterval sets the tick frequency for expired-transaction sweeps.
	DefaultSweepInterval = 1 * time.Second
	// DefaultRegistryGrace keeps settled transaction records around to answer
	// late duplicate finalize deliveries.
	DefaultRegistryGrace = 5 * time.Minute
	// DefaultMaxValueBytes bounds a single stored value payload.
	DefaultMaxValueBytes = int64(100 * 1024 * 1024)
	// DefaultFanoutTimeout caps each remote finalize delivery attempt.
	DefaultFanoutTimeout = 5 * time.Second
	// DefaultFanoutMaxAttempts caps retry attempts per finalize child.
	DefaultFanoutMaxAttempts = 5
	// DefaultFanoutBaseDelay is the exponential backoff base for finalize retries.
	DefaultFanoutBaseDelay = 100 * time.Millisecond
	// DefaultFanoutMaxDelay caps finalize retry backoff.
	DefaultFanoutMaxDelay = 5 * time.Second
	// DefaultFanoutMultiplier is the exponential growth factor for finalize retries.
	DefaultFanoutMultiplier = 2.0
	// DefaultShutdownTimeout caps graceful HTTP shutdown duration.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultBundleName is the PEM bundle name emitted by txnd bundle helpers.
	DefaultBundleName = "identity.pem"
)

// Config drives NewServer.
type Config struct {
	// Listen is the server bind address (for example ":9410").
	Listen string
	// ListenProto selects listener type (for example "tcp" or "unix").
	ListenProto string
	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics enables runtime profiling metrics on the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables OTLP trace export to the given collector endpoint.
	OTLPEndpoint string
	// DisableHTTPTracing disables OpenTelemetry spans for HTTP handlers.
	DisableHTTPTracing bool

	// BundlePath points to the host identity PEM bundle (signing key, peer
	// keys, kryptograf material).
	BundlePath string
	// BundlePEM provides bundle bytes directly (takes precedence when non-empty).
	BundlePEM []byte

	// DefaultTTL is the transaction lifetime used when begin omits a TTL.
	DefaultTTL time.Duration
	// MaxTTL is the maximum allowed transaction TTL.
	MaxTTL time.Duration
	// SweepInterval controls how often expired transactions are reaped.
	SweepInterval time.Duration
	// RegistryGrace controls how long settled records linger for duplicate
	// finalize deliveries.
	RegistryGrace time.Duration
	// MaxValueBytes caps a single value payload (<= 0 uses the default).
	MaxValueBytes int64
	// DisableStorageEncryption disables kryptograf envelope encryption at rest.
	DisableStorageEncryption bool

	// FanoutTimeout caps each remote finalize delivery attempt.
	FanoutTimeout time.Duration
	// FanoutMaxAttempts caps retry attempts per finalize child.
	FanoutMaxAttempts int
	// FanoutBaseDelay is the exponential backoff base for finalize retries.
	FanoutBaseDelay time.Duration
	// FanoutMaxDelay caps finalize retry backoff.
	FanoutMaxDelay time.Duration
	// FanoutMultiplier is the exponential growth factor for finalize retries.
	FanoutMultiplier float64

	// ShutdownTimeout caps graceful shutdown duration.
	ShutdownTimeout time.Duration
}

// StorageEncryptionEnabled reports whether kryptograf envelope encryption is active.
func (c Config) StorageEncryptionEnabled() bool {
	return !c.DisableStorageEncryption
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultDefaultTTL
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = DefaultMaxTTL
	}
	if c.MaxTTL < c.DefaultTTL {
		return fmt.Errorf("config: max ttl must be >= default ttl")
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.RegistryGrace <= 0 {
		c.RegistryGrace = DefaultRegistryGrace
	}
	if c.MaxValueBytes <= 0 {
		c.MaxValueBytes = DefaultMaxValueBytes
	}
	if c.FanoutTimeout <= 0 {
		c.FanoutTimeout = DefaultFanoutTimeout
	}
	if c.FanoutMaxAttempts <= 0 {
		c.FanoutMaxAttempts = DefaultFanoutMaxAttempts
	}
	if c.FanoutBaseDelay <= 0 {
		c.FanoutBaseDelay = DefaultFanoutBaseDelay
	}
	if c.FanoutMaxDelay <= 0 {
		c.FanoutMaxDelay = DefaultFanoutMaxDelay
	}
	if c.FanoutMaxDelay < c.FanoutBaseDelay {
		return fmt.Errorf("config: fanout max delay must be >= base delay")
	}
	if c.FanoutMultiplier <= 0 {
		c.FanoutMultiplier = DefaultFanoutMultiplier
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}
