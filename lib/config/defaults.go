package config

import (
	"time"

	"github.com/go-i2p/logger"
)

// StreamConfig configures the delivery engine and its connection manager.
type StreamConfig struct {
	// CanRelay lets the node forward messages that are not addressed only
	// to itself.
	// Default: true
	CanRelay bool

	// SeekTimeout bounds how long a Seek or Acknowledge send waits for
	// acknowledgements.
	// Default: 10 seconds
	SeekTimeout time.Duration

	// RouteSeekInterval is how long a learned route is trusted before a send
	// without an explicit mode seeks again.
	// Default: 60 seconds
	RouteSeekInterval time.Duration

	// DefaultRedundancy is used when a send does not set one.
	// Default: 2
	DefaultRedundancy int

	// MaxFrameSize bounds a single inbound frame body.
	// Default: 10 MiB
	MaxFrameSize int

	// SendQueueSize is the per-link queue depth before writers block.
	// Default: 128
	SendQueueSize int

	SeenCache SeenCacheConfig

	ConnectionManager ConnectionManagerConfig
}

// SeenCacheConfig bounds the deduplication cache.
type SeenCacheConfig struct {
	// TTL is how long a message id is remembered.
	// Default: 10 minutes
	TTL time.Duration

	// Size is the most ids remembered at once.
	// Default: 100000
	Size int
}

// ConnectionManagerConfig configures link pruning and dialing.
type ConnectionManagerConfig struct {
	// MinConnections is the link count pruning never goes below.
	// Default: 1
	MinConnections int

	Pruner PrunerConfig
	Dialer DialerConfig
}

// PrunerConfig configures the pruner loop.
type PrunerConfig struct {
	// Enabled starts the pruner loop with the node.
	// Default: false
	Enabled bool

	// Bandwidth is the aggregate bytes written per Interval above which the
	// least valuable link is closed. Zero disables the check.
	// Default: 16 MiB
	Bandwidth uint64

	// MaxBuffer is the queued byte depth of one link above which it becomes
	// a prune candidate. Zero disables the check.
	// Default: 4 MiB
	MaxBuffer int64

	// Interval is how often links are evaluated.
	// Default: 1 second
	Interval time.Duration

	// Cooldown is how long a pruned peer is refused. Zero lets a pruned
	// peer reconnect at once.
	// Default: 60 seconds
	Cooldown time.Duration
}

// DialerConfig configures dialing of peers learned through relays.
type DialerConfig struct {
	// Enabled allows the node to dial destinations it only reaches through
	// relays.
	// Default: true
	Enabled bool

	// RetryDelay is the minimum time between dials to one destination.
	// Zero disables the backoff.
	// Default: 60 seconds
	RetryDelay time.Duration

	// Rate is the sustained number of dials per second across all
	// destinations.
	// Default: 2
	Rate float64

	// Burst is the number of dials allowed at once above Rate.
	// Default: 4
	Burst int
}

// DefaultStreamConfig returns the compiled defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		CanRelay:          true,
		SeekTimeout:       10 * time.Second,
		RouteSeekInterval: 60 * time.Second,
		DefaultRedundancy: 2,
		MaxFrameSize:      10 << 20,
		SendQueueSize:     128,
		SeenCache: SeenCacheConfig{
			TTL:  10 * time.Minute,
			Size: 100000,
		},
		ConnectionManager: ConnectionManagerConfig{
			MinConnections: 1,
			Pruner: PrunerConfig{
				Enabled:   false,
				Bandwidth: 16 << 20,
				MaxBuffer: 4 << 20,
				Interval:  time.Second,
				Cooldown:  60 * time.Second,
			},
			Dialer: DialerConfig{
				Enabled:    true,
				RetryDelay: 60 * time.Second,
				Rate:       2,
				Burst:      4,
			},
		},
	}
}

// Validate checks that cfg can drive a node. It returns the first problem.
func Validate(cfg StreamConfig) error {
	validators := []func() error{
		func() error { return validateStream(cfg) },
		func() error { return validateSeenCache(cfg.SeenCache) },
		func() error { return validatePruner(cfg.ConnectionManager) },
		func() error { return validateDialer(cfg.ConnectionManager.Dialer) },
	}
	for _, validator := range validators {
		if err := validator(); err != nil {
			log.WithFields(logger.Fields{
				"at":     "Validate",
				"reason": "invalid_config",
			}).WithError(err).Error("configuration validation failed")
			return err
		}
	}
	return nil
}

func validateStream(cfg StreamConfig) error {
	if cfg.SeekTimeout <= 0 {
		return newValidationError("SeekTimeout must be positive")
	}
	if cfg.RouteSeekInterval < 0 {
		return newValidationError("RouteSeekInterval must not be negative")
	}
	if cfg.DefaultRedundancy < 1 || cfg.DefaultRedundancy > 255 {
		return newValidationError("DefaultRedundancy must be between 1 and 255")
	}
	if cfg.MaxFrameSize < 1024 {
		return newValidationError("MaxFrameSize must be at least 1024 bytes")
	}
	if cfg.SendQueueSize < 1 {
		return newValidationError("SendQueueSize must be at least 1")
	}
	return nil
}

func validateSeenCache(c SeenCacheConfig) error {
	if c.TTL <= 0 {
		return newValidationError("SeenCache.TTL must be positive")
	}
	if c.Size < 1 {
		return newValidationError("SeenCache.Size must be at least 1")
	}
	return nil
}

func validatePruner(c ConnectionManagerConfig) error {
	if c.MinConnections < 0 {
		return newValidationError("ConnectionManager.MinConnections must not be negative")
	}
	if c.Pruner.Enabled && c.Pruner.Interval <= 0 {
		return newValidationError("Pruner.Interval must be positive when the pruner is enabled")
	}
	if c.Pruner.MaxBuffer < 0 {
		return newValidationError("Pruner.MaxBuffer must not be negative")
	}
	if c.Pruner.Cooldown < 0 {
		return newValidationError("Pruner.Cooldown must not be negative")
	}
	return nil
}

func validateDialer(c DialerConfig) error {
	if c.RetryDelay < 0 {
		return newValidationError("Dialer.RetryDelay must not be negative")
	}
	if c.Rate < 0 || c.Burst < 0 {
		return newValidationError("Dialer.Rate and Dialer.Burst must not be negative")
	}
	if c.Enabled && c.Rate > 0 && c.Burst < 1 {
		return newValidationError("Dialer.Burst must be at least 1 when Rate is set")
	}
	return nil
}

type validationError struct {
	message string
}

func newValidationError(message string) error {
	return &validationError{message: message}
}

func (e *validationError) Error() string {
	return "configuration validation failed: " + e.message
}
