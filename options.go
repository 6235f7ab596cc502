package adbc

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultMaxPayload is the max-payload value the host advertises in CNXN.
	DefaultMaxPayload = MaxMaxPayload
	// DefaultProtocolVersion is the protocol version the host advertises in CNXN.
	DefaultProtocolVersion = ChecksumCutoverVersion

	// DefaultSyncChunkSize is the maximum size of a single sync DATA chunk
	// (spec.md §4.F: 64 KiB, independent of the outer max payload).
	DefaultSyncChunkSize = 64 * 1024

	// DefaultAuthTimeout bounds how long the connection handshake waits for
	// a CNXN after exhausting signing keys / sending the public key.
	DefaultAuthTimeout = 10 * time.Second
	// DefaultConnectTimeout bounds the whole handshake (INIT through ONLINE).
	DefaultConnectTimeout = 30 * time.Second
	// DefaultStreamOpenTimeout bounds how long OpenService waits for OKAY/CLSE.
	DefaultStreamOpenTimeout = 15 * time.Second

	// DefaultWatchFastPoll and DefaultWatchSteadyPoll drive WatchDevices'
	// AdaptivePoll cadence.
	DefaultWatchFastPoll   = 250 * time.Millisecond
	DefaultWatchSteadyPoll = 3 * time.Second
)

// Option configures a Connect/OpenTransport call.
type Option func(*Config)

// Config holds runtime settings for a connection. Zero value is never used
// directly; defaultConfig() supplies sane defaults, then Options are applied
// on top.
type Config struct {
	ctx    context.Context
	cancel context.CancelFunc

	metrics Metrics
	logger  zerolog.Logger

	protocolVersion uint32
	maxPayload      uint32
	syncChunkSize   int

	hostFeatures []string

	authTimeout       time.Duration
	connectTimeout    time.Duration
	streamOpenTimeout time.Duration

	watchFastPoll   time.Duration
	watchSteadyPoll time.Duration
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.maxPayload < MinMaxPayload || c.maxPayload > MaxMaxPayload {
		return ErrInvalidAddr
	}
	if c.syncChunkSize <= 0 || c.syncChunkSize > DefaultSyncChunkSize {
		c.syncChunkSize = DefaultSyncChunkSize
	}
	return nil
}

func defaultConfig() *Config {
	ctx, cancel := context.WithCancel(context.Background())
	return &Config{
		ctx:               ctx,
		cancel:            cancel,
		metrics:           NewDefaultMetrics(),
		logger:            zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger(),
		protocolVersion:   DefaultProtocolVersion,
		maxPayload:        DefaultMaxPayload,
		syncChunkSize:     DefaultSyncChunkSize,
		hostFeatures:      []string{"shell_v2", "cmd", "stat_v2"},
		authTimeout:       DefaultAuthTimeout,
		connectTimeout:    DefaultConnectTimeout,
		streamOpenTimeout: DefaultStreamOpenTimeout,
		watchFastPoll:     DefaultWatchFastPoll,
		watchSteadyPoll:   DefaultWatchSteadyPoll,
	}
}

func applyConfig(opts []Option) *Config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// WithContext sets the base context for all blocking operations on the
// resulting session. Cancelling it tears the session down.
func WithContext(ctx context.Context) Option {
	return func(c *Config) {
		if ctx != nil {
			c.ctx, c.cancel = context.WithCancel(ctx)
		}
	}
}

// WithMetrics sets a custom Metrics implementation. If not provided, a
// default atomic-counter implementation is used.
func WithMetrics(m Metrics) Option {
	return func(c *Config) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithLogger sets the zerolog.Logger used for protocol-level diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) { c.logger = l }
}

// WithMaxPayload overrides the max-payload advertised in CNXN. Clamped to
// [MinMaxPayload, MaxMaxPayload].
func WithMaxPayload(n uint32) Option {
	return func(c *Config) {
		if n < MinMaxPayload {
			n = MinMaxPayload
		}
		if n > MaxMaxPayload {
			n = MaxMaxPayload
		}
		c.maxPayload = n
	}
}

// WithProtocolVersion overrides the protocol version advertised in CNXN.
// Only useful for testing against the pre-checksum-cutover protocol.
func WithProtocolVersion(v uint32) Option {
	return func(c *Config) { c.protocolVersion = v }
}

// WithHostFeatures overrides the feature list the host advertises in its
// CNXN banner (host::features=<list>).
func WithHostFeatures(features ...string) Option {
	return func(c *Config) {
		if len(features) > 0 {
			c.hostFeatures = features
		}
	}
}

// WithAuthTimeout bounds how long Connect waits for approval after
// exhausting signing keys.
func WithAuthTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.authTimeout = d
		}
	}
}

// WithConnectTimeout bounds the whole handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithStreamOpenTimeout bounds how long OpenService waits for OKAY/CLSE.
func WithStreamOpenTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.streamOpenTimeout = d
		}
	}
}

// WithSyncChunkSize overrides the sync DATA chunk size. Clamped to
// DefaultSyncChunkSize (the sync protocol's 64 KiB hard limit).
func WithSyncChunkSize(n int) Option {
	return func(c *Config) {
		if n > 0 && n <= DefaultSyncChunkSize {
			c.syncChunkSize = n
		}
	}
}
