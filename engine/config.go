package engine

import (
	"time"

	"go.uber.org/zap"
)

// Config bundles the options recognised at construction time (§6.3).
// Zero value is not usable directly; build one with New's functional
// options, which fill in every default.
type Config struct {
	role                    string
	gossipInterval          time.Duration
	maxDeltaElements        int
	pruningInterval         time.Duration
	maxPruningDissemination time.Duration
	readTimeout             time.Duration
	writeTimeout            time.Duration
	gossipTimeout           time.Duration
	logger                  *zap.Logger
}

// Option configures an Engine at construction time.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		gossipInterval:          2 * time.Second,
		maxDeltaElements:        1000,
		pruningInterval:         30 * time.Second,
		maxPruningDissemination: 60 * time.Second,
		readTimeout:             2 * time.Second,
		writeTimeout:            2 * time.Second,
		gossipTimeout:           2 * time.Second,
		logger:                  zap.NewNop(),
	}
}

// WithRole restricts membership to peers advertising role.
func WithRole(role string) Option { return func(c *Config) { c.role = role } }

// WithGossipInterval overrides the anti-entropy and reachability-clock
// tick period (default 2s).
func WithGossipInterval(d time.Duration) Option { return func(c *Config) { c.gossipInterval = d } }

// WithMaxDeltaElements caps how many envelopes a gossip reply carries
// (default 1000).
func WithMaxDeltaElements(n int) Option { return func(c *Config) { c.maxDeltaElements = n } }

// WithPruningInterval overrides the pruning tick period (default 30s).
func WithPruningInterval(d time.Duration) Option { return func(c *Config) { c.pruningInterval = d } }

// WithMaxPruningDissemination overrides the worst-case healthy-cluster
// gossip latency the pruning controller waits out at each phase
// (default 60s).
func WithMaxPruningDissemination(d time.Duration) Option {
	return func(c *Config) { c.maxPruningDissemination = d }
}

// WithReadTimeout overrides the default Read Coordinator timeout used
// when a client doesn't supply one (default 2s).
func WithReadTimeout(d time.Duration) Option { return func(c *Config) { c.readTimeout = d } }

// WithWriteTimeout overrides the default Write Coordinator timeout
// (default 2s).
func WithWriteTimeout(d time.Duration) Option { return func(c *Config) { c.writeTimeout = d } }

// WithGossipTimeout overrides the per-round gossip RPC timeout (default 2s).
func WithGossipTimeout(d time.Duration) Option { return func(c *Config) { c.gossipTimeout = d } }

// WithLogger overrides the structured logger (default zap.NewNop()).
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.logger = l
		}
	}
}
