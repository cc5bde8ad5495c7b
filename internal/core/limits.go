package core

import "time"

// Tunable operational limits (spec.md §4). Defaults match the spec;
// BrokerConfig lets a deployment override them.
const (
	// DefaultMaxDuration is how long a Transmission may run before it is
	// force-ended (spec.md §4.1 TxStart, §5).
	DefaultMaxDuration = 30 * time.Second

	// DefaultIdleTimeout force-ends a Transmission that receives no
	// TxChunk for this long (spec.md §4.1).
	DefaultIdleTimeout = 3 * time.Second

	// DefaultReplayWindow is how long an accepted chunk stays available
	// for late-joiner replay (spec.md §4.3).
	DefaultReplayWindow = 5 * time.Second

	// DefaultMaxChunkSize is the largest accepted TxChunk payload
	// (spec.md §4.1, R2).
	DefaultMaxChunkSize = 64 * 1024

	// DefaultMaxLag is how far behind `expected` a sequence number may be
	// and still be accepted (spec.md §4.1, R3).
	DefaultMaxLag = 10

	// DefaultLookAhead bounds how far past `expected` the buffer is
	// scanned to advance the cursor past a contiguous run (spec.md §4.1).
	DefaultLookAhead = 50

	// DefaultChunkBufferMemCap is the hard per-transmission memory cap on
	// the replay buffer (spec.md §4.3).
	DefaultChunkBufferMemCap = 4 * 1024 * 1024

	// DefaultPresenceTimeout expires a participant's presence after this
	// much inactivity (spec.md §4.4).
	DefaultPresenceTimeout = 5 * time.Minute

	// DefaultDehydrateIdle tears down an idle broker after this long with
	// no participants and no transmission (spec.md §4.5).
	DefaultDehydrateIdle = 10 * time.Minute

	// DefaultSubscriberQueueDepth is the default bounded outbound queue
	// depth per subscriber handle (spec.md §4.2/§5).
	DefaultSubscriberQueueDepth = 256

	// DefaultSweepInterval is the chunk-buffer / presence sweep tick
	// granularity (spec.md §4.3: "≤ 1 s granularity").
	DefaultSweepInterval = 500 * time.Millisecond
)

// BrokerConfig holds the tunables for one broker instance. Zero-valued
// fields are replaced with their Default* constant by NewBroker.
type BrokerConfig struct {
	MaxDuration           time.Duration
	IdleTimeout           time.Duration
	ReplayWindow          time.Duration
	MaxChunkSize          int
	MaxLag                uint64
	LookAhead             uint64
	ChunkBufferMemCap     int64
	PresenceTimeout       time.Duration
	DehydrateIdle         time.Duration
	SubscriberQueueDepth  int
	SubscriberQueuePolicy QueuePolicy
	SweepInterval         time.Duration
}

func (c BrokerConfig) withDefaults() BrokerConfig {
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = DefaultReplayWindow
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = DefaultMaxChunkSize
	}
	if c.MaxLag == 0 {
		c.MaxLag = DefaultMaxLag
	}
	if c.LookAhead == 0 {
		c.LookAhead = DefaultLookAhead
	}
	if c.ChunkBufferMemCap <= 0 {
		c.ChunkBufferMemCap = DefaultChunkBufferMemCap
	}
	if c.PresenceTimeout <= 0 {
		c.PresenceTimeout = DefaultPresenceTimeout
	}
	if c.DehydrateIdle <= 0 {
		c.DehydrateIdle = DefaultDehydrateIdle
	}
	if c.SubscriberQueueDepth <= 0 {
		c.SubscriberQueueDepth = DefaultSubscriberQueueDepth
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}
