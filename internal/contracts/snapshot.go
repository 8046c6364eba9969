package contracts

import "time"

// Signal is one safety-critical input value paired with the time its
// producer last updated it. A snapshot must never pair a fresh timestamp
// with a stale value from the same producer.
type Signal struct {
	Value      float64
	LastUpdate time.Time
	Present    bool
}

// Age returns how old the signal is relative to now.
func (s Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.LastUpdate)
}

// FreshWithin reports whether the signal is present and no older than max.
func (s Signal) FreshWithin(now time.Time, max time.Duration) bool {
	return s.Present && !s.LastUpdate.IsZero() && s.Age(now) <= max
}

// BoolSignal is a boolean safety input with freshness metadata.
type BoolSignal struct {
	Value      bool
	LastUpdate time.Time
	Present    bool
}

// FreshWithin reports whether the signal is present and no older than max.
func (s BoolSignal) FreshWithin(now time.Time, max time.Duration) bool {
	return s.Present && !s.LastUpdate.IsZero() && now.Sub(s.LastUpdate) <= max
}

// InputSnapshot is one atomically-acquired, time-coherent bundle of every
// signal the axis resolver reads. Constructed fresh each tick, immutable,
// consumed exactly once per resolution.
type InputSnapshot struct {
	Version    uint64    // publication version, monotonic
	AcquiredAt time.Time // resolver의 now 기준점

	// Capital risk inputs
	MMUtil Signal // maintenance_margin / equity
	Equity Signal // USD

	// System integrity inputs
	DiskUsedPct       Signal
	LedgerWriteErrors Signal     // windowed error count
	LedgerQueueDepth  Signal     // current depth
	LedgerQueueCap    Signal     // capacity
	GroupLockTimeout  BoolSignal // bounded-wait lock exceeded this tick

	// Private channel / session
	PrivateHeartbeatAge Signal     // seconds since last private heartbeat
	SessionUp           BoolSignal // private session believed alive
	RestReachable       BoolSignal // corroboration: REST probe succeeded recently

	// Market integrity inputs
	BookFeedAge  Signal // seconds since last book update
	TradeFeedAge Signal // seconds since last public trade
	MarketStress BoolSignal

	// Latch view
	LatchBlocked bool
	LatchReasons []ReasonCode

	// Exposure view (for capital-supremacy checks)
	NetExposureUSD   Signal
	ExposureUnknown  bool
}
