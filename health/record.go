// Package health tracks per-source reliability and decides, circuit-breaker
// style, whether a source is currently worth attempting.
//
// Each source carries a Record: a bounded rolling window of outcome samples,
// a consecutive-failure counter, and a circuit state. Records are persisted
// through a Store after every mutation and survive restarts. Unknown sources
// are fail-open so newly added sources are never blocked by default.
package health

import "time"

// CircuitState is the breaker state for one source.
type CircuitState int

const (
	Closed   CircuitState = iota // normal operation, attempts pass through
	Open                         // attempts rejected until the backoff elapses
	HalfOpen                     // one probe attempt allowed
)

func (s CircuitState) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ParseState converts a persisted state string back to a CircuitState.
func ParseState(s string) CircuitState {
	switch s {
	case "open":
		return Open
	case "half_open":
		return HalfOpen
	default:
		return Closed
	}
}

// Record is the rolling reliability state for one source.
//
// The window counters are floats: when the window is full, both are scaled
// down proportionally before a new sample is added, so old outcomes fade
// instead of falling off a cliff and biasing the rate.
type Record struct {
	WindowSuccesses     float64
	WindowFailures      float64
	ConsecutiveFailures int
	State               CircuitState
	LastSuccess         time.Time
	LastFailure         time.Time
	LastFingerprint     string
}

// SampleCount is the current window weight.
func (r Record) SampleCount() float64 {
	return r.WindowSuccesses + r.WindowFailures
}

// SuccessRate over the window. Returns 1 for an empty window so a fresh
// source is never tripped by the rate rule.
func (r Record) SuccessRate() float64 {
	total := r.SampleCount()
	if total == 0 {
		return 1
	}
	return r.WindowSuccesses / total
}

// fold scales the window down so adding one more sample keeps the total
// weight at or below maxSamples.
func (r *Record) fold(maxSamples int) {
	total := r.SampleCount()
	if maxSamples <= 1 || total < float64(maxSamples) {
		return
	}
	factor := float64(maxSamples-1) / total
	r.WindowSuccesses *= factor
	r.WindowFailures *= factor
}

// Config holds the circuit-breaking thresholds. The zero value is unusable;
// call Defaults or start from DefaultConfig.
type Config struct {
	// FailureThreshold trips Closed → Open on this many consecutive failures.
	FailureThreshold int

	// MinSamples is the window weight required before the success-rate rule
	// applies.
	MinSamples int

	// RateFloor trips Closed → Open when the window success rate drops
	// below it (with at least MinSamples of weight).
	RateFloor float64

	// MaxSamples bounds the rolling window weight.
	MaxSamples int

	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// DefaultConfig returns the production thresholds: trip after 3 consecutive
// failures or a success rate under 0.2, backoff 60s doubling up to 1h.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		MinSamples:       3,
		RateFloor:        0.2,
		MaxSamples:       20,
		InitialBackoff:   time.Minute,
		Multiplier:       2.0,
		MaxBackoff:       time.Hour,
	}
}

func (c *Config) defaults() {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.RateFloor <= 0 {
		c.RateFloor = d.RateFloor
	}
	if c.MaxSamples <= 0 {
		c.MaxSamples = d.MaxSamples
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
}

// Backoff returns how long an Open circuit waits before allowing a probe,
// given the consecutive-failure count. Monotonically non-decreasing, capped
// at MaxBackoff.
func (c Config) Backoff(consecutiveFailures int) time.Duration {
	if consecutiveFailures < 1 {
		consecutiveFailures = 1
	}
	d := float64(c.InitialBackoff)
	for i := 1; i < consecutiveFailures; i++ {
		d *= c.Multiplier
		if d >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	if d > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}
