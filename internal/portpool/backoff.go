package portpool

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig holds the configuration for the acquire retry delay.
type BackoffConfig struct {
	Initial    time.Duration // First retry delay (default: 100ms)
	Max        time.Duration // Maximum retry delay (default: 2s)
	Multiplier float64       // Growth per attempt (default: 1.5)
	JitterPct  float64       // Jitter as a fraction of the delay (default: 0.4 = ±20%)
}

// DefaultBackoffConfig returns the retry delays used when none are configured.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    100 * time.Millisecond,
		Max:        2 * time.Second,
		Multiplier: 1.5,
		JitterPct:  0.4, // ±20% jitter
	}
}

// withDefaults fills zero fields from DefaultBackoffConfig.
func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.Initial <= 0 {
		c.Initial = d.Initial
	}
	if c.Max <= 0 {
		c.Max = d.Max
	}
	if c.Max < c.Initial {
		c.Max = c.Initial
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.JitterPct < 0 {
		c.JitterPct = 0
	}
	return c
}

// Backoff calculates exponential retry delays with jitter.
// Concurrent acquirers use separately seeded instances so their retries
// spread out instead of probing in lockstep.
type Backoff struct {
	config   BackoffConfig
	attempts int
	rng      *rand.Rand
}

// NewBackoff creates a Backoff with deterministic jitter for seed.
func NewBackoff(seed int64, cfg BackoffConfig) *Backoff {
	return &Backoff{
		config: cfg,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Next returns the next delay and increments the attempt counter.
func (b *Backoff) Next() time.Duration {
	delay := b.Calculate()
	b.attempts++
	return delay
}

// Calculate returns the current delay without incrementing attempts.
func (b *Backoff) Calculate() time.Duration {
	attempts := b.attempts
	if attempts < 0 {
		attempts = 0
	}
	delay := float64(b.config.Initial) * math.Pow(b.config.Multiplier, float64(attempts))
	if delay > float64(b.config.Max) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		delay = float64(b.config.Max)
	}

	if b.config.JitterPct > 0 {
		jitterRange := delay * b.config.JitterPct
		delay += jitterRange*b.rng.Float64() - jitterRange/2
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Reset resets the attempt counter to zero.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the current attempt count.
func (b *Backoff) Attempts() int {
	return b.attempts
}
