// Package backoff computes retry delays for the batch fetcher.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Config holds the configuration for exponential backoff.
type Config struct {
	Initial    time.Duration // First delay
	Max        time.Duration // Cap on any delay (0 = no cap)
	Multiplier float64       // Growth per attempt (1.0 = constant delay)
	JitterPct  float64       // Jitter as a fraction of the delay (0.4 = ±20%)
}

// DefaultConfig returns a constant 60s delay with no jitter, the pacing the
// pubdata fetcher has always used between retries.
func DefaultConfig() Config {
	return Config{
		Initial:    60 * time.Second,
		Max:        60 * time.Second,
		Multiplier: 1.0,
		JitterPct:  0,
	}
}

// Backoff calculates exponential backoff delays with jitter.
// It is not safe for concurrent use.
type Backoff struct {
	config   Config
	attempts int
	rng      *rand.Rand
}

// New creates a Backoff. The seed makes jitter reproducible.
func New(seed int64, cfg Config) *Backoff {
	return &Backoff{
		config: cfg,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// NewFromTime creates a Backoff seeded from the current time.
func NewFromTime(cfg Config) *Backoff {
	return New(time.Now().UnixNano(), cfg)
}

// Next returns the next backoff delay and increments the attempt counter.
func (b *Backoff) Next() time.Duration {
	delay := b.Calculate()
	b.attempts++
	return delay
}

// Calculate returns the current backoff delay without incrementing attempts.
func (b *Backoff) Calculate() time.Duration {
	mult := b.config.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(b.config.Initial) * math.Pow(mult, float64(b.attempts))

	if b.config.Max > 0 && delay > float64(b.config.Max) {
		delay = float64(b.config.Max)
	}

	if b.config.JitterPct > 0 {
		jitterRange := delay * b.config.JitterPct
		jitter := jitterRange*b.rng.Float64() - jitterRange/2
		delay += jitter
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

// SetAttempts sets the attempt counter (useful for testing or recovery).
func (b *Backoff) SetAttempts(n int) {
	b.attempts = n
}
