// Package backoff computes jittered exponential delays.
//
// The delay sequence is base, 2*base, 4*base, ... capped at max, and each
// value is then perturbed by up to ±JitterPercent. The cap applies before
// jitter, so no delay exceeds max*(1+JitterPercent/100).
package backoff

import (
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Defaults used by the congestion controller.
const (
	DefaultBase          = 2 * time.Second
	DefaultMax           = 60 * time.Second
	DefaultJitterPercent = 25
)

// Config describes one backoff sequence.
type Config struct {
	Base          time.Duration
	Max           time.Duration
	JitterPercent uint64
}

// DefaultConfig returns base 2s, cap 60s, ±25% jitter.
func DefaultConfig() Config {
	return Config{Base: DefaultBase, Max: DefaultMax, JitterPercent: DefaultJitterPercent}
}

// Backoff is a resettable delay sequence.
//
// Thread-safety: safe for concurrent use.
type Backoff struct {
	cfg Config

	mu      sync.Mutex
	seq     retry.Backoff
	attempt int
}

// New validates cfg and returns a Backoff at attempt 0.
func New(cfg Config) (*Backoff, error) {
	if cfg.Base <= 0 {
		return nil, fmt.Errorf("backoff base must be positive, got %s", cfg.Base)
	}
	if cfg.Max < cfg.Base {
		return nil, fmt.Errorf("backoff max %s is below base %s", cfg.Max, cfg.Base)
	}
	if cfg.JitterPercent > 100 {
		return nil, fmt.Errorf("backoff jitter %d%% exceeds 100%%", cfg.JitterPercent)
	}
	b := &Backoff{cfg: cfg}
	if err := b.reset(); err != nil {
		return nil, err
	}
	return b, nil
}

// Next returns the next delay and advances the attempt counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempt++
	d, stop := b.seq.Next()
	if stop {
		// The chain has no terminal wrapper; treat an early stop as the cap.
		return b.cfg.Max
	}
	return d
}

// Attempt returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Reset returns the sequence to its first delay (≈ base).
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Config was validated in New, reset cannot fail here.
	_ = b.reset()
}

// Config returns the configuration the sequence was built with.
func (b *Backoff) Config() Config {
	return b.cfg
}

// Bound returns the largest delay Next can return.
func (b *Backoff) Bound() time.Duration {
	return b.cfg.Max + b.cfg.Max*time.Duration(b.cfg.JitterPercent)/100
}

func (b *Backoff) reset() error {
	seq, err := retry.NewExponential(b.cfg.Base)
	if err != nil {
		return fmt.Errorf("build exponential backoff: %w", err)
	}
	seq = retry.WithCappedDuration(b.cfg.Max, seq)
	if b.cfg.JitterPercent > 0 {
		seq = retry.WithJitterPercent(b.cfg.JitterPercent, seq)
	}
	b.seq = seq
	b.attempt = 0
	return nil
}
