package link

import (
	"math"
	"math/rand/v2"
	"time"
)

// ReconnectConfig contains configuration for reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int // consecutive failures before giving up; 0 means unlimited
	Jitter       float64
}

// DefaultReconnectConfig returns the default reconnection settings: 1s
// doubling to 30s, five consecutive failures.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
	}
}

// Backoff calculates reconnect delays.
type Backoff struct {
	cfg ReconnectConfig
}

// NewBackoff creates a backoff calculator. Zero fields take defaults.
func NewBackoff(cfg ReconnectConfig) *Backoff {
	def := DefaultReconnectConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Backoff{cfg: cfg}
}

// Delay returns the delay before retry number attempt (0-indexed).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(attempt))
	if delay > float64(b.cfg.MaxDelay) {
		delay = float64(b.cfg.MaxDelay)
	}
	return b.addJitter(time.Duration(delay))
}

// Exhausted reports whether failures consecutive failures reach the limit.
func (b *Backoff) Exhausted(failures int) bool {
	return b.cfg.MaxAttempts > 0 && failures >= b.cfg.MaxAttempts
}

func (b *Backoff) addJitter(d time.Duration) time.Duration {
	if b.cfg.Jitter <= 0 {
		return d
	}
	jitterRange := float64(d) * b.cfg.Jitter
	jitter := (rand.Float64()*2 - 1) * jitterRange

	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		result = d
	}
	return result
}
