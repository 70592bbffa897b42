package poller

import "time"

// BackoffConfig controls the global failure cooldown.
type BackoffConfig struct {
	// Base is the cooldown when the counter first reaches Threshold.
	Base time.Duration
	// Cap bounds the cooldown regardless of counter height.
	Cap time.Duration
	// Threshold is the consecutive-failure count that arms the cooldown.
	Threshold int
}

// DefaultBackoffConfig returns the default backoff parameters.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:      30 * time.Second,
		Cap:       5 * time.Minute,
		Threshold: 3,
	}
}

// backoff tracks one global consecutive-failure counter across all
// accounts. Any cycle that recorded an error increments it; a clean
// cycle resets it. Once the counter reaches the threshold, cycles are
// skipped for min(2^(counter-threshold) * base, cap). At cooldown
// expiry the counter steps down by one instead of resetting, so
// recovery ramps up gradually. Not safe for concurrent use; the
// orchestrator's cycle loop is the only caller.
type backoff struct {
	cfg      BackoffConfig
	failures int
	until    time.Time
}

func newBackoff(cfg BackoffConfig) *backoff {
	if cfg.Base <= 0 {
		cfg.Base = DefaultBackoffConfig().Base
	}
	if cfg.Cap <= 0 {
		cfg.Cap = DefaultBackoffConfig().Cap
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultBackoffConfig().Threshold
	}
	return &backoff{cfg: cfg}
}

// active reports whether a cooldown is in effect at now. An expired
// cooldown is consumed here: the counter steps down by one and the next
// cycle is allowed through.
func (b *backoff) active(now time.Time) bool {
	if b.until.IsZero() {
		return false
	}
	if now.Before(b.until) {
		return true
	}

	b.until = time.Time{}
	if b.failures > 0 {
		b.failures--
	}
	return false
}

// recordFailure bumps the counter and arms a cooldown once the
// threshold is reached.
func (b *backoff) recordFailure(now time.Time) {
	b.failures++
	if b.failures >= b.cfg.Threshold {
		b.until = now.Add(b.cooldown(b.failures))
	}
}

// recordSuccess clears the counter and any pending cooldown.
func (b *backoff) recordSuccess() {
	b.failures = 0
	b.until = time.Time{}
}

// cooldown computes min(2^(failures-threshold) * base, cap).
func (b *backoff) cooldown(failures int) time.Duration {
	exp := failures - b.cfg.Threshold
	if exp < 0 {
		exp = 0
	}
	// Large exponents would overflow the shift; the cap has long since won.
	if exp > 30 {
		return b.cfg.Cap
	}

	d := b.cfg.Base << uint(exp)
	if d > b.cfg.Cap || d <= 0 {
		return b.cfg.Cap
	}
	return d
}
