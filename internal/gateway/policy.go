package gateway

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Backoff is an exponential schedule, base * 2^attempt capped at Max, plus a
// deterministic jitter below MaxJitter.
type Backoff struct {
	Base      time.Duration
	Max       time.Duration
	MaxJitter time.Duration
}

// Delay returns the wait before retry number attempt (0-based). The jitter is
// derived from seed and attempt, so two calls with different seeds spread out
// while a replay of the same call waits the same amount.
func (b Backoff) Delay(seed string, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := b.Base * time.Duration(int64(1)<<attempt)
	if b.Max > 0 && (d > b.Max || d < 0) {
		d = b.Max
	}
	return d + b.jitter(seed, attempt)
}

func (b Backoff) jitter(seed string, attempt int) time.Duration {
	if b.MaxJitter <= 0 {
		return 0
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	return time.Duration(binary.BigEndian.Uint64(h[:8]) % uint64(b.MaxJitter))
}

// Policy configures one gateway call.
type Policy struct {
	// Timeout bounds each attempt. Zero means the caller's context only.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	Backoff    Backoff
}

// DefaultPolicy is used when no policy is configured.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:    2 * time.Second,
		MaxRetries: 3,
		Backoff: Backoff{
			Base:      100 * time.Millisecond,
			Max:       2 * time.Second,
			MaxJitter: 50 * time.Millisecond,
		},
	}
}

// Attempts is the total attempt budget.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}
