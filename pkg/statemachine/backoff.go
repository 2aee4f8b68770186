package statemachine

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"time"
)

// Backoff gates when a retried entity becomes eligible again.
type Backoff struct {
	Base      time.Duration
	Max       time.Duration
	MaxJitter time.Duration
}

// DefaultBackoff doubles from one second up to one minute.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: time.Minute, MaxJitter: 250 * time.Millisecond}
}

// Delay returns the wait before attempt number attempt (1-based) of the
// entity id. Jitter is derived from the inputs, so every instance computes
// the same schedule for the same entity.
func (b Backoff) Delay(id string, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if b.Base <= 0 {
		return b.jitter(id, attempt)
	}
	limit := b.Max
	if limit <= 0 {
		limit = time.Duration(math.MaxInt64 / 2)
	}
	// doubling past limit/Base would overflow before the clamp below
	exp := attempt - 1
	if headroom := bits.Len64(uint64(limit / b.Base)); exp >= headroom {
		return limit + b.jitter(id, attempt)
	}
	delay := b.Base << exp
	if delay > limit {
		delay = limit
	}
	return delay + b.jitter(id, attempt)
}

func (b Backoff) jitter(id string, attempt int) time.Duration {
	if b.MaxJitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", id, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(b.MaxJitter)) //nolint:gosec // MaxJitter is positive
}
