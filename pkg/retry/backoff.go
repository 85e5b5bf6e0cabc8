package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Default reconnect policy for push streams.
const (
	DefaultBase = 1 * time.Second
	DefaultMax  = 30 * time.Second
)

// BackoffPolicy bounds an exponential delay sequence.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
	// MaxJitter adds a deterministic offset in [0, MaxJitter). Zero disables it.
	MaxJitter time.Duration
	// JitterSeed keys the deterministic jitter, e.g. the topic endpoint.
	JitterSeed string
}

// DefaultPolicy returns the 1s..30s reconnect policy.
func DefaultPolicy() BackoffPolicy {
	return BackoffPolicy{Base: DefaultBase, Max: DefaultMax}
}

// Normalize fills zero fields with defaults and keeps Max >= Base.
func (p BackoffPolicy) Normalize() BackoffPolicy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return p
}

// ComputeBackoff returns the delay before retry n (1-based):
// min(base * 2^(n-1), max), plus deterministic jitter when configured.
func ComputeBackoff(policy BackoffPolicy, n int) time.Duration {
	policy = policy.Normalize()
	if n < 1 {
		n = 1
	}

	exp := n - 1
	if exp > 30 {
		// Avoid overflow, cap exponent
		exp = 30
	}

	delay := policy.Base << exp
	if delay <= 0 || delay > policy.Max {
		delay = policy.Max
	}

	return delay + ComputeDeterministicJitter(policy, n)
}

// ComputeDeterministicJitter derives a stable jitter for attempt n so that
// replays of the same failure sequence observe the same delays.
func ComputeDeterministicJitter(policy BackoffPolicy, n int) time.Duration {
	if policy.MaxJitter <= 0 {
		return 0
	}

	seed := fmt.Sprintf("%s:%d", policy.JitterSeed, n)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])

	return time.Duration(basis % uint64(policy.MaxJitter)) //nolint:gosec // MaxJitter is positive here
}

// Backoff tracks consecutive failures against a policy. It is not safe for
// concurrent use; owners guard it with their own lock.
type Backoff struct {
	policy   BackoffPolicy
	attempts int
}

// NewBackoff creates a Backoff at its base delay.
func NewBackoff(policy BackoffPolicy) *Backoff {
	return &Backoff{policy: policy.Normalize()}
}

// Next records a failure and returns the delay to wait before retrying.
func (b *Backoff) Next() time.Duration {
	b.attempts++
	return ComputeBackoff(b.policy, b.attempts)
}

// Peek returns the delay the next failure would produce without recording it.
func (b *Backoff) Peek() time.Duration {
	return ComputeBackoff(b.policy, b.attempts+1)
}

// Reset forgives every prior failure.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts is the number of consecutive failures since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Policy returns the normalized policy.
func (b *Backoff) Policy() BackoffPolicy {
	return b.policy
}
