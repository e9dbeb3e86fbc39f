package executor

import (
	"math"
	"math/rand"
	"time"

	"github.com/smilemakc/wfcore/internal/domain"
)

// RetryPolicy is the per-node retry configuration the Execution Engine
// consults after a node fails with a retryable error.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     domain.BackoffKind
	DelayMs     int64
	Jitter      bool
}

// defaultRetryPolicy matches the node executor contract's default: one
// attempt, fixed backoff, no retry.
func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 1,
		Backoff:     domain.BackoffFixed,
		DelayMs:     1000,
		Jitter:      false,
	}
}

// RetryPolicyFor reads node.Config()["retryConfig"] and returns the policy
// it describes, falling back to the default for any field it omits or
// cannot parse.
func RetryPolicyFor(node *domain.Node) RetryPolicy {
	policy := defaultRetryPolicy()

	raw, ok := node.Config()["retryConfig"]
	if !ok {
		return policy
	}
	cfg, ok := raw.(map[string]any)
	if !ok {
		return policy
	}

	if v, ok := cfg["maxAttempts"]; ok {
		if n, ok := toInt(v); ok && n >= 1 {
			policy.MaxAttempts = n
		}
	}
	if v, ok := cfg["backoff"]; ok {
		if s, ok := v.(string); ok {
			switch domain.BackoffKind(s) {
			case domain.BackoffFixed, domain.BackoffLinear, domain.BackoffExponential:
				policy.Backoff = domain.BackoffKind(s)
			}
		}
	}
	if v, ok := cfg["delayMs"]; ok {
		if n, ok := toInt64(v); ok && n > 0 {
			policy.DelayMs = n
		}
	}
	if v, ok := cfg["jitter"]; ok {
		if b, ok := v.(bool); ok {
			policy.Jitter = b
		}
	}

	return policy
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// DelayFor returns the delay before attempt (1-indexed: attempt 2 is the
// first retry). Fixed backoff always waits DelayMs; linear multiplies it by
// the number of attempts already made; exponential doubles each attempt. Jitter, when enabled,
// adds up to 1 second of additional random delay so concurrent retries
// of the same node kind don't all wake at once.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	n := attempt - 1 // number of completed prior attempts

	var ms float64
	switch p.Backoff {
	case domain.BackoffLinear:
		ms = float64(p.DelayMs) * float64(n)
	case domain.BackoffExponential:
		ms = float64(p.DelayMs) * math.Pow(2, float64(n-1))
	default: // fixed
		ms = float64(p.DelayMs)
	}

	delay := time.Duration(ms) * time.Millisecond
	if p.Jitter {
		delay += time.Duration(rand.Int63n(int64(time.Second)))
	}
	return delay
}

// RetryBudget tracks attempts consumed against a policy's MaxAttempts so
// the engine can stop retrying without consulting the store again.
type RetryBudget struct {
	policy  RetryPolicy
	attempt int
}

// NewRetryBudget starts a budget at attempt 0 (no attempts made yet).
func NewRetryBudget(policy RetryPolicy) *RetryBudget {
	return &RetryBudget{policy: policy}
}

// Exhausted reports whether every attempt the policy allows has been used.
func (b *RetryBudget) Exhausted() bool {
	return b.attempt >= b.policy.MaxAttempts
}

// NextAttempt increments the attempt counter and returns its new value
// along with the delay to wait before running it.
func (b *RetryBudget) NextAttempt() (attempt int, delay time.Duration) {
	b.attempt++
	return b.attempt, b.policy.DelayFor(b.attempt)
}

// Attempt returns the current attempt count.
func (b *RetryBudget) Attempt() int { return b.attempt }
