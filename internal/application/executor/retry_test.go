package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/smilemakc/wfcore/internal/domain"
)

func TestRetryPolicyFor_Default(t *testing.T) {
	node := domain.NewNode("a", domain.NodeKindDelay, "a", nil)
	policy := RetryPolicyFor(node)
	assert.Equal(t, 1, policy.MaxAttempts)
	assert.Equal(t, domain.BackoffFixed, policy.Backoff)
	assert.Equal(t, int64(1000), policy.DelayMs)
	assert.False(t, policy.Jitter)
}

func TestRetryPolicyFor_FromNodeConfig(t *testing.T) {
	node := domain.NewNode("a", domain.NodeKindAPICall, "a", map[string]any{
		"retryConfig": map[string]any{
			"maxAttempts": 3,
			"backoff":     "exponential",
			"delayMs":     2000,
			"jitter":      true,
		},
	})
	policy := RetryPolicyFor(node)
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, domain.BackoffExponential, policy.Backoff)
	assert.Equal(t, int64(2000), policy.DelayMs)
	assert.True(t, policy.Jitter)
}

func TestRetryPolicy_DelayFor_Fixed(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, Backoff: domain.BackoffFixed, DelayMs: 1000}
	assert.Equal(t, time.Duration(0), policy.DelayFor(1))
	assert.Equal(t, 1000*time.Millisecond, policy.DelayFor(2))
	assert.Equal(t, 1000*time.Millisecond, policy.DelayFor(3))
}

func TestRetryPolicy_DelayFor_Linear(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, Backoff: domain.BackoffLinear, DelayMs: 1000}
	assert.Equal(t, 1000*time.Millisecond, policy.DelayFor(2))
	assert.Equal(t, 2000*time.Millisecond, policy.DelayFor(3))
}

func TestRetryPolicy_DelayFor_Exponential(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 4, Backoff: domain.BackoffExponential, DelayMs: 1000}
	assert.Equal(t, 1000*time.Millisecond, policy.DelayFor(2))
	assert.Equal(t, 2000*time.Millisecond, policy.DelayFor(3))
	assert.Equal(t, 4000*time.Millisecond, policy.DelayFor(4))
}

func TestRetryBudget_ExhaustsAtMaxAttempts(t *testing.T) {
	budget := NewRetryBudget(RetryPolicy{MaxAttempts: 2, Backoff: domain.BackoffFixed, DelayMs: 10})
	assert.False(t, budget.Exhausted())

	attempt, delay := budget.NextAttempt()
	assert.Equal(t, 1, attempt)
	assert.Equal(t, time.Duration(0), delay)
	assert.False(t, budget.Exhausted())

	attempt, delay = budget.NextAttempt()
	assert.Equal(t, 2, attempt)
	assert.Equal(t, 10*time.Millisecond, delay)
	assert.True(t, budget.Exhausted())
}
