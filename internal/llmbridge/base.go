package llmbridge

import (
	"context"
	"errors"
	"time"

	"github.com/agentcore/agentcore/internal/backoff"
	"github.com/agentcore/agentcore/pkg/types"
)

// baseProvider holds the retry bookkeeping shared across providers,
// grounded on the teacher's internal/agent/providers/base.go BaseProvider.
type baseProvider struct {
	name       string
	maxRetries int
	policy     backoff.BackoffPolicy
}

func newBaseProvider(name string, maxRetries int, retryDelay time.Duration) baseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	// Factor: 1 gives a flat retryDelay between every attempt, the simplest
	// cadence ComputeBackoff's multiplicative formula can express; computed
	// and slept through the shared internal/backoff primitives rather than
	// a hand-rolled loop.
	policy := backoff.BackoffPolicy{InitialMs: float64(retryDelay.Milliseconds()), MaxMs: float64(retryDelay.Milliseconds()) * float64(maxRetries+1), Factor: 1, Jitter: 0}
	return baseProvider{name: name, maxRetries: maxRetries, policy: policy}
}

// retry runs fn up to maxRetries+1 times, sleeping between attempts via
// internal/backoff.RetryWithBackoff, stopping early once fn succeeds, the
// failure is ModelRefused (a safety block, never worth retrying), or the
// attempt budget is spent. This inner retry absorbs transport-level
// flakiness (rate limits, connection resets) the way the teacher's
// BaseProvider.Retry does; the bridge's own single-retry policy (spec.md
// §4.2) sits above this at the Bridge.Decide level and governs
// ModelUnavailable/ModelRefused specifically.
func (b baseProvider) retry(ctx context.Context, fn func() error) error {
	retryCtx, abort := context.WithCancel(ctx)
	defer abort()

	result, err := backoff.RetryWithBackoff(retryCtx, b.policy, b.maxRetries+1, func(attempt int) (struct{}, error) {
		callErr := fn()
		if callErr == nil {
			return struct{}{}, nil
		}
		var te *types.ToolError
		if errors.As(callErr, &te) && te.Kind == types.ErrModelRefused {
			abort() // short-circuits the loop's next sleep/attempt check
		}
		return struct{}{}, callErr
	})
	if err == nil {
		return nil
	}
	// On exhaustion (every attempt failed) or on our own abort() above,
	// RetryWithBackoff/SleepWithBackoff surface ErrMaxAttemptsExhausted or
	// retryCtx.Err() respectively; the caller wants the actual last failure
	// either way.
	if result.LastError != nil {
		return result.LastError
	}
	return err
}
