package llmbridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentcore/agentcore/pkg/types"
)

func TestBaseProviderRetrySucceedsAfterTransientFailures(t *testing.T) {
	b := newBaseProvider("fake", 3, time.Millisecond)

	attempts := 0
	err := b.retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return types.NewToolError(types.ErrModelUnavailable, "down")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry() error = %v, want nil", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestBaseProviderRetryStopsImmediatelyOnModelRefused(t *testing.T) {
	b := newBaseProvider("fake", 5, time.Millisecond)

	attempts := 0
	err := b.retry(context.Background(), func() error {
		attempts++
		return types.NewToolError(types.ErrModelRefused, "blocked")
	})

	var te *types.ToolError
	if !errors.As(err, &te) || te.Kind != types.ErrModelRefused {
		t.Fatalf("retry() error = %v, want ModelRefused", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry on ModelRefused)", attempts)
	}
}

func TestBaseProviderRetryExhaustsAttempts(t *testing.T) {
	b := newBaseProvider("fake", 2, time.Millisecond)

	attempts := 0
	err := b.retry(context.Background(), func() error {
		attempts++
		return types.NewToolError(types.ErrModelUnavailable, "still down")
	})

	var te *types.ToolError
	if !errors.As(err, &te) || te.Kind != types.ErrModelUnavailable {
		t.Fatalf("retry() error = %v, want ModelUnavailable", err)
	}
	if attempts != 3 { // maxRetries + 1
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}
