package hooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitRunsInPriorityOrder(t *testing.T) {
	r := NewRegistry()
	var order []string

	require.NoError(t, r.Register(EventEnvelopeSealed, "second", 20, 0,
		func(context.Context, Event) error {
			order = append(order, "second")
			return nil
		}))
	require.NoError(t, r.Register(EventEnvelopeSealed, "first", 10, 0,
		func(context.Context, Event) error {
			order = append(order, "first")
			return nil
		}))

	r.Emit(context.Background(), EventEnvelopeSealed, map[string]any{"sha256_hash": "abc"})
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestDuplicateNameRejected(t *testing.T) {
	r := NewRegistry()
	fn := func(context.Context, Event) error { return nil }
	require.NoError(t, r.Register(EventGateViolation, "audit-mirror", 0, 0, fn))
	assert.Error(t, r.Register(EventGateViolation, "audit-mirror", 0, 0, fn))
}

func TestHookPayloadDelivered(t *testing.T) {
	r := NewRegistry()
	var got Event
	require.NoError(t, r.Register(EventReplayDrift, "capture", 0, 0,
		func(_ context.Context, e Event) error {
			got = e
			return nil
		}))

	r.Emit(context.Background(), EventReplayDrift, map[string]any{"replay_id": "rp-1"})
	assert.Equal(t, EventReplayDrift, got.Name)
	assert.Equal(t, "rp-1", got.Payload["replay_id"])
	assert.False(t, got.At.IsZero())
}

func TestErrorBudgetDisablesHook(t *testing.T) {
	r := NewRegistry().WithErrorBudget(3)
	calls := 0
	require.NoError(t, r.Register(EventEnvelopeRevoked, "flaky", 0, 0,
		func(context.Context, Event) error {
			calls++
			return errors.New("boom")
		}))

	for i := 0; i < 5; i++ {
		r.Emit(context.Background(), EventEnvelopeRevoked, nil)
	}

	// Three failures exhaust the budget; later emits skip the hook.
	assert.Equal(t, 3, calls)
	assert.True(t, r.Disabled(EventEnvelopeRevoked, "flaky"))
}

func TestSuccessResetsBudget(t *testing.T) {
	r := NewRegistry().WithErrorBudget(2)
	fail := true
	require.NoError(t, r.Register(EventEnvelopeExpired, "recovering", 0, 0,
		func(context.Context, Event) error {
			if fail {
				return errors.New("boom")
			}
			return nil
		}))

	r.Emit(context.Background(), EventEnvelopeExpired, nil) // 1 failure
	fail = false
	r.Emit(context.Background(), EventEnvelopeExpired, nil) // success, budget resets
	fail = true
	r.Emit(context.Background(), EventEnvelopeExpired, nil) // 1 failure again

	assert.False(t, r.Disabled(EventEnvelopeExpired, "recovering"))
}

func TestHookTimeout(t *testing.T) {
	r := NewRegistry().WithErrorBudget(1)
	require.NoError(t, r.Register(EventGateViolation, "slow", 0, 10*time.Millisecond,
		func(ctx context.Context, _ Event) error {
			select {
			case <-time.After(time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))

	start := time.Now()
	r.Emit(context.Background(), EventGateViolation, nil)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, r.Disabled(EventGateViolation, "slow"))
}
