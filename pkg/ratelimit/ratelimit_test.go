package ratelimit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/uaesivakumar/upr-authority/pkg/kernelid"
)

var denyAt = time.Date(2026, 5, 12, 10, 0, 0, 0, time.UTC)

// slowPolicy refills one token per day, so within a test every bucket is
// effectively burst-only.
var slowPolicy = Policy{PerDay: 1, Burst: 3}

func TestInProcessBurstThenDeny(t *testing.T) {
	l := NewInProcess(slowPolicy)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "user-1", "audit.read")
		require.NoError(t, err)
		assert.True(t, ok, "call %d should fit the burst", i+1)
	}
	ok, err := l.Allow(ctx, "user-1", "audit.read")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInProcessIsolatesPairs(t *testing.T) {
	l := NewInProcess(Policy{PerDay: 1, Burst: 1})
	ctx := context.Background()

	ok, err := l.Allow(ctx, "user-1", "audit.read")
	require.NoError(t, err)
	assert.True(t, ok)

	// user-1's exhausted audit bucket leaves other pairs untouched.
	ok, err = l.Allow(ctx, "user-1", "audit.read")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, "user-2", "audit.read")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, "user-1", "export.create")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPolicyFloors(t *testing.T) {
	assert.Equal(t, 1.0, Policy{}.perSecond())
	assert.Equal(t, 1, Policy{}.burst())
	assert.InDelta(t, 1.0/86.4, Policy{PerDay: 1000}.perSecond(), 1e-9)
}

func TestBucketKeyShape(t *testing.T) {
	assert.Equal(t, "ratelimit:user-9:export.create", bucketKey("user-9", "export.create"))
}

func TestRecorderLogsDenialsOnly(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rec, err := NewRecorder(NewInProcess(Policy{PerDay: 1, Burst: 2}), db)
	require.NoError(t, err)
	rec.WithClock(kernelid.Stepping(denyAt, time.Second)).WithIDs(kernelid.Sequential("rl"))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := rec.Allow(ctx, "user-1", "audit.read")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	for i := 0; i < 2; i++ {
		ok, err := rec.Allow(ctx, "user-1", "audit.read")
		require.NoError(t, err)
		assert.False(t, ok)
	}

	denials, err := rec.RecentDenials(ctx, denyAt.Add(-time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, denials, 2)
	assert.Equal(t, "user-1", denials[0].UserID)
	assert.Equal(t, "audit.read", denials[0].Action)
	// Newest first.
	assert.True(t, !denials[0].DeniedAt.Before(denials[1].DeniedAt))

	// The cutoff fences old denials out.
	denials, err = rec.RecentDenials(ctx, denyAt.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, denials)
}
