package ratelimit

import (
	"testing"
	"time"

	"github.com/cfteam/coordinator/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

type stubDirectory struct {
	agents map[string]*types.Agent
}

func (d *stubDirectory) Lookup(id string) (*types.Agent, error) {
	if a, ok := d.agents[id]; ok {
		return a, nil
	}
	return nil, types.NewErrorf(types.ErrUnknownAgent, "agent %q is not registered", id)
}

func newStubDirectory(agents ...*types.Agent) *stubDirectory {
	d := &stubDirectory{agents: make(map[string]*types.Agent)}
	for _, a := range agents {
		d.agents[a.ID] = a
	}
	return d
}

func TestLimiter_UnknownAgent(t *testing.T) {
	l := New(newStubDirectory(), zap.NewNop())

	_, err := l.TryAcquire("ghost")
	assert.Equal(t, types.ErrUnknownAgent, types.GetErrorCode(err))
}

func TestLimiter_GrantsWithinBurst(t *testing.T) {
	l := New(newStubDirectory(&types.Agent{ID: "a1", MaxRPM: 10}), zap.NewNop())

	// A fresh bucket holds a full burst of RPM tokens.
	for i := 0; i < 10; i++ {
		d, err := l.TryAcquire("a1")
		require.NoError(t, err)
		assert.True(t, d.Granted, "acquire %d should be granted", i)
	}
}

func TestLimiter_WaitHintAfterExhaustion(t *testing.T) {
	l := New(newStubDirectory(&types.Agent{ID: "a1", MaxRPM: 60}), zap.NewNop())

	for i := 0; i < 60; i++ {
		d, err := l.TryAcquire("a1")
		require.NoError(t, err)
		require.True(t, d.Granted)
	}

	d, err := l.TryAcquire("a1")
	require.NoError(t, err)
	assert.False(t, d.Granted)
	// Refill rate is one token per second at 60 RPM.
	assert.Greater(t, d.WaitHint, time.Duration(0))
	assert.LessOrEqual(t, d.WaitHint, time.Second+100*time.Millisecond)
}

func TestLimiter_IndependentBuckets(t *testing.T) {
	l := New(newStubDirectory(
		&types.Agent{ID: "a1", MaxRPM: 1},
		&types.Agent{ID: "a2", MaxRPM: 60},
	), zap.NewNop())

	d, err := l.TryAcquire("a1")
	require.NoError(t, err)
	require.True(t, d.Granted)

	d, err = l.TryAcquire("a1")
	require.NoError(t, err)
	assert.False(t, d.Granted)

	// a2's bucket is unaffected by a1's exhaustion.
	d, err = l.TryAcquire("a2")
	require.NoError(t, err)
	assert.True(t, d.Granted)
}

func TestLimiter_Reset(t *testing.T) {
	l := New(newStubDirectory(&types.Agent{ID: "a1", MaxRPM: 1}), zap.NewNop())

	d, err := l.TryAcquire("a1")
	require.NoError(t, err)
	require.True(t, d.Granted)

	l.Reset("a1")

	// Reset rebuilds the bucket with a full burst.
	d, err = l.TryAcquire("a1")
	require.NoError(t, err)
	assert.True(t, d.Granted)
}

// TestProperty_Limiter_NeverOvergrants checks that immediate grants
// never exceed the burst capacity, for arbitrary RPM budgets.
func TestProperty_Limiter_NeverOvergrants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		rpm := rapid.IntRange(1, 120).Draw(rt, "rpm")
		attempts := rapid.IntRange(1, 300).Draw(rt, "attempts")

		l := New(newStubDirectory(&types.Agent{ID: "a", MaxRPM: rpm}), zap.NewNop())

		granted := 0
		for i := 0; i < attempts; i++ {
			d, err := l.TryAcquire("a")
			if err != nil {
				rt.Fatalf("TryAcquire failed: %v", err)
			}
			if d.Granted {
				granted++
			}
		}

		// Allow one extra token for refill during the loop.
		if granted > rpm+1 {
			rt.Fatalf("granted %d acquisitions with burst %d", granted, rpm)
		}
	})
}
