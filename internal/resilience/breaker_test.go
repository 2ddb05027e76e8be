package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewCircuitBreaker(3, time.Minute)

	require.NoError(t, b.Allow())
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewCircuitBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b := NewCircuitBreaker(1, 30*time.Millisecond)

	b.RecordFailure()
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	// Exactly one trial passes while the probe is in flight.
	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b := NewCircuitBreaker(1, 20*time.Millisecond)

	b.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := NewCircuitBreaker(1, 20*time.Millisecond)

	b.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// The cooldown restarted; waiting it out permits a fresh probe.
	time.Sleep(30 * time.Millisecond)
	assert.NoError(t, b.Allow())
}

func TestBreakerReset(t *testing.T) {
	b := NewCircuitBreaker(1, time.Minute)

	b.RecordFailure()
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}
