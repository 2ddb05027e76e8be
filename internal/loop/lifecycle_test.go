package loop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestLifecycleCancelFirstCallWins(t *testing.T) {
	// Ignore the worker started by go.opencensus.io's package init,
	// linked into this binary via model -> genai transitive deps.
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	life := NewLifecycle(0)
	assert.False(t, life.Cancelled())

	assert.True(t, life.Cancel("user pressed stop"))
	assert.False(t, life.Cancel("second caller"))
	assert.True(t, life.Cancelled())
	assert.Equal(t, "user pressed stop", life.Reason())

	life.Finish()
}

func TestLifecycleBindFiresHardCancel(t *testing.T) {
	// Ignore the worker started by go.opencensus.io's package init,
	// linked into this binary via model -> genai transitive deps.
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	ctx, cancel := context.WithCancel(context.Background())
	life := NewLifecycle(0)
	life.Bind(cancel)

	require.NoError(t, ctx.Err())
	life.Cancel("stop")

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("hard cancel never reached the context")
	}
	life.Finish()
}

func TestLifecycleWatchdogForcesAfterGrace(t *testing.T) {
	// Ignore the worker started by go.opencensus.io's package init,
	// linked into this binary via model -> genai transitive deps.
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	life := NewLifecycle(20 * time.Millisecond)
	life.Cancel("stop")

	select {
	case <-life.Forced():
	case <-time.After(time.Second):
		t.Fatal("watchdog never forced termination")
	}
	life.Finish()
}

func TestLifecycleFinishDisarmsWatchdog(t *testing.T) {
	// Ignore the worker started by go.opencensus.io's package init,
	// linked into this binary via model -> genai transitive deps.
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	life := NewLifecycle(30 * time.Millisecond)
	life.Cancel("stop")
	life.Finish()

	select {
	case <-life.Forced():
		t.Fatal("watchdog fired after Finish")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLifecycleCancelAfterFinishIsRejected(t *testing.T) {
	// Ignore the worker started by go.opencensus.io's package init,
	// linked into this binary via model -> genai transitive deps.
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	life := NewLifecycle(0)
	life.Finish()
	assert.False(t, life.Cancel("too late"))
	assert.False(t, life.Cancelled())
}
