package canceler_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kochi-hpc/kochi/canceler"
	"github.com/kochi-hpc/kochi/logger"
	"github.com/kochi-hpc/kochi/paths"
)

func TestCancelAndRequested(t *testing.T) {
	t.Parallel()
	root := paths.Root(t.TempDir())

	assert.False(t, canceler.Requested(root, "m", 0))
	require.NoError(t, canceler.Cancel(root, "m", 0))
	assert.True(t, canceler.Requested(root, "m", 0))
	assert.False(t, canceler.Requested(root, "m", 1), "cancellation is per job")

	// Canceling twice is fine; the sentinel is idempotent.
	require.NoError(t, canceler.Cancel(root, "m", 0))
}

func TestWatchInterruptsOnSentinel(t *testing.T) {
	t.Parallel()
	root := paths.Root(t.TempDir())

	var interrupts atomic.Int32
	w := canceler.Watch(logger.Discard, root, "m", 0, 10*time.Millisecond, func() {
		interrupts.Add(1)
	})
	defer w.Close()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, interrupts.Load(), "no interrupt before the sentinel appears")

	require.NoError(t, canceler.Cancel(root, "m", 0))
	require.Eventually(t, func() bool {
		return interrupts.Load() > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatchCloseStops(t *testing.T) {
	t.Parallel()
	root := paths.Root(t.TempDir())

	var interrupts atomic.Int32
	w := canceler.Watch(logger.Discard, root, "m", 0, 10*time.Millisecond, func() {
		interrupts.Add(1)
	})
	w.Close()

	require.NoError(t, canceler.Cancel(root, "m", 0))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, interrupts.Load(), "a closed watcher never fires")
}
