package jobqueue

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kochi-hpc/kochi/jobstore"
	"github.com/kochi-hpc/kochi/paths"
)

const machine = "testmachine"

func newJob(name, queue string) *jobstore.Job {
	return &jobstore.Job{
		Name:    name,
		Machine: machine,
		Queue:   queue,
		RunConf: jobstore.PhaseConf{Script: []string{"true"}},
	}
}

func TestPushStampsIncreasingIDs(t *testing.T) {
	t.Parallel()
	root := paths.Root(t.TempDir())

	for want := 0; want < 5; want++ {
		job, err := Push(root, newJob(fmt.Sprintf("j%d", want), "q"))
		require.NoError(t, err)
		assert.Equal(t, want, job.ID)
	}
}

func TestPushRequiresMachineAndQueue(t *testing.T) {
	t.Parallel()
	root := paths.Root(t.TempDir())

	_, err := Push(root, &jobstore.Job{Queue: "q"})
	require.Error(t, err)
	_, err = Push(root, &jobstore.Job{Machine: machine})
	require.Error(t, err)
}

func TestPushWritesStateBeforeVisibility(t *testing.T) {
	t.Parallel()
	root := paths.Root(t.TempDir())

	job, err := Push(root, newJob("j", "q"))
	require.NoError(t, err)

	// By the time a job can be popped, its waiting state must exist.
	popped, ok, err := Pop(root, machine, "q")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobstore.Waiting, jobstore.Get(root, machine, popped.ID).RunningState)
	assert.Equal(t, job.ID, popped.ID)
}

func TestPopFIFO(t *testing.T) {
	t.Parallel()
	root := paths.Root(t.TempDir())

	for i := range 10 {
		_, err := Push(root, newJob(fmt.Sprintf("j%d", i), "q"))
		require.NoError(t, err)
	}
	for want := 0; want < 10; want++ {
		job, ok, err := Pop(root, machine, "q")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, job.ID)
		assert.Equal(t, fmt.Sprintf("j%d", want), job.Name)
	}
}

func TestPopEmptyAndMissingQueue(t *testing.T) {
	t.Parallel()
	root := paths.Root(t.TempDir())

	_, ok, err := Pop(root, machine, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Push(root, newJob("j", "q"))
	require.NoError(t, err)
	_, ok, err = Pop(root, machine, "q")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = Pop(root, machine, "q")
	require.NoError(t, err)
	assert.False(t, ok, "a drained queue reports absence")
}

func TestQueuesAreIndependent(t *testing.T) {
	t.Parallel()
	root := paths.Root(t.TempDir())

	a, err := Push(root, newJob("a", "qa"))
	require.NoError(t, err)
	b, err := Push(root, newJob("b", "qb"))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID, "job ids are per machine, not per queue")

	job, ok, err := Pop(root, machine, "qb")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", job.Name)
}

func TestPushPreservesJobRecord(t *testing.T) {
	t.Parallel()
	root := paths.Root(t.TempDir())

	in := newJob("full", "q")
	in.Params = map[string]any{"n": "4", "debug": true}
	in.ActivateScript = []string{". ./env.sh"}
	in.BuildConf = jobstore.PhaseConf{Script: []string{"make"}, DependParams: []string{"n"}}

	_, err := Push(root, in)
	require.NoError(t, err)

	out, ok, err := Pop(root, machine, "q")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, map[string]any{"n": "4", "debug": true}, out.Params)
	assert.Equal(t, in.BuildConf, out.BuildConf)
	assert.Equal(t, in.ActivateScript, out.ActivateScript)
}
