// Package jobqueue implements the per-(machine, queue) FIFO of encoded job
// records. The queue file is a locked log, so concurrent workers on the same
// queue compete under flock and at most one receives any given job.
package jobqueue

import (
	"errors"
	"fmt"
	"os"

	"github.com/kochi-hpc/kochi/codec"
	"github.com/kochi-hpc/kochi/installer"
	"github.com/kochi-hpc/kochi/jobstore"
	"github.com/kochi-hpc/kochi/lockedfile"
	"github.com/kochi-hpc/kochi/paths"
)

// Push stamps the job with a fresh id and enqueues it. The dependency
// consistency check happens first and fails fast; the waiting job state is
// written before the record becomes visible on the queue. The stamped job is
// returned.
func Push(root paths.Root, job *jobstore.Job) (*jobstore.Job, error) {
	if job.Machine == "" || job.Queue == "" {
		return nil, errors.New("job must have machine and queue set before push")
	}

	var depStates []installer.State
	if len(job.Dependencies) > 0 {
		states, err := installer.CheckDependencies(root, job.Project, job.Machine, job.Dependencies)
		if err != nil {
			return nil, err
		}
		depStates = states
	}

	if err := jobstore.EnsureInit(root, job.Machine); err != nil {
		return nil, err
	}
	id, err := lockedfile.FetchAndAdd(root.JobCounter(job.Machine), 1)
	if err != nil {
		return nil, fmt.Errorf("allocating job id: %w", err)
	}
	job.ID = id

	if err := jobstore.Init(root, job.Machine, job, depStates); err != nil {
		return nil, fmt.Errorf("writing state for job %d: %w", id, err)
	}

	encoded, err := codec.Marshal(job)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root.QueueDir(job.Machine), 0o755); err != nil {
		return nil, err
	}
	if err := lockedfile.Push(root.QueueFile(job.Machine, job.Queue), encoded); err != nil {
		return nil, fmt.Errorf("enqueueing job %d: %w", id, err)
	}
	return job, nil
}

// Pop dequeues the head job of a queue. An empty or missing queue reports
// ok=false without error.
func Pop(root paths.Root, machine, queue string) (*jobstore.Job, bool, error) {
	line, ok, err := lockedfile.Pop(root.QueueFile(machine, queue))
	if err != nil || !ok {
		return nil, false, err
	}
	var job jobstore.Job
	if err := codec.Unmarshal(line, &job); err != nil {
		return nil, false, fmt.Errorf("corrupt queue entry on %s/%s: %w", machine, queue, err)
	}
	return &job, true, nil
}
