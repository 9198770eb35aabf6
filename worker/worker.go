// Package worker runs the job-execution loop on a machine: it claims an id
// from the worker counter, maintains a heartbeat, and pops jobs off one
// queue until the queue drains (or forever, when blocking).
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kochi-hpc/kochi/canceler"
	"github.com/kochi-hpc/kochi/codec"
	"github.com/kochi-hpc/kochi/gitctx"
	"github.com/kochi-hpc/kochi/heartbeat"
	"github.com/kochi-hpc/kochi/inspectd"
	"github.com/kochi-hpc/kochi/installer"
	"github.com/kochi-hpc/kochi/internal/banner"
	"github.com/kochi-hpc/kochi/internal/tee"
	"github.com/kochi-hpc/kochi/jobqueue"
	"github.com/kochi-hpc/kochi/jobstore"
	"github.com/kochi-hpc/kochi/lockedfile"
	"github.com/kochi-hpc/kochi/logger"
	"github.com/kochi-hpc/kochi/params"
	"github.com/kochi-hpc/kochi/paths"
)

// PollInterval is how long an idle blocking worker sleeps before re-checking
// the queue. Plain polling because queue files commonly live on NFS, where
// inotify does not fire for remote writers.
const PollInterval = 100 * time.Millisecond

// Options configures one worker run.
type Options struct {
	Machine           string
	Queue             string
	Blocking          bool
	HeartbeatInterval time.Duration
	CancelInterval    time.Duration
}

// EnsureInit creates the per-machine worker directory and counters.
func EnsureInit(root paths.Root, machine string) error {
	if err := os.MkdirAll(root.WorkerDir(machine), 0o755); err != nil {
		return err
	}
	if err := lockedfile.EnsureCounter(root.WorkerCounter(machine)); err != nil {
		return err
	}
	return lockedfile.EnsureCounter(root.WorkerMinActive(machine))
}

// NextID claims a fresh worker id from the machine's counter.
func NextID(root paths.Root, machine string) (int, error) {
	return lockedfile.FetchAndAdd(root.WorkerCounter(machine), 1)
}

// Init registers a worker for a queue: it claims an id if the caller passed
// a negative one, records the queue in the worker state file, and writes the
// initial waiting heartbeat. It returns the effective worker id.
func Init(root paths.Root, machine, queue string, workerID int) (int, error) {
	if err := EnsureInit(root, machine); err != nil {
		return -1, err
	}
	if workerID < 0 {
		id, err := NextID(root, machine)
		if err != nil {
			return -1, err
		}
		workerID = id
	}
	if err := os.WriteFile(root.WorkerState(machine, workerID), []byte(queue+"\n"), 0o644); err != nil {
		return -1, err
	}
	if err := heartbeat.Init(root.WorkerHeartbeat(machine, workerID)); err != nil {
		return -1, err
	}
	return workerID, nil
}

// Start runs the worker loop for an initialized worker until its queue
// drains (non-blocking) or the context is canceled (blocking). Worker output
// is teed into the worker log.
func Start(ctx context.Context, l logger.Logger, root paths.Root, workerID int, opts Options, out io.Writer) error {
	workspace := root.WorkerWorkspace(opts.Machine, workerID)
	if err := os.RemoveAll(workspace); err != nil {
		return err
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return err
	}
	defer os.RemoveAll(workspace)

	t, err := tee.New(root.WorkerLog(opts.Machine, workerID), out)
	if err != nil {
		return err
	}
	defer t.Close()
	w := t.Writer()

	banner.Printf(w, banner.Green, "Kochi worker %d started on machine %s.", workerID, opts.Machine)
	banner.Rule(w, banner.Green, "=")
	defer banner.Rule(w, banner.Green, "=")

	hb := heartbeat.StartTicker(l, root.WorkerHeartbeat(opts.Machine, workerID), opts.HeartbeatInterval)
	defer hb.Close()

	// Inspection is best-effort; a worker without it is still a worker.
	if srv, err := inspectd.Start(l, root, opts.Machine, workerID, workspace); err != nil {
		l.Warn("Inspection sshd unavailable for worker %d: %v", workerID, err)
	} else {
		defer srv.Close()
	}

	if err := loop(ctx, l, root, workerID, opts, workspace, w); err != nil {
		banner.Printf(w, banner.Red, "Kochi worker %d failed: %v", workerID, err)
		return err
	}
	return nil
}

// buildSignature identifies the inputs of a job's build phase. Two jobs with
// equal signatures produce the same build, so the second one can skip it.
type buildSignature struct {
	DependencyStates []installer.State `cbor:"dependency_states"`
	Context          *gitctx.Context   `cbor:"context"`
	BuildParams      map[string]any    `cbor:"build_params"`
}

func signature(depStates []installer.State, job *jobstore.Job) (string, error) {
	return codec.Marshal(buildSignature{
		DependencyStates: depStates,
		Context:          job.Context,
		BuildParams:      params.Filter(job.Params, job.BuildConf.DependParams),
	})
}

func loop(ctx context.Context, l logger.Logger, root paths.Root, workerID int, opts Options, workspace string, w io.Writer) error {
	lastBuild := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		job, ok, err := jobqueue.Pop(root, opts.Machine, opts.Queue)
		if err != nil {
			return err
		}
		if !ok {
			if !opts.Blocking {
				return nil
			}
			select {
			case <-time.After(PollInterval):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		if canceler.Requested(root, opts.Machine, job.ID) {
			l.Notice("Skipping canceled job %d", job.ID)
			if err := jobstore.OnFinish(root, opts.Machine, job.ID, jobstore.Canceled); err != nil {
				l.Error("Recording cancellation of job %d: %v", job.ID, err)
			}
			continue
		}

		state := jobstore.Get(root, opts.Machine, job.ID)
		sig, err := signature(state.DependencyStates, job)
		if err != nil {
			return fmt.Errorf("computing build signature for job %d: %w", job.ID, err)
		}
		execBuild := sig != lastBuild

		buildDone, err := runJob(ctx, l, root, workerID, opts, workspace, job, execBuild, w)
		if err != nil {
			// The failure is already reflected in the job state; the
			// worker moves on to the next job.
			l.Error("Job %d failed: %v", job.ID, err)
		}
		if execBuild && buildDone {
			lastBuild = sig
		}
	}
}

// State is the externally observable worker state.
type State struct {
	RunningState heartbeat.RunningState
	Queue        string
	InitTime     int64
	StartTime    int64
	LatestTime   int64
}

// GetState reads a worker's queue assignment and heartbeat-derived state.
func GetState(root paths.Root, machine string, workerID int) State {
	raw, err := os.ReadFile(root.WorkerState(machine, workerID))
	if err != nil {
		return State{RunningState: heartbeat.Invalid}
	}
	hb := heartbeat.GetState(root.WorkerHeartbeat(machine, workerID))
	return State{
		RunningState: hb.RunningState,
		Queue:        strings.TrimSpace(string(raw)),
		InitTime:     hb.InitTime,
		StartTime:    hb.StartTime,
		LatestTime:   hb.LatestTime,
	}
}

// Watch tails the logs of the given workers to out until every one of them
// reads as terminated or invalid.
func Watch(ctx context.Context, root paths.Root, machine string, workerIDs []int, out io.Writer) error {
	offsets := make(map[int]int64, len(workerIDs))
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		alive := false
		for _, id := range workerIDs {
			offsets[id] = tailFile(root.WorkerLog(machine, id), offsets[id], out)
			switch GetState(root, machine, id).RunningState {
			case heartbeat.Waiting, heartbeat.Running:
				alive = true
			}
		}
		if !alive {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tailFile copies bytes appended since offset to out and returns the new
// offset. Missing files read as empty.
func tailFile(path string, offset int64, out io.Writer) int64 {
	f, err := os.Open(path)
	if err != nil {
		return offset
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset
	}
	n, _ := io.Copy(out, f)
	return offset + n
}
