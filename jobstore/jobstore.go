// Package jobstore persists per-job state records and their lifecycle:
// waiting at enqueue, running when a worker picks the job up, and one of the
// terminal outcomes afterwards. Two outcomes are synthesized at read time
// and never written: canceled (a waiting job whose cancel sentinel exists)
// and killed (a running job whose worker heartbeat reads as terminated).
package jobstore

import (
	"time"

	"github.com/kochi-hpc/kochi/canceler"
	"github.com/kochi-hpc/kochi/codec"
	"github.com/kochi-hpc/kochi/gitctx"
	"github.com/kochi-hpc/kochi/heartbeat"
	"github.com/kochi-hpc/kochi/installer"
	"github.com/kochi-hpc/kochi/lockedfile"
	"github.com/kochi-hpc/kochi/paths"
)

type RunningState int

const (
	Invalid RunningState = iota
	Waiting
	Running
	Terminated
	Aborted
	Canceled
	Killed
)

func (s RunningState) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	case Aborted:
		return "aborted"
	case Canceled:
		return "canceled"
	case Killed:
		return "killed"
	default:
		return "invalid"
	}
}

// Terminal reports whether no further transition can happen.
func (s RunningState) Terminal() bool {
	switch s {
	case Terminated, Aborted, Canceled, Killed:
		return true
	default:
		return false
	}
}

// ArtifactSpec declares one output worth preserving after a successful run.
type ArtifactSpec struct {
	Type string `cbor:"type"` // stdout | stats | file
	Dest string `cbor:"dest"`
	Src  string `cbor:"src,omitempty"`
}

// PhaseConf is the script of the build or run phase plus the parameters the
// phase depends on.
type PhaseConf struct {
	Script       []string `cbor:"script,omitempty"`
	DependParams []string `cbor:"depend_params,omitempty"`
}

// Job is the enqueued record.
type Job struct {
	ID             int                    `cbor:"id"`
	Name           string                 `cbor:"name"`
	Machine        string                 `cbor:"machine"`
	Queue          string                 `cbor:"queue"`
	Project        string                 `cbor:"project,omitempty"`
	Dependencies   []installer.Dependency `cbor:"dependencies,omitempty"`
	Context        *gitctx.Context        `cbor:"context,omitempty"`
	Params         map[string]any         `cbor:"params,omitempty"`
	ArtifactsSpec  []ArtifactSpec         `cbor:"artifacts_spec,omitempty"`
	ActivateScript []string               `cbor:"activate_script,omitempty"`
	BuildConf      PhaseConf              `cbor:"build_conf"`
	RunConf        PhaseConf              `cbor:"run_conf"`
}

// State is the persistent per-job state record.
type State struct {
	RunningState     RunningState      `cbor:"running_state"`
	Name             string            `cbor:"name"`
	Queue            string            `cbor:"queue"`
	WorkerID         int               `cbor:"worker_id"`
	Context          *gitctx.Context   `cbor:"context,omitempty"`
	DependencyStates []installer.State `cbor:"dependency_states,omitempty"`
	Envs             map[string]string `cbor:"envs,omitempty"`
	ArtifactsSpec    []ArtifactSpec    `cbor:"artifacts_spec,omitempty"`
	ActivateScript   []string          `cbor:"activate_script,omitempty"`
	BuildExecuted    bool              `cbor:"build_executed"`
	BuildParams      map[string]any    `cbor:"build_params,omitempty"`
	BuildScript      []string          `cbor:"build_script,omitempty"`
	RunParams        map[string]any    `cbor:"run_params,omitempty"`
	RunScript        []string          `cbor:"run_script,omitempty"`
	InitTime         int64             `cbor:"init_time"`
	StartTime        int64             `cbor:"start_time,omitempty"`
	LatestTime       int64             `cbor:"latest_time,omitempty"`
}

func now() int64 { return time.Now().Unix() }

// EnsureInit creates the per-machine job directory and counter if needed.
func EnsureInit(root paths.Root, machine string) error {
	if err := ensureDir(root.JobDir(machine)); err != nil {
		return err
	}
	if err := lockedfile.EnsureCounter(root.JobCounter(machine)); err != nil {
		return err
	}
	return lockedfile.EnsureCounter(root.JobMinActive(machine))
}

// Init writes the initial waiting state for a freshly-stamped job, including
// the snapshot of its resolved dependency states. The state file must exist
// before the job is visible on any queue.
func Init(root paths.Root, machine string, job *Job, depStates []installer.State) error {
	state := State{
		RunningState:     Waiting,
		Name:             job.Name,
		Queue:            job.Queue,
		WorkerID:         -1,
		Context:          job.Context,
		DependencyStates: depStates,
		ArtifactsSpec:    job.ArtifactsSpec,
		ActivateScript:   job.ActivateScript,
		InitTime:         now(),
	}
	return codec.MarshalToFile(root.JobState(machine, job.ID), state)
}

// StartInfo is everything the runner resolved at job start.
type StartInfo struct {
	WorkerID      int
	Envs          map[string]string
	BuildExecuted bool
	BuildParams   map[string]any
	BuildScript   []string
	RunParams     map[string]any
	RunScript     []string
}

// OnStart transitions the state to running, persisting the effective
// environment and the filtered build/run params and scripts.
func OnStart(root paths.Root, machine string, jobID int, info StartInfo) error {
	return mutate(root, machine, jobID, func(s *State) {
		s.RunningState = Running
		s.WorkerID = info.WorkerID
		s.Envs = info.Envs
		s.BuildExecuted = info.BuildExecuted
		s.BuildParams = info.BuildParams
		s.BuildScript = info.BuildScript
		s.RunParams = info.RunParams
		s.RunScript = info.RunScript
		s.StartTime = now()
	})
}

// OnFinish transitions the state to a terminal outcome.
func OnFinish(root paths.Root, machine string, jobID int, rs RunningState) error {
	return mutate(root, machine, jobID, func(s *State) {
		s.RunningState = rs
		s.LatestTime = now()
	})
}

func mutate(root paths.Root, machine string, jobID int, fn func(*State)) error {
	path := root.JobState(machine, jobID)
	var s State
	if err := codec.UnmarshalFromFile(path, &s); err != nil {
		return err
	}
	fn(&s)
	return codec.MarshalToFile(path, s)
}

// Get reads and classifies a job state. A waiting job with a cancel sentinel
// reads as canceled; a running job whose worker heartbeat is terminated
// reads as killed. The file on disk is never rewritten by a read.
func Get(root paths.Root, machine string, jobID int) State {
	var s State
	if err := codec.UnmarshalFromFile(root.JobState(machine, jobID), &s); err != nil {
		return State{RunningState: Invalid}
	}
	switch s.RunningState {
	case Waiting:
		if canceler.Requested(root, machine, jobID) {
			s.RunningState = Canceled
		}
	case Running:
		hb := heartbeat.GetState(root.WorkerHeartbeat(machine, s.WorkerID))
		if hb.RunningState == heartbeat.Running {
			s.LatestTime = now()
		} else {
			s.RunningState = Killed
			s.LatestTime = hb.LatestTime
		}
	}
	return s
}
