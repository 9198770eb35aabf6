// Package paths maps (machine, id, kind) to filesystem paths under the kochi
// root directory. Every function is a pure string mapping; nothing here
// touches the filesystem.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Root is the kochi state directory on one machine.
type Root string

// DefaultRoot returns $KOCHI_ROOT, or ~/.kochi when unset.
func DefaultRoot() Root {
	if r := os.Getenv("KOCHI_ROOT"); r != "" {
		return Root(r)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Root(".kochi")
	}
	return Root(filepath.Join(home, ".kochi"))
}

func (r Root) join(elem ...string) string {
	return filepath.Join(append([]string{string(r)}, elem...)...)
}

// Queues

func (r Root) QueueDir(machine string) string {
	return r.join("queues", machine)
}

func (r Root) QueueFile(machine, queue string) string {
	return r.join("queues", machine, queue+".lock")
}

// Workers

func (r Root) WorkerDir(machine string) string {
	return r.join("workers", machine)
}

func (r Root) WorkerCounter(machine string) string {
	return r.join("workers", machine, "counter.lock")
}

func (r Root) WorkerMinActive(machine string) string {
	return r.join("workers", machine, "min_active.lock")
}

func (r Root) WorkerLog(machine string, id int) string {
	return r.join("workers", machine, fmt.Sprintf("log_%d.txt", id))
}

func (r Root) WorkerState(machine string, id int) string {
	return r.join("workers", machine, fmt.Sprintf("state_%d.txt", id))
}

func (r Root) WorkerHeartbeat(machine string, id int) string {
	return r.join("workers", machine, fmt.Sprintf("heartbeat_%d.txt", id))
}

func (r Root) WorkerWorkspace(machine string, id int) string {
	return r.join("workers", machine, fmt.Sprintf("workspace_%d", id))
}

// Jobs

func (r Root) JobDir(machine string) string {
	return r.join("jobs", machine)
}

func (r Root) JobCounter(machine string) string {
	return r.join("jobs", machine, "counter.lock")
}

func (r Root) JobMinActive(machine string) string {
	return r.join("jobs", machine, "min_active.lock")
}

func (r Root) JobLog(machine string, id int) string {
	return r.join("jobs", machine, fmt.Sprintf("log_%d.txt", id))
}

func (r Root) JobState(machine string, id int) string {
	return r.join("jobs", machine, fmt.Sprintf("state_%d.txt", id))
}

func (r Root) JobCancelReq(machine string, id int) string {
	return r.join("jobs", machine, fmt.Sprintf("cancelreq_%d.txt", id))
}

// Projects

func (r Root) ProjectDir(project string) string {
	return r.join("projects", project)
}

// ProjectGit is the machine-local bare mirror of the project repository.
func (r Root) ProjectGit(project string) string {
	return r.join("projects", project, "git")
}

// ProjectArtifactGit is the machine-local bare mirror of the artifact
// branches.
func (r Root) ProjectArtifactGit(project string) string {
	return r.join("projects", project, "artifact_git")
}

func (r Root) InstallDir(project, machine, dep, recipe string) string {
	return r.join("projects", project, "install", machine, dep, recipe)
}

func (r Root) InstallSrcDir(project, machine, dep, recipe string) string {
	return r.join("projects", project, "install_src", machine, dep, recipe)
}

// InstallLog and InstallStateFile are reserved files inside the install
// destination.

func (r Root) InstallLog(project, machine, dep, recipe string) string {
	return filepath.Join(r.InstallDir(project, machine, dep, recipe), ".kochi_log.txt")
}

func (r Root) InstallStateFile(project, machine, dep, recipe string) string {
	return filepath.Join(r.InstallDir(project, machine, dep, recipe), ".kochi_state.txt")
}

// Inspection

// InspectInfo holds the listen address of a worker's inspection sshd.
func (r Root) InspectInfo(machine string, id int) string {
	return r.join("workers", machine, fmt.Sprintf("inspect_%d.txt", id))
}

func (r Root) InspectHostKey() string {
	return r.join("inspect", "host_key")
}

func (r Root) InspectClientKey() string {
	return r.join("inspect", "client_key")
}

// ArtifactWorktree is the worker-local checkout of the per-machine artifact
// branch for one project.
func (r Root) ArtifactWorktree(machine string, workerID int, project string) string {
	return filepath.Join(r.WorkerWorkspace(machine, workerID), "artifacts", project)
}
