// Package artifact publishes job outputs onto per-machine git branches. Each
// machine owns its own branch, so pushes from different machines never
// conflict; the per-machine branches are merged into the master artifact
// branch on the user's side.
package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildkite/interpolate"
	"github.com/buildkite/roko"

	"github.com/kochi-hpc/kochi/jobstore"
	"github.com/kochi-hpc/kochi/logger"
	"github.com/kochi-hpc/kochi/params"
	"github.com/kochi-hpc/kochi/paths"
	"github.com/kochi-hpc/kochi/shell"
)

// MasterBranch is the orphan branch holding the merged artifacts of all
// machines.
const MasterBranch = "kochi_artifacts"

// Branch returns the artifact branch owned by one machine.
func Branch(machine string) string {
	return MasterBranch + "_" + machine
}

const pushAttempts = 20

// Save materializes the job's declared artifacts inside the worker's
// checkout of the machine's artifact branch, commits them, and pushes with
// rebase-retry against concurrent workers.
func Save(ctx context.Context, l logger.Logger, root paths.Root, machine string, workerID int, job *jobstore.Job, runParams map[string]any, jobWD string) error {
	if job.Context == nil {
		return fmt.Errorf("job %d has no context; artifacts need a project repository", job.ID)
	}
	worktree := root.ArtifactWorktree(machine, workerID, job.Context.Project)
	sh, err := ensureWorktree(ctx, l, root, machine, worktree, job)
	if err != nil {
		return err
	}

	for _, spec := range job.ArtifactsSpec {
		dest, err := resolvePath(spec.Dest, runParams)
		if err != nil {
			return fmt.Errorf("resolving artifact dest %q: %w", spec.Dest, err)
		}
		destPath := filepath.Join(worktree, machine, dest)
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return err
		}
		switch spec.Type {
		case "stdout":
			if err := copyFile(root.JobLog(machine, job.ID), destPath); err != nil {
				return fmt.Errorf("saving stdout artifact: %w", err)
			}
		case "stats":
			f, err := os.Create(destPath)
			if err != nil {
				return err
			}
			jobstore.ShowDetail(f, machine, job.ID, jobstore.Get(root, machine, job.ID))
			if err := f.Close(); err != nil {
				return err
			}
		case "file":
			src, err := resolvePath(spec.Src, runParams)
			if err != nil {
				return fmt.Errorf("resolving artifact src %q: %w", spec.Src, err)
			}
			if !filepath.IsAbs(src) {
				src = filepath.Join(jobWD, src)
			}
			if err := copyFile(src, destPath); err != nil {
				return fmt.Errorf("saving file artifact: %w", err)
			}
		default:
			return fmt.Errorf("unknown artifact type %q", spec.Type)
		}
	}

	return pushLoop(ctx, l, sh, machine)
}

// ensureWorktree clones the machine's artifact branch into the worker
// workspace on first use and returns a shell rooted there.
func ensureWorktree(ctx context.Context, l logger.Logger, root paths.Root, machine, worktree string, job *jobstore.Job) (*shell.Shell, error) {
	if _, err := os.Stat(worktree); err != nil {
		remote := job.Context.GitRemote
		if remote == "" {
			remote = root.ProjectArtifactGit(job.Context.Project)
		}
		sh, err := shell.New(shell.WithLogger(l))
		if err != nil {
			return nil, err
		}
		if err := sh.Run(ctx, "git", "clone", "--recursive", "-q", "-b", Branch(machine), remote, worktree); err != nil {
			return nil, fmt.Errorf("cloning artifact branch %s: %w", Branch(machine), err)
		}
	}
	if err := os.MkdirAll(filepath.Join(worktree, machine), 0o755); err != nil {
		return nil, err
	}
	return shell.New(shell.WithLogger(l), shell.WithWD(worktree))
}

// pushLoop commits staged artifacts and pushes. A rejected push is resolved
// by rebasing onto the remote branch, preferring our side for conflicts,
// since artifact files from different jobs never legitimately collide.
func pushLoop(ctx context.Context, l logger.Logger, sh *shell.Shell, machine string) error {
	branch := Branch(machine)
	if err := sh.Run(ctx, "git", "add", "--all"); err != nil {
		return err
	}
	msg := fmt.Sprintf("[kochi] add artifact on %s", machine)
	err := sh.Run(ctx, "git",
		"-c", "user.name=kochi",
		"-c", "user.email=<>",
		"commit", "-q", "-m", msg)
	if err != nil {
		return fmt.Errorf("committing artifacts: %w", err)
	}

	r := roko.NewRetrier(
		roko.WithMaxAttempts(pushAttempts),
		roko.WithStrategy(roko.Constant(1*time.Second)),
	)
	return r.DoWithContext(ctx, func(rt *roko.Retrier) error {
		err := sh.Run(ctx, "git", "pull", "--rebase", "-s", "recursive", "-X", "theirs", "-q", "origin", branch)
		if err == nil {
			err = sh.Run(ctx, "git", "push", "-q", "origin", branch)
		}
		if err != nil {
			l.Warn("Pushing artifacts failed (%s); retrying", rt)
			_ = sh.Run(ctx, "git", "reset")
			return err
		}
		return nil
	})
}

// resolvePath substitutes $param references in an artifact path. Every
// referenced parameter must exist.
func resolvePath(tmpl string, runParams map[string]any) (string, error) {
	ids, err := interpolate.Identifiers(tmpl)
	if err != nil {
		return "", err
	}
	envMap := make(map[string]string, len(runParams))
	for k, v := range runParams {
		envMap[k] = params.FormatValue(v)
	}
	for _, id := range ids {
		if _, ok := envMap[id]; !ok {
			return "", fmt.Errorf("unknown parameter %q", id)
		}
	}
	return interpolate.Interpolate(interpolate.NewMapEnv(envMap), tmpl)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// worktreePath locates the checkout of the master artifact branch among the
// repository's worktrees.
func worktreePath(ctx context.Context, sh *shell.Shell) (string, error) {
	out, err := sh.RunAndCapture(ctx, "git", "worktree", "list")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 3 && fields[2] == "["+MasterBranch+"]" {
			return fields[0], nil
		}
	}
	return "", nil
}

// Init creates the orphan master artifact branch and checks it out as a git
// worktree at path. It must run inside the project repository.
func Init(ctx context.Context, sh *shell.Shell, path string) error {
	existing, err := worktreePath(ctx, sh)
	if err != nil {
		return err
	}
	if existing != "" {
		return fmt.Errorf("a git worktree for branch %s already exists at %s", MasterBranch, existing)
	}
	if err := sh.Run(ctx, "git", "worktree", "add", "--detach", path); err != nil {
		return err
	}
	wt, err := shell.New(shell.WithLogger(sh.Logger), shell.WithEnv(sh.Env.Copy()), shell.WithWD(path))
	if err != nil {
		return err
	}
	if err := wt.Run(ctx, "git", "checkout", "--orphan", MasterBranch); err != nil {
		return err
	}
	if err := wt.Run(ctx, "git", "reset", "--hard"); err != nil {
		return err
	}
	return wt.Run(ctx, "git", "commit", "--allow-empty", "-m", "[kochi] create an artifact branch")
}

// EnsureMachineBranch makes sure the artifact branch for a machine exists,
// creating it from the master branch and pushing it to destination on first
// use. It must run inside the project repository on the user's side.
func EnsureMachineBranch(ctx context.Context, sh *shell.Shell, machine, destination string) error {
	path, err := worktreePath(ctx, sh)
	if err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("no worktree for branch %s; run artifact init first", MasterBranch)
	}
	wt, err := shell.New(shell.WithLogger(sh.Logger), shell.WithEnv(sh.Env.Copy()), shell.WithWD(path))
	if err != nil {
		return err
	}
	branch := Branch(machine)
	defer wt.Run(ctx, "git", "checkout", "-q", MasterBranch) //nolint:errcheck
	if err := wt.Run(ctx, "git", "checkout", "-q", branch); err == nil {
		return nil
	}
	if err := wt.Run(ctx, "git", "checkout", "-q", "-B", branch); err != nil {
		return err
	}
	return wt.Run(ctx, "git", "push", "-u", "-q", destination, branch)
}

// Sync pulls a machine's artifact branch and merges it into the master
// artifact branch inside the master worktree.
func Sync(ctx context.Context, sh *shell.Shell, machine string) error {
	path, err := worktreePath(ctx, sh)
	if err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("no worktree for branch %s; run artifact init first", MasterBranch)
	}
	wt, err := shell.New(shell.WithLogger(sh.Logger), shell.WithEnv(sh.Env.Copy()), shell.WithWD(path))
	if err != nil {
		return err
	}
	branch := Branch(machine)
	if err := wt.Run(ctx, "git", "checkout", "-q", branch); err != nil {
		return err
	}
	pullErr := wt.Run(ctx, "git", "pull")
	if err := wt.Run(ctx, "git", "checkout", "-q", MasterBranch); err != nil {
		return err
	}
	if pullErr != nil {
		return pullErr
	}
	return wt.Run(ctx, "git", "merge", "--no-edit", branch)
}
