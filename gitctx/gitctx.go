// Package gitctx captures and replays a git working state: a reference plus
// a binary diff of the uncommitted changes, enough to rebuild the producer's
// working tree bit-identically on another machine.
package gitctx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kochi-hpc/kochi/paths"
	"github.com/kochi-hpc/kochi/shell"
)

// Context is the captured working state of one project.
type Context struct {
	Project   string `cbor:"project"`
	GitRemote string `cbor:"git_remote,omitempty"`
	Reference string `cbor:"reference"`
	Diff      string `cbor:"diff,omitempty"`
}

// RepoName returns the project name of a git path or remote URL.
func RepoName(remote string) string {
	name := filepath.Base(strings.TrimRight(remote, "/"))
	return strings.TrimSuffix(name, ".git")
}

// Capture records the working state of the repository at the shell's working
// directory: the HEAD commit as the reference, and a binary diff that covers
// tracked modifications and untracked files (staged as intents-to-add).
// gitRemote may be empty, in which case replay falls back to the
// machine-local bare mirror of the project.
func Capture(ctx context.Context, sh *shell.Shell, gitRemote string) (*Context, error) {
	toplevel, err := sh.RunAndCapture(ctx, "git", "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("not inside a git repository: %w", err)
	}
	head, err := sh.RunAndCapture(ctx, "git", "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	if err := sh.Run(ctx, "git", "add", "-N", "."); err != nil {
		return nil, err
	}
	diff, err := sh.RunAndCaptureRaw(ctx, "git", "diff", "--binary", head)
	if err != nil {
		return nil, err
	}
	return &Context{
		Project:   RepoName(toplevel),
		GitRemote: gitRemote,
		Reference: head,
		Diff:      diff,
	}, nil
}

// Replay rebuilds the captured working tree inside a per-project clone under
// the shell's working directory, and leaves the shell chdir'ed into it. The
// reference is checked out exactly as recorded; a diff that fails to apply is
// an error.
func Replay(ctx context.Context, sh *shell.Shell, c *Context, root paths.Root) error {
	if c == nil {
		return nil
	}

	dir := filepath.Join(sh.Getwd(), c.Project)
	if _, err := os.Stat(dir); err != nil {
		remote := c.GitRemote
		if remote == "" {
			remote = root.ProjectGit(c.Project)
		}
		if err := sh.Run(ctx, "git", "clone", "-q", remote, c.Project); err != nil {
			return fmt.Errorf("cloning %s: %w", remote, err)
		}
	}
	if err := sh.Chdir(c.Project); err != nil {
		return err
	}
	if err := sh.Run(ctx, "git", "fetch", "-q"); err != nil {
		return fmt.Errorf("fetching %s: %w", c.Project, err)
	}
	if err := sh.Run(ctx, "git", "checkout", "-f", "-q", c.Reference); err != nil {
		return fmt.Errorf("checking out %s: %w", c.Reference, err)
	}
	if err := sh.Run(ctx, "git", "submodule", "update", "--init", "--recursive"); err != nil {
		return fmt.Errorf("updating submodules: %w", err)
	}
	if err := sh.Run(ctx, "git", "clean", "-f", "-d", "-q"); err != nil {
		return err
	}
	if c.Diff != "" {
		err := sh.RunWithStdin(ctx, strings.NewReader(c.Diff), "git", "apply", "--whitespace=nowarn", "-")
		if err != nil {
			return fmt.Errorf("applying context diff: %w", err)
		}
	}
	return nil
}

// EnsureMirror makes sure the machine-local bare mirror for a project
// exists, creating it on first use.
func EnsureMirror(ctx context.Context, sh *shell.Shell, root paths.Root, project string) (string, error) {
	dir := root.ProjectGit(project)
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", err
	}
	if err := sh.Run(ctx, "git", "init", "-q", "--bare", dir); err != nil {
		return "", fmt.Errorf("creating bare mirror for %s: %w", project, err)
	}
	return dir, nil
}

// Sync pushes all local refs of the repository at the shell's working
// directory to its machine-local bare mirror, creating the mirror if needed.
func Sync(ctx context.Context, sh *shell.Shell, root paths.Root) error {
	toplevel, err := sh.RunAndCapture(ctx, "git", "rev-parse", "--show-toplevel")
	if err != nil {
		return fmt.Errorf("not inside a git repository: %w", err)
	}
	mirror, err := EnsureMirror(ctx, sh, root, RepoName(toplevel))
	if err != nil {
		return err
	}
	return sh.Run(ctx, "git", "push", "-q", mirror, "--all")
}
