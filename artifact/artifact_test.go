package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kochi-hpc/kochi/gitctx"
	"github.com/kochi-hpc/kochi/jobstore"
	"github.com/kochi-hpc/kochi/logger"
	"github.com/kochi-hpc/kochi/paths"
	"github.com/kochi-hpc/kochi/shell"
)

func newShell(t *testing.T, wd string) *shell.Shell {
	t.Helper()
	sh, err := shell.New(shell.WithWD(wd), shell.WithStdout(testWriter{t}))
	require.NoError(t, err)
	sh.Env.Set("GIT_AUTHOR_NAME", "test")
	sh.Env.Set("GIT_AUTHOR_EMAIL", "test@localhost")
	sh.Env.Set("GIT_COMMITTER_NAME", "test")
	sh.Env.Set("GIT_COMMITTER_EMAIL", "test@localhost")
	return sh
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func newRepo(t *testing.T) *shell.Shell {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "proj")
	require.NoError(t, os.Mkdir(dir, 0o755))
	sh := newShell(t, dir)
	ctx := context.Background()

	require.NoError(t, sh.Run(ctx, "git", "init", "-q"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.c"), []byte("int main() {}\n"), 0o644))
	require.NoError(t, sh.Run(ctx, "git", "add", "."))
	require.NoError(t, sh.Run(ctx, "git", "commit", "-q", "-m", "initial"))
	return sh
}

func newBareRemote(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "remote.git")
	sh := newShell(t, t.TempDir())
	require.NoError(t, sh.Run(context.Background(), "git", "init", "-q", "--bare", dir))
	return dir
}

func TestBranch(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "kochi_artifacts_fugaku", Branch("fugaku"))
}

func TestResolvePath(t *testing.T) {
	t.Parallel()
	params := map[string]any{"n_nodes": 4, "debug": true, "tag": "v1"}

	got, err := resolvePath("out/result_${n_nodes}_$tag.txt", params)
	require.NoError(t, err)
	assert.Equal(t, "out/result_4_v1.txt", got)

	got, err = resolvePath("plain.txt", params)
	require.NoError(t, err)
	assert.Equal(t, "plain.txt", got)

	_, err = resolvePath("out_$missing.txt", params)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown parameter "missing"`)
}

func TestInitCreatesOrphanBranchWorktree(t *testing.T) {
	t.Parallel()
	sh := newRepo(t)
	ctx := context.Background()
	wt := filepath.Join(t.TempDir(), "artifacts")

	require.NoError(t, Init(ctx, sh, wt))

	wtSh := newShell(t, wt)
	branch, err := wtSh.RunAndCapture(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	require.NoError(t, err)
	assert.Equal(t, MasterBranch, branch)

	// The orphan branch shares no history with the project branch.
	parents, err := wtSh.RunAndCapture(ctx, "git", "rev-list", "--count", "HEAD")
	require.NoError(t, err)
	assert.Equal(t, "1", parents)

	err = Init(ctx, sh, filepath.Join(t.TempDir(), "again"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestMachineBranchLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	const machine = "cluster"

	sh := newRepo(t)
	wt := filepath.Join(t.TempDir(), "artifacts")
	require.NoError(t, Init(ctx, sh, wt))

	remote := newBareRemote(t)
	require.NoError(t, EnsureMachineBranch(ctx, sh, machine, remote))

	remoteSh := newShell(t, remote)
	branches, err := remoteSh.RunAndCapture(ctx, "git", "branch", "--list", Branch(machine))
	require.NoError(t, err)
	assert.Contains(t, branches, Branch(machine), "the machine branch is pushed on first use")

	// Ensuring again is a no-op and must not fail.
	require.NoError(t, EnsureMachineBranch(ctx, sh, machine, remote))

	// The worktree is left on the master branch for the user.
	wtSh := newShell(t, wt)
	branch, err := wtSh.RunAndCapture(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	require.NoError(t, err)
	assert.Equal(t, MasterBranch, branch)

	// A machine-side worker publishes a file onto its branch.
	clone := filepath.Join(t.TempDir(), "clone")
	cloneSh := newShell(t, t.TempDir())
	require.NoError(t, cloneSh.Run(ctx, "git", "clone", "-q", "-b", Branch(machine), remote, clone))
	cloneSh = newShell(t, clone)
	require.NoError(t, os.MkdirAll(filepath.Join(clone, machine), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(clone, machine, "result.txt"), []byte("42\n"), 0o644))
	require.NoError(t, cloneSh.Run(ctx, "git", "add", "--all"))
	require.NoError(t, cloneSh.Run(ctx, "git", "commit", "-q", "-m", "publish"))
	require.NoError(t, cloneSh.Run(ctx, "git", "push", "-q", "origin", Branch(machine)))

	// Sync pulls the machine branch and merges it into the master branch.
	require.NoError(t, Sync(ctx, sh, machine))
	got, err := os.ReadFile(filepath.Join(wt, machine, "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, "42\n", string(got))
}

func TestSaveCommitsAndPushesArtifacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	const machine = "cluster"
	root := paths.Root(t.TempDir())

	// Seed the per-project artifact remote with the machine branch.
	remote := root.ProjectArtifactGit("proj")
	require.NoError(t, os.MkdirAll(filepath.Dir(remote), 0o755))
	seedSh := newShell(t, t.TempDir())
	require.NoError(t, seedSh.Run(ctx, "git", "init", "-q", "--bare", remote))
	seed := filepath.Join(t.TempDir(), "seed")
	require.NoError(t, seedSh.Run(ctx, "git", "clone", "-q", remote, seed))
	seedSh = newShell(t, seed)
	require.NoError(t, seedSh.Run(ctx, "git", "checkout", "-q", "--orphan", MasterBranch))
	require.NoError(t, seedSh.Run(ctx, "git", "commit", "-q", "--allow-empty", "-m", "init"))
	require.NoError(t, seedSh.Run(ctx, "git", "checkout", "-q", "-B", Branch(machine)))
	require.NoError(t, seedSh.Run(ctx, "git", "push", "-q", "origin", MasterBranch, Branch(machine)))

	jobWD := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(jobWD, "out.csv"), []byte("a,b\n1,2\n"), 0o644))

	job := &jobstore.Job{
		ID:      0,
		Name:    "job",
		Machine: machine,
		Context: &gitctx.Context{Project: "proj"},
		ArtifactsSpec: []jobstore.ArtifactSpec{
			{Type: "file", Dest: "result_$n.csv", Src: "out.csv"},
		},
	}
	err := Save(ctx, logger.Discard, root, machine, 0, job, map[string]any{"n": 4}, jobWD)
	require.NoError(t, err)

	// Saving a second artifact reuses the worktree and pushes on top.
	require.NoError(t, os.WriteFile(filepath.Join(jobWD, "out.csv"), []byte("a,b\n3,4\n"), 0o644))
	job.ArtifactsSpec[0].Dest = "result_$n.extra.csv"
	require.NoError(t, Save(ctx, logger.Discard, root, machine, 0, job, map[string]any{"n": 4}, jobWD))

	check := filepath.Join(t.TempDir(), "check")
	checkSh := newShell(t, t.TempDir())
	require.NoError(t, checkSh.Run(ctx, "git", "clone", "-q", "-b", Branch(machine), remote, check))
	got, err := os.ReadFile(filepath.Join(check, machine, "result_4.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(got))
	_, err = os.Stat(filepath.Join(check, machine, "result_4.extra.csv"))
	require.NoError(t, err)

	checkSh = newShell(t, check)
	msg, err := checkSh.RunAndCapture(ctx, "git", "log", "-1", "--format=%s")
	require.NoError(t, err)
	assert.Equal(t, "[kochi] add artifact on "+machine, msg)
}

func TestSaveWithoutContextFails(t *testing.T) {
	t.Parallel()
	job := &jobstore.Job{ID: 3, ArtifactsSpec: []jobstore.ArtifactSpec{{Type: "file"}}}
	err := Save(context.Background(), logger.Discard, paths.Root(t.TempDir()), "m", 0, job, nil, t.TempDir())
	require.Error(t, err)
}
