package worker

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/kochi-hpc/kochi/artifact"
	"github.com/kochi-hpc/kochi/canceler"
	"github.com/kochi-hpc/kochi/env"
	"github.com/kochi-hpc/kochi/gitctx"
	"github.com/kochi-hpc/kochi/installer"
	"github.com/kochi-hpc/kochi/internal/banner"
	"github.com/kochi-hpc/kochi/internal/tee"
	"github.com/kochi-hpc/kochi/jobstore"
	"github.com/kochi-hpc/kochi/logger"
	"github.com/kochi-hpc/kochi/params"
	"github.com/kochi-hpc/kochi/paths"
	"github.com/kochi-hpc/kochi/shell"
)

// runJob executes one popped job: replay its context into the workspace,
// resolve parameters, run the build phase when the build cache is invalid,
// run the run phase, and publish artifacts on success. The returned bool
// reports whether the build phase completed without error.
func runJob(ctx context.Context, l logger.Logger, root paths.Root, workerID int, opts Options, workspace string, job *jobstore.Job, execBuild bool, out io.Writer) (bool, error) {
	abort := func(err error) (bool, error) {
		_ = jobstore.OnFinish(root, opts.Machine, job.ID, jobstore.Aborted)
		return false, err
	}

	depEnvs, err := installer.DepsEnv(root, job.Project, opts.Machine, job.Dependencies)
	if err != nil {
		return abort(err)
	}

	sh, err := shell.New(shell.WithLogger(l), shell.WithWD(workspace))
	if err != nil {
		return abort(err)
	}
	if err := gitctx.Replay(ctx, sh, job.Context, root); err != nil {
		return abort(fmt.Errorf("replaying context for job %d: %w", job.ID, err))
	}

	t, err := tee.New(root.JobLog(opts.Machine, job.ID), out)
	if err != nil {
		return abort(err)
	}
	defer t.Close()
	w := t.Writer()

	banner.Printf(w, banner.Blue, "Kochi job %s (ID=%d) started on machine %s (worker %d).", job.Name, job.ID, opts.Machine, workerID)
	banner.Rule(w, banner.Blue, "-")
	defer banner.Rule(w, banner.Blue, "-")

	resolved, err := params.Substitute(ctx, sh, job.Params)
	if err != nil {
		banner.Printf(w, banner.Red, "Kochi job %s (ID=%d) failed: %v", job.Name, job.ID, err)
		return abort(err)
	}
	buildParams := params.Filter(resolved, job.BuildConf.DependParams)
	runParams := params.Filter(resolved, job.RunConf.DependParams)

	baseEnv := map[string]string{
		"KOCHI_MACHINE":   opts.Machine,
		"KOCHI_WORKER_ID": strconv.Itoa(workerID),
		"KOCHI_QUEUE":     opts.Queue,
		"KOCHI_JOB_ID":    strconv.Itoa(job.ID),
		"KOCHI_JOB_NAME":  job.Name,
	}
	for k, v := range depEnvs {
		baseEnv[k] = v
	}

	err = jobstore.OnStart(root, opts.Machine, job.ID, jobstore.StartInfo{
		WorkerID:      workerID,
		Envs:          baseEnv,
		BuildExecuted: execBuild,
		BuildParams:   buildParams,
		BuildScript:   job.BuildConf.Script,
		RunParams:     runParams,
		RunScript:     job.RunConf.Script,
	})
	if err != nil {
		return abort(err)
	}

	cw := canceler.Watch(l, root, opts.Machine, job.ID, opts.CancelInterval, sh.Interrupt)
	defer cw.Close()

	// The cancel sentinel is the sole discriminator: a script that dies to a
	// signal without a cancel request is an abort, not a cancellation.
	outcome := func() jobstore.RunningState {
		if canceler.Requested(root, opts.Machine, job.ID) {
			return jobstore.Canceled
		}
		return jobstore.Aborted
	}

	if execBuild {
		if err := runPhase(ctx, sh, w, baseEnv, resolved, job.ActivateScript, job.BuildConf); err != nil {
			rs := outcome()
			banner.Printf(w, banner.Red, "Kochi job %s (ID=%d) %s during build: %v", job.Name, job.ID, rs, err)
			_ = jobstore.OnFinish(root, opts.Machine, job.ID, rs)
			return false, err
		}
	}

	if err := runPhase(ctx, sh, w, baseEnv, resolved, job.ActivateScript, job.RunConf); err != nil {
		rs := outcome()
		banner.Printf(w, banner.Red, "Kochi job %s (ID=%d) %s: %v", job.Name, job.ID, rs, err)
		_ = jobstore.OnFinish(root, opts.Machine, job.ID, rs)
		return true, err
	}

	if err := jobstore.OnFinish(root, opts.Machine, job.ID, jobstore.Terminated); err != nil {
		return true, err
	}
	banner.Printf(w, banner.Blue, "Kochi job %s (ID=%d) finished.", job.Name, job.ID)

	if job.Context != nil && len(job.ArtifactsSpec) > 0 {
		if err := artifact.Save(ctx, l, root, opts.Machine, workerID, job, runParams, sh.Getwd()); err != nil {
			// The job itself succeeded; losing artifacts is loud but not fatal.
			l.Error("Saving artifacts for job %d: %v", job.ID, err)
		}
	}
	return true, nil
}

// runPhase runs one phase script prefixed by the activate script, with the
// phase's declared parameters exposed as KOCHI_PARAM_<NAME>.
func runPhase(ctx context.Context, sh *shell.Shell, w io.Writer, baseEnv map[string]string, resolved map[string]any, activate []string, phase jobstore.PhaseConf) error {
	if len(phase.Script) == 0 {
		return nil
	}
	extra := env.FromMap(baseEnv)
	extra.Apply(params.Env(resolved, phase.DependParams))
	lines := append(append([]string{}, activate...), phase.Script...)
	return sh.RunScriptLines(ctx, extra, w, lines)
}
