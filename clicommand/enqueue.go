package clicommand

import (
	"context"
	"fmt"

	"github.com/urfave/cli"

	"github.com/kochi-hpc/kochi/config"
	"github.com/kochi-hpc/kochi/gitctx"
	"github.com/kochi-hpc/kochi/jobqueue"
	"github.com/kochi-hpc/kochi/params"
	"github.com/kochi-hpc/kochi/shell"
)

const enqueueHelpDescription = `Usage:

   kochi enqueue <batch> [options...]

Description:

   Enqueues the jobs of a batch defined in the project's job file. The
   current git working state (HEAD plus uncommitted changes) is captured as
   the job context and replayed by whichever worker runs each job.

   List-valued parameters expand into one job per combination, so a batch
   with params {x: [1,2], y: [a,b]} enqueues four jobs per duplicate.

Example:

   $ kochi enqueue strong_scaling --machine cluster`

var EnqueueCommand = cli.Command{
	Name:        "enqueue",
	Usage:       "Enqueue a batch of jobs defined in the project's job file",
	Description: enqueueHelpDescription,
	Flags: append([]cli.Flag{
		MachineFlag,
		cli.StringFlag{
			Name:   "job-file, f",
			Value:  "kochi.yaml",
			Usage:  "Path to the job file",
			EnvVar: "KOCHI_JOB_FILE",
		},
		cli.StringFlag{
			Name:   "git-remote",
			Usage:  "Git remote workers clone the project from (defaults to the machine-local mirror)",
			EnvVar: "KOCHI_GIT_REMOTE",
		},
		cli.StringFlag{
			Name:  "queue, q",
			Usage: "Override the batch queue",
		},
		cli.IntFlag{
			Name:  "duplicates, d",
			Usage: "Override the number of duplicates per parameter combination",
		},
	}, globalFlags()...),
	Action: func(c *cli.Context) error {
		l := createLogger(c)
		if c.NArg() != 1 {
			return exitWith(l, fmt.Errorf("expected exactly one batch name, got %d arguments", c.NArg()))
		}
		ctx := context.Background()
		root := rootDir(c)
		machine := c.String("machine")

		jf, err := config.LoadJobFile(c.String("job-file"))
		if err != nil {
			return exitWith(l, err)
		}
		template, duplicates, err := jf.BatchJob(c.Args().Get(0), machine)
		if err != nil {
			return exitWith(l, err)
		}
		if q := c.String("queue"); q != "" {
			template.Queue = q
		}
		if d := c.Int("duplicates"); d > 0 {
			duplicates = d
		}

		sh, err := shell.New(shell.WithLogger(l))
		if err != nil {
			return exitWith(l, err)
		}
		gctx, err := gitctx.Capture(ctx, sh, c.String("git-remote"))
		if err != nil {
			return exitWith(l, err)
		}
		template.Project = gctx.Project
		template.Context = gctx
		if gctx.GitRemote == "" {
			// Workers clone from the machine-local mirror, so it has to
			// contain the captured reference.
			if err := gitctx.Sync(ctx, sh, root); err != nil {
				return exitWith(l, err)
			}
		}

		count := 0
		for _, combo := range params.Product(template.Params) {
			for range duplicates {
				job := *template
				job.Params = combo
				pushed, err := jobqueue.Push(root, &job)
				if err != nil {
					return exitWith(l, err)
				}
				l.Info("Enqueued job %s (ID=%d) on %s/%s", pushed.Name, pushed.ID, machine, pushed.Queue)
				count++
			}
		}
		l.Notice("Enqueued %d job(s) on queue %s", count, template.Queue)
		return nil
	},
}
