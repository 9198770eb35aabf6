package clicommand

import (
	"context"
	"fmt"

	"github.com/urfave/cli"

	"github.com/kochi-hpc/kochi/artifact"
	"github.com/kochi-hpc/kochi/gitctx"
	"github.com/kochi-hpc/kochi/shell"
)

const artifactInitHelpDescription = `Usage:

   kochi artifact init <worktree-path>

Description:

   Creates the orphan artifact branch for the current project and checks it
   out as a git worktree at the given path. Run once per project, inside
   the project repository.

Example:

   $ kochi artifact init ../my-project-artifacts`

var ArtifactInitCommand = cli.Command{
	Name:        "init",
	Usage:       "Create the artifact branch and its worktree",
	Description: artifactInitHelpDescription,
	Flags:       globalFlags(),
	Action: func(c *cli.Context) error {
		l := createLogger(c)
		if c.NArg() != 1 {
			return exitWith(l, fmt.Errorf("a worktree path is required"))
		}
		sh, err := shell.New(shell.WithLogger(l))
		if err != nil {
			return exitWith(l, err)
		}
		return exitWith(l, artifact.Init(context.Background(), sh, c.Args().Get(0)))
	},
}

var ArtifactEnsureCommand = cli.Command{
	Name:  "ensure-machine",
	Usage: "Make sure the artifact branch for a machine exists",
	Flags: append([]cli.Flag{
		MachineFlag,
		cli.StringFlag{
			Name:  "destination",
			Usage: "Git remote the machine branch is pushed to (defaults to the machine-local artifact mirror)",
		},
	}, globalFlags()...),
	Action: func(c *cli.Context) error {
		l := createLogger(c)
		ctx := context.Background()
		sh, err := shell.New(shell.WithLogger(l))
		if err != nil {
			return exitWith(l, err)
		}
		dest := c.String("destination")
		if dest == "" {
			toplevel, err := sh.RunAndCapture(ctx, "git", "rev-parse", "--show-toplevel")
			if err != nil {
				return exitWith(l, fmt.Errorf("not inside a git repository: %w", err))
			}
			dest = rootDir(c).ProjectArtifactGit(gitctx.RepoName(toplevel))
		}
		return exitWith(l, artifact.EnsureMachineBranch(ctx, sh, c.String("machine"), dest))
	},
}

var ArtifactSyncCommand = cli.Command{
	Name:  "sync",
	Usage: "Merge a machine's artifact branch into the master artifact branch",
	Flags: append([]cli.Flag{MachineFlag}, globalFlags()...),
	Action: func(c *cli.Context) error {
		l := createLogger(c)
		sh, err := shell.New(shell.WithLogger(l))
		if err != nil {
			return exitWith(l, err)
		}
		return exitWith(l, artifact.Sync(context.Background(), sh, c.String("machine")))
	},
}
