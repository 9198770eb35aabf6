package clicommand

import (
	"context"

	"github.com/urfave/cli"

	"github.com/kochi-hpc/kochi/gitctx"
	"github.com/kochi-hpc/kochi/shell"
)

var ProjectSyncCommand = cli.Command{
	Name:  "sync",
	Usage: "Push the current repository's refs to its machine-local mirror",
	Flags: globalFlags(),
	Action: func(c *cli.Context) error {
		l := createLogger(c)
		sh, err := shell.New(shell.WithLogger(l))
		if err != nil {
			return exitWith(l, err)
		}
		return exitWith(l, gitctx.Sync(context.Background(), sh, rootDir(c)))
	},
}
