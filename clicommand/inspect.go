package clicommand

import (
	"context"
	"fmt"

	"github.com/urfave/cli"

	"github.com/kochi-hpc/kochi/inspectd"
	"github.com/kochi-hpc/kochi/shell"
)

var InspectCommand = cli.Command{
	Name:      "inspect",
	Usage:     "Open a shell inside a running worker's workspace",
	ArgsUsage: "<worker-id>",
	Flags:     append([]cli.Flag{MachineFlag}, globalFlags()...),
	Action: func(c *cli.Context) error {
		l := createLogger(c)
		ids, err := parseJobIDs(c.Args())
		if err != nil || len(ids) != 1 {
			return exitWith(l, fmt.Errorf("expected exactly one worker id"))
		}
		sh, err := shell.New(shell.WithLogger(l))
		if err != nil {
			return exitWith(l, err)
		}
		return exitWith(l, inspectd.Login(context.Background(), sh, rootDir(c), c.String("machine"), ids[0]))
	},
}
