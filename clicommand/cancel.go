package clicommand

import (
	"github.com/urfave/cli"

	"github.com/kochi-hpc/kochi/canceler"
)

const cancelHelpDescription = `Usage:

   kochi cancel <job-id> [job-id...] [options...]

Description:

   Requests cancellation of jobs by writing their cancel sentinel files. A
   waiting job immediately reads as canceled and is skipped when a worker
   pops it; a running job is interrupted by its worker within the cancel
   polling interval.

Example:

   $ kochi cancel 12 13 --machine cluster`

var CancelCommand = cli.Command{
	Name:        "cancel",
	Usage:       "Cancel waiting or running jobs",
	Description: cancelHelpDescription,
	Flags:       append([]cli.Flag{MachineFlag}, globalFlags()...),
	Action: func(c *cli.Context) error {
		l := createLogger(c)
		ids, err := parseJobIDs(c.Args())
		if err != nil {
			return exitWith(l, err)
		}
		root := rootDir(c)
		machine := c.String("machine")
		for _, id := range ids {
			if err := canceler.Cancel(root, machine, id); err != nil {
				return exitWith(l, err)
			}
			l.Notice("Requested cancellation of job %d on machine %s", id, machine)
		}
		return nil
	},
}
