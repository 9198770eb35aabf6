package clicommand

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/kochi-hpc/kochi/heartbeat"
	"github.com/kochi-hpc/kochi/jobstore"
	"github.com/kochi-hpc/kochi/lockedfile"
	"github.com/kochi-hpc/kochi/worker"
)

var ShowJobCommand = cli.Command{
	Name:      "job",
	Usage:     "Show the detailed state of one job",
	ArgsUsage: "<job-id>",
	Flags:     append([]cli.Flag{MachineFlag}, globalFlags()...),
	Action: func(c *cli.Context) error {
		l := createLogger(c)
		ids, err := parseJobIDs(c.Args())
		if err != nil || len(ids) != 1 {
			return exitWith(l, fmt.Errorf("expected exactly one job id"))
		}
		root := rootDir(c)
		machine := c.String("machine")
		s := jobstore.Get(root, machine, ids[0])
		if s.RunningState == jobstore.Invalid {
			return exitWith(l, fmt.Errorf("no state for job %d on machine %s", ids[0], machine))
		}
		jobstore.ShowDetail(os.Stdout, machine, ids[0], s)
		return nil
	},
}

var ShowJobsCommand = cli.Command{
	Name:  "jobs",
	Usage: "List known jobs on a machine",
	Flags: append([]cli.Flag{MachineFlag}, globalFlags()...),
	Action: func(c *cli.Context) error {
		l := createLogger(c)
		root := rootDir(c)
		machine := c.String("machine")

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"ID", "Name", "Queue", "State", "Worker"})
		table.SetBorder(false)
		for _, id := range idRange(root.JobMinActive(machine), root.JobCounter(machine)) {
			s := jobstore.Get(root, machine, id)
			if s.RunningState == jobstore.Invalid {
				continue
			}
			table.Append([]string{
				fmt.Sprint(id), s.Name, s.Queue, s.RunningState.String(), fmt.Sprint(s.WorkerID),
			})
		}
		table.Render()
		return exitWith(l, nil)
	},
}

var ShowWorkersCommand = cli.Command{
	Name:  "workers",
	Usage: "List known workers on a machine",
	Flags: append([]cli.Flag{MachineFlag}, globalFlags()...),
	Action: func(c *cli.Context) error {
		l := createLogger(c)
		root := rootDir(c)
		machine := c.String("machine")

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"ID", "Queue", "State"})
		table.SetBorder(false)
		for _, id := range idRange(root.WorkerMinActive(machine), root.WorkerCounter(machine)) {
			s := worker.GetState(root, machine, id)
			if s.RunningState == heartbeat.Invalid {
				continue
			}
			table.Append([]string{fmt.Sprint(id), s.Queue, s.RunningState.String()})
		}
		table.Render()
		return exitWith(l, nil)
	},
}

var ShowLogCommand = cli.Command{
	Name:      "log",
	Usage:     "Print the log of one job",
	ArgsUsage: "<job-id>",
	Flags: append([]cli.Flag{
		MachineFlag,
		cli.BoolFlag{
			Name:  "worker, w",
			Usage: "Show a worker log instead of a job log",
		},
	}, globalFlags()...),
	Action: func(c *cli.Context) error {
		l := createLogger(c)
		ids, err := parseJobIDs(c.Args())
		if err != nil || len(ids) != 1 {
			return exitWith(l, fmt.Errorf("expected exactly one id"))
		}
		root := rootDir(c)
		machine := c.String("machine")
		path := root.JobLog(machine, ids[0])
		if c.Bool("worker") {
			path = root.WorkerLog(machine, ids[0])
		}
		f, err := os.Open(path)
		if err != nil {
			return exitWith(l, fmt.Errorf("no log at %s", path))
		}
		defer f.Close()
		_, err = io.Copy(os.Stdout, f)
		return exitWith(l, err)
	},
}

var WatchCommand = cli.Command{
	Name:      "watch",
	Usage:     "Tail worker logs until the workers terminate",
	ArgsUsage: "<worker-id> [worker-id...]",
	Flags:     append([]cli.Flag{MachineFlag}, globalFlags()...),
	Action: func(c *cli.Context) error {
		l := createLogger(c)
		ids, err := parseJobIDs(c.Args())
		if err != nil || len(ids) == 0 {
			return exitWith(l, fmt.Errorf("at least one worker id is required"))
		}
		root := rootDir(c)
		return exitWith(l, worker.Watch(context.Background(), root, c.String("machine"), ids, os.Stdout))
	},
}

// idRange lists the ids between the min-active counter and the allocation
// counter. Both counters missing means nothing was ever created.
func idRange(minPath, counterPath string) []int {
	lo, err := lockedfile.FetchCounter(minPath)
	if err != nil {
		lo = 0
	}
	hi, err := lockedfile.FetchCounter(counterPath)
	if err != nil {
		return nil
	}
	ids := make([]int, 0, hi-lo)
	for id := lo; id < hi; id++ {
		ids = append(ids, id)
	}
	return ids
}
