package clicommand

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/kochi-hpc/kochi/worker"
)

const workHelpDescription = `Usage:

   kochi work --queue <queue> [options...]

Description:

   Starts a worker that pops jobs off a queue on this machine and runs them.
   Without --blocking the worker exits once the queue drains; with it the
   worker keeps polling until interrupted.

   Each worker claims a fresh id, maintains a heartbeat file so stale
   workers can be told apart from live ones, and tees its output into the
   per-worker log.

Example:

   $ kochi work --queue node_1 --blocking`

var WorkCommand = cli.Command{
	Name:        "work",
	Usage:       "Start a worker on a queue",
	Description: workHelpDescription,
	Flags: append([]cli.Flag{
		MachineFlag,
		cli.StringFlag{
			Name:   "queue, q",
			Usage:  "The queue to pop jobs from",
			EnvVar: "KOCHI_QUEUE",
		},
		cli.BoolFlag{
			Name:  "blocking, b",
			Usage: "Keep polling after the queue drains",
		},
		cli.IntFlag{
			Name:  "worker-id",
			Value: -1,
			Usage: "Reuse a pre-claimed worker id instead of claiming a fresh one",
		},
		cli.DurationFlag{
			Name:  "heartbeat-interval",
			Value: 3 * time.Second,
			Usage: "How often the heartbeat file is refreshed",
		},
	}, globalFlags()...),
	Action: func(c *cli.Context) error {
		l := createLogger(c)
		queue := c.String("queue")
		if queue == "" {
			return exitWith(l, fmt.Errorf("a queue is required (--queue)"))
		}
		root := rootDir(c)
		machine := c.String("machine")

		workerID, err := worker.Init(root, machine, queue, c.Int("worker-id"))
		if err != nil {
			return exitWith(l, err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := worker.Options{
			Machine:           machine,
			Queue:             queue,
			Blocking:          c.Bool("blocking"),
			HeartbeatInterval: c.Duration("heartbeat-interval"),
		}
		return exitWith(l, worker.Start(ctx, l, root, workerID, opts, os.Stdout))
	},
}
