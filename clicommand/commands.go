package clicommand

import "github.com/urfave/cli"

var KochiCommands = []cli.Command{
	EnqueueCommand,
	WorkCommand,
	CancelCommand,
	InstallCommand,
	InspectCommand,
	WatchCommand,
	{
		Name:  "show",
		Usage: "Inspect jobs, workers and logs",
		Subcommands: []cli.Command{
			ShowJobCommand,
			ShowJobsCommand,
			ShowWorkersCommand,
			ShowLogCommand,
		},
	},
	{
		Name:  "artifact",
		Usage: "Manage the git branches job artifacts are published to",
		Subcommands: []cli.Command{
			ArtifactInitCommand,
			ArtifactEnsureCommand,
			ArtifactSyncCommand,
		},
	},
	{
		Name:  "project",
		Usage: "Manage machine-local project mirrors",
		Subcommands: []cli.Command{
			ProjectSyncCommand,
		},
	},
}
