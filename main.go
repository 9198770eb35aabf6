package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/kochi-hpc/kochi/clicommand"
	"github.com/kochi-hpc/kochi/version"
)

const appHelpTemplate = `Usage:

  {{.Name}} <command> [options...]

Available commands are:

  {{range .Commands}}{{.Name}}{{with .ShortName}}, {{.}}{{end}}{{ "\t" }}{{.Usage}}
  {{end}}
Use "{{.Name}} <command> --help" for more information about a command.

`

func main() {
	cli.AppHelpTemplate = appHelpTemplate

	app := cli.NewApp()
	app.Name = "kochi"
	app.Usage = "a job-execution harness for computational experiments on clusters"
	app.Version = version.FullVersion()
	app.Commands = clicommand.KochiCommands
	app.CommandNotFound = func(c *cli.Context, command string) {
		fmt.Fprintf(os.Stderr, "%s: %q is not a kochi command. See '%s --help'.\n", app.Name, command, app.Name)
		os.Exit(1)
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
