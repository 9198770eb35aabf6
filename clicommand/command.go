// Package clicommand defines the kochi subcommands. Each command is a
// urfave/cli Command var with its flags and action; shared flags and the
// logger setup live here.
package clicommand

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/urfave/cli"

	"github.com/kochi-hpc/kochi/config"
	"github.com/kochi-hpc/kochi/installer"
	"github.com/kochi-hpc/kochi/logger"
	"github.com/kochi-hpc/kochi/paths"
)

var (
	DebugFlag = cli.BoolFlag{
		Name:   "debug",
		Usage:  "Enable debug output",
		EnvVar: "KOCHI_DEBUG",
	}

	LogLevelFlag = cli.StringFlag{
		Name:   "log-level",
		Value:  "notice",
		Usage:  "Set the log level, either debug, info, notice, warn or error",
		EnvVar: "KOCHI_LOG_LEVEL",
	}

	NoColorFlag = cli.BoolFlag{
		Name:   "no-color",
		Usage:  "Don't show colors in logging",
		EnvVar: "KOCHI_NO_COLOR",
	}

	RootFlag = cli.StringFlag{
		Name:   "root",
		Usage:  "The kochi state directory (defaults to ~/.kochi)",
		EnvVar: "KOCHI_ROOT",
	}

	ConfigFlag = cli.StringFlag{
		Name:   "config",
		Usage:  "Path to the kochi config file (defaults to <root>/config.yaml)",
		EnvVar: "KOCHI_CONFIG",
	}

	MachineFlag = cli.StringFlag{
		Name:   "machine, m",
		Value:  "local",
		Usage:  "The machine the command applies to",
		EnvVar: "KOCHI_MACHINE",
	}
)

func globalFlags() []cli.Flag {
	return []cli.Flag{DebugFlag, LogLevelFlag, NoColorFlag, RootFlag}
}

func createLogger(c *cli.Context) logger.Logger {
	level := logger.NOTICE
	if l, err := logger.LevelFromString(c.String("log-level")); err == nil {
		level = l
	}
	if c.Bool("debug") {
		level = logger.DEBUG
	}
	l := logger.NewTextLogger()
	l.SetLevel(level)
	if c.Bool("no-color") {
		l.Colors = false
	}
	return l
}

func rootDir(c *cli.Context) paths.Root {
	if r := c.String("root"); r != "" {
		return paths.Root(r)
	}
	return paths.DefaultRoot()
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		path = filepath.Join(string(rootDir(c)), "config.yaml")
	}
	return config.Load(path)
}

// parseDependency parses a "name:recipe" argument.
func parseDependency(arg string) (installer.Dependency, error) {
	name, recipe, ok := strings.Cut(arg, ":")
	if !ok || name == "" || recipe == "" {
		return installer.Dependency{}, fmt.Errorf("%q is not of the form name:recipe", arg)
	}
	return installer.Dependency{Name: name, Recipe: recipe}, nil
}

// parseJobIDs parses numeric job id arguments.
func parseJobIDs(args []string) ([]int, error) {
	ids := make([]int, 0, len(args))
	for _, arg := range args {
		id, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("%q is not a job id", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func exitWith(l logger.Logger, err error) error {
	if err == nil {
		return nil
	}
	l.Error("%v", err)
	os.Exit(1)
	return nil
}
