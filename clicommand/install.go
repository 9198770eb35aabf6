package clicommand

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/kochi-hpc/kochi/config"
	"github.com/kochi-hpc/kochi/gitctx"
	"github.com/kochi-hpc/kochi/installer"
	"github.com/kochi-hpc/kochi/shell"
)

const installHelpDescription = `Usage:

   kochi install <name>:<recipe> [name:recipe...] [options...]

Description:

   Installs dependency recipes defined in the kochi config into their
   stamped prefixes on a machine. Each recipe's dependencies are checked
   for staleness first, so an install against an outdated dependency fails
   loudly instead of silently linking stale code.

Example:

   $ kochi install openmpi:v5 my-lib:develop --machine cluster`

var InstallCommand = cli.Command{
	Name:        "install",
	Usage:       "Install dependency recipes on a machine",
	Description: installHelpDescription,
	Flags:       append([]cli.Flag{MachineFlag, ConfigFlag}, globalFlags()...),
	Action: func(c *cli.Context) error {
		l := createLogger(c)
		if c.NArg() == 0 {
			return exitWith(l, fmt.Errorf("at least one name:recipe argument is required"))
		}
		ctx := context.Background()
		root := rootDir(c)
		machine := c.String("machine")

		cfg, err := loadConfig(c)
		if err != nil {
			return exitWith(l, err)
		}

		for _, arg := range c.Args() {
			dep, err := parseDependency(arg)
			if err != nil {
				return exitWith(l, err)
			}
			r, err := cfg.Resolve(dep.Name, dep.Recipe)
			if err != nil {
				return exitWith(l, err)
			}
			gctx, err := recipeContext(ctx, r)
			if err != nil {
				return exitWith(l, err)
			}
			conf := installer.Conf{
				Project:        gctx.ProjectOr(dep.Name),
				Dependency:     dep.Name,
				Recipe:         dep.Recipe,
				OnMachine:      r.OnMachine,
				RecipeDeps:     r.RecipeDependencies(machine),
				Context:        gctx.Context,
				Envs:           r.Envs,
				ActivateScript: r.ActivateScript,
				Script:         r.Script,
			}
			if err := installer.Install(ctx, l, root, conf, machine, os.Stdout); err != nil {
				return exitWith(l, err)
			}
		}
		return nil
	},
}

// recipeCtx pairs an optional context with a fallback project name for
// recipes that install without any source repository.
type recipeCtx struct {
	Context *gitctx.Context
}

func (r recipeCtx) ProjectOr(fallback string) string {
	if r.Context != nil {
		return r.Context.Project
	}
	return fallback
}

// recipeContext derives the install context from the recipe config: the
// current working state when current_state is set, a pinned reference when
// a git source is named, or none at all.
func recipeContext(ctx context.Context, r config.ResolvedRecipe) (recipeCtx, error) {
	if r.CurrentState {
		sh, err := shell.New()
		if err != nil {
			return recipeCtx{}, err
		}
		captured, err := gitctx.Capture(ctx, sh, r.Git)
		if err != nil {
			return recipeCtx{}, fmt.Errorf("recipe %s:%s wants the current git state: %w", r.Dependency, r.Recipe, err)
		}
		return recipeCtx{Context: captured}, nil
	}
	if r.Git == "" {
		return recipeCtx{}, nil
	}
	ref := r.CommitHash
	if ref == "" {
		ref = r.Branch
	}
	if ref == "" {
		ref = "HEAD"
	}
	return recipeCtx{Context: &gitctx.Context{
		Project:   gitctx.RepoName(r.Git),
		GitRemote: r.Git,
		Reference: ref,
	}}, nil
}
