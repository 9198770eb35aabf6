// Package installer builds dependency recipes into stamped install prefixes
// and records, for each install, a full state object including snapshots of
// the states of its transitive recipe dependencies. The snapshots are what
// makes staleness detectable: a re-installed dependency no longer matches
// the snapshot inside its dependents.
package installer

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kochi-hpc/kochi/codec"
	"github.com/kochi-hpc/kochi/env"
	"github.com/kochi-hpc/kochi/gitctx"
	"github.com/kochi-hpc/kochi/internal/banner"
	"github.com/kochi-hpc/kochi/internal/tee"
	"github.com/kochi-hpc/kochi/logger"
	"github.com/kochi-hpc/kochi/params"
	"github.com/kochi-hpc/kochi/paths"
	"github.com/kochi-hpc/kochi/shell"
)

// Dependency names a recipe variant of a dependency.
type Dependency struct {
	Name   string `cbor:"name"`
	Recipe string `cbor:"recipe"`
}

func (d Dependency) String() string {
	return d.Name + ":" + d.Recipe
}

// Conf describes one install.
type Conf struct {
	Project        string
	Dependency     string
	Recipe         string
	OnMachine      bool
	RecipeDeps     []Dependency
	Context        *gitctx.Context
	Envs           map[string]string
	ActivateScript []string
	Script         []string
}

// State is the persistent record of a completed install.
type State struct {
	Project         string            `cbor:"project"`
	Dependency      string            `cbor:"dependency"`
	Recipe          string            `cbor:"recipe"`
	OnMachine       bool              `cbor:"on_machine"`
	RecipeDepStates []State           `cbor:"recipe_dependency_states,omitempty"`
	Context         *gitctx.Context   `cbor:"context,omitempty"`
	Envs            map[string]string `cbor:"envs,omitempty"`
	ActivateScript  []string          `cbor:"activate_script,omitempty"`
	Script          []string          `cbor:"script,omitempty"`
	InstalledTime   int64             `cbor:"installed_time"`
	CommitHash      string            `cbor:"commit_hash,omitempty"`
}

// StaleError reports a dependency whose current install no longer matches
// the snapshot recorded when a dependent was installed.
type StaleError struct {
	Dependency   Dependency
	CurrentTime  int64
	SnapshotTime int64
	RequiredBy   Dependency
}

func (e *StaleError) Error() string {
	return fmt.Sprintf(
		"dependency %s was re-installed at %s, but %s was installed against the install of %s; re-install %s",
		e.Dependency,
		time.Unix(e.CurrentTime, 0).Format(time.RFC3339),
		e.RequiredBy,
		time.Unix(e.SnapshotTime, 0).Format(time.RFC3339),
		e.RequiredBy,
	)
}

// GetState loads the current install state of one dependency recipe. A
// missing or unreadable state means the recipe was never successfully
// installed, which is a loud failure.
func GetState(root paths.Root, project, machine string, dep Dependency) (State, error) {
	var s State
	path := root.InstallStateFile(project, machine, dep.Name, dep.Recipe)
	if err := codec.UnmarshalFromFile(path, &s); err != nil {
		return State{}, fmt.Errorf("no valid installation of %s for project %s on machine %s (try installing again): %w", dep, project, machine, err)
	}
	return s, nil
}

// CheckDependencies verifies that the named dependencies are installed and
// mutually consistent: for every transitive dependency, its current
// installed time must equal the time snapshotted inside each dependent.
// It returns the current states of the top-level dependencies.
func CheckDependencies(root paths.Root, project, machine string, deps []Dependency) ([]State, error) {
	states := make([]State, 0, len(deps))
	for _, dep := range deps {
		s, err := GetState(root, project, machine, dep)
		if err != nil {
			return nil, err
		}
		if err := checkSnapshots(root, project, machine, s); err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	return states, nil
}

// checkSnapshots recursively compares the snapshots inside a state against
// the current states on disk.
func checkSnapshots(root paths.Root, project, machine string, parent State) error {
	parentDep := Dependency{Name: parent.Dependency, Recipe: parent.Recipe}
	for _, snap := range parent.RecipeDepStates {
		dep := Dependency{Name: snap.Dependency, Recipe: snap.Recipe}
		current, err := GetState(root, project, machine, dep)
		if err != nil {
			return err
		}
		if current.InstalledTime != snap.InstalledTime {
			return &StaleError{
				Dependency:   dep,
				CurrentTime:  current.InstalledTime,
				SnapshotTime: snap.InstalledTime,
				RequiredBy:   parentDep,
			}
		}
		if err := checkSnapshots(root, project, machine, snap); err != nil {
			return err
		}
	}
	return nil
}

// DepsEnv returns the environment user scripts observe for the named
// dependencies: the install prefix and active recipe per dependency.
func DepsEnv(root paths.Root, project, machine string, deps []Dependency) (map[string]string, error) {
	envs := make(map[string]string, 2*len(deps))
	for _, dep := range deps {
		if _, err := GetState(root, project, machine, dep); err != nil {
			return nil, err
		}
		suffix := params.EnvName(dep.Name)
		envs["KOCHI_INSTALL_PREFIX_"+suffix] = root.InstallDir(project, machine, dep.Name, dep.Recipe)
		envs["KOCHI_RECIPE_"+suffix] = dep.Recipe
	}
	return envs, nil
}

// Install builds the recipe described by conf into its stamped prefix. The
// source tree is materialized in a scratch directory via context replay, the
// script runs with the dependency environment, and only a fully successful
// install writes a state file.
func Install(ctx context.Context, l logger.Logger, root paths.Root, conf Conf, machine string, out io.Writer) error {
	depStates, err := CheckDependencies(root, conf.Project, machine, conf.RecipeDeps)
	if err != nil {
		return err
	}
	depEnvs, err := DepsEnv(root, conf.Project, machine, conf.RecipeDeps)
	if err != nil {
		return err
	}

	prefix := root.InstallDir(conf.Project, machine, conf.Dependency, conf.Recipe)
	srcDir := root.InstallSrcDir(conf.Project, machine, conf.Dependency, conf.Recipe)
	for _, dir := range []string{prefix, srcDir} {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	defer os.RemoveAll(srcDir)

	sh, err := shell.New(shell.WithLogger(l), shell.WithWD(srcDir))
	if err != nil {
		return err
	}
	if err := gitctx.Replay(ctx, sh, conf.Context, root); err != nil {
		return fmt.Errorf("replaying context for %s:%s: %w", conf.Dependency, conf.Recipe, err)
	}

	t, err := tee.New(root.InstallLog(conf.Project, machine, conf.Dependency, conf.Recipe), out)
	if err != nil {
		return err
	}
	defer t.Close()
	w := t.Writer()

	banner.Printf(w, banner.Magenta, "Kochi installation for %s:%s started on machine %s.", conf.Dependency, conf.Recipe, machine)
	banner.Rule(w, banner.Magenta, "*")
	defer banner.Rule(w, banner.Magenta, "*")

	environ := sh.Env.Copy()
	environ.Set("KOCHI_MACHINE", machine)
	environ.Set("KOCHI_INSTALL_PREFIX", prefix)
	environ.Apply(depEnvs)
	environ.Apply(conf.Envs)

	lines := append(append([]string{}, conf.ActivateScript...), conf.Script...)
	if err := sh.RunScriptLines(ctx, environ, w, lines); err != nil {
		banner.Printf(w, banner.Red, "Kochi installation for %s:%s failed: %v", conf.Dependency, conf.Recipe, err)
		return fmt.Errorf("installing %s:%s: %w", conf.Dependency, conf.Recipe, err)
	}

	if err := onComplete(ctx, sh, root, conf, machine, depStates, environ); err != nil {
		return err
	}
	banner.Printf(w, banner.Magenta, "Kochi installation for %s:%s succeeded.", conf.Dependency, conf.Recipe)
	return nil
}

// onComplete snapshots the dependency states and writes this recipe's own
// state, stamping it with the resolved commit hash and the full effective
// environment.
func onComplete(ctx context.Context, sh *shell.Shell, root paths.Root, conf Conf, machine string, depStates []State, environ *env.Environment) error {
	commitHash := ""
	if conf.Context != nil {
		h, err := sh.RunAndCapture(ctx, "git", "rev-parse", conf.Context.Reference)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", conf.Context.Reference, err)
		}
		commitHash = h
	}
	state := State{
		Project:         conf.Project,
		Dependency:      conf.Dependency,
		Recipe:          conf.Recipe,
		OnMachine:       conf.OnMachine,
		RecipeDepStates: depStates,
		Context:         conf.Context,
		Envs:            environ.Dump(),
		ActivateScript:  conf.ActivateScript,
		Script:          conf.Script,
		InstalledTime:   time.Now().Unix(),
		CommitHash:      commitHash,
	}
	path := root.InstallStateFile(conf.Project, machine, conf.Dependency, conf.Recipe)
	return codec.MarshalToFile(path, state)
}
