package installer

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kochi-hpc/kochi/codec"
	"github.com/kochi-hpc/kochi/logger"
	"github.com/kochi-hpc/kochi/paths"
)

const (
	project = "proj"
	machine = "m"
)

// writeState plants an install state the way a completed Install would.
func writeState(t *testing.T, root paths.Root, s State) {
	t.Helper()
	dep := Dependency{Name: s.Dependency, Recipe: s.Recipe}
	dir := root.InstallDir(project, machine, dep.Name, dep.Recipe)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, codec.MarshalToFile(root.InstallStateFile(project, machine, dep.Name, dep.Recipe), s))
}

func TestDependencyString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "foo:main", Dependency{Name: "foo", Recipe: "main"}.String())
}

func TestGetStateMissing(t *testing.T) {
	t.Parallel()
	root := paths.Root(t.TempDir())
	_, err := GetState(root, project, machine, Dependency{Name: "foo", Recipe: "r"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no valid installation of foo:r")
}

func TestCheckDependenciesConsistent(t *testing.T) {
	t.Parallel()
	root := paths.Root(t.TempDir())
	foo := State{Project: project, Dependency: "foo", Recipe: "r", InstalledTime: 100}
	writeState(t, root, foo)
	writeState(t, root, State{
		Project: project, Dependency: "bar", Recipe: "r",
		RecipeDepStates: []State{foo},
		InstalledTime:   200,
	})

	states, err := CheckDependencies(root, project, machine, []Dependency{{Name: "bar", Recipe: "r"}})
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "bar", states[0].Dependency)
}

func TestCheckDependenciesStale(t *testing.T) {
	t.Parallel()
	root := paths.Root(t.TempDir())
	foo := State{Project: project, Dependency: "foo", Recipe: "r", InstalledTime: 100}
	writeState(t, root, foo)
	writeState(t, root, State{
		Project: project, Dependency: "bar", Recipe: "r",
		RecipeDepStates: []State{foo},
		InstalledTime:   200,
	})
	// Reinstalling foo invalidates the snapshot inside bar.
	writeState(t, root, State{Project: project, Dependency: "foo", Recipe: "r", InstalledTime: 300})

	_, err := CheckDependencies(root, project, machine, []Dependency{{Name: "bar", Recipe: "r"}})
	var stale *StaleError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, Dependency{Name: "foo", Recipe: "r"}, stale.Dependency)
	assert.Equal(t, Dependency{Name: "bar", Recipe: "r"}, stale.RequiredBy)
	assert.Equal(t, int64(300), stale.CurrentTime)
	assert.Equal(t, int64(100), stale.SnapshotTime)
	assert.Contains(t, stale.Error(), "re-install bar:r")
}

func TestCheckDependenciesTransitiveStale(t *testing.T) {
	t.Parallel()
	root := paths.Root(t.TempDir())
	base := State{Project: project, Dependency: "base", Recipe: "r", InstalledTime: 10}
	writeState(t, root, base)
	mid := State{
		Project: project, Dependency: "mid", Recipe: "r",
		RecipeDepStates: []State{base},
		InstalledTime:   20,
	}
	writeState(t, root, mid)
	writeState(t, root, State{
		Project: project, Dependency: "top", Recipe: "r",
		RecipeDepStates: []State{mid},
		InstalledTime:   30,
	})
	writeState(t, root, State{Project: project, Dependency: "base", Recipe: "r", InstalledTime: 40})

	_, err := CheckDependencies(root, project, machine, []Dependency{{Name: "top", Recipe: "r"}})
	var stale *StaleError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "base", stale.Dependency.Name)
}

func TestCheckDependenciesMissingDependency(t *testing.T) {
	t.Parallel()
	root := paths.Root(t.TempDir())
	_, err := CheckDependencies(root, project, machine, []Dependency{{Name: "ghost", Recipe: "r"}})
	require.Error(t, err)
	assert.False(t, errors.As(err, new(*StaleError)), "missing is not stale")
}

func TestDepsEnv(t *testing.T) {
	t.Parallel()
	root := paths.Root(t.TempDir())
	writeState(t, root, State{Project: project, Dependency: "my-lib", Recipe: "debug", InstalledTime: 1})

	envs, err := DepsEnv(root, project, machine, []Dependency{{Name: "my-lib", Recipe: "debug"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"KOCHI_INSTALL_PREFIX_MY_LIB": root.InstallDir(project, machine, "my-lib", "debug"),
		"KOCHI_RECIPE_MY_LIB":         "debug",
	}, envs)

	_, err = DepsEnv(root, project, machine, []Dependency{{Name: "absent", Recipe: "r"}})
	require.Error(t, err)
}

func TestInstallRunsScriptAndWritesState(t *testing.T) {
	t.Parallel()
	root := paths.Root(t.TempDir())
	conf := Conf{
		Project:    project,
		Dependency: "tool",
		Recipe:     "main",
		Envs:       map[string]string{"GREETING": "hello"},
		Script: []string{
			`echo "$GREETING" > "$KOCHI_INSTALL_PREFIX/greeting.txt"`,
		},
	}
	require.NoError(t, Install(t.Context(), logger.Discard, root, conf, machine, io.Discard))

	got, err := os.ReadFile(filepath.Join(root.InstallDir(project, machine, "tool", "main"), "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(got))

	s, err := GetState(root, project, machine, Dependency{Name: "tool", Recipe: "main"})
	require.NoError(t, err)
	assert.Equal(t, "tool", s.Dependency)
	assert.NotZero(t, s.InstalledTime)
	assert.Equal(t, conf.Script, s.Script)
	assert.Contains(t, s.Envs, "KOCHI_INSTALL_PREFIX")

	// The scratch source directory is cleaned up after the install.
	_, err = os.Stat(root.InstallSrcDir(project, machine, "tool", "main"))
	assert.True(t, os.IsNotExist(err))
}

func TestInstallFailureLeavesNoState(t *testing.T) {
	t.Parallel()
	root := paths.Root(t.TempDir())
	conf := Conf{
		Project:    project,
		Dependency: "tool",
		Recipe:     "broken",
		Script:     []string{"exit 7"},
	}
	err := Install(t.Context(), logger.Discard, root, conf, machine, io.Discard)
	require.Error(t, err)

	_, err = GetState(root, project, machine, Dependency{Name: "tool", Recipe: "broken"})
	require.Error(t, err, "a failed install must not be considered installed")
}
