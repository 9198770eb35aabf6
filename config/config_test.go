package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kochi-hpc/kochi/installer"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestStringListScalarOrList(t *testing.T) {
	t.Parallel()
	var one struct {
		S StringList `yaml:"s"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(`s: echo hi`), &one))
	assert.Equal(t, StringList{"echo hi"}, one.S)

	var many struct {
		S StringList `yaml:"s"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("s:\n  - a\n  - b"), &many))
	assert.Equal(t, StringList{"a", "b"}, many.S)

	var bad struct {
		S StringList `yaml:"s"`
	}
	require.Error(t, yaml.Unmarshal([]byte("s:\n  k: v"), &bad))
}

func TestLoadEnvScriptForms(t *testing.T) {
	t.Parallel()
	var scalar LoadEnvScript
	require.NoError(t, yaml.Unmarshal([]byte(`module load gcc`), &scalar))
	assert.Equal(t, StringList{"module load gcc"}, scalar.OnLoginNode)
	assert.Equal(t, StringList{"module load gcc"}, scalar.OnMachine)

	var split LoadEnvScript
	require.NoError(t, yaml.Unmarshal([]byte("on_login_node: a\non_machine:\n  - b\n  - c"), &split))
	assert.Equal(t, StringList{"a"}, split.OnLoginNode)
	assert.Equal(t, StringList{"b", "c"}, split.OnMachine)
}

func TestMachineLoadEnvScriptsPrefixRoot(t *testing.T) {
	t.Parallel()
	m := Machine{
		KochiRoot:     "/work/kochi",
		LoadEnvScript: LoadEnvScript{OnLoginNode: StringList{"module load git"}},
	}
	assert.Equal(t, []string{"export KOCHI_ROOT=/work/kochi", "module load git"}, m.LoadEnvLoginScript())
	assert.Equal(t, []string{"export KOCHI_ROOT=/work/kochi"}, m.LoadEnvMachineScript())

	bare := Machine{LoadEnvScript: LoadEnvScript{OnMachine: StringList{"true"}}}
	assert.Equal(t, []string{"true"}, bare.LoadEnvMachineScript())
}

const sampleConfig = `
machines:
  cluster:
    login_host: cluster.example.com
    work_dir: /work
    kochi_root: /work/.kochi
dependencies:
  mylib:
    git: git@example.com:me/mylib.git
    envs:
      CC: gcc
    before_script: cd mylib
    after_script: make install
    depends:
      - name: base
        recipe: main
    recipes:
      release:
        script: make release
        envs:
          CFLAGS: -O3
      debug:
        branch: dev
        current_state: true
        script:
          - make debug
        depends:
          - name: dbg-tool
            recipe: main
            machines: [cluster]
  scriptless:
    recipes:
      main: {}
`

func TestLoadAndResolve(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeFile(t, sampleConfig))
	require.NoError(t, err)

	m, err := cfg.Machine("cluster")
	require.NoError(t, err)
	assert.Equal(t, "cluster.example.com", m.LoginHost)
	_, err = cfg.Machine("nope")
	require.Error(t, err)
	assert.ElementsMatch(t, []string{"cluster"}, cfg.MachineList())

	r, err := cfg.Resolve("mylib", "release")
	require.NoError(t, err)
	assert.Equal(t, "git@example.com:me/mylib.git", r.Git)
	assert.Equal(t, []string{"cd mylib", "make release", "make install"}, r.Script,
		"before/script/after concatenate with recipe overriding the middle")
	assert.Equal(t, map[string]string{"CC": "gcc", "CFLAGS": "-O3"}, r.Envs)
	assert.False(t, r.CurrentState)

	d, err := cfg.Resolve("mylib", "debug")
	require.NoError(t, err)
	assert.Equal(t, "dev", d.Branch)
	assert.True(t, d.CurrentState)
	assert.Equal(t, []installer.Dependency{
		{Name: "base", Recipe: "main"},
		{Name: "dbg-tool", Recipe: "main"},
	}, d.RecipeDependencies("cluster"))
	assert.Equal(t, []installer.Dependency{
		{Name: "base", Recipe: "main"},
	}, d.RecipeDependencies("laptop"), "machine-filtered depends drop out elsewhere")
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeFile(t, sampleConfig))
	require.NoError(t, err)

	_, err = cfg.Resolve("nope", "release")
	require.Error(t, err)
	_, err = cfg.Resolve("mylib", "nope")
	require.Error(t, err)

	_, err = cfg.Resolve("scriptless", "main")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no installation script")
}
