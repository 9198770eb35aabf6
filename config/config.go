// Package config decodes the two YAML surfaces kochi reads: the user config
// (machines and dependency recipes) and per-project job files (defaults,
// build/run phases, batches). Everything is decoded once into plain structs
// and passed to collaborators.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kochi-hpc/kochi/installer"
)

// StringList accepts either a YAML scalar or a sequence of scalars.
type StringList []string

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var ss []string
		if err := node.Decode(&ss); err != nil {
			return err
		}
		*l = ss
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list of strings", node.Line)
	}
}

// LoadEnvScript accepts a scalar, a list, or a mapping with per-location
// scripts (on_login_node / on_machine).
type LoadEnvScript struct {
	OnLoginNode StringList
	OnMachine   StringList
}

func (s *LoadEnvScript) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		var m struct {
			OnLoginNode StringList `yaml:"on_login_node"`
			OnMachine   StringList `yaml:"on_machine"`
		}
		if err := node.Decode(&m); err != nil {
			return err
		}
		s.OnLoginNode = m.OnLoginNode
		s.OnMachine = m.OnMachine
		return nil
	}
	var l StringList
	if err := node.Decode(&l); err != nil {
		return err
	}
	s.OnLoginNode = l
	s.OnMachine = l
	return nil
}

// Machine is one target machine in the user config.
type Machine struct {
	LoginHost           string        `yaml:"login_host"`
	WorkDir             string        `yaml:"work_dir"`
	KochiRoot           string        `yaml:"kochi_root"`
	AllocScript         StringList    `yaml:"alloc_script"`
	AllocInteractScript StringList    `yaml:"alloc_interact_script"`
	LoadEnvScript       LoadEnvScript `yaml:"load_env_script"`
}

// LoadEnvLoginScript is the script run on the login node before kochi
// commands, prefixed with the machine's KOCHI_ROOT export when configured.
func (m Machine) LoadEnvLoginScript() []string {
	return m.loadEnv(m.LoadEnvScript.OnLoginNode)
}

// LoadEnvMachineScript is the equivalent for compute nodes.
func (m Machine) LoadEnvMachineScript() []string {
	return m.loadEnv(m.LoadEnvScript.OnMachine)
}

func (m Machine) loadEnv(script StringList) []string {
	var lines []string
	if m.KochiRoot != "" {
		lines = append(lines, "export KOCHI_ROOT="+m.KochiRoot)
	}
	return append(lines, script...)
}

// DependsEntry restricts a recipe dependency to a set of machines; an empty
// set means all machines.
type DependsEntry struct {
	Name     string   `yaml:"name"`
	Recipe   string   `yaml:"recipe"`
	Machines []string `yaml:"machines"`
}

func filterDepends(entries []DependsEntry, machine string) []installer.Dependency {
	var deps []installer.Dependency
	for _, e := range entries {
		if len(e.Machines) > 0 && !contains(e.Machines, machine) {
			continue
		}
		deps = append(deps, installer.Dependency{Name: e.Name, Recipe: e.Recipe})
	}
	return deps
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// Recipe holds per-recipe overrides of the dependency-level defaults.
type Recipe struct {
	Git            string            `yaml:"git"`
	Branch         string            `yaml:"branch"`
	CommitHash     string            `yaml:"commit_hash"`
	CurrentState   bool              `yaml:"current_state"`
	OnMachine      bool              `yaml:"on_machine"`
	Envs           map[string]string `yaml:"envs"`
	BeforeScript   StringList        `yaml:"before_script"`
	Script         StringList        `yaml:"script"`
	AfterScript    StringList        `yaml:"after_script"`
	ActivateScript StringList        `yaml:"activate_script"`
	Depends        []DependsEntry    `yaml:"depends"`
}

// DependencyConf is one installable dependency with its recipe variants.
type DependencyConf struct {
	Recipe  `yaml:",inline"`
	Recipes map[string]Recipe `yaml:"recipes"`
}

// Config is the decoded user config.
type Config struct {
	Machines     map[string]Machine        `yaml:"machines"`
	Dependencies map[string]DependencyConf `yaml:"dependencies"`
}

// Load decodes the user config at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &c, nil
}

// Machine returns the named machine.
func (c *Config) Machine(name string) (Machine, error) {
	m, ok := c.Machines[name]
	if !ok {
		return Machine{}, fmt.Errorf("config has no machine %q", name)
	}
	return m, nil
}

// MachineList returns the configured machine names.
func (c *Config) MachineList() []string {
	names := make([]string, 0, len(c.Machines))
	for name := range c.Machines {
		names = append(names, name)
	}
	return names
}

// ResolvedRecipe is a recipe with the dependency-level defaults applied.
type ResolvedRecipe struct {
	Dependency     string
	Recipe         string
	Git            string
	Branch         string
	CommitHash     string
	CurrentState   bool
	OnMachine      bool
	Envs           map[string]string
	Script         []string
	ActivateScript []string
	Depends        []DependsEntry
}

// Resolve merges a recipe over its dependency-level defaults. A recipe with
// no installation script at either level is an error.
func (c *Config) Resolve(dep, recipe string) (ResolvedRecipe, error) {
	d, ok := c.Dependencies[dep]
	if !ok {
		return ResolvedRecipe{}, fmt.Errorf("config has no dependency %q", dep)
	}
	r, ok := d.Recipes[recipe]
	if !ok {
		return ResolvedRecipe{}, fmt.Errorf("dependency %q has no recipe %q", dep, recipe)
	}

	script := concat(
		fallback(r.BeforeScript, d.BeforeScript),
		fallback(r.Script, d.Script),
		fallback(r.AfterScript, d.AfterScript),
	)
	if len(script) == 0 {
		return ResolvedRecipe{}, fmt.Errorf("recipe %s:%s has no installation script", dep, recipe)
	}

	envs := make(map[string]string, len(d.Envs)+len(r.Envs))
	for k, v := range d.Envs {
		envs[k] = v
	}
	for k, v := range r.Envs {
		envs[k] = v
	}

	return ResolvedRecipe{
		Dependency:     dep,
		Recipe:         recipe,
		Git:            stringFallback(r.Git, d.Git),
		Branch:         stringFallback(r.Branch, d.Branch),
		CommitHash:     stringFallback(r.CommitHash, d.CommitHash),
		CurrentState:   r.CurrentState || d.CurrentState,
		OnMachine:      r.OnMachine || d.OnMachine,
		Envs:           envs,
		Script:         script,
		ActivateScript: fallback(r.ActivateScript, d.ActivateScript),
		Depends:        append(append([]DependsEntry{}, d.Depends...), r.Depends...),
	}, nil
}

// RecipeDependencies returns the recipe's dependencies that apply on machine.
func (r ResolvedRecipe) RecipeDependencies(machine string) []installer.Dependency {
	return filterDepends(r.Depends, machine)
}

func fallback(a, b StringList) []string {
	if len(a) > 0 {
		return a
	}
	return b
}

func stringFallback(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func concat(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
