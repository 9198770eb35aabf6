package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kochi-hpc/kochi/jobstore"
)

// ParamValue accepts a scalar, a list of scalars, or a list of
// machine-filtered mappings ({value: ..., machines: [...]}).
type ParamValue struct {
	node *yaml.Node
}

func (p *ParamValue) UnmarshalYAML(node *yaml.Node) error {
	p.node = node
	return nil
}

// Resolve produces the parameter value that applies on machine.
func (p ParamValue) Resolve(machine string) (any, error) {
	if p.node == nil {
		return nil, nil
	}
	if p.node.Kind == yaml.SequenceNode && len(p.node.Content) > 0 && p.node.Content[0].Kind == yaml.MappingNode {
		var entries []struct {
			Value    anyValue `yaml:"value"`
			Machines []string `yaml:"machines"`
		}
		if err := p.node.Decode(&entries); err != nil {
			return nil, err
		}
		var v any
		found := false
		for _, e := range entries {
			if len(e.Machines) == 0 || contains(e.Machines, machine) {
				v = e.Value.v
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("line %d: no value applies on machine %q", p.node.Line, machine)
		}
		return v, nil
	}
	var v anyValue
	if err := p.node.Decode(&v); err != nil {
		return nil, err
	}
	return v.v, nil
}

// anyValue decodes scalars to their natural Go types and sequences to []any.
type anyValue struct {
	v any
}

func (a *anyValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		elems := make([]any, 0, len(node.Content))
		for _, c := range node.Content {
			var e any
			if err := c.Decode(&e); err != nil {
				return err
			}
			elems = append(elems, e)
		}
		a.v = elems
		return nil
	}
	return node.Decode(&a.v)
}

// PhaseSection is the build or run section of a job file.
type PhaseSection struct {
	Script       StringList `yaml:"script"`
	DependParams []string   `yaml:"depend_params"`
}

// Batch is one named batch of jobs.
type Batch struct {
	Name       string                `yaml:"name"`
	Queue      string                `yaml:"queue"`
	Duplicates int                   `yaml:"duplicates"`
	Params     map[string]ParamValue `yaml:"params"`
	Depends    []DependsEntry        `yaml:"depends"`
	Build      *PhaseSection         `yaml:"build"`
	Run        *PhaseSection         `yaml:"run"`
	Artifacts  []ArtifactEntry       `yaml:"artifacts"`
}

// ArtifactEntry is one declared job output.
type ArtifactEntry struct {
	Type string `yaml:"type"`
	Dest string `yaml:"dest"`
	Src  string `yaml:"src"`
}

// JobFile is a decoded per-project job description.
type JobFile struct {
	DefaultName       string                `yaml:"default_name"`
	DefaultQueue      string                `yaml:"default_queue"`
	DefaultDuplicates int                   `yaml:"default_duplicates"`
	DefaultParams     map[string]ParamValue `yaml:"default_params"`
	Depends           []DependsEntry        `yaml:"depends"`
	Build             PhaseSection          `yaml:"build"`
	Run               PhaseSection          `yaml:"run"`
	ActivateScript    StringList            `yaml:"activate_script"`
	Batches           map[string]Batch      `yaml:"batches"`
}

// LoadJobFile decodes the job file at path.
func LoadJobFile(path string) (*JobFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading job file: %w", err)
	}
	var jf JobFile
	if err := yaml.Unmarshal(raw, &jf); err != nil {
		return nil, fmt.Errorf("parsing job file %s: %w", path, err)
	}
	return &jf, nil
}

// BatchJob assembles the job template for a batch on a machine: batch fields
// override file-level defaults, batch params override default params, and
// dependencies merge. The returned job still needs a context, a project, and
// a queue-push to be complete.
func (jf *JobFile) BatchJob(batchName, machine string) (*jobstore.Job, int, error) {
	b, ok := jf.Batches[batchName]
	if !ok {
		return nil, 0, fmt.Errorf("job file has no batch %q", batchName)
	}

	params := make(map[string]any, len(jf.DefaultParams)+len(b.Params))
	for name, pv := range jf.DefaultParams {
		v, err := pv.Resolve(machine)
		if err != nil {
			return nil, 0, fmt.Errorf("default param %q: %w", name, err)
		}
		if _, isList := v.([]any); isList {
			return nil, 0, fmt.Errorf("default param %q cannot have multiple values", name)
		}
		params[name] = v
	}
	for name, pv := range b.Params {
		v, err := pv.Resolve(machine)
		if err != nil {
			return nil, 0, fmt.Errorf("batch param %q: %w", name, err)
		}
		params[name] = v
	}

	deps := filterDepends(append(append([]DependsEntry{}, jf.Depends...), b.Depends...), machine)

	build := jf.Build
	if b.Build != nil {
		build = *b.Build
	}
	run := jf.Run
	if b.Run != nil {
		run = *b.Run
	}

	specs := make([]jobstore.ArtifactSpec, 0, len(b.Artifacts))
	for _, a := range b.Artifacts {
		specs = append(specs, jobstore.ArtifactSpec{Type: a.Type, Dest: a.Dest, Src: a.Src})
	}

	duplicates := b.Duplicates
	if duplicates == 0 {
		duplicates = jf.DefaultDuplicates
	}
	if duplicates == 0 {
		duplicates = 1
	}

	return &jobstore.Job{
		Name:           stringFallback(b.Name, jf.DefaultName),
		Machine:        machine,
		Queue:          stringFallback(b.Queue, jf.DefaultQueue),
		Dependencies:   deps,
		Params:         params,
		ArtifactsSpec:  specs,
		ActivateScript: jf.ActivateScript,
		BuildConf:      jobstore.PhaseConf{Script: build.Script, DependParams: build.DependParams},
		RunConf:        jobstore.PhaseConf{Script: run.Script, DependParams: run.DependParams},
	}, duplicates, nil
}
