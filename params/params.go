// Package params implements the parameter-substitution engine: topological
// resolution of $name references within a parameter map, evaluation of
// back-tick-quoted shell expressions, and the Cartesian product over
// list-valued parameters.
package params

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/buildkite/interpolate"

	"github.com/kochi-hpc/kochi/env"
	"github.com/kochi-hpc/kochi/shell"
)

// EnvName converts a parameter name to the form used in environment variable
// names: `-` replaced with `_`, uppercased.
func EnvName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// FormatValue renders a parameter value the way user scripts observe it:
// booleans as true|false, everything else via fmt.
func FormatValue(v any) string {
	switch x := v.(type) {
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// Env returns the KOCHI_PARAM_<NAME> environment for the named parameters.
func Env(params map[string]any, names []string) map[string]string {
	m := make(map[string]string, len(names))
	for _, name := range names {
		if v, ok := params[name]; ok {
			m["KOCHI_PARAM_"+EnvName(name)] = FormatValue(v)
		}
	}
	return m
}

// Filter returns the subset of params with the given names.
func Filter(params map[string]any, names []string) map[string]any {
	m := make(map[string]any, len(names))
	for _, name := range names {
		if v, ok := params[name]; ok {
			m[name] = v
		}
	}
	return m
}

// mapEnv adapts a map to interpolate.Env. Identifiers that are not
// parameters (e.g. $HOME inside a script fragment) are passed through
// unexpanded so the shell can resolve them later.
type mapEnv map[string]string

func (m mapEnv) Get(key string) (string, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	return "${" + key + "}", true
}

var backtickRE = regexp.MustCompile("`([^`]*)`")

// Substitute resolves all $name and ${name} references between parameters in
// topological order, then evaluates back-tick-quoted expressions through the
// shell with the substituted scalar values exposed as KOCHI_PARAM_<NAME>.
// Self-references and reference cycles are errors naming the cycle.
func Substitute(ctx context.Context, sh *shell.Shell, params map[string]any) (map[string]any, error) {
	names := make(map[string]bool, len(params))
	for name := range params {
		names[name] = true
	}

	// Reference graph between parameters.
	deps := make(map[string][]string, len(params))
	for name, value := range params {
		refs, err := references(value, names)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		for _, ref := range refs {
			if ref == name {
				return nil, fmt.Errorf("parameter %q references itself", name)
			}
		}
		deps[name] = refs
	}

	order, err := topoSort(deps)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(params))
	scalars := mapEnv{}
	for _, name := range order {
		resolved, err := substituteValue(params[name], scalars)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		out[name] = resolved
		if _, isList := resolved.([]any); !isList {
			scalars[name] = FormatValue(resolved)
		}
	}

	// Back-tick expressions see the substituted scalar values.
	shellEnv := make(map[string]string, len(scalars))
	for name, value := range scalars {
		shellEnv["KOCHI_PARAM_"+EnvName(name)] = value
	}
	for _, name := range order {
		evaled, err := evalBackticks(ctx, sh, out[name], shellEnv)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		out[name] = evaled
	}
	return out, nil
}

// references collects the parameter names a value refers to.
func references(value any, names map[string]bool) ([]string, error) {
	var refs []string
	collect := func(s string) error {
		ids, err := interpolate.Identifiers(s)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if names[id] {
				refs = append(refs, id)
			}
		}
		return nil
	}
	switch x := value.(type) {
	case string:
		if err := collect(x); err != nil {
			return nil, err
		}
	case []any:
		for _, e := range x {
			if s, ok := e.(string); ok {
				if err := collect(s); err != nil {
					return nil, err
				}
			}
		}
	}
	return refs, nil
}

func substituteValue(value any, scalars mapEnv) (any, error) {
	switch x := value.(type) {
	case string:
		return interpolateString(x, scalars)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			if s, ok := e.(string); ok {
				r, err := interpolateString(s, scalars)
				if err != nil {
					return nil, err
				}
				out[i] = r
			} else {
				out[i] = e
			}
		}
		return out, nil
	default:
		return value, nil
	}
}

func interpolateString(s string, scalars mapEnv) (string, error) {
	return interpolate.Interpolate(scalars, s)
}

func evalBackticks(ctx context.Context, sh *shell.Shell, value any, shellEnv map[string]string) (any, error) {
	eval := func(s string) (string, error) {
		if !strings.Contains(s, "`") {
			return s, nil
		}
		merged := sh.Env.Copy()
		merged.Merge(env.FromMap(shellEnv))
		sub, err := shell.New(
			shell.WithLogger(sh.Logger),
			shell.WithEnv(merged),
			shell.WithWD(sh.Getwd()),
		)
		if err != nil {
			return "", err
		}
		var evalErr error
		result := backtickRE.ReplaceAllStringFunc(s, func(m string) string {
			expr := strings.Trim(m, "`")
			out, err := sub.RunAndCapture(ctx, "/bin/sh", "-c", expr)
			if err != nil {
				evalErr = fmt.Errorf("evaluating %q: %w", expr, err)
				return m
			}
			return out
		})
		return result, evalErr
	}
	switch x := value.(type) {
	case string:
		return eval(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			if s, ok := e.(string); ok {
				r, err := eval(s)
				if err != nil {
					return nil, err
				}
				out[i] = r
			} else {
				out[i] = e
			}
		}
		return out, nil
	default:
		return value, nil
	}
}

// topoSort orders names so that every parameter comes after the parameters
// it references. A cycle is an error naming its members.
func topoSort(deps map[string][]string) ([]string, error) {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(deps))
	var order []string

	var visit func(name string, stack []string) error
	visit = func(name string, stack []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			cycle := append(stack, name)
			return fmt.Errorf("circular parameter reference: %s", strings.Join(cycle, " -> "))
		}
		state[name] = visiting
		for _, dep := range deps[name] {
			if err := visit(dep, append(stack, name)); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Product expands list-valued parameters into the Cartesian product of
// single-valued parameter maps. Parameters are expanded in sorted name order
// so the result sequence is deterministic.
func Product(params map[string]any) []map[string]any {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	result := []map[string]any{{}}
	for _, name := range names {
		values, isList := params[name].([]any)
		if !isList {
			values = []any{params[name]}
		}
		next := make([]map[string]any, 0, len(result)*len(values))
		for _, base := range result {
			for _, v := range values {
				m := make(map[string]any, len(base)+1)
				for k, bv := range base {
					m[k] = bv
				}
				m[name] = v
				next = append(next, m)
			}
		}
		result = next
	}
	return result
}
