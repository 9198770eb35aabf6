// Package env provides utilities for dealing with environment variables.
package env

import (
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v2"
)

// Environment is a concurrency-safe map of environment variables.
type Environment struct {
	underlying *xsync.MapOf[string, string]
}

func New() *Environment {
	return &Environment{underlying: xsync.NewMapOf[string]()}
}

func NewWithLength(length int) *Environment {
	return &Environment{underlying: xsync.NewMapOfPresized[string](length)}
}

func FromMap(m map[string]string) *Environment {
	e := NewWithLength(len(m))
	for k, v := range m {
		e.Set(k, v)
	}
	return e
}

// Split splits an environment variable (in the form "name=value") into the
// name and value substrings. If there is no '=', or the first '=' is at the
// start, it returns `"", "", false`.
func Split(l string) (name, value string, ok bool) {
	i := strings.IndexRune(l, '=')
	if i <= 0 {
		return "", "", false
	}
	return l[:i], l[i+1:], true
}

// FromSlice creates a new environment from a string slice of KEY=VALUE.
func FromSlice(s []string) *Environment {
	e := NewWithLength(len(s))
	for _, l := range s {
		if k, v, ok := Split(l); ok {
			e.Set(k, v)
		}
	}
	return e
}

// Dump returns a copy of the environment as a plain map.
func (e *Environment) Dump() map[string]string {
	d := make(map[string]string, e.underlying.Size())
	e.underlying.Range(func(k, v string) bool {
		d[k] = v
		return true
	})
	return d
}

// Get returns a key from the environment.
func (e *Environment) Get(key string) (string, bool) {
	return e.underlying.Load(key)
}

// Exists reports whether the key exists in the environment.
func (e *Environment) Exists(key string) bool {
	_, ok := e.underlying.Load(key)
	return ok
}

// Set sets a key in the environment.
func (e *Environment) Set(key, value string) string {
	e.underlying.Store(key, value)
	return value
}

// Remove removes a key from the environment and returns its value.
func (e *Environment) Remove(key string) string {
	value, ok := e.Get(key)
	if ok {
		e.underlying.Delete(key)
	}
	return value
}

// Length returns the number of variables in the environment.
func (e *Environment) Length() int {
	return e.underlying.Size()
}

// Merge merges another env into this one.
func (e *Environment) Merge(other *Environment) {
	if other == nil {
		return
	}
	other.underlying.Range(func(k, v string) bool {
		e.Set(k, v)
		return true
	})
}

// Apply merges a plain map into this env.
func (e *Environment) Apply(m map[string]string) {
	for k, v := range m {
		e.Set(k, v)
	}
}

// Copy returns a copy of the env.
func (e *Environment) Copy() *Environment {
	c := New()
	c.Merge(e)
	return c
}

// ToSlice returns a sorted slice representation of the environment.
func (e *Environment) ToSlice() []string {
	s := []string{}
	e.underlying.Range(func(k, v string) bool {
		s = append(s, k+"="+v)
		return true
	})

	// Ensure a consistent order (helpful for tests)
	sort.Strings(s)

	return s
}
