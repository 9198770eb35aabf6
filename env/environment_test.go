package env_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kochi-hpc/kochi/env"
)

func TestSplit(t *testing.T) {
	t.Parallel()
	name, value, ok := env.Split("KEY=value=with=equals")
	require.True(t, ok)
	assert.Equal(t, "KEY", name)
	assert.Equal(t, "value=with=equals", value)

	_, _, ok = env.Split("NOEQUALS")
	assert.False(t, ok)
	_, _, ok = env.Split("=leading")
	assert.False(t, ok)
}

func TestFromSliceToSlice(t *testing.T) {
	t.Parallel()
	e := env.FromSlice([]string{"B=2", "A=1", "garbage", "C=3"})
	assert.Equal(t, 3, e.Length())
	assert.Equal(t, []string{"A=1", "B=2", "C=3"}, e.ToSlice(), "slice form is sorted")
}

func TestGetSetRemove(t *testing.T) {
	t.Parallel()
	e := env.New()
	e.Set("K", "v")

	got, ok := e.Get("K")
	require.True(t, ok)
	assert.Equal(t, "v", got)
	assert.True(t, e.Exists("K"))

	assert.Equal(t, "v", e.Remove("K"))
	assert.False(t, e.Exists("K"))
}

func TestMergeAndApply(t *testing.T) {
	t.Parallel()
	e := env.FromMap(map[string]string{"A": "1", "B": "2"})
	e.Merge(env.FromMap(map[string]string{"B": "override", "C": "3"}))
	e.Apply(map[string]string{"D": "4"})

	assert.Equal(t, map[string]string{
		"A": "1", "B": "override", "C": "3", "D": "4",
	}, e.Dump())
}

func TestCopyIsIndependent(t *testing.T) {
	t.Parallel()
	e := env.FromMap(map[string]string{"A": "1"})
	c := e.Copy()
	c.Set("A", "changed")
	c.Set("B", "2")

	got, _ := e.Get("A")
	assert.Equal(t, "1", got)
	assert.False(t, e.Exists("B"))
}
