package codec

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name   string         `cbor:"name"`
	ID     int            `cbor:"id"`
	Params map[string]any `cbor:"params,omitempty"`
	Script []string       `cbor:"script,omitempty"`
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	in := record{
		Name:   "solver",
		ID:     7,
		Params: map[string]any{"offset": int64(-2), "debug": true, "tag": "v1"},
		Script: []string{"make", "./run.sh"},
	}

	s, err := Marshal(in)
	require.NoError(t, err)

	var out record
	require.NoError(t, Unmarshal(s, &out))
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-in +out):\n%s", diff)
	}
}

func TestMarshalIsDeterministic(t *testing.T) {
	t.Parallel()
	// Map iteration order must not leak into the encoding; equal records
	// have to produce byte-equal strings because build-cache comparison is
	// plain string equality.
	in := record{Params: map[string]any{"a": 1, "b": 2, "c": 3, "d": 4, "e": 5}}
	first, err := Marshal(in)
	require.NoError(t, err)
	for range 20 {
		s, err := Marshal(in)
		require.NoError(t, err)
		assert.Equal(t, first, s)
	}
}

func TestMarshalOutputIsArgvSafe(t *testing.T) {
	t.Parallel()
	s, err := Marshal(record{Name: "has spaces & $pecial 'chars'", Script: []string{"a\nb"}})
	require.NoError(t, err)
	assert.NotContains(t, s, " ")
	assert.NotContains(t, s, "\n")
	assert.NotContains(t, s, "=") // no base64 padding
	assert.False(t, strings.ContainsAny(s, `"'$&|;<>`))
}

func TestUnmarshalGarbage(t *testing.T) {
	t.Parallel()
	var out record
	require.Error(t, Unmarshal("not@base64!", &out))
	require.Error(t, Unmarshal("AAAA", &out))
}

func TestFileRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.txt")
	in := record{Name: "job", ID: 1}
	require.NoError(t, MarshalToFile(path, in))

	var out record
	require.NoError(t, UnmarshalFromFile(path, &out))
	assert.Equal(t, in, out)

	// Rewrites replace the previous content entirely.
	require.NoError(t, MarshalToFile(path, record{Name: "x"}))
	out = record{}
	require.NoError(t, UnmarshalFromFile(path, &out))
	assert.Equal(t, "x", out.Name)
}

func TestUnmarshalFromMissingFile(t *testing.T) {
	t.Parallel()
	var out record
	require.Error(t, UnmarshalFromFile(filepath.Join(t.TempDir(), "absent"), &out))
}
