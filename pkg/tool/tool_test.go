package tool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCoerceBool_AcceptsCommonStringForms(t *testing.T) {
	for _, s := range []string{"true", "1", "yes", "TRUE", " Yes "} {
		v, ok := CoerceBool(s)
		require.True(t, ok, s)
		require.True(t, v, s)
	}
	for _, s := range []string{"false", "0", "no"} {
		v, ok := CoerceBool(s)
		require.True(t, ok, s)
		require.False(t, v, s)
	}
	_, ok := CoerceBool("maybe")
	require.False(t, ok)
}

func TestCoerceStringSlice_SplitsAndConverts(t *testing.T) {
	out, ok := CoerceStringSlice("a, b,c")
	require.True(t, ok)
	require.Equal(t, []string{"a", "b", "c"}, out)

	out, ok = CoerceStringSlice([]any{"x", "y"})
	require.True(t, ok)
	require.Equal(t, []string{"x", "y"}, out)
}

func TestCoerceInt_AcceptsNumericString(t *testing.T) {
	n, ok := CoerceInt("42")
	require.True(t, ok)
	require.Equal(t, 42, n)

	n, ok = CoerceInt(float64(7))
	require.True(t, ok)
	require.Equal(t, 7, n)
}

func TestRegistry_EmptyRegistryHasNoTools(t *testing.T) {
	r := NewRegistry()
	require.Len(t, r.List(), 0)
	_, ok := r.Get("missing")
	require.False(t, ok)
}
