package canonical

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	a, err := Marshal(map[string]interface{}{"b": 1, "a": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(a))
}

func TestMarshalIsOrderIndependent(t *testing.T) {
	type pair struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	a, err := Marshal(pair{B: 1, A: 2})
	require.NoError(t, err)
	b, err := Marshal(map[string]interface{}{"a": 2, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestMarshalIntegerHasNoDecimalPoint(t *testing.T) {
	out, err := Marshal(42)
	require.NoError(t, err)
	assert.Equal(t, "42", string(out))
}

func TestHashIsStableAndContentAddressed(t *testing.T) {
	h1, err := Hash(map[string]interface{}{"x": 1})
	require.NoError(t, err)
	h2, err := Hash(map[string]interface{}{"x": 1})
	require.NoError(t, err)
	h3, err := Hash(map[string]interface{}{"x": 2})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestMarshalRejectsNonFiniteNumbers(t *testing.T) {
	_, err := Marshal(map[string]interface{}{"x": math.Inf(1)})
	assert.Error(t, err)
}
