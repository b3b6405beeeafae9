package ctxscope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitvan/khe/kherr"
)

func TestResolveInputsAndOutputs(t *testing.T) {
	scope := New(map[string]interface{}{"repo": "gitvan"})
	scope.SetOutput("fetch", map[string]interface{}{"sha": "abc123"})

	v, err := scope.Resolve("inputs.repo")
	require.NoError(t, err)
	assert.Equal(t, "gitvan", v)

	v, err = scope.Resolve("outputs.fetch.sha")
	require.NoError(t, err)
	assert.Equal(t, "abc123", v)
}

func TestResolveMissingIsBindingError(t *testing.T) {
	scope := New(nil)
	_, err := scope.Resolve("outputs.missing.field")
	require.Error(t, err)
	assert.True(t, kherr.Is(err, kherr.KindBinding))
}

func TestSubstituteRendersPlaceholders(t *testing.T) {
	scope := New(map[string]interface{}{"branch": "main"})
	scope.SetOutput("checkout", map[string]interface{}{"commit": "deadbeef"})

	config := map[string]string{
		"message": "deployed {{ outputs.checkout.commit }} on {{ inputs.branch }}",
	}

	out, err := Substitute(config, scope)
	require.NoError(t, err)
	assert.Equal(t, "deployed deadbeef on main", out["message"])
}

func TestSubstituteUnresolvedPlaceholderFails(t *testing.T) {
	scope := New(nil)
	_, err := Substitute(map[string]string{"x": "{{ outputs.nope.field }}"}, scope)
	require.Error(t, err)
	assert.True(t, kherr.Is(err, kherr.KindBinding))
}

func TestSubstituteDangerousValueFailsSecurely(t *testing.T) {
	scope := New(map[string]interface{}{"evil": "${malicious}"})
	_, err := Substitute(map[string]string{"x": "{{ inputs.evil }}"}, scope)
	require.Error(t, err)
	assert.True(t, kherr.Is(err, kherr.KindSecurity))
}

func TestSnapshotIsPointInTimeCopy(t *testing.T) {
	scope := New(map[string]interface{}{"a": 1})
	scope.SetOutput("s1", map[string]interface{}{"x": "y"})
	snap := scope.Snapshot()
	outputs := snap["outputs"].(map[string]interface{})
	assert.Contains(t, outputs, "s1")
}
