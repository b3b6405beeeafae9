package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitvan/khe/ctxscope"
	"github.com/gitvan/khe/hooks"
)

func ids(batch StepBatch) []string {
	var out []string
	for _, s := range batch.Steps {
		out = append(out, s.ID)
	}
	return out
}

func TestPlanLinearChain(t *testing.T) {
	steps := []hooks.Step{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	}

	batches, err := Plan(steps, nil)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"a"}, ids(batches[0]))
	assert.Equal(t, []string{"b"}, ids(batches[1]))
	assert.Equal(t, []string{"c"}, ids(batches[2]))
}

func TestPlanIndependentStepsBatchTogether(t *testing.T) {
	steps := []hooks.Step{
		{ID: "a"},
		{ID: "b"},
		{ID: "c"},
	}

	batches, err := Plan(steps, nil)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"a", "b", "c"}, ids(batches[0]))
}

func TestPlanLexicographicTieBreakWithinBatch(t *testing.T) {
	steps := []hooks.Step{
		{ID: "zeta"},
		{ID: "alpha"},
		{ID: "middle"},
	}

	batches, err := Plan(steps, nil)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"alpha", "middle", "zeta"}, ids(batches[0]))
}

func TestPlanDiamondDependency(t *testing.T) {
	steps := []hooks.Step{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a"}},
		{ID: "d", DependsOn: []string{"b", "c"}},
	}

	batches, err := Plan(steps, nil)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"a"}, ids(batches[0]))
	assert.Equal(t, []string{"b", "c"}, ids(batches[1]))
	assert.Equal(t, []string{"d"}, ids(batches[2]))
}

func TestPlanPrecomputesConfigForInputOnlySteps(t *testing.T) {
	scope := ctxscope.New(map[string]interface{}{"url": "https://example.org"})
	steps := []hooks.Step{
		{ID: "a", Config: map[string]string{"url": "{{ inputs.url }}"}},
		{ID: "b", DependsOn: []string{"a"}, Config: map[string]string{"body": "{{ outputs.a.status }}"}},
	}

	batches, err := Plan(steps, scope)
	require.NoError(t, err)
	require.Len(t, batches, 2)

	assert.Equal(t, map[string]string{"url": "https://example.org"}, batches[0].Steps[0].PrecomputedConfig,
		"a step whose config only references inputs should be pre-substituted")
	assert.Nil(t, batches[1].Steps[0].PrecomputedConfig,
		"a step whose config references another step's outputs cannot be pre-substituted")
}

func TestPlanSkipsAnnotationWithNilScope(t *testing.T) {
	steps := []hooks.Step{
		{ID: "a", Config: map[string]string{"url": "{{ inputs.url }}"}},
	}

	batches, err := Plan(steps, nil)
	require.NoError(t, err)
	assert.Nil(t, batches[0].Steps[0].PrecomputedConfig)
}

func TestPlanRejectsCycle(t *testing.T) {
	steps := []hooks.Step{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}

	_, err := Plan(steps, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle detected")
}
