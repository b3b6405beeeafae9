package predicate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitvan/khe/hooks"
	"github.com/gitvan/khe/rdf"
	"github.com/gitvan/khe/rdf/turtle"
)

const ns = "http://example.org/"

func buildGraph(t *testing.T, ttl string) *rdf.Graph {
	t.Helper()
	quads, err := turtle.Parse([]byte(ttl), ns)
	require.NoError(t, err)
	g, err := rdf.New(ns)
	require.NoError(t, err)
	require.NoError(t, g.AddQuads(quads))
	return g
}

func TestResultDeltaFiresOnFirstObservationWithRows(t *testing.T) {
	current := buildGraph(t, `
		@prefix ex: <http://example.org/> .
		ex:alice a ex:Person .
	`)
	pred := hooks.Predicate{Kind: hooks.PredicateResultDelta, QueryText: "SELECT ?s WHERE { ?s a <http://example.org/Person> }"}

	result, err := Evaluate(pred, current, nil, Options{})
	require.NoError(t, err)
	assert.True(t, result.Fired, "first observation is a delta from the empty set when the current result set is non-empty")
	assert.Equal(t, 1, result.Context["current_result_set_size"])
	assert.Nil(t, result.Context["previous_hash"])
}

func TestResultDeltaDoesNotFireOnFirstObservationWithNoRows(t *testing.T) {
	current := buildGraph(t, `
		@prefix ex: <http://example.org/> .
		ex:alice a ex:Product .
	`)
	pred := hooks.Predicate{Kind: hooks.PredicateResultDelta, QueryText: "SELECT ?s WHERE { ?s a <http://example.org/Person> }"}

	result, err := Evaluate(pred, current, nil, Options{})
	require.NoError(t, err)
	assert.False(t, result.Fired, "an empty current result set on first observation is not a delta from the empty set")
	assert.Equal(t, 0, result.Context["current_result_set_size"])
}

func TestResultDeltaNoChange(t *testing.T) {
	ttl := `
		@prefix ex: <http://example.org/> .
		ex:alice a ex:Person .
	`
	current := buildGraph(t, ttl)
	previous := buildGraph(t, ttl)
	pred := hooks.Predicate{Kind: hooks.PredicateResultDelta, QueryText: "SELECT ?s WHERE { ?s a <http://example.org/Person> }"}

	result, err := Evaluate(pred, current, previous, Options{})
	require.NoError(t, err)
	assert.False(t, result.Fired)
}

func TestResultDeltaChanged(t *testing.T) {
	previous := buildGraph(t, `
		@prefix ex: <http://example.org/> .
		ex:alice a ex:Person .
	`)
	current := buildGraph(t, `
		@prefix ex: <http://example.org/> .
		ex:alice a ex:Person .
		ex:bob a ex:Person .
	`)
	pred := hooks.Predicate{Kind: hooks.PredicateResultDelta, QueryText: "SELECT ?s WHERE { ?s a <http://example.org/Person> }"}

	result, err := Evaluate(pred, current, previous, Options{})
	require.NoError(t, err)
	assert.True(t, result.Fired)
}

func TestAskTrue(t *testing.T) {
	current := buildGraph(t, `
		@prefix ex: <http://example.org/> .
		ex:alice a ex:Person .
	`)
	pred := hooks.Predicate{Kind: hooks.PredicateAsk, QueryText: "ASK { ?s a <http://example.org/Person> }"}

	result, err := Evaluate(pred, current, nil, Options{})
	require.NoError(t, err)
	assert.True(t, result.Fired)
}

func TestAskFalse(t *testing.T) {
	current := buildGraph(t, `
		@prefix ex: <http://example.org/> .
		ex:alice a ex:Product .
	`)
	pred := hooks.Predicate{Kind: hooks.PredicateAsk, QueryText: "ASK { ?s a <http://example.org/Person> }"}

	result, err := Evaluate(pred, current, nil, Options{})
	require.NoError(t, err)
	assert.False(t, result.Fired)
}

func TestSelectThresholdCrossing(t *testing.T) {
	current := buildGraph(t, `
		@prefix ex: <http://example.org/> .
		ex:stats ex:errorCount 10 .
	`)
	pred := hooks.Predicate{
		Kind:      hooks.PredicateSelectThreshold,
		QueryText: "SELECT ?n WHERE { <http://example.org/stats> <http://example.org/errorCount> ?n }",
		Operator:  ">",
		Threshold: 5,
	}

	result, err := Evaluate(pred, current, nil, Options{})
	require.NoError(t, err)
	assert.True(t, result.Fired)
	assert.Equal(t, float64(10), result.Context["value"])
}

func TestSelectThresholdNotCrossed(t *testing.T) {
	current := buildGraph(t, `
		@prefix ex: <http://example.org/> .
		ex:stats ex:errorCount 3 .
	`)
	pred := hooks.Predicate{
		Kind:      hooks.PredicateSelectThreshold,
		QueryText: "SELECT ?n WHERE { <http://example.org/stats> <http://example.org/errorCount> ?n }",
		Operator:  ">",
		Threshold: 5,
	}

	result, err := Evaluate(pred, current, nil, Options{})
	require.NoError(t, err)
	assert.False(t, result.Fired)
}

func TestSelectThresholdNoRowsNeverFires(t *testing.T) {
	current := buildGraph(t, `
		@prefix ex: <http://example.org/> .
		ex:widget a ex:Product .
	`)
	pred := hooks.Predicate{
		Kind:      hooks.PredicateSelectThreshold,
		QueryText: "SELECT ?n WHERE { <http://example.org/stats> <http://example.org/errorCount> ?n }",
		Operator:  ">",
		Threshold: 5,
	}

	result, err := Evaluate(pred, current, nil, Options{})
	require.NoError(t, err)
	assert.False(t, result.Fired)
}

func TestSelectThresholdNonNumericBindingCoercesToZero(t *testing.T) {
	current := buildGraph(t, `
		@prefix ex: <http://example.org/> .
		ex:stats ex:status "fail" .
	`)
	pred := hooks.Predicate{
		Kind:      hooks.PredicateSelectThreshold,
		QueryText: "SELECT ?n WHERE { <http://example.org/stats> <http://example.org/status> ?n }",
		Operator:  "<=",
		Threshold: 0,
	}

	result, err := Evaluate(pred, current, nil, Options{})
	require.NoError(t, err)
	assert.True(t, result.Fired, "a non-numeric binding coerces to 0 rather than failing the predicate")
	assert.Equal(t, float64(0), result.Context["value"])
}

func TestShaclAllConformFiresOnViolation(t *testing.T) {
	current := buildGraph(t, `
		@prefix ex: <http://example.org/> .
		ex:bob a ex:Person .
	`)
	pred := hooks.Predicate{
		Kind: hooks.PredicateShaclAllConform,
		ShapesText: `
			@prefix sh: <http://www.w3.org/ns/shacl#> .
			@prefix ex: <http://example.org/> .
			ex:PersonShape a sh:NodeShape ;
				sh:targetClass ex:Person ;
				sh:property [
					sh:path ex:email ;
					sh:minCount 1 ;
				] .
		`,
	}

	result, err := Evaluate(pred, current, nil, Options{})
	require.NoError(t, err)
	assert.True(t, result.Fired)
	assert.Equal(t, 1, result.Context["violation_count"])
	violations, ok := result.Context["violations"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, violations, 1)
	assert.Equal(t, "http://example.org/email", violations[0]["path"])
	assert.NotEmpty(t, violations[0]["severity"])
}

func TestShaclAllConformTruncatesViolationsToConfiguredMax(t *testing.T) {
	current := buildGraph(t, `
		@prefix ex: <http://example.org/> .
		ex:bob a ex:Person .
		ex:carol a ex:Person .
		ex:dave a ex:Person .
	`)
	pred := hooks.Predicate{
		Kind: hooks.PredicateShaclAllConform,
		ShapesText: `
			@prefix sh: <http://www.w3.org/ns/shacl#> .
			@prefix ex: <http://example.org/> .
			ex:PersonShape a sh:NodeShape ;
				sh:targetClass ex:Person ;
				sh:property [
					sh:path ex:email ;
					sh:minCount 1 ;
				] .
		`,
	}

	result, err := Evaluate(pred, current, nil, Options{MaxViolations: 2})
	require.NoError(t, err)
	assert.True(t, result.Fired)
	assert.Equal(t, 3, result.Context["violation_count"])
	violations, ok := result.Context["violations"].([]map[string]interface{})
	require.True(t, ok)
	assert.Len(t, violations, 2, "violations must be truncated to the configured maximum")
}

func TestShaclAllConformDoesNotFireWhenConforms(t *testing.T) {
	current := buildGraph(t, `
		@prefix ex: <http://example.org/> .
		ex:bob a ex:Person ;
			ex:email "bob@example.org" .
	`)
	pred := hooks.Predicate{
		Kind: hooks.PredicateShaclAllConform,
		ShapesText: `
			@prefix sh: <http://www.w3.org/ns/shacl#> .
			@prefix ex: <http://example.org/> .
			ex:PersonShape a sh:NodeShape ;
				sh:targetClass ex:Person ;
				sh:property [
					sh:path ex:email ;
					sh:minCount 1 ;
				] .
		`,
	}

	result, err := Evaluate(pred, current, nil, Options{})
	require.NoError(t, err)
	assert.False(t, result.Fired)
}
