package hooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitvan/khe/rdf"
	"github.com/gitvan/khe/rdf/turtle"
)

const prefixes = `
@prefix gh: <http://gitvan.dev/ns#> .
@prefix dct: <http://purl.org/dc/terms/> .
@prefix ex: <http://example.org/> .
`

func buildGraph(t *testing.T, ttl string) *rdf.Graph {
	t.Helper()
	quads, err := turtle.Parse([]byte(prefixes+ttl), NS)
	require.NoError(t, err)
	g, err := rdf.New(NS)
	require.NoError(t, err)
	require.NoError(t, g.AddQuads(quads))
	return g
}

func TestParseAllSingleHookResultDelta(t *testing.T) {
	g := buildGraph(t, `
		ex:hook1 a gh:Hook ;
			gh:hasPredicate ex:pred1 ;
			gh:orderedPipelines ( ex:wf1 ) .

		ex:pred1 a gh:ResultDelta ;
			gh:queryText "SELECT ?s WHERE { ?s a ex:Person }" .

		ex:wf1 gh:orderedSteps ( ex:step1 ) .

		ex:step1 a gh:Sparql ;
			gh:query "SELECT ?s WHERE { ?s a ex:Person }" .
	`)

	parsed, errs := ParseAll(g)
	require.Empty(t, errs)
	require.Len(t, parsed, 1)

	h := parsed[0]
	assert.Equal(t, "http://example.org/hook1", h.ID)
	assert.Equal(t, PredicateResultDelta, h.Predicate.Kind)
	assert.Equal(t, "SELECT ?s WHERE { ?s a ex:Person }", h.Predicate.QueryText)
	require.Len(t, h.Pipelines, 1)
	require.Len(t, h.Pipelines[0].Steps, 1)
	assert.Equal(t, StepSparql, h.Pipelines[0].Steps[0].Kind)
	assert.Equal(t, "SELECT ?s WHERE { ?s a ex:Person }", h.Pipelines[0].Steps[0].Config["query"])
}

func TestParseAllSelectThresholdPredicate(t *testing.T) {
	g := buildGraph(t, `
		ex:hook2 a gh:Hook ;
			gh:hasPredicate ex:pred2 ;
			gh:orderedPipelines ( ex:wf2 ) .

		ex:pred2 a gh:SelectThreshold ;
			gh:queryText "SELECT ?n WHERE { ex:a ex:count ?n }" ;
			gh:threshold 5 ;
			gh:operator ">" .

		ex:wf2 gh:orderedSteps ( ex:notifyStep ) .

		ex:notifyStep a gh:Notify ;
			gh:target "team-channel" .
	`)

	parsed, errs := ParseAll(g)
	require.Empty(t, errs)
	require.Len(t, parsed, 1)

	pred := parsed[0].Predicate
	assert.Equal(t, PredicateSelectThreshold, pred.Kind)
	assert.Equal(t, float64(5), pred.Threshold)
	assert.Equal(t, ">", pred.Operator)
}

func TestParseAllRejectsMissingPredicate(t *testing.T) {
	g := buildGraph(t, `
		ex:hook3 a gh:Hook ;
			gh:orderedPipelines ( ex:wf3 ) .

		ex:wf3 gh:orderedSteps ( ex:step3 ) .
		ex:step3 a gh:Sparql ; gh:query "SELECT * WHERE { ?s ?p ?o }" .
	`)

	parsed, errs := ParseAll(g)
	assert.Empty(t, parsed)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "gh:hasPredicate")
}

func TestParseAllRejectsUnknownDependsOn(t *testing.T) {
	g := buildGraph(t, `
		ex:hook4 a gh:Hook ;
			gh:hasPredicate ex:pred4 ;
			gh:orderedPipelines ( ex:wf4 ) .

		ex:pred4 a gh:Ask ; gh:queryText "ASK { ex:a a ex:Person }" .

		ex:wf4 gh:orderedSteps ( ex:step4a ) .
		ex:step4a a gh:Sparql ;
			gh:query "SELECT * WHERE { ?s ?p ?o }" ;
			gh:dependsOn ex:missingStep .
	`)

	parsed, errs := ParseAll(g)
	assert.Empty(t, parsed)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "depends on unknown step")
}

func TestParseAllDetectsCycle(t *testing.T) {
	g := buildGraph(t, `
		ex:hook5 a gh:Hook ;
			gh:hasPredicate ex:pred5 ;
			gh:orderedPipelines ( ex:wf5 ) .

		ex:pred5 a gh:Ask ; gh:queryText "ASK { ex:a a ex:Person }" .

		ex:wf5 gh:orderedSteps ( ex:step5a ex:step5b ) .
		ex:step5a a gh:Sparql ;
			gh:query "SELECT * WHERE { ?s ?p ?o }" ;
			gh:dependsOn ex:step5b .
		ex:step5b a gh:Sparql ;
			gh:query "SELECT * WHERE { ?s ?p ?o }" ;
			gh:dependsOn ex:step5a .
	`)

	parsed, errs := ParseAll(g)
	assert.Empty(t, parsed)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "cycle detected")
}

func TestParseAllRejectsMissingRequiredConfig(t *testing.T) {
	g := buildGraph(t, `
		ex:hook6 a gh:Hook ;
			gh:hasPredicate ex:pred6 ;
			gh:orderedPipelines ( ex:wf6 ) .

		ex:pred6 a gh:Ask ; gh:queryText "ASK { ex:a a ex:Person }" .

		ex:wf6 gh:orderedSteps ( ex:step6 ) .
		ex:step6 a gh:Http .
	`)

	parsed, errs := ParseAll(g)
	assert.Empty(t, parsed)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "missing required config field")
}

func TestParseAllShaclPredicate(t *testing.T) {
	g := buildGraph(t, `
		ex:hook7 a gh:Hook ;
			dct:title "Enforce person shapes" ;
			gh:hasPredicate ex:pred7 ;
			gh:orderedPipelines ( ex:wf7 ) .

		ex:pred7 a gh:ShaclAllConform ;
			gh:shapesText "@prefix sh: <http://www.w3.org/ns/shacl#> ." .

		ex:wf7 gh:orderedSteps ( ex:step7 ) .
		ex:step7 a gh:Template ; gh:template "hello {{ name }}" .
	`)

	parsed, errs := ParseAll(g)
	require.Empty(t, errs)
	require.Len(t, parsed, 1)
	assert.Equal(t, "Enforce person shapes", parsed[0].Title)
	assert.Equal(t, PredicateShaclAllConform, parsed[0].Predicate.Kind)
}
