package sparql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitvan/khe/rdf"
)

const ns = "http://example.org/"

func buildGraph(t *testing.T) *rdf.Graph {
	t.Helper()
	g, err := rdf.New(ns)
	require.NoError(t, err)

	quads := []rdf.Quad{
		rdf.MakeQuad(rdf.IRI(ns+"alice"), rdf.IRI(ns+"age"), rdf.TypedLiteral("30", "http://www.w3.org/2001/XMLSchema#integer"), nil),
		rdf.MakeQuad(rdf.IRI(ns+"alice"), rdf.IRI(ns+"name"), rdf.PlainLiteral("Alice"), nil),
		rdf.MakeQuad(rdf.IRI(ns+"bob"), rdf.IRI(ns+"age"), rdf.TypedLiteral("25", "http://www.w3.org/2001/XMLSchema#integer"), nil),
		rdf.MakeQuad(rdf.IRI(ns+"bob"), rdf.IRI(ns+"name"), rdf.PlainLiteral("Bob"), nil),
		rdf.MakeQuad(rdf.IRI(ns+"carol"), rdf.IRI(ns+"age"), rdf.TypedLiteral("40", "http://www.w3.org/2001/XMLSchema#integer"), nil),
		rdf.MakeQuad(rdf.IRI(ns+"carol"), rdf.IRI(ns+"name"), rdf.PlainLiteral("Carol"), nil),
	}
	require.NoError(t, g.AddQuads(quads))
	return g
}

func TestSelectBasic(t *testing.T) {
	g := buildGraph(t)
	res, err := Select(g, `
		PREFIX ex: <http://example.org/>
		SELECT ?name WHERE { ?person ex:name ?name }
		ORDER BY ?name
	`, Options{})
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, "Alice", termLexical(res.Rows[0]["name"]))
	assert.Equal(t, "Bob", termLexical(res.Rows[1]["name"]))
	assert.Equal(t, "Carol", termLexical(res.Rows[2]["name"]))
}

func TestSelectWithFilter(t *testing.T) {
	g := buildGraph(t)
	res, err := Select(g, `
		PREFIX ex: <http://example.org/>
		SELECT ?name WHERE {
			?person ex:name ?name .
			?person ex:age ?age .
			FILTER(?age > 26)
		}
		ORDER BY ?name
	`, Options{})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "Alice", termLexical(res.Rows[0]["name"]))
	assert.Equal(t, "Carol", termLexical(res.Rows[1]["name"]))
}

func TestSelectLimitOffset(t *testing.T) {
	g := buildGraph(t)
	res, err := Select(g, `
		PREFIX ex: <http://example.org/>
		SELECT ?name WHERE { ?person ex:name ?name }
		ORDER BY ?name
		LIMIT 1
		OFFSET 1
	`, Options{})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "Bob", termLexical(res.Rows[0]["name"]))
}

func TestSelectCountAggregate(t *testing.T) {
	g := buildGraph(t)
	res, err := Select(g, `
		PREFIX ex: <http://example.org/>
		SELECT (COUNT(*) AS ?total) WHERE { ?person ex:name ?name }
	`, Options{})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "3", termLexical(res.Rows[0]["total"]))
}

func TestAsk(t *testing.T) {
	g := buildGraph(t)

	ok, err := Ask(g, `PREFIX ex: <http://example.org/> ASK { ?p ex:name "Alice" }`, Options{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Ask(g, `PREFIX ex: <http://example.org/> ASK { ?p ex:name "Nobody" }`, Options{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConstruct(t *testing.T) {
	g := buildGraph(t)
	out, err := Construct(g, `
		PREFIX ex: <http://example.org/>
		CONSTRUCT { ?person ex:hasName ?name }
		WHERE { ?person ex:name ?name }
	`, Options{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, out.Len())
}

func TestParseRejectsUnknownForm(t *testing.T) {
	_, err := Parse(`PREFIX ex: <http://example.org/> UPDATE { }`)
	assert.Error(t, err)
}
