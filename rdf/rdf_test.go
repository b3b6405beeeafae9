package rdf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ns = "http://example.org/"

func TestAddQuadsAndAll(t *testing.T) {
	g, err := New(ns)
	require.NoError(t, err)
	require.NoError(t, g.AddQuads([]Quad{
		MakeQuad(IRI(ns+"a"), IRI(ns+"p"), PlainLiteral("v"), nil),
	}))

	assert.EqualValues(t, 1, g.Len())
	all, err := g.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, ns+"a", all[0].Subject.String())
}

func TestUnionDeduplicates(t *testing.T) {
	g1, _ := New(ns)
	g2, _ := New(ns)
	shared := MakeQuad(IRI(ns+"a"), IRI(ns+"p"), PlainLiteral("v"), nil)
	only2 := MakeQuad(IRI(ns+"b"), IRI(ns+"p"), PlainLiteral("w"), nil)
	require.NoError(t, g1.AddQuads([]Quad{shared}))
	require.NoError(t, g2.AddQuads([]Quad{shared, only2}))

	u, err := g1.Union(g2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, u.Len())
}

func TestDifferenceAndIntersection(t *testing.T) {
	g1, _ := New(ns)
	g2, _ := New(ns)
	shared := MakeQuad(IRI(ns+"a"), IRI(ns+"p"), PlainLiteral("v"), nil)
	only1 := MakeQuad(IRI(ns+"b"), IRI(ns+"p"), PlainLiteral("w"), nil)
	require.NoError(t, g1.AddQuads([]Quad{shared, only1}))
	require.NoError(t, g2.AddQuads([]Quad{shared}))

	diff, err := g1.Difference(g2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, diff.Len())

	inter, err := g1.Intersection(g2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, inter.Len())
}

func TestEqual(t *testing.T) {
	g1, _ := New(ns)
	g2, _ := New(ns)
	q := MakeQuad(IRI(ns+"a"), IRI(ns+"p"), PlainLiteral("v"), nil)
	require.NoError(t, g1.AddQuads([]Quad{q}))
	require.NoError(t, g2.AddQuads([]Quad{q}))

	eq, err := g1.Equal(g2)
	require.NoError(t, err)
	assert.True(t, eq)

	require.NoError(t, g2.AddQuads([]Quad{MakeQuad(IRI(ns+"b"), IRI(ns+"p"), PlainLiteral("w"), nil)}))
	eq, err = g1.Equal(g2)
	require.NoError(t, err)
	assert.False(t, eq)
}

func TestNQuadsRoundTrip(t *testing.T) {
	g, _ := New(ns)
	require.NoError(t, g.AddQuads([]Quad{
		MakeQuad(IRI(ns+"a"), IRI(ns+"age"), TypedLiteral("30", "http://www.w3.org/2001/XMLSchema#integer"), nil),
		MakeQuad(IRI(ns+"a"), IRI(ns+"name"), LangLiteral("Alice", "en"), nil),
	}))

	data, err := g.MarshalNQuads()
	require.NoError(t, err)

	g2, err := UnmarshalNQuads(data, ns)
	require.NoError(t, err)

	eq, err := g.Equal(g2)
	require.NoError(t, err)
	assert.True(t, eq)
}

func TestLexicalStripsQuotesAndDatatype(t *testing.T) {
	assert.Equal(t, "30", Lexical(TypedLiteral("30", "http://www.w3.org/2001/XMLSchema#integer")))
	assert.Equal(t, "Alice", Lexical(PlainLiteral("Alice")))
	assert.Equal(t, ns+"a", Lexical(IRI(ns+"a")))
}
