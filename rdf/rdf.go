// Package rdf is the Knowledge Hook Engine's RDF data model: an immutable
// Graph of quads backed by an in-memory Cayley quad store, generalized
// from the teacher's bolt-backed WorkflowGraph to a transient, per-commit
// store suited to graphs that are loaded, queried, and discarded within a
// single evaluation.
package rdf

import (
	"bytes"
	"context"
	"io"
	"sort"

	"github.com/cayleygraph/cayley"
	"github.com/cayleygraph/cayley/graph"
	_ "github.com/cayleygraph/cayley/graph/memstore"
	"github.com/cayleygraph/quad"
	"github.com/cayleygraph/quad/nquads"

	"github.com/gitvan/khe/kherr"
)

// Term is any RDF term: an IRI, a literal, or a blank node.
type Term = quad.Value

// IRI constructs an IRI term.
func IRI(value string) quad.IRI { return quad.IRI(value) }

// BlankNode constructs a blank node term scoped to whatever parse unit
// created it.
func BlankNode(id string) quad.BNode { return quad.BNode(id) }

// PlainLiteral constructs a simple string literal with no language tag or
// datatype.
func PlainLiteral(value string) quad.Value { return quad.String(value) }

// LangLiteral constructs a language-tagged literal.
func LangLiteral(value, lang string) quad.Value { return quad.LangString{Value: quad.String(value), Lang: lang} }

// TypedLiteral constructs a datatype-tagged literal.
func TypedLiteral(value, datatype string) quad.Value {
	return quad.TypedString{Value: quad.String(value), Type: quad.IRI(datatype)}
}

// Quad is one (subject, predicate, object, graph-label) statement.
type Quad = quad.Quad

// MakeQuad builds a Quad; label may be nil for the default (unnamed) graph.
func MakeQuad(subject, predicate, object quad.Value, label quad.Value) Quad {
	return quad.Make(subject, predicate, object, label)
}

// Graph is an immutable set of quads with a base IRI used to resolve
// relative references when the graph was parsed from Turtle.
type Graph struct {
	store   *cayley.Handle
	baseIRI string
}

// New creates an empty Graph with the given base IRI.
func New(baseIRI string) (*Graph, error) {
	store, err := cayley.NewGraph("memstore", "", nil)
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "creating quad store")
	}
	return &Graph{store: store, baseIRI: baseIRI}, nil
}

// BaseIRI returns the graph's base IRI.
func (g *Graph) BaseIRI() string { return g.baseIRI }

// AddQuads inserts qs into the graph.
func (g *Graph) AddQuads(qs []Quad) error {
	if len(qs) == 0 {
		return nil
	}
	if err := g.store.AddQuadSet(qs); err != nil {
		return kherr.Wrap(kherr.KindIO, err, "adding quads")
	}
	return nil
}

// Len returns the number of quads in the graph.
func (g *Graph) Len() int64 {
	ctx := context.Background()
	it := g.store.QuadsAllIterator()
	defer it.Close()
	var n int64
	for it.Next(ctx) {
		n++
	}
	return n
}

// All returns every quad in the graph, sorted for deterministic output.
func (g *Graph) All() ([]Quad, error) {
	ctx := context.Background()
	it := g.store.QuadsAllIterator()
	defer it.Close()

	var qs []Quad
	for it.Next(ctx) {
		qs = append(qs, g.store.Quad(it.Result()))
	}
	if err := it.Err(); err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "iterating quads")
	}
	sort.Slice(qs, func(i, j int) bool { return quadLess(qs[i], qs[j]) })
	return qs, nil
}

// Lexical extracts a term's lexical value: a literal's quoted value with any
// language tag or datatype suffix stripped, or an IRI/blank node's raw
// string form unchanged.
func Lexical(t Term) string {
	if t == nil {
		return ""
	}
	s := t.String()
	if len(s) < 2 || s[0] != '"' {
		return s
	}
	for i := len(s) - 1; i > 0; i-- {
		if s[i] == '"' {
			return s[1:i]
		}
	}
	return s
}

func quadLess(a, b Quad) bool {
	if a.Subject.String() != b.Subject.String() {
		return a.Subject.String() < b.Subject.String()
	}
	if a.Predicate.String() != b.Predicate.String() {
		return a.Predicate.String() < b.Predicate.String()
	}
	return a.Object.String() < b.Object.String()
}

// Union returns a new Graph containing every quad in g plus every quad in
// other, deduplicated.
func (g *Graph) Union(other *Graph) (*Graph, error) {
	out, err := New(g.baseIRI)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for _, src := range []*Graph{g, other} {
		qs, err := src.All()
		if err != nil {
			return nil, err
		}
		var fresh []Quad
		for _, q := range qs {
			key := q.Subject.String() + "\x00" + q.Predicate.String() + "\x00" + q.Object.String()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			fresh = append(fresh, q)
		}
		if err := out.AddQuads(fresh); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Difference returns the quads present in g but not in other.
func (g *Graph) Difference(other *Graph) (*Graph, error) {
	out, err := New(g.baseIRI)
	if err != nil {
		return nil, err
	}
	otherQuads, err := other.All()
	if err != nil {
		return nil, err
	}
	otherSet := map[string]struct{}{}
	for _, q := range otherQuads {
		otherSet[quadKey(q)] = struct{}{}
	}
	gQuads, err := g.All()
	if err != nil {
		return nil, err
	}
	var diff []Quad
	for _, q := range gQuads {
		if _, ok := otherSet[quadKey(q)]; !ok {
			diff = append(diff, q)
		}
	}
	if err := out.AddQuads(diff); err != nil {
		return nil, err
	}
	return out, nil
}

// Intersection returns the quads present in both g and other.
func (g *Graph) Intersection(other *Graph) (*Graph, error) {
	out, err := New(g.baseIRI)
	if err != nil {
		return nil, err
	}
	otherQuads, err := other.All()
	if err != nil {
		return nil, err
	}
	otherSet := map[string]struct{}{}
	for _, q := range otherQuads {
		otherSet[quadKey(q)] = struct{}{}
	}
	gQuads, err := g.All()
	if err != nil {
		return nil, err
	}
	var inter []Quad
	for _, q := range gQuads {
		if _, ok := otherSet[quadKey(q)]; ok {
			inter = append(inter, q)
		}
	}
	if err := out.AddQuads(inter); err != nil {
		return nil, err
	}
	return out, nil
}

func quadKey(q Quad) string {
	return q.Subject.String() + "\x00" + q.Predicate.String() + "\x00" + q.Object.String()
}

// Equal reports whether g and other contain exactly the same ground
// quads. Graphs containing blank nodes should be skolemized first;
// Equal does not attempt isomorphism matching on its own.
func (g *Graph) Equal(other *Graph) (bool, error) {
	a, err := g.All()
	if err != nil {
		return false, err
	}
	b, err := other.All()
	if err != nil {
		return false, err
	}
	if len(a) != len(b) {
		return false, nil
	}
	setA := map[string]int{}
	for _, q := range a {
		setA[quadKey(q)]++
	}
	for _, q := range b {
		setA[quadKey(q)]--
	}
	for _, count := range setA {
		if count != 0 {
			return false, nil
		}
	}
	return true, nil
}

// MarshalNQuads serializes every quad in the graph to canonical N-Quads,
// sorted for byte-for-byte reproducibility across loads of the same data.
// This is the on-disk form the Artifact Cache stores a loaded graph as.
func (g *Graph) MarshalNQuads() ([]byte, error) {
	qs, err := g.All()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := nquads.NewWriter(&buf)
	for _, q := range qs {
		if err := w.WriteQuad(q); err != nil {
			return nil, kherr.Wrap(kherr.KindIO, err, "writing n-quads")
		}
	}
	if err := w.Close(); err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "closing n-quads writer")
	}
	return buf.Bytes(), nil
}

// UnmarshalNQuads parses N-Quads data (as produced by MarshalNQuads) into a
// new Graph with the given base IRI.
func UnmarshalNQuads(data []byte, baseIRI string) (*Graph, error) {
	g, err := New(baseIRI)
	if err != nil {
		return nil, err
	}
	r := nquads.NewReader(bytes.NewReader(data), false)
	defer r.Close()
	var qs []Quad
	for {
		q, err := r.ReadQuad()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, kherr.Wrap(kherr.KindParse, err, "reading n-quads")
		}
		qs = append(qs, q)
	}
	if err := g.AddQuads(qs); err != nil {
		return nil, err
	}
	return g, nil
}

// Close releases resources held by the graph's quad store.
func (g *Graph) Close() error {
	if err := g.store.Close(); err != nil {
		return kherr.Wrap(kherr.KindIO, err, "closing quad store")
	}
	return nil
}

// Handle exposes the underlying cayley handle for packages (sparql, shacl)
// that need direct path-based queries.
func (g *Graph) Handle() *cayley.Handle { return g.store }

// QuadStore exposes the graph's underlying quadstore for iterator-level
// access.
func (g *Graph) QuadStore() graph.QuadStore { return g.store.QuadStore }
