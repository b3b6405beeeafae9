// Package turtle parses a practical subset of Turtle (W3C Turtle 1.1)
// sufficient for the knowledge graphs and hook definitions the engine
// reads: prefixed names, the "a" keyword, predicate-object lists (;),
// object lists (,), nested blank node property lists ([ ... ]), RDF
// collections (( ... )), and typed or language-tagged literals.
package turtle

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/gitvan/khe/kherr"
	"github.com/gitvan/khe/rdf"
)

const rdfType = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
const rdfFirst = "http://www.w3.org/1999/02/22-rdf-syntax-ns#first"
const rdfRest = "http://www.w3.org/1999/02/22-rdf-syntax-ns#rest"
const rdfNil = "http://www.w3.org/1999/02/22-rdf-syntax-ns#nil"

// Parse parses data as Turtle, resolving relative IRIs against baseIRI,
// and returns the resulting quads. Blank node identifiers are scoped to
// this call: two Parse calls never produce colliding blank nodes.
func Parse(data []byte, baseIRI string) ([]rdf.Quad, error) {
	p := &parser{
		lex:     newLexer(string(data)),
		prefixes: map[string]string{},
		base:    baseIRI,
		bnodes:  map[string]int{},
		scope:   newScopeID(),
	}
	return p.parseDocument()
}

type parser struct {
	lex      *lexer
	prefixes map[string]string
	base     string
	bnodes   map[string]int
	bcounter int
	scope    string
}

var scopeCounter int

func newScopeID() string {
	scopeCounter++
	return fmt.Sprintf("g%d", scopeCounter)
}

func (p *parser) parseDocument() ([]rdf.Quad, error) {
	var quads []rdf.Quad
	for {
		p.lex.skipWS()
		if p.lex.eof() {
			break
		}
		if p.lex.peekKeyword("@prefix") || p.lex.peekKeywordCI("prefix") {
			if err := p.parsePrefix(); err != nil {
				return nil, err
			}
			continue
		}
		if p.lex.peekKeyword("@base") || p.lex.peekKeywordCI("base") {
			if err := p.parseBase(); err != nil {
				return nil, err
			}
			continue
		}
		stmtQuads, err := p.parseTriples()
		if err != nil {
			return nil, err
		}
		quads = append(quads, stmtQuads...)
	}
	return quads, nil
}

func (p *parser) parsePrefix() error {
	sparqlStyle := !p.lex.peekKeyword("@prefix")
	if sparqlStyle {
		p.lex.consumeWord() // "PREFIX"
	} else {
		p.lex.consumeExact("@prefix")
	}
	p.lex.skipWS()
	prefix := p.lex.consumePrefixName()
	p.lex.skipWS()
	iri, err := p.lex.consumeIRIRef()
	if err != nil {
		return err
	}
	p.prefixes[prefix] = p.resolve(iri)
	p.lex.skipWS()
	if !sparqlStyle {
		p.lex.consumeExact(".")
	}
	return nil
}

func (p *parser) parseBase() error {
	sparqlStyle := !p.lex.peekKeyword("@base")
	if sparqlStyle {
		p.lex.consumeWord()
	} else {
		p.lex.consumeExact("@base")
	}
	p.lex.skipWS()
	iri, err := p.lex.consumeIRIRef()
	if err != nil {
		return err
	}
	p.base = p.resolve(iri)
	p.lex.skipWS()
	if !sparqlStyle {
		p.lex.consumeExact(".")
	}
	return nil
}

func (p *parser) resolve(ref string) string {
	if strings.Contains(ref, "://") || p.base == "" {
		return ref
	}
	if strings.HasPrefix(ref, "#") {
		return strings.TrimSuffix(p.base, "/") + ref
	}
	return strings.TrimRight(p.base, "/") + "/" + strings.TrimLeft(ref, "/")
}

// parseTriples parses one "subject predicateObjectList ." statement,
// expanding predicate-object lists and nested blank node property lists
// into flat quads.
func (p *parser) parseTriples() ([]rdf.Quad, error) {
	var quads []rdf.Quad
	subject, subQuads, err := p.parseSubjectTerm(&quads)
	if err != nil {
		return nil, err
	}
	_ = subQuads
	p.lex.skipWS()
	if err := p.parsePredicateObjectList(subject, &quads); err != nil {
		return nil, err
	}
	p.lex.skipWS()
	p.lex.consumeExact(".")
	return quads, nil
}

func (p *parser) parseSubjectTerm(quads *[]rdf.Quad) (rdf.Term, []rdf.Quad, error) {
	p.lex.skipWS()
	if p.lex.peek() == '[' {
		return p.parseBlankNodePropertyList(quads)
	}
	if p.lex.peek() == '(' {
		term, err := p.parseCollection(quads)
		return term, nil, err
	}
	term, err := p.parseTerm()
	return term, nil, err
}

// parseCollection parses an RDF collection "( a b c )", materializing it as
// an rdf:first/rdf:rest linked list and returning its head term (rdf:nil
// for an empty collection).
func (p *parser) parseCollection(quads *[]rdf.Quad) (rdf.Term, error) {
	p.lex.consumeExact("(")
	p.lex.skipWS()

	var items []rdf.Term
	for p.lex.peek() != ')' {
		var item rdf.Term
		var err error
		switch {
		case p.lex.peek() == '[':
			item, _, err = p.parseBlankNodePropertyList(quads)
		case p.lex.peek() == '(':
			item, err = p.parseCollection(quads)
		default:
			item, err = p.parseTerm()
		}
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		p.lex.skipWS()
	}
	p.lex.consumeExact(")")

	if len(items) == 0 {
		return rdf.IRI(rdfNil), nil
	}

	nodes := make([]rdf.Term, len(items))
	for i := range items {
		nodes[i] = p.newBlank()
	}
	for i, item := range items {
		*quads = append(*quads, rdf.MakeQuad(nodes[i], rdf.IRI(rdfFirst), item, nil))
		var rest rdf.Term
		if i+1 < len(nodes) {
			rest = nodes[i+1]
		} else {
			rest = rdf.IRI(rdfNil)
		}
		*quads = append(*quads, rdf.MakeQuad(nodes[i], rdf.IRI(rdfRest), rest, nil))
	}
	return nodes[0], nil
}

func (p *parser) parseBlankNodePropertyList(quads *[]rdf.Quad) (rdf.Term, []rdf.Quad, error) {
	p.lex.consumeExact("[")
	bnode := p.newBlank()
	p.lex.skipWS()
	if p.lex.peek() != ']' {
		if err := p.parsePredicateObjectList(bnode, quads); err != nil {
			return nil, nil, err
		}
	}
	p.lex.skipWS()
	p.lex.consumeExact("]")
	return bnode, nil, nil
}

func (p *parser) parsePredicateObjectList(subject rdf.Term, quads *[]rdf.Quad) error {
	for {
		p.lex.skipWS()
		predicate, err := p.parsePredicate()
		if err != nil {
			return err
		}
		p.lex.skipWS()
		if err := p.parseObjectList(subject, predicate, quads); err != nil {
			return err
		}
		p.lex.skipWS()
		if p.lex.peek() != ';' {
			return nil
		}
		p.lex.consumeExact(";")
		p.lex.skipWS()
		if p.lex.peek() == '.' || p.lex.peek() == ']' {
			return nil
		}
	}
}

func (p *parser) parsePredicate() (rdf.Term, error) {
	if p.lex.peekKeyword("a") && p.lex.peekWordBoundaryAfter(1) {
		p.lex.consumeExact("a")
		return rdf.IRI(rdfType), nil
	}
	return p.parseTerm()
}

func (p *parser) parseObjectList(subject, predicate rdf.Term, quads *[]rdf.Quad) error {
	for {
		p.lex.skipWS()
		var object rdf.Term
		var err error
		switch {
		case p.lex.peek() == '[':
			object, _, err = p.parseBlankNodePropertyList(quads)
		case p.lex.peek() == '(':
			object, err = p.parseCollection(quads)
		default:
			object, err = p.parseTerm()
		}
		if err != nil {
			return err
		}
		*quads = append(*quads, rdf.MakeQuad(subject, predicate, object, nil))
		p.lex.skipWS()
		if p.lex.peek() != ',' {
			return nil
		}
		p.lex.consumeExact(",")
	}
}

func (p *parser) newBlank() rdf.Term {
	p.bcounter++
	return rdf.BlankNode(fmt.Sprintf("_:%s-b%d", p.scope, p.bcounter))
}

func (p *parser) parseTerm() (rdf.Term, error) {
	p.lex.skipWS()
	switch {
	case p.lex.peek() == '<':
		iri, err := p.lex.consumeIRIRef()
		if err != nil {
			return nil, err
		}
		return rdf.IRI(p.resolve(iri)), nil
	case p.lex.peek() == '_':
		label := p.lex.consumeBlankLabel()
		return rdf.BlankNode(fmt.Sprintf("_:%s-%s", p.scope, label)), nil
	case p.lex.peek() == '"' || p.lex.peek() == '\'':
		return p.parseLiteral()
	case unicode.IsDigit(rune(p.lex.peek())) || p.lex.peek() == '-' || p.lex.peek() == '+':
		return p.parseNumericLiteral()
	case p.lex.peekKeyword("true") || p.lex.peekKeyword("false"):
		word := p.lex.consumeWord()
		return rdf.TypedLiteral(word, "http://www.w3.org/2001/XMLSchema#boolean"), nil
	default:
		prefixed := p.lex.consumePrefixedName()
		parts := strings.SplitN(prefixed, ":", 2)
		if len(parts) != 2 {
			return nil, kherr.Wrap(kherr.KindParse, fmt.Errorf("malformed term %q", prefixed), "parsing turtle term")
		}
		ns, ok := p.prefixes[parts[0]]
		if !ok {
			return nil, kherr.Wrap(kherr.KindParse, fmt.Errorf("unknown prefix %q", parts[0]), "parsing turtle term")
		}
		return rdf.IRI(ns + parts[1]), nil
	}
}

func (p *parser) parseNumericLiteral() (rdf.Term, error) {
	word := p.lex.consumeNumber()
	datatype := "http://www.w3.org/2001/XMLSchema#integer"
	if strings.ContainsAny(word, ".eE") {
		datatype = "http://www.w3.org/2001/XMLSchema#decimal"
	}
	if _, err := strconv.ParseFloat(word, 64); err != nil {
		return nil, kherr.Wrap(kherr.KindParse, err, "parsing numeric literal %q", word)
	}
	return rdf.TypedLiteral(word, datatype), nil
}

func (p *parser) parseLiteral() (rdf.Term, error) {
	value, err := p.lex.consumeStringLiteral()
	if err != nil {
		return nil, err
	}
	if p.lex.peek() == '@' {
		p.lex.consumeExact("@")
		lang := p.lex.consumeLangTag()
		return rdf.LangLiteral(value, lang), nil
	}
	if p.lex.peek() == '^' {
		p.lex.consumeExact("^^")
		dtTerm, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		iri, ok := dtTerm.(interface{ String() string })
		if !ok {
			return nil, kherr.New(kherr.KindParse, "expected datatype IRI")
		}
		return rdf.TypedLiteral(value, strings.Trim(iri.String(), "<>")), nil
	}
	return rdf.PlainLiteral(value), nil
}
