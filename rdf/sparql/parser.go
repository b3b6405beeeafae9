package sparql

import (
	"strconv"
	"strings"

	"github.com/gitvan/khe/kherr"
	"github.com/gitvan/khe/rdf"
)

type parser struct {
	toks     []token
	pos      int
	prefixes map[string]string
	base     string
}

// Parse parses a SPARQL query string into a Query AST.
func Parse(queryText string) (*Query, error) {
	toks, err := tokenize(queryText)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, prefixes: map[string]string{}}
	return p.parseQuery()
}

func (p *parser) peek() token   { return p.toks[p.pos] }
func (p *parser) advance() token { t := p.toks[p.pos]; p.pos++; return t }

func (p *parser) peekWordCI(kw string) bool {
	t := p.peek()
	return (t.kind == tokWord) && strings.EqualFold(t.text, kw)
}

func (p *parser) expectWordCI(kw string) (token, error) {
	if !p.peekWordCI(kw) {
		return token{}, kherr.New(kherr.KindParse, "expected %q but found %s", kw, fmtTok(p.peek()))
	}
	return p.advance(), nil
}

func (p *parser) expectPunct(s string) error {
	t := p.peek()
	if t.kind != tokPunct || t.text != s {
		return kherr.New(kherr.KindParse, "expected %q but found %s", s, fmtTok(t))
	}
	p.advance()
	return nil
}

func (p *parser) peekPunct(s string) bool {
	t := p.peek()
	return t.kind == tokPunct && t.text == s
}

func (p *parser) parseQuery() (*Query, error) {
	if err := p.parsePrologue(); err != nil {
		return nil, err
	}

	q := &Query{Limit: -1}
	switch {
	case p.peekWordCI("SELECT"):
		if err := p.parseSelect(q); err != nil {
			return nil, err
		}
	case p.peekWordCI("ASK"):
		p.advance()
		q.Form = FormAsk
		where, err := p.parseWhere()
		if err != nil {
			return nil, err
		}
		q.Where = where
	case p.peekWordCI("CONSTRUCT"):
		p.advance()
		q.Form = FormConstruct
		if err := p.expectPunct("{"); err != nil {
			return nil, err
		}
		tmpl, err := p.parseTriplesBlock()
		if err != nil {
			return nil, err
		}
		q.Construct = tmpl
		if err := p.expectPunct("}"); err != nil {
			return nil, err
		}
		where, err := p.parseWhere()
		if err != nil {
			return nil, err
		}
		q.Where = where
	case p.peekWordCI("DESCRIBE"):
		p.advance()
		q.Form = FormDescribe
		for !p.peekWordCI("WHERE") && !p.peekPunct("{") && p.peek().kind != tokEOF {
			term, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			q.Describe = append(q.Describe, term)
		}
		if p.peekWordCI("WHERE") || p.peekPunct("{") {
			where, err := p.parseWhere()
			if err != nil {
				return nil, err
			}
			q.Where = where
		}
	default:
		return nil, kherr.New(kherr.KindParse, "unrecognized query form at %s", fmtTok(p.peek()))
	}

	if err := p.parseSolutionModifiers(q); err != nil {
		return nil, err
	}
	return q, nil
}

func (p *parser) parsePrologue() error {
	for {
		switch {
		case p.peekWordCI("PREFIX"):
			p.advance()
			name := p.advance().text // e.g. "ex:" tokenized as prefixed-name-ish word
			name = strings.TrimSuffix(name, ":")
			iriTok := p.advance()
			if iriTok.kind != tokIRI {
				return kherr.New(kherr.KindParse, "expected IRI after PREFIX at %s", fmtTok(iriTok))
			}
			p.prefixes[name] = iriTok.text
		case p.peekWordCI("BASE"):
			p.advance()
			iriTok := p.advance()
			if iriTok.kind != tokIRI {
				return kherr.New(kherr.KindParse, "expected IRI after BASE at %s", fmtTok(iriTok))
			}
			p.base = iriTok.text
		default:
			return nil
		}
	}
}

func (p *parser) parseSelect(q *Query) error {
	p.advance() // SELECT
	q.Form = FormSelect
	if p.peekWordCI("DISTINCT") {
		p.advance()
		q.Distinct = true
	}
	if p.peekPunct("*") {
		p.advance()
		q.Star = true
	} else {
		for isProjectionStart(p.peek()) {
			item, err := p.parseSelectItem()
			if err != nil {
				return err
			}
			q.Projection = append(q.Projection, item)
		}
	}
	where, err := p.parseWhere()
	if err != nil {
		return err
	}
	q.Where = where
	if p.peekWordCI("GROUP") {
		p.advance()
		if _, err := p.expectWordCI("BY"); err != nil {
			return err
		}
		for p.peek().kind == tokVar {
			q.GroupBy = append(q.GroupBy, p.advance().text)
		}
	}
	return nil
}

func isProjectionStart(t token) bool {
	return t.kind == tokVar || (t.kind == tokPunct && t.text == "(")
}

func (p *parser) parseSelectItem() (SelectItem, error) {
	if p.peek().kind == tokVar {
		return SelectItem{Var: p.advance().text}, nil
	}
	if err := p.expectPunct("("); err != nil {
		return SelectItem{}, err
	}
	expr, err := p.parseAggOrExpr()
	if err != nil {
		return SelectItem{}, err
	}
	alias := ""
	if p.peekWordCI("AS") {
		p.advance()
		if p.peek().kind != tokVar {
			return SelectItem{}, kherr.New(kherr.KindParse, "expected alias variable after AS at %s", fmtTok(p.peek()))
		}
		alias = p.advance().text
	}
	if err := p.expectPunct(")"); err != nil {
		return SelectItem{}, err
	}
	return SelectItem{Alias: alias, Expr: expr}, nil
}

func (p *parser) parseAggOrExpr() (Expr, error) {
	for _, name := range []string{"COUNT", "SUM", "AVG", "MIN", "MAX"} {
		if p.peekWordCI(name) {
			p.advance()
			if err := p.expectPunct("("); err != nil {
				return nil, err
			}
			agg := AggExpr{Name: strings.ToUpper(name)}
			if p.peekWordCI("DISTINCT") {
				p.advance()
				agg.Distinct = true
			}
			if p.peekPunct("*") {
				p.advance()
				agg.Star = true
			} else {
				arg, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				agg.Arg = arg
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return agg, nil
		}
	}
	return p.parseExpr()
}

func (p *parser) parseWhere() ([]WherePart, error) {
	if p.peekWordCI("WHERE") {
		p.advance()
	}
	if err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	var parts []WherePart
	for !p.peekPunct("}") {
		if p.peekWordCI("FILTER") {
			p.advance()
			needParen := p.peekPunct("(")
			if needParen {
				p.advance()
			}
			expr, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if needParen {
				if err := p.expectPunct(")"); err != nil {
					return nil, err
				}
			}
			parts = append(parts, WherePart{Filter: expr})
			if p.peekPunct(".") {
				p.advance()
			}
			continue
		}
		pat, err := p.parseOneTriple()
		if err != nil {
			return nil, err
		}
		parts = append(parts, WherePart{Pattern: &pat})
		if p.peekPunct(".") {
			p.advance()
		}
	}
	if err := p.expectPunct("}"); err != nil {
		return nil, err
	}
	return parts, nil
}

// parseTriplesBlock parses a CONSTRUCT template: one or more "s p o ."
// triples with no filters allowed.
func (p *parser) parseTriplesBlock() ([]TriplePattern, error) {
	var tmpl []TriplePattern
	for !p.peekPunct("}") {
		pat, err := p.parseOneTriple()
		if err != nil {
			return nil, err
		}
		tmpl = append(tmpl, pat)
		if p.peekPunct(".") {
			p.advance()
		}
	}
	return tmpl, nil
}

func (p *parser) parseOneTriple() (TriplePattern, error) {
	s, err := p.parseTerm()
	if err != nil {
		return TriplePattern{}, err
	}
	pr, err := p.parsePredicateTerm()
	if err != nil {
		return TriplePattern{}, err
	}
	o, err := p.parseTerm()
	if err != nil {
		return TriplePattern{}, err
	}
	return TriplePattern{Subject: s, Predicate: pr, Object: o}, nil
}

func (p *parser) parsePredicateTerm() (Term, error) {
	if p.peek().kind == tokWord && p.peek().text == "a" {
		p.advance()
		return Term{Value: rdf.IRI("http://www.w3.org/1999/02/22-rdf-syntax-ns#type")}, nil
	}
	return p.parseTerm()
}

func (p *parser) parseTerm() (Term, error) {
	t := p.peek()
	switch t.kind {
	case tokVar:
		p.advance()
		return Term{Var: t.text}, nil
	case tokIRI:
		p.advance()
		return Term{Value: rdf.IRI(p.resolve(t.text))}, nil
	case tokPrefixedName:
		p.advance()
		return p.resolvePrefixedTerm(t.text)
	case tokString:
		p.advance()
		return p.parseLiteralTerm(t.text)
	case tokNumber:
		p.advance()
		dt := "http://www.w3.org/2001/XMLSchema#integer"
		if strings.Contains(t.text, ".") {
			dt = "http://www.w3.org/2001/XMLSchema#decimal"
		}
		return Term{Value: rdf.TypedLiteral(t.text, dt)}, nil
	case tokWord:
		if strings.EqualFold(t.text, "true") || strings.EqualFold(t.text, "false") {
			p.advance()
			return Term{Value: rdf.TypedLiteral(strings.ToLower(t.text), "http://www.w3.org/2001/XMLSchema#boolean")}, nil
		}
	}
	return Term{}, kherr.New(kherr.KindParse, "expected a term but found %s", fmtTok(t))
}

func (p *parser) parseLiteralTerm(value string) (Term, error) {
	if p.peekPunct("@") {
		p.advance()
		lang := p.advance().text
		return Term{Value: rdf.LangLiteral(value, lang)}, nil
	}
	if p.peekPunct("^^") {
		p.advance()
		dtTok := p.advance()
		dt := dtTok.text
		if dtTok.kind == tokPrefixedName {
			resolved, err := p.resolvePrefixedTerm(dtTok.text)
			if err != nil {
				return Term{}, err
			}
			dt = resolved.Value.String()
		} else {
			dt = p.resolve(dtTok.text)
		}
		return Term{Value: rdf.TypedLiteral(value, dt)}, nil
	}
	return Term{Value: rdf.PlainLiteral(value)}, nil
}

func (p *parser) resolvePrefixedTerm(raw string) (Term, error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return Term{}, kherr.New(kherr.KindParse, "malformed prefixed name %q", raw)
	}
	ns, ok := p.prefixes[parts[0]]
	if !ok {
		return Term{}, kherr.New(kherr.KindParse, "unknown prefix %q", parts[0])
	}
	return Term{Value: rdf.IRI(ns + parts[1])}, nil
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

// --- expression parsing: || then && then comparison then unary/primary ---

func (p *parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peekPunct("||") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = BinExpr{Op: "||", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.peekPunct("&&") {
		p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = BinExpr{Op: "&&", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if p.peek().kind == tokPunct {
		switch p.peek().text {
		case "=", "!=", "<", "<=", ">", ">=":
			op := p.advance().text
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return BinExpr{Op: op, Left: left, Right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.peekPunct("!") {
		p.advance()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return UnaryExpr{Op: "!", Expr: inner}, nil
	}
	if p.peek().kind == tokPunct && p.peek().text == "-" {
		p.advance()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return UnaryExpr{Op: "-", Expr: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.peek()
	if t.kind == tokPunct && t.text == "(" {
		p.advance()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return inner, nil
	}
	if t.kind == tokWord {
		switch strings.ToUpper(t.text) {
		case "BOUND", "REGEX", "STR", "LANG", "DATATYPE":
			name := strings.ToUpper(t.text)
			p.advance()
			if err := p.expectPunct("("); err != nil {
				return nil, err
			}
			var args []Expr
			for !p.peekPunct(")") {
				arg, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.peekPunct(",") {
					p.advance()
				}
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return FuncExpr{Name: name, Args: args}, nil
		}
	}
	term, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	if term.IsVar() {
		return VarExpr{Name: term.Var}, nil
	}
	return ConstExpr{Value: term.Value}, nil
}

func (p *parser) parseSolutionModifiers(q *Query) error {
	if p.peekWordCI("ORDER") {
		p.advance()
		if _, err := p.expectWordCI("BY"); err != nil {
			return err
		}
		for {
			desc := false
			if p.peekWordCI("DESC") {
				p.advance()
				desc = true
				if err := p.expectPunct("("); err != nil {
					return err
				}
			} else if p.peekWordCI("ASC") {
				p.advance()
				if err := p.expectPunct("("); err != nil {
					return err
				}
			}
			expr, err := p.parseExpr()
			if err != nil {
				return err
			}
			q.OrderBy = append(q.OrderBy, OrderTerm{Expr: expr, Descending: desc})
			if p.peekPunct(")") {
				p.advance()
			}
			if !(p.peek().kind == tokVar || p.peekWordCI("DESC") || p.peekWordCI("ASC") || (p.peek().kind == tokPunct && p.peek().text == "(")) {
				break
			}
		}
	}
	if p.peekWordCI("LIMIT") {
		p.advance()
		n, err := p.expectInt()
		if err != nil {
			return err
		}
		q.Limit = n
	}
	if p.peekWordCI("OFFSET") {
		p.advance()
		n, err := p.expectInt()
		if err != nil {
			return err
		}
		q.Offset = n
	}
	return nil
}

func (p *parser) expectInt() (int, error) {
	t := p.advance()
	if t.kind != tokNumber {
		return 0, kherr.New(kherr.KindParse, "expected integer at %s", fmtTok(t))
	}
	n, err := strconv.Atoi(t.text)
	if err != nil {
		return 0, kherr.Wrap(kherr.KindParse, err, "parsing integer %q", t.text)
	}
	return n, nil
}
