package sparql

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gitvan/khe/kherr"
	"github.com/gitvan/khe/rdf"
)

// Row is one solution mapping from variable name to bound term.
type Row map[string]rdf.Term

// SelectResult is the outcome of a SELECT query: an ordered variable list
// (the projection, in source order) and the matching rows.
type SelectResult struct {
	Vars []string
	Rows []Row
}

// Options bounds a single query evaluation.
type Options struct {
	Timeout time.Duration
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return 30 * time.Second
	}
	return o.Timeout
}

// Select executes a SPARQL SELECT query against g.
func Select(g *rdf.Graph, queryText string, opts Options) (*SelectResult, error) {
	q, err := Parse(queryText)
	if err != nil {
		return nil, err
	}
	if q.Form != FormSelect {
		return nil, kherr.New(kherr.KindQuery, "query is not a SELECT query")
	}
	return evalSelect(g, q, opts)
}

// Ask executes a SPARQL ASK query against g.
func Ask(g *rdf.Graph, queryText string, opts Options) (bool, error) {
	q, err := Parse(queryText)
	if err != nil {
		return false, err
	}
	if q.Form != FormAsk {
		return false, kherr.New(kherr.KindQuery, "query is not an ASK query")
	}
	rows, err := evalWhere(g, q.Where, opts)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// Construct executes a SPARQL CONSTRUCT query against g, returning a new
// Graph built from the template instantiated once per WHERE solution.
func Construct(g *rdf.Graph, queryText string, opts Options) (*rdf.Graph, error) {
	q, err := Parse(queryText)
	if err != nil {
		return nil, err
	}
	if q.Form != FormConstruct {
		return nil, kherr.New(kherr.KindQuery, "query is not a CONSTRUCT query")
	}
	rows, err := evalWhere(g, q.Where, opts)
	if err != nil {
		return nil, err
	}
	out, err := rdf.New(g.BaseIRI())
	if err != nil {
		return nil, err
	}
	var quads []rdf.Quad
	for _, row := range rows {
		for _, tmpl := range q.Construct {
			s, ok1 := instantiate(tmpl.Subject, row)
			p, ok2 := instantiate(tmpl.Predicate, row)
			o, ok3 := instantiate(tmpl.Object, row)
			if !ok1 || !ok2 || !ok3 {
				continue
			}
			quads = append(quads, rdf.MakeQuad(s, p, o, nil))
		}
	}
	if err := out.AddQuads(quads); err != nil {
		return nil, err
	}
	return out, nil
}

// Describe executes a SPARQL DESCRIBE query against g, returning a Graph of
// every quad whose subject is one of the described resources (constants
// named directly, or bound by the optional WHERE clause).
func Describe(g *rdf.Graph, queryText string, opts Options) (*rdf.Graph, error) {
	q, err := Parse(queryText)
	if err != nil {
		return nil, err
	}
	if q.Form != FormDescribe {
		return nil, kherr.New(kherr.KindQuery, "query is not a DESCRIBE query")
	}

	subjects := map[string]rdf.Term{}
	if len(q.Where) > 0 {
		rows, err := evalWhere(g, q.Where, opts)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			for _, term := range q.Describe {
				if term.IsVar() {
					if v, ok := row[term.Var]; ok {
						subjects[v.String()] = v
					}
				} else {
					subjects[term.Value.String()] = term.Value
				}
			}
		}
	} else {
		for _, term := range q.Describe {
			if !term.IsVar() {
				subjects[term.Value.String()] = term.Value
			}
		}
	}

	all, err := g.All()
	if err != nil {
		return nil, err
	}
	out, err := rdf.New(g.BaseIRI())
	if err != nil {
		return nil, err
	}
	var quads []rdf.Quad
	for _, quad := range all {
		if _, ok := subjects[quad.Subject.String()]; ok {
			quads = append(quads, quad)
		}
	}
	if err := out.AddQuads(quads); err != nil {
		return nil, err
	}
	return out, nil
}

func instantiate(t Term, row Row) (rdf.Term, bool) {
	if !t.IsVar() {
		return t.Value, true
	}
	v, ok := row[t.Var]
	return v, ok
}

// evalWhere runs the BGP + FILTER evaluation for a WHERE clause body,
// yielding every solution row.
func evalWhere(g *rdf.Graph, parts []WherePart, opts Options) ([]Row, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout())
	defer cancel()

	quads, err := g.All()
	if err != nil {
		return nil, err
	}

	rows := []Row{{}}
	for _, part := range parts {
		select {
		case <-ctx.Done():
			return nil, kherr.Wrap(kherr.KindTimeout, ctx.Err(), "sparql evaluation timed out")
		default:
		}
		if part.Pattern != nil {
			rows = joinPattern(rows, quads, *part.Pattern)
			continue
		}
		rows, err = applyFilter(rows, part.Filter)
		if err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func joinPattern(rows []Row, quads []rdf.Quad, pat TriplePattern) []Row {
	var out []Row
	for _, row := range rows {
		for _, q := range quads {
			binding, ok := matchQuad(pat, q, row)
			if ok {
				out = append(out, binding)
			}
		}
	}
	return out
}

func matchQuad(pat TriplePattern, q rdf.Quad, row Row) (Row, bool) {
	next := Row{}
	for k, v := range row {
		next[k] = v
	}
	if !bindTerm(pat.Subject, q.Subject, next) {
		return nil, false
	}
	if !bindTerm(pat.Predicate, q.Predicate, next) {
		return nil, false
	}
	if !bindTerm(pat.Object, q.Object, next) {
		return nil, false
	}
	return next, true
}

func bindTerm(pat Term, value rdf.Term, row Row) bool {
	if !pat.IsVar() {
		return termEqual(pat.Value, value)
	}
	if existing, ok := row[pat.Var]; ok {
		return termEqual(existing, value)
	}
	row[pat.Var] = value
	return true
}

func termEqual(a, b rdf.Term) bool {
	if a == nil || b == nil {
		return false
	}
	return a.String() == b.String()
}

func applyFilter(rows []Row, expr Expr) ([]Row, error) {
	var out []Row
	for _, row := range rows {
		v, err := evalExpr(expr, row)
		if err != nil {
			return nil, err
		}
		if truthy(v) {
			out = append(out, row)
		}
	}
	return out, nil
}

// exprValue is the dynamic result of evaluating an Expr: a boolean, a
// float64, or an rdf.Term.
type exprValue struct {
	term rdf.Term
	b    bool
	f    float64
	isB  bool
	isF  bool
}

func evalExpr(e Expr, row Row) (exprValue, error) {
	switch ex := e.(type) {
	case VarExpr:
		v, ok := row[ex.Name]
		if !ok {
			return exprValue{}, kherr.New(kherr.KindQuery, "unbound variable ?%s in expression", ex.Name)
		}
		return exprValue{term: v}, nil
	case ConstExpr:
		return exprValue{term: ex.Value}, nil
	case UnaryExpr:
		inner, err := evalExpr(ex.Expr, row)
		if err != nil {
			return exprValue{}, err
		}
		switch ex.Op {
		case "!":
			return exprValue{b: !truthy(inner), isB: true}, nil
		case "-":
			f, ok := numeric(inner)
			if !ok {
				return exprValue{}, kherr.New(kherr.KindQuery, "cannot negate non-numeric value")
			}
			return exprValue{f: -f, isF: true}, nil
		}
	case BinExpr:
		return evalBin(ex, row)
	case FuncExpr:
		return evalFunc(ex, row)
	}
	return exprValue{}, kherr.New(kherr.KindQuery, "unsupported expression node %T", e)
}

func evalBin(ex BinExpr, row Row) (exprValue, error) {
	if ex.Op == "&&" {
		l, err := evalExpr(ex.Left, row)
		if err != nil {
			return exprValue{}, err
		}
		if !truthy(l) {
			return exprValue{b: false, isB: true}, nil
		}
		r, err := evalExpr(ex.Right, row)
		if err != nil {
			return exprValue{}, err
		}
		return exprValue{b: truthy(r), isB: true}, nil
	}
	if ex.Op == "||" {
		l, err := evalExpr(ex.Left, row)
		if err != nil {
			return exprValue{}, err
		}
		if truthy(l) {
			return exprValue{b: true, isB: true}, nil
		}
		r, err := evalExpr(ex.Right, row)
		if err != nil {
			return exprValue{}, err
		}
		return exprValue{b: truthy(r), isB: true}, nil
	}

	l, err := evalExpr(ex.Left, row)
	if err != nil {
		return exprValue{}, err
	}
	r, err := evalExpr(ex.Right, row)
	if err != nil {
		return exprValue{}, err
	}

	lf, lok := numeric(l)
	rf, rok := numeric(r)
	if lok && rok {
		var result bool
		switch ex.Op {
		case "=":
			result = lf == rf
		case "!=":
			result = lf != rf
		case "<":
			result = lf < rf
		case "<=":
			result = lf <= rf
		case ">":
			result = lf > rf
		case ">=":
			result = lf >= rf
		default:
			return exprValue{}, kherr.New(kherr.KindQuery, "unsupported operator %q", ex.Op)
		}
		return exprValue{b: result, isB: true}, nil
	}

	ls, rs := stringOf(l), stringOf(r)
	var result bool
	switch ex.Op {
	case "=":
		result = ls == rs
	case "!=":
		result = ls != rs
	case "<":
		result = ls < rs
	case "<=":
		result = ls <= rs
	case ">":
		result = ls > rs
	case ">=":
		result = ls >= rs
	default:
		return exprValue{}, kherr.New(kherr.KindQuery, "unsupported operator %q", ex.Op)
	}
	return exprValue{b: result, isB: true}, nil
}

func evalFunc(ex FuncExpr, row Row) (exprValue, error) {
	switch ex.Name {
	case "BOUND":
		ve, ok := ex.Args[0].(VarExpr)
		if !ok {
			return exprValue{}, kherr.New(kherr.KindQuery, "bound() requires a variable argument")
		}
		_, bound := row[ve.Name]
		return exprValue{b: bound, isB: true}, nil
	case "REGEX":
		if len(ex.Args) < 2 {
			return exprValue{}, kherr.New(kherr.KindQuery, "regex() requires at least 2 arguments")
		}
		subj, err := evalExpr(ex.Args[0], row)
		if err != nil {
			return exprValue{}, err
		}
		pat, err := evalExpr(ex.Args[1], row)
		if err != nil {
			return exprValue{}, err
		}
		flags := ""
		if len(ex.Args) > 2 {
			fv, err := evalExpr(ex.Args[2], row)
			if err != nil {
				return exprValue{}, err
			}
			flags = stringOf(fv)
		}
		pattern := stringOf(pat)
		if strings.ContainsRune(flags, 'i') {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return exprValue{}, kherr.Wrap(kherr.KindQuery, err, "compiling regex %q", pattern)
		}
		return exprValue{b: re.MatchString(stringOf(subj)), isB: true}, nil
	case "STR", "LANG", "DATATYPE":
		v, err := evalExpr(ex.Args[0], row)
		if err != nil {
			return exprValue{}, err
		}
		return exprValue{term: rdf.PlainLiteral(stringOf(v))}, nil
	}
	return exprValue{}, kherr.New(kherr.KindQuery, "unsupported function %q", ex.Name)
}

func truthy(v exprValue) bool {
	if v.isB {
		return v.b
	}
	if v.isF {
		return v.f != 0
	}
	if v.term == nil {
		return false
	}
	return v.term.String() != ""
}

func numeric(v exprValue) (float64, bool) {
	if v.isF {
		return v.f, true
	}
	if v.term == nil {
		return 0, false
	}
	lex := termLexical(v.term)
	return coerceNumber(lex), coerceNumberOK(lex)
}

func coerceNumberOK(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func coerceNumber(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func stringOf(v exprValue) string {
	if v.isB {
		return fmt.Sprintf("%v", v.b)
	}
	if v.isF {
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	}
	if v.term == nil {
		return ""
	}
	return termLexical(v.term)
}

// termLexical extracts a literal's lexical value (no quoting, no datatype
// suffix) for string-valued comparisons and coercions.
func termLexical(t rdf.Term) string { return rdf.Lexical(t) }

func evalSelect(g *rdf.Graph, q *Query, opts Options) (*SelectResult, error) {
	rows, err := evalWhere(g, q.Where, opts)
	if err != nil {
		return nil, err
	}

	hasAgg := false
	for _, item := range q.Projection {
		if _, ok := item.Expr.(AggExpr); ok {
			hasAgg = true
		}
	}

	if hasAgg || len(q.GroupBy) > 0 {
		return evalGroupedSelect(q, rows)
	}

	vars := selectVars(q, rows)
	var out []Row
	for _, row := range rows {
		projected := Row{}
		for _, v := range vars {
			if val, ok := row[v]; ok {
				projected[v] = val
			}
		}
		out = append(out, projected)
	}

	if q.Distinct {
		out = dedupeRows(vars, out)
	}
	out = applyOrderBy(q.OrderBy, out)
	out = applyLimitOffset(q.Limit, q.Offset, out)
	return &SelectResult{Vars: vars, Rows: out}, nil
}

func selectVars(q *Query, rows []Row) []string {
	if q.Star {
		seen := map[string]bool{}
		var vars []string
		for _, row := range rows {
			for k := range row {
				if !seen[k] {
					seen[k] = true
					vars = append(vars, k)
				}
			}
		}
		sort.Strings(vars)
		return vars
	}
	var vars []string
	for _, item := range q.Projection {
		vars = append(vars, item.Var)
	}
	return vars
}

func dedupeRows(vars []string, rows []Row) []Row {
	seen := map[string]bool{}
	var out []Row
	for _, row := range rows {
		key := rowKey(vars, row)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, row)
	}
	return out
}

func rowKey(vars []string, row Row) string {
	key := ""
	for _, v := range vars {
		if val, ok := row[v]; ok {
			key += val.String()
		}
		key += "\x00"
	}
	return key
}

func evalGroupedSelect(q *Query, rows []Row) (*SelectResult, error) {
	groups := map[string][]Row{}
	var order []string
	for _, row := range rows {
		key := rowKey(q.GroupBy, row)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], row)
	}
	if len(rows) == 0 && len(q.GroupBy) == 0 {
		// A grouped aggregate over zero input rows still yields one row
		// (e.g. COUNT(*) = 0), matching standard SPARQL aggregate semantics.
		order = append(order, "")
		groups[""] = nil
	}

	var vars []string
	for _, item := range q.Projection {
		if item.Alias != "" {
			vars = append(vars, item.Alias)
		} else if item.Var != "" {
			vars = append(vars, item.Var)
		}
	}

	var out []Row
	for _, key := range order {
		groupRows := groups[key]
		result := Row{}
		for _, g := range q.GroupBy {
			if len(groupRows) > 0 {
				if v, ok := groupRows[0][g]; ok {
					result[g] = v
				}
			}
		}
		for _, item := range q.Projection {
			name := item.Alias
			if name == "" {
				name = item.Var
			}
			if item.Var != "" && item.Expr == nil {
				continue
			}
			agg, ok := item.Expr.(AggExpr)
			if !ok {
				continue
			}
			val, err := evalAggregate(agg, groupRows)
			if err != nil {
				return nil, err
			}
			result[name] = val
		}
		out = append(out, result)
	}

	out = applyOrderBy(q.OrderBy, out)
	out = applyLimitOffset(q.Limit, q.Offset, out)
	return &SelectResult{Vars: vars, Rows: out}, nil
}

func evalAggregate(agg AggExpr, rows []Row) (rdf.Term, error) {
	if agg.Name == "COUNT" && agg.Star {
		return rdf.TypedLiteral(strconv.Itoa(len(rows)), "http://www.w3.org/2001/XMLSchema#integer"), nil
	}

	var values []float64
	var textValues []string
	seen := map[string]bool{}
	for _, row := range rows {
		v, err := evalExpr(agg.Arg, row)
		if err != nil {
			continue
		}
		key := stringOf(v)
		if agg.Distinct {
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		if f, ok := numeric(v); ok {
			values = append(values, f)
		}
		textValues = append(textValues, key)
	}

	switch agg.Name {
	case "COUNT":
		return rdf.TypedLiteral(strconv.Itoa(len(textValues)), "http://www.w3.org/2001/XMLSchema#integer"), nil
	case "SUM":
		var sum float64
		for _, v := range values {
			sum += v
		}
		return rdf.TypedLiteral(strconv.FormatFloat(sum, 'g', -1, 64), "http://www.w3.org/2001/XMLSchema#decimal"), nil
	case "AVG":
		if len(values) == 0 {
			return rdf.TypedLiteral("0", "http://www.w3.org/2001/XMLSchema#decimal"), nil
		}
		var sum float64
		for _, v := range values {
			sum += v
		}
		return rdf.TypedLiteral(strconv.FormatFloat(sum/float64(len(values)), 'g', -1, 64), "http://www.w3.org/2001/XMLSchema#decimal"), nil
	case "MIN":
		if len(values) == 0 {
			return rdf.PlainLiteral(""), nil
		}
		min := values[0]
		for _, v := range values {
			if v < min {
				min = v
			}
		}
		return rdf.TypedLiteral(strconv.FormatFloat(min, 'g', -1, 64), "http://www.w3.org/2001/XMLSchema#decimal"), nil
	case "MAX":
		if len(values) == 0 {
			return rdf.PlainLiteral(""), nil
		}
		max := values[0]
		for _, v := range values {
			if v > max {
				max = v
			}
		}
		return rdf.TypedLiteral(strconv.FormatFloat(max, 'g', -1, 64), "http://www.w3.org/2001/XMLSchema#decimal"), nil
	}
	return nil, kherr.New(kherr.KindQuery, "unsupported aggregate %q", agg.Name)
}

func applyOrderBy(orderBy []OrderTerm, rows []Row) []Row {
	if len(orderBy) == 0 {
		return rows
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, ord := range orderBy {
			vi, erri := evalExpr(ord.Expr, rows[i])
			vj, errj := evalExpr(ord.Expr, rows[j])
			if erri != nil || errj != nil {
				continue
			}
			si, sj := stringOf(vi), stringOf(vj)
			if si == sj {
				continue
			}
			if ord.Descending {
				return si > sj
			}
			return si < sj
		}
		return false
	})
	return rows
}

func applyLimitOffset(limit, offset int, rows []Row) []Row {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit >= 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
