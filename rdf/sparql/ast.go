// Package sparql implements the subset of SPARQL 1.1 the engine needs:
// SELECT/ASK/CONSTRUCT/DESCRIBE over a basic graph pattern, FILTER
// (comparisons, bound, regex, logical connectives), ORDER BY, LIMIT/OFFSET,
// and the COUNT/SUM/AVG/MIN/MAX aggregates. It is layered directly on the
// cayley-backed rdf.Graph (see DESIGN.md: no pack library speaks SPARQL).
package sparql

import "github.com/gitvan/khe/rdf"

// QueryForm identifies the top-level query type.
type QueryForm string

const (
	FormSelect    QueryForm = "SELECT"
	FormAsk       QueryForm = "ASK"
	FormConstruct QueryForm = "CONSTRUCT"
	FormDescribe  QueryForm = "DESCRIBE"
)

// Term is a query-side term: either a bound variable name or a constant
// RDF value, never both.
type Term struct {
	Var   string
	Value rdf.Term
}

// IsVar reports whether t refers to a variable rather than a constant.
func (t Term) IsVar() bool { return t.Var != "" }

// TriplePattern is one (subject, predicate, object) pattern in a BGP.
type TriplePattern struct {
	Subject   Term
	Predicate Term
	Object    Term
}

// Expr is a FILTER or projection expression.
type Expr interface{ exprNode() }

// VarExpr references a bound variable's value.
type VarExpr struct{ Name string }

// ConstExpr is a literal constant appearing in an expression.
type ConstExpr struct{ Value rdf.Term }

// BinExpr is a binary operator: one of = != < <= > >= && ||.
type BinExpr struct {
	Op          string
	Left, Right Expr
}

// UnaryExpr is a unary operator: ! or unary -.
type UnaryExpr struct {
	Op   string
	Expr Expr
}

// FuncExpr is a call to a built-in function: bound, regex, str, lang,
// datatype.
type FuncExpr struct {
	Name string
	Args []Expr
}

// AggExpr is an aggregate function applied across a group: COUNT, SUM,
// AVG, MIN, MAX. Arg is nil for COUNT(*).
type AggExpr struct {
	Name     string
	Distinct bool
	Arg      Expr
	Star     bool
}

func (VarExpr) exprNode()  {}
func (ConstExpr) exprNode() {}
func (BinExpr) exprNode()   {}
func (UnaryExpr) exprNode() {}
func (FuncExpr) exprNode()  {}
func (AggExpr) exprNode()   {}

// WherePart is one element of a WHERE clause body: either a triple pattern
// or a FILTER expression, evaluated left to right.
type WherePart struct {
	Pattern *TriplePattern
	Filter  Expr
}

// SelectItem is one projected column: a bare variable, or an expression
// (including aggregates) bound to an alias via AS.
type SelectItem struct {
	Alias string
	Var   string
	Expr  Expr
}

// OrderTerm is one ORDER BY key.
type OrderTerm struct {
	Expr       Expr
	Descending bool
}

// Query is the parsed form of a SPARQL query string.
type Query struct {
	Form        QueryForm
	Distinct    bool
	Star        bool
	Projection  []SelectItem
	Construct   []TriplePattern
	Describe    []Term
	Where       []WherePart
	GroupBy     []string
	OrderBy     []OrderTerm
	Limit       int // -1 means unset
	Offset      int
}
