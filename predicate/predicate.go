// Package predicate evaluates a hook's predicate against the current and
// previous knowledge graphs, deciding whether the hook fires. Grounded on
// workflow/expander.go's condition-evaluation dispatch (switch on
// condition kind, one evaluator function per kind), generalized from
// boolean workflow conditions to the four SPARQL/SHACL predicate kinds
// spec.md §4.6 defines.
package predicate

import (
	"strconv"
	"time"

	"github.com/gitvan/khe/canonical"
	"github.com/gitvan/khe/hooks"
	"github.com/gitvan/khe/kherr"
	"github.com/gitvan/khe/rdf"
	"github.com/gitvan/khe/rdf/shacl"
	"github.com/gitvan/khe/rdf/sparql"
	"github.com/gitvan/khe/rdf/turtle"
)

// Result is the outcome of evaluating a predicate once.
type Result struct {
	Fired   bool
	Context map[string]interface{}
}

// Options bounds a single predicate evaluation.
type Options struct {
	Timeout time.Duration

	// MaxViolations bounds how many SHACL violations ShaclAllConform
	// copies into its Context; 0 falls back to defaultMaxViolations.
	MaxViolations int
}

// defaultMaxViolations is used when Options.MaxViolations is unset.
const defaultMaxViolations = 20

func (o Options) sparqlOptions() sparql.Options {
	return sparql.Options{Timeout: o.Timeout}
}

// Evaluate dispatches on pred.Kind, running the predicate against current
// and (where needed) previous. A timeout or query error yields
// fired=false with the error's context preserved, rather than a crash
// that would abort the whole event (spec.md §7).
func Evaluate(pred hooks.Predicate, current, previous *rdf.Graph, opts Options) (Result, error) {
	switch pred.Kind {
	case hooks.PredicateResultDelta:
		return resultDelta(pred, current, previous, opts)
	case hooks.PredicateAsk:
		return ask(pred, current, opts)
	case hooks.PredicateSelectThreshold:
		return selectThreshold(pred, current, opts)
	case hooks.PredicateShaclAllConform:
		return shaclAllConform(pred, current, opts)
	default:
		return Result{}, kherr.New(kherr.KindValidation, "unsupported predicate kind %q", pred.Kind)
	}
}

// resultDelta fires when the canonical hash of the query's result set
// differs between previous and current. On first observation (previous
// is absent) it fires iff the current result set is non-empty — a
// delta from the empty set, per spec.md §4.6.
func resultDelta(pred hooks.Predicate, current, previous *rdf.Graph, opts Options) (Result, error) {
	currentResult, err := sparql.Select(current, pred.QueryText, opts.sparqlOptions())
	if err != nil {
		return Result{}, kherr.Wrap(kherr.KindQuery, err, "evaluating ResultDelta query against current graph")
	}
	currentSet := canonicalResultSet(currentResult)
	currentHash, err := canonical.Hash(currentSet)
	if err != nil {
		return Result{}, kherr.Wrap(kherr.KindQuery, err, "hashing ResultDelta current result set")
	}

	if previous == nil {
		return Result{Fired: len(currentResult.Rows) > 0, Context: map[string]interface{}{
			"current_hash":            currentHash,
			"current_result_set_size": len(currentResult.Rows),
			"previous_hash":           nil,
		}}, nil
	}

	previousResult, err := sparql.Select(previous, pred.QueryText, opts.sparqlOptions())
	if err != nil {
		return Result{}, kherr.Wrap(kherr.KindQuery, err, "evaluating ResultDelta query against previous graph")
	}
	previousSet := canonicalResultSet(previousResult)
	previousHash, err := canonical.Hash(previousSet)
	if err != nil {
		return Result{}, kherr.Wrap(kherr.KindQuery, err, "hashing ResultDelta previous result set")
	}

	fired := currentHash != previousHash
	return Result{Fired: fired, Context: map[string]interface{}{
		"current_hash":  currentHash,
		"previous_hash": previousHash,
	}}, nil
}

// canonicalResultSet normalizes a SelectResult into a deterministic,
// column-name-sorted shape suitable for canonical.Hash: a sorted variable
// list plus rows of lexical values in that column order.
func canonicalResultSet(r *sparql.SelectResult) map[string]interface{} {
	vars := append([]string{}, r.Vars...)
	rows := make([][]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		values := make([]string, len(vars))
		for i, v := range vars {
			if term, ok := row[v]; ok {
				values[i] = rdf.Lexical(term)
			}
		}
		rows = append(rows, values)
	}
	return map[string]interface{}{"vars": vars, "rows": rows}
}

// ask fires exactly when the SPARQL ASK query is true.
func ask(pred hooks.Predicate, current *rdf.Graph, opts Options) (Result, error) {
	fired, err := sparql.Ask(current, pred.QueryText, opts.sparqlOptions())
	if err != nil {
		return Result{}, kherr.Wrap(kherr.KindQuery, err, "evaluating Ask predicate")
	}
	return Result{Fired: fired, Context: map[string]interface{}{"ask": fired}}, nil
}

// selectThreshold coerces the first binding of the first projected column
// to a number and compares it against the predicate's threshold using its
// operator (spec.md §4.6). A query with no rows never fires.
func selectThreshold(pred hooks.Predicate, current *rdf.Graph, opts Options) (Result, error) {
	result, err := sparql.Select(current, pred.QueryText, opts.sparqlOptions())
	if err != nil {
		return Result{}, kherr.Wrap(kherr.KindQuery, err, "evaluating SelectThreshold predicate")
	}
	if len(result.Vars) == 0 || len(result.Rows) == 0 {
		return Result{Fired: false, Context: map[string]interface{}{"reason": "no rows"}}, nil
	}

	term, ok := result.Rows[0][result.Vars[0]]
	if !ok {
		return Result{Fired: false, Context: map[string]interface{}{"reason": "first column unbound"}}, nil
	}

	value := parseFloat(rdf.Lexical(term))

	fired, err := compare(value, pred.Operator, pred.Threshold)
	if err != nil {
		return Result{}, err
	}

	return Result{Fired: fired, Context: map[string]interface{}{
		"value":     value,
		"threshold": pred.Threshold,
		"operator":  pred.Operator,
	}}, nil
}

func compare(value float64, op string, threshold float64) (bool, error) {
	switch op {
	case ">":
		return value > threshold, nil
	case ">=":
		return value >= threshold, nil
	case "<":
		return value < threshold, nil
	case "<=":
		return value <= threshold, nil
	case "=":
		return value == threshold, nil
	case "!=":
		return value != threshold, nil
	default:
		return false, kherr.New(kherr.KindValidation, "unsupported SelectThreshold operator %q", op)
	}
}

// parseFloat coerces s to a number, falling back to 0 on a parse failure
// rather than failing the predicate (spec.md §4.6).
func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// shaclAllConform fires when the SHACL shapes graph carried by the
// predicate finds at least one violation against the current knowledge
// graph (fired = NOT conforms, per spec.md §4.6). The Context carries
// the violation list itself (node, path, message, severity), truncated
// to opts.MaxViolations so a badly-shaped graph can't blow up the
// receipt.
func shaclAllConform(pred hooks.Predicate, current *rdf.Graph, opts Options) (Result, error) {
	shapeQuads, err := turtle.Parse([]byte(pred.ShapesText), current.BaseIRI())
	if err != nil {
		return Result{}, kherr.Wrap(kherr.KindParse, err, "parsing ShaclAllConform shapes text")
	}
	shapesGraph, err := rdf.New(current.BaseIRI())
	if err != nil {
		return Result{}, err
	}
	if err := shapesGraph.AddQuads(shapeQuads); err != nil {
		return Result{}, err
	}
	defer shapesGraph.Close()

	report, err := shacl.Validate(current, shapesGraph)
	if err != nil {
		return Result{}, kherr.Wrap(kherr.KindValidation, err, "evaluating ShaclAllConform predicate")
	}

	max := opts.MaxViolations
	if max <= 0 {
		max = defaultMaxViolations
	}
	truncated := report.Violations
	if len(truncated) > max {
		truncated = truncated[:max]
	}
	violations := make([]map[string]interface{}, len(truncated))
	for i, v := range truncated {
		violations[i] = map[string]interface{}{
			"node":     v.Node,
			"path":     v.Path,
			"message":  v.Message,
			"severity": string(v.Severity),
		}
	}

	return Result{Fired: !report.Conforms, Context: map[string]interface{}{
		"conforms":        report.Conforms,
		"violation_count": len(report.Violations),
		"violations":      violations,
	}}, nil
}
