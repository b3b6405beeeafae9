// Package hooks extracts and validates gh:Hook definitions from a
// knowledge Graph: resolving each hook's predicate and ordered pipeline
// list, each workflow's ordered step list, and each step's kind, config,
// and dependencies. Grounded on workflow/parser.go's type-detect-then-
// dispatch shape, generalized from JSON-LD @type switching to RDF
// rdf:type switching over gh:Hook subjects.
package hooks

import (
	"fmt"
	"sort"

	"github.com/gitvan/khe/kherr"
	"github.com/gitvan/khe/rdf"
)

// Namespace IRIs for the hook definition vocabulary (spec.md §6.2).
const (
	NS = "http://gitvan.dev/ns#"

	classHook           = NS + "Hook"
	predHasPredicate    = NS + "hasPredicate"
	predOrderedPipeline = NS + "orderedPipelines"
	predQueryText       = NS + "queryText"
	predThreshold       = NS + "threshold"
	predOperator        = NS + "operator"
	predShapesText      = NS + "shapesText"
	predDependsOn       = NS + "dependsOn"
	predConfig          = NS + "config"
	predOrderedSteps    = NS + "orderedSteps"

	dctTitle = "http://purl.org/dc/terms/title"

	classResultDelta     = NS + "ResultDelta"
	classAsk             = NS + "Ask"
	classSelectThreshold = NS + "SelectThreshold"
	classShaclAllConform = NS + "ShaclAllConform"

	rdfType  = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
	rdfFirst = "http://www.w3.org/1999/02/22-rdf-syntax-ns#first"
	rdfRest  = "http://www.w3.org/1999/02/22-rdf-syntax-ns#rest"
	rdfNil   = "http://www.w3.org/1999/02/22-rdf-syntax-ns#nil"
)

// StepKind is the tag of a step's RDF type IRI, matching spec.md §4.8's
// enumerated kinds.
type StepKind string

const (
	StepSparql       StepKind = "Sparql"
	StepTemplate     StepKind = "Template"
	StepFile         StepKind = "File"
	StepHttp         StepKind = "Http"
	StepGit          StepKind = "Git"
	StepShell        StepKind = "Shell"
	StepDatabase     StepKind = "Database"
	StepFilesystem   StepKind = "Filesystem"
	StepConditional  StepKind = "Conditional"
	StepLoop         StepKind = "Loop"
	StepParallel     StepKind = "Parallel"
	StepErrorHandler StepKind = "ErrorHandler"
	StepNotify       StepKind = "Notify"
)

var stepKindsByIRI = map[string]StepKind{
	NS + "Sparql":       StepSparql,
	NS + "Template":     StepTemplate,
	NS + "File":         StepFile,
	NS + "Http":         StepHttp,
	NS + "Git":          StepGit,
	NS + "Shell":        StepShell,
	NS + "Database":     StepDatabase,
	NS + "Filesystem":   StepFilesystem,
	NS + "Conditional":  StepConditional,
	NS + "Loop":         StepLoop,
	NS + "Parallel":     StepParallel,
	NS + "ErrorHandler": StepErrorHandler,
	NS + "Notify":       StepNotify,
}

// requiredConfigFields lists the config keys spec.md §4.8 calls out as
// mandatory for each step kind.
var requiredConfigFields = map[StepKind][]string{
	StepSparql:   {"query"},
	StepTemplate: {"template"},
	StepFile:     {"target", "mode"},
	StepHttp:     {"url"},
	StepGit:      {"subcommand"},
	StepShell:    {"argv"},
	StepNotify:   {"target"},
}

// PredicateKind is the tag of a predicate definition's RDF type IRI.
type PredicateKind string

const (
	PredicateResultDelta     PredicateKind = "ResultDelta"
	PredicateAsk             PredicateKind = "Ask"
	PredicateSelectThreshold PredicateKind = "SelectThreshold"
	PredicateShaclAllConform PredicateKind = "ShaclAllConform"
)

// Predicate is a parsed predicate definition.
type Predicate struct {
	Kind       PredicateKind
	QueryText  string
	Threshold  float64
	Operator   string
	ShapesText string
}

// Step is one workflow step: its kind, a generic config map, and the IDs
// of steps it depends on within the same workflow.
type Step struct {
	ID        string
	Kind      StepKind
	Config    map[string]string
	DependsOn []string

	// PrecomputedConfig is Config with every `{{ name }}` placeholder
	// already resolved, set by planner.Plan when Config depends only on
	// workflow inputs (spec.md §4.7). Nil when any placeholder depends
	// on another step's output and so must wait for runtime.
	PrecomputedConfig map[string]string
}

// Workflow is an ordered list of steps belonging to one hook.
type Workflow struct {
	ID    string
	Steps []Step
}

// Hook is a fully parsed, validated gh:Hook: its predicate and the
// ordered list of workflows it runs when fired.
type Hook struct {
	ID        string
	Title     string
	Predicate Predicate
	Pipelines []Workflow
}

// index groups a graph's quads by subject, mirroring the lookup shape
// rdf/shacl uses for shape-graph traversal.
type index struct {
	bySubject map[string][]rdf.Quad
}

func buildIndex(g *rdf.Graph) (*index, error) {
	quads, err := g.All()
	if err != nil {
		return nil, err
	}
	idx := &index{bySubject: map[string][]rdf.Quad{}}
	for _, q := range quads {
		idx.bySubject[q.Subject.String()] = append(idx.bySubject[q.Subject.String()], q)
	}
	return idx, nil
}

func (idx *index) objects(subject, predicate string) []rdf.Term {
	var out []rdf.Term
	for _, q := range idx.bySubject[subject] {
		if q.Predicate.String() == predicate {
			out = append(out, q.Object)
		}
	}
	return out
}

func (idx *index) object(subject, predicate string) (rdf.Term, bool) {
	objs := idx.objects(subject, predicate)
	if len(objs) == 0 {
		return nil, false
	}
	return objs[0], true
}

func (idx *index) list(head rdf.Term) []rdf.Term {
	var out []rdf.Term
	node := head
	for node != nil && node.String() != rdf.IRI(rdfNil).String() {
		first, ok := idx.object(node.String(), rdfFirst)
		if !ok {
			break
		}
		out = append(out, first)
		rest, ok := idx.object(node.String(), rdfRest)
		if !ok {
			break
		}
		node = rest
	}
	return out
}

// ParseAll extracts, resolves, and validates every gh:Hook subject in g.
// A hook that fails validation is reported in errs but does not prevent
// the other hooks in the graph from being returned (spec.md §7: a single
// hook's ValidationError marks that hook unusable without aborting the
// event).
func ParseAll(g *rdf.Graph) (hooks []Hook, errs []error) {
	idx, err := buildIndex(g)
	if err != nil {
		return nil, []error{err}
	}

	var ids []string
	for subject, quads := range idx.bySubject {
		for _, q := range quads {
			if q.Predicate.String() == rdfType && q.Object.String() == rdf.IRI(classHook).String() {
				ids = append(ids, subject)
				break
			}
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		hook, err := parseHook(idx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		hooks = append(hooks, *hook)
	}
	return hooks, errs
}

func parseHook(idx *index, id string) (*Hook, error) {
	title := ""
	if t, ok := idx.object(id, dctTitle); ok {
		title = rdf.Lexical(t)
	}

	predNode, ok := idx.object(id, predHasPredicate)
	if !ok {
		return nil, kherr.New(kherr.KindValidation, "hook %s is missing gh:hasPredicate", id)
	}
	predicate, err := parsePredicate(idx, predNode.String())
	if err != nil {
		return nil, kherr.Wrap(kherr.KindValidation, err, "hook %s", id)
	}

	pipelineHead, ok := idx.object(id, predOrderedPipeline)
	if !ok {
		return nil, kherr.New(kherr.KindValidation, "hook %s is missing gh:orderedPipelines", id)
	}

	var pipelines []Workflow
	for _, wfNode := range idx.list(pipelineHead) {
		wf, err := parseWorkflow(idx, wfNode.String())
		if err != nil {
			return nil, kherr.Wrap(kherr.KindValidation, err, "hook %s", id)
		}
		pipelines = append(pipelines, *wf)
	}

	return &Hook{ID: id, Title: title, Predicate: *predicate, Pipelines: pipelines}, nil
}

func parsePredicate(idx *index, id string) (*Predicate, error) {
	kind, ok := predicateKind(idx, id)
	if !ok {
		return nil, kherr.New(kherr.KindValidation, "predicate %s has no recognized predicate type", id)
	}

	p := &Predicate{Kind: kind}
	switch kind {
	case PredicateResultDelta, PredicateAsk:
		q, ok := idx.object(id, predQueryText)
		if !ok {
			return nil, kherr.New(kherr.KindValidation, "predicate %s (%s) is missing gh:queryText", id, kind)
		}
		p.QueryText = rdf.Lexical(q)
	case PredicateSelectThreshold:
		q, ok := idx.object(id, predQueryText)
		if !ok {
			return nil, kherr.New(kherr.KindValidation, "predicate %s is missing gh:queryText", id)
		}
		p.QueryText = rdf.Lexical(q)
		th, ok := idx.object(id, predThreshold)
		if !ok {
			return nil, kherr.New(kherr.KindValidation, "predicate %s is missing gh:threshold", id)
		}
		var n float64
		if _, err := fmt.Sscanf(rdf.Lexical(th), "%g", &n); err != nil {
			return nil, kherr.Wrap(kherr.KindValidation, err, "predicate %s has a non-numeric gh:threshold", id)
		}
		p.Threshold = n
		op, ok := idx.object(id, predOperator)
		if !ok {
			return nil, kherr.New(kherr.KindValidation, "predicate %s is missing gh:operator", id)
		}
		operator := rdf.Lexical(op)
		if !validOperator(operator) {
			return nil, kherr.New(kherr.KindValidation, "predicate %s has unsupported gh:operator %q", id, operator)
		}
		p.Operator = operator
	case PredicateShaclAllConform:
		sh, ok := idx.object(id, predShapesText)
		if !ok {
			return nil, kherr.New(kherr.KindValidation, "predicate %s is missing gh:shapesText", id)
		}
		p.ShapesText = rdf.Lexical(sh)
	}
	return p, nil
}

func validOperator(op string) bool {
	switch op {
	case ">", ">=", "<", "<=", "=", "!=":
		return true
	default:
		return false
	}
}

func predicateKind(idx *index, id string) (PredicateKind, bool) {
	for _, t := range idx.objects(id, rdfType) {
		switch t.String() {
		case rdf.IRI(classResultDelta).String():
			return PredicateResultDelta, true
		case rdf.IRI(classAsk).String():
			return PredicateAsk, true
		case rdf.IRI(classSelectThreshold).String():
			return PredicateSelectThreshold, true
		case rdf.IRI(classShaclAllConform).String():
			return PredicateShaclAllConform, true
		}
	}
	return "", false
}

func parseWorkflow(idx *index, id string) (*Workflow, error) {
	stepsHead, ok := idx.object(id, predOrderedSteps)
	if !ok {
		return nil, kherr.New(kherr.KindValidation, "workflow %s is missing gh:orderedSteps", id)
	}

	var steps []Step
	seen := map[string]bool{}
	for _, stepNode := range idx.list(stepsHead) {
		step, err := parseStep(idx, stepNode.String())
		if err != nil {
			return nil, kherr.Wrap(kherr.KindValidation, err, "workflow %s", id)
		}
		if seen[step.ID] {
			return nil, kherr.New(kherr.KindValidation, "workflow %s has a duplicate step id %q", id, step.ID)
		}
		seen[step.ID] = true
		steps = append(steps, *step)
	}

	if err := validateDependencies(id, steps); err != nil {
		return nil, err
	}
	if err := detectCycle(id, steps); err != nil {
		return nil, err
	}

	return &Workflow{ID: id, Steps: steps}, nil
}

func parseStep(idx *index, id string) (*Step, error) {
	kind, ok := stepKind(idx, id)
	if !ok {
		return nil, kherr.New(kherr.KindValidation, "step %s has no recognized step type", id)
	}

	config := extractConfig(idx, id)

	var deps []string
	for _, d := range idx.objects(id, predDependsOn) {
		deps = append(deps, d.String())
	}
	sort.Strings(deps)

	for _, field := range requiredConfigFields[kind] {
		if _, ok := config[field]; !ok {
			return nil, kherr.New(kherr.KindValidation, "step %s (%s) is missing required config field %q", id, kind, field)
		}
	}

	return &Step{ID: id, Kind: kind, Config: config, DependsOn: deps}, nil
}

// extractConfig reads every predicate under the hook namespace directly
// attached to the step node (other than type/dependsOn/orderedSteps/
// predConfig) as a
// string-valued config entry, keyed by the predicate's local name.
func extractConfig(idx *index, id string) map[string]string {
	config := map[string]string{}
	for _, q := range idx.bySubject[id] {
		pred := q.Predicate.String()
		if pred == rdfType || pred == predDependsOn || pred == predOrderedSteps || pred == predConfig {
			continue
		}
		if len(pred) > len(NS) && pred[:len(NS)] == NS {
			config[pred[len(NS):]] = rdf.Lexical(q.Object)
		}
	}
	return config
}

func stepKind(idx *index, id string) (StepKind, bool) {
	for _, t := range idx.objects(id, rdfType) {
		if kind, ok := stepKindsByIRI[t.String()]; ok {
			return kind, true
		}
	}
	return "", false
}

// validateDependencies checks that every depends_on target names a step
// that exists within the same workflow (spec.md §4.5).
func validateDependencies(workflowID string, steps []Step) error {
	known := map[string]bool{}
	for _, s := range steps {
		known[s.ID] = true
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !known[dep] {
				return kherr.New(kherr.KindValidation, "workflow %s: step %s depends on unknown step %s", workflowID, s.ID, dep)
			}
		}
	}
	return nil
}

// detectCycle runs a three-color DFS over the step dependency graph,
// adapted from graph/dag.go's checkCycleRecursive (action-ID cycle
// detection generalized to workflow step IDs).
func detectCycle(workflowID string, steps []Step) error {
	byID := map[string]Step{}
	for _, s := range steps {
		byID[s.ID] = s
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range byID[id].DependsOn {
			switch color[dep] {
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			case gray:
				cycle := append(append([]string{}, stack...), dep)
				return &kherr.CycleError{StepIDs: cycle}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	var ids []string
	for _, s := range steps {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
