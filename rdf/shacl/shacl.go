// Package shacl implements the subset of SHACL (Shapes Constraint Language)
// the engine needs to validate a knowledge graph against a shapes graph:
// sh:NodeShape / sh:PropertyShape with sh:targetClass / sh:targetNode,
// sh:minCount, sh:maxCount, sh:datatype, sh:class, sh:pattern, and sh:in.
// It is an original implementation layered on rdf.Graph (see DESIGN.md: no
// pack library speaks SHACL); it deliberately produces a real violation
// list rather than a stubbed conforms=true result.
package shacl

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/gitvan/khe/kherr"
	"github.com/gitvan/khe/rdf"
)

const (
	shNS          = "http://www.w3.org/ns/shacl#"
	rdfType       = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
	rdfFirst      = "http://www.w3.org/1999/02/22-rdf-syntax-ns#first"
	rdfRest       = "http://www.w3.org/1999/02/22-rdf-syntax-ns#rest"
	rdfNil        = "http://www.w3.org/1999/02/22-rdf-syntax-ns#nil"
	shNodeShape   = shNS + "NodeShape"
	shTargetClass = shNS + "targetClass"
	shTargetNode  = shNS + "targetNode"
	shProperty    = shNS + "property"
	shPath        = shNS + "path"
	shMinCount    = shNS + "minCount"
	shMaxCount    = shNS + "maxCount"
	shDatatype    = shNS + "datatype"
	shClass       = shNS + "class"
	shPattern     = shNS + "pattern"
	shIn          = shNS + "in"
	shSeverity    = shNS + "severity"
	shViolation   = shNS + "Violation"
)

// Severity mirrors the SHACL severity vocabulary (sh:Violation by default;
// sh:Warning and sh:Info are recorded as given). As in SHACL, a result of
// any severity makes the Report non-conforming.
type Severity string

const (
	SeverityViolation Severity = "Violation"
	SeverityWarning   Severity = "Warning"
	SeverityInfo      Severity = "Info"
)

// Violation describes one failed constraint.
type Violation struct {
	Node     string
	Path     string
	Message  string
	Severity Severity
}

// Report is the outcome of validating a data graph against a shapes graph.
type Report struct {
	Conforms   bool
	Violations []Violation
}

// index groups a graph's quads by subject for repeated property lookups.
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
		key := q.Subject.String()
		idx.bySubject[key] = append(idx.bySubject[key], q)
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

// list walks an rdf:first/rdf:rest collection starting at head, returning
// its elements in order. A head of rdf:nil yields an empty list.
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

type propertyShape struct {
	path     string
	minCount int
	maxCount int
	hasMin   bool
	hasMax   bool
	datatype string
	class    string
	pattern  *regexp.Regexp
	in       map[string]bool
	severity Severity
}

type nodeShape struct {
	id          string
	targetClass []string
	targetNode  []string
	properties  []propertyShape
}

// Validate checks dataGraph against every sh:NodeShape declared in
// shapesGraph and returns the combined violation report.
func Validate(dataGraph, shapesGraph *rdf.Graph) (*Report, error) {
	shapesIdx, err := buildIndex(shapesGraph)
	if err != nil {
		return nil, err
	}
	dataIdx, err := buildIndex(dataGraph)
	if err != nil {
		return nil, err
	}

	shapes, err := collectNodeShapes(shapesIdx)
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, shape := range shapes {
		targets := resolveTargets(dataIdx, shape)
		for _, node := range targets {
			violations = append(violations, validateNode(dataIdx, node, shape)...)
		}
	}

	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Node != violations[j].Node {
			return violations[i].Node < violations[j].Node
		}
		return violations[i].Path < violations[j].Path
	})

	return &Report{Conforms: len(violations) == 0, Violations: violations}, nil
}

func collectNodeShapes(idx *index) ([]nodeShape, error) {
	var shapes []nodeShape
	var ids []string
	for subject, quads := range idx.bySubject {
		for _, q := range quads {
			if q.Predicate.String() == rdfType && q.Object.String() == rdf.IRI(shNodeShape).String() {
				ids = append(ids, subject)
				break
			}
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		shape := nodeShape{id: id}
		for _, t := range idx.objects(id, shTargetClass) {
			shape.targetClass = append(shape.targetClass, t.String())
		}
		for _, t := range idx.objects(id, shTargetNode) {
			shape.targetNode = append(shape.targetNode, t.String())
		}
		for _, propNode := range idx.objects(id, shProperty) {
			ps, err := parsePropertyShape(idx, propNode.String())
			if err != nil {
				return nil, err
			}
			shape.properties = append(shape.properties, ps)
		}
		shapes = append(shapes, shape)
	}
	return shapes, nil
}

func parsePropertyShape(idx *index, id string) (propertyShape, error) {
	ps := propertyShape{severity: SeverityViolation}
	if path, ok := idx.object(id, shPath); ok {
		ps.path = path.String()
	}
	if dt, ok := idx.object(id, shDatatype); ok {
		ps.datatype = dt.String()
	}
	if cls, ok := idx.object(id, shClass); ok {
		ps.class = cls.String()
	}
	if pat, ok := idx.object(id, shPattern); ok {
		re, err := regexp.Compile(rdf.Lexical(pat))
		if err != nil {
			return ps, kherr.Wrap(kherr.KindValidation, err, "compiling sh:pattern on shape %s", id)
		}
		ps.pattern = re
	}
	if n, ok := idx.object(id, shMinCount); ok {
		ps.minCount = parseInt(rdf.Lexical(n))
		ps.hasMin = true
	}
	if n, ok := idx.object(id, shMaxCount); ok {
		ps.maxCount = parseInt(rdf.Lexical(n))
		ps.hasMax = true
	}
	if sev, ok := idx.object(id, shSeverity); ok {
		ps.severity = severityFromIRI(sev.String())
	}
	if inHead, ok := idx.object(id, shIn); ok {
		ps.in = map[string]bool{}
		for _, v := range idx.list(inHead) {
			ps.in[v.String()] = true
		}
	}
	return ps, nil
}

func severityFromIRI(iri string) Severity {
	switch iri {
	case shNS + "Warning":
		return SeverityWarning
	case shNS + "Info":
		return SeverityInfo
	default:
		return SeverityViolation
	}
}

func parseInt(s string) int {
	n := 0
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}

func resolveTargets(dataIdx *index, shape nodeShape) []string {
	set := map[string]bool{}
	for _, n := range shape.targetNode {
		set[n] = true
	}
	if len(shape.targetClass) > 0 {
		classSet := map[string]bool{}
		for _, c := range shape.targetClass {
			classSet[c] = true
		}
		for subject, quads := range dataIdx.bySubject {
			for _, q := range quads {
				if q.Predicate.String() == rdfType && classSet[q.Object.String()] {
					set[subject] = true
				}
			}
		}
	}
	var out []string
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func validateNode(dataIdx *index, node string, shape nodeShape) []Violation {
	var violations []Violation
	for _, ps := range shape.properties {
		if ps.path == "" {
			continue
		}
		values := dataIdx.objects(node, ps.path)

		if ps.hasMin && len(values) < ps.minCount {
			violations = append(violations, Violation{
				Node: node, Path: ps.path, Severity: ps.severity,
				Message: fmt.Sprintf("expected at least %d value(s), found %d", ps.minCount, len(values)),
			})
		}
		if ps.hasMax && len(values) > ps.maxCount {
			violations = append(violations, Violation{
				Node: node, Path: ps.path, Severity: ps.severity,
				Message: fmt.Sprintf("expected at most %d value(s), found %d", ps.maxCount, len(values)),
			})
		}
		for _, v := range values {
			if ps.datatype != "" && !hasDatatype(v, ps.datatype) {
				violations = append(violations, Violation{
					Node: node, Path: ps.path, Severity: ps.severity,
					Message: fmt.Sprintf("value %q is not of datatype %s", v.String(), ps.datatype),
				})
			}
			if ps.class != "" && !dataIdx.hasType(v.String(), ps.class) {
				violations = append(violations, Violation{
					Node: node, Path: ps.path, Severity: ps.severity,
					Message: fmt.Sprintf("value %q is not a member of class %s", v.String(), ps.class),
				})
			}
			if ps.pattern != nil && !ps.pattern.MatchString(rdf.Lexical(v)) {
				violations = append(violations, Violation{
					Node: node, Path: ps.path, Severity: ps.severity,
					Message: fmt.Sprintf("value %q does not match pattern %s", rdf.Lexical(v), ps.pattern.String()),
				})
			}
			if ps.in != nil && !ps.in[v.String()] {
				violations = append(violations, Violation{
					Node: node, Path: ps.path, Severity: ps.severity,
					Message: fmt.Sprintf("value %q is not in the allowed set", v.String()),
				})
			}
		}
	}
	return violations
}

func (idx *index) hasType(subject, class string) bool {
	for _, t := range idx.objects(subject, rdfType) {
		if t.String() == class {
			return true
		}
	}
	return false
}

// hasDatatype reports whether v is a typed literal with the given datatype
// IRI. Plain string literals carry no explicit datatype and never match.
func hasDatatype(v rdf.Term, datatype string) bool {
	s := v.String()
	suffix := "^^<" + datatype + ">"
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
