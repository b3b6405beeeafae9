// Package ctxscope is the engine's Context Manager: a single writable
// scope per workflow run (inputs plus prior step outputs) and the
// `{{ name }}` placeholder substitution steps use to read it. Grounded on
// semantic/runtime/variables.go's VariableResolver + SubstituteVariables
// shape (regex-extract placeholders, resolve each through an interface,
// splice back into the original strings), generalized from that package's
// `${...}` syntax to spec.md §4.8's sealed `{{ name }}` placeholders, and
// from its single flat Variables map to the inputs/outputs-by-step tree
// spec.md §4.9 describes.
package ctxscope

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/gitvan/khe/kherr"
)

// placeholderRe matches a sealed `{{ name }}` template placeholder,
// capturing the trimmed reference inside.
var placeholderRe = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Scope is the single writable context belonging to one workflow run.
// Step outputs become visible only once SetOutput publishes them, so a
// step never observes a sibling's partial writes (spec.md §4.9).
type Scope struct {
	mu      sync.RWMutex
	inputs  map[string]interface{}
	outputs map[string]map[string]interface{}
}

// New creates a Scope seeded with a workflow's static inputs.
func New(inputs map[string]interface{}) *Scope {
	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	return &Scope{
		inputs:  inputs,
		outputs: map[string]map[string]interface{}{},
	}
}

// SetOutput publishes a completed step's outputs atomically. Until this
// call returns, no other step can observe any part of stepID's outputs.
func (s *Scope) SetOutput(stepID string, values map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]interface{}, len(values))
	for k, v := range values {
		cp[k] = v
	}
	s.outputs[stepID] = cp
}

// Output returns a completed step's outputs, or (nil, false) if the step
// has not completed (or does not exist) yet.
func (s *Scope) Output(stepID string) (map[string]interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.outputs[stepID]
	return v, ok
}

// Snapshot returns a point-in-time copy of the full scope, suitable for
// embedding in a Receipt (spec.md §4.9, §6.3).
func (s *Scope) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	outputs := make(map[string]interface{}, len(s.outputs))
	for id, fields := range s.outputs {
		cp := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			cp[k] = v
		}
		outputs[id] = cp
	}
	return map[string]interface{}{
		"inputs":  s.inputs,
		"outputs": outputs,
	}
}

// Resolve looks up a dot-path reference against the scope: either
// "inputs.<path...>" or "outputs.<step_id>.<path...>". It returns the
// resolved value's string form, or a BindingError if any segment of the
// path is missing.
func (s *Scope) Resolve(reference string) (string, error) {
	segments := strings.Split(reference, ".")
	if len(segments) < 2 {
		return "", kherr.New(kherr.KindBinding, "unresolvable reference %q: expected inputs.* or outputs.<step>.*", reference)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var cur interface{}
	switch segments[0] {
	case "inputs":
		cur = lookup(s.inputs, segments[1:])
	case "outputs":
		if len(segments) < 3 {
			return "", kherr.New(kherr.KindBinding, "unresolvable reference %q: outputs references need a step id and field", reference)
		}
		fields, ok := s.outputs[segments[1]]
		if !ok {
			return "", kherr.New(kherr.KindBinding, "unresolvable reference %q: step %q has not produced outputs", reference, segments[1])
		}
		cur = lookup(fields, segments[2:])
	default:
		return "", kherr.New(kherr.KindBinding, "unresolvable reference %q: scope root must be inputs or outputs", reference)
	}

	if cur == nil {
		return "", kherr.New(kherr.KindBinding, "unresolvable reference %q", reference)
	}
	return stringify(cur), nil
}

func lookup(root map[string]interface{}, path []string) interface{} {
	var cur interface{} = root
	for _, seg := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		v, ok := m[seg]
		if !ok {
			return nil
		}
		cur = v
	}
	return cur
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Substitute rewrites every `{{ name }}` placeholder in every value of
// config against scope, returning a new map (config is never mutated in
// place). An unresolved placeholder fails with BindingError; a resolved
// value containing a dangerous construct fails with SecurityError before
// it is spliced in (spec.md §4.8).
func Substitute(config map[string]string, scope *Scope) (map[string]string, error) {
	out := make(map[string]string, len(config))
	for k, v := range config {
		rendered, err := substituteString(v, scope)
		if err != nil {
			return nil, fmt.Errorf("substituting config field %q: %w", k, err)
		}
		out[k] = rendered
	}
	return out, nil
}

// IsStaticConfig reports whether every `{{ name }}` placeholder in
// config only references the "inputs" branch of the scope (workflow
// inputs fixed before any step runs) rather than another step's
// outputs. Such a step's config can be substituted once, ahead of
// execution, by the DAG Planner (spec.md §4.7).
func IsStaticConfig(config map[string]string) bool {
	for _, v := range config {
		for _, m := range placeholderRe.FindAllStringSubmatch(v, -1) {
			if !strings.HasPrefix(strings.TrimSpace(m[1]), "inputs.") {
				return false
			}
		}
	}
	return true
}

func substituteString(value string, scope *Scope) (string, error) {
	var substErr error
	result := placeholderRe.ReplaceAllStringFunc(value, func(match string) string {
		if substErr != nil {
			return match
		}
		groups := placeholderRe.FindStringSubmatch(match)
		name := strings.TrimSpace(groups[1])

		resolved, err := scope.Resolve(name)
		if err != nil {
			substErr = err
			return match
		}
		if violation, ok := dangerousConstruct(resolved); ok {
			substErr = kherr.New(kherr.KindSecurity, "resolved value for %q contains disallowed construct %q", name, violation)
			return match
		}
		return resolved
	})
	if substErr != nil {
		return "", substErr
	}
	return result, nil
}

// dangerousConstruct reports the first disallowed construct found in a
// user-supplied value headed for template substitution (spec.md §4.8):
// nested `${...}` interpolation, backticks, prototype-pollution property
// names, and `..` path traversal segments.
func dangerousConstruct(value string) (string, bool) {
	for _, construct := range []string{"${", "`", "__proto__", "constructor", "prototype"} {
		if strings.Contains(value, construct) {
			return construct, true
		}
	}
	for _, part := range strings.FieldsFunc(value, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return "..", true
		}
	}
	return "", false
}
