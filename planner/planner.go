// Package planner turns a workflow's step list into an ordered sequence of
// batches the runner can execute, batching independent steps together and
// serializing dependent ones. Grounded on graph/dag.go's GetExecutionOrder
// (Kahn's algorithm over an adjacency list + in-degree map), generalized
// from a flat topological order into batches of steps that can run
// concurrently, with a lexicographic tie-break within each batch so
// execution order is deterministic across runs (spec.md §8's "no crossed
// ordering" property).
package planner

import (
	"sort"

	"github.com/gitvan/khe/ctxscope"
	"github.com/gitvan/khe/hooks"
	"github.com/gitvan/khe/kherr"
)

// StepBatch is a set of steps with no dependency between them, safe to run
// concurrently; batches themselves must run in the returned order.
type StepBatch struct {
	Steps []hooks.Step
}

// Plan computes the batched execution order for a workflow's steps. For
// every step whose config depends only on workflow inputs, it also
// attaches a PrecomputedConfig substituted against scope, so the runner
// does not need to re-resolve it at every execution (spec.md §4.7's
// static-config pre-substitution). scope may be nil to skip annotation
// entirely.
func Plan(steps []hooks.Step, scope *ctxscope.Scope) ([]StepBatch, error) {
	byID := make(map[string]hooks.Step, len(steps))
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string)

	for _, s := range steps {
		if scope != nil && ctxscope.IsStaticConfig(s.Config) {
			if cfg, err := ctxscope.Substitute(s.Config, scope); err == nil {
				s.PrecomputedConfig = cfg
			}
		}
		byID[s.ID] = s
		if _, ok := inDegree[s.ID]; !ok {
			inDegree[s.ID] = 0
		}
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
			inDegree[s.ID]++
		}
	}

	var batches []StepBatch
	remaining := len(steps)
	for remaining > 0 {
		var ready []string
		for id, degree := range inDegree {
			if degree == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			return nil, &kherr.CycleError{StepIDs: unresolvedIDs(inDegree)}
		}
		sort.Strings(ready)

		batch := StepBatch{}
		for _, id := range ready {
			batch.Steps = append(batch.Steps, byID[id])
			delete(inDegree, id)
			remaining--
		}
		for _, id := range ready {
			for _, dependent := range dependents[id] {
				if _, ok := inDegree[dependent]; ok {
					inDegree[dependent]--
				}
			}
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

func unresolvedIDs(inDegree map[string]int) []string {
	var ids []string
	for id := range inDegree {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
