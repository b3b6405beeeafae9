// Workflow-level execution: batching a workflow's steps through the DAG
// Planner and dispatching the four control-flow step kinds (Conditional,
// Loop, Parallel, ErrorHandler), which each own a named subset of the
// workflow's other steps rather than executing as independent leaves.
// Grounded on worker/pool.go's bounded-goroutine-pool shape (a semaphore
// channel plus WaitGroup), generalized from an external-queue-backed pool
// into an in-process batch runner over the Planner's StepBatch.
package runner

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gitvan/khe/ctxscope"
	"github.com/gitvan/khe/hooks"
	"github.com/gitvan/khe/kherr"
	"github.com/gitvan/khe/planner"
	"github.com/gitvan/khe/rdf"
	"github.com/gitvan/khe/rdf/sparql"
)

// WorkflowResult is the aggregate outcome of running one workflow's
// steps to completion (or to its first fatal failure or cancellation).
type WorkflowResult struct {
	WorkflowID string
	OK         bool
	Steps      []StepResult
}

// RunWorkflow batches wf's steps via the DAG Planner and executes them in
// planner order, honoring cooperative cancellation between batches
// (spec.md §4.10, §5). Steps owned by a Conditional/Loop/Parallel/
// ErrorHandler step (named in its then/else/body/children/try/catch
// config) are excluded from the top-level plan; the owning step executes
// them directly.
func RunWorkflow(ctx context.Context, r *Runner, wf hooks.Workflow, scope *ctxscope.Scope, g *rdf.Graph) (WorkflowResult, error) {
	byID := make(map[string]hooks.Step, len(wf.Steps))
	for _, s := range wf.Steps {
		byID[s.ID] = s
	}
	owned := ownedStepIDs(wf.Steps)

	var top []hooks.Step
	for _, s := range wf.Steps {
		if !owned[s.ID] {
			top = append(top, s)
		}
	}

	batches, err := planner.Plan(top, scope)
	if err != nil {
		return WorkflowResult{WorkflowID: wf.ID}, err
	}

	var results []StepResult
	ok := true
	for _, batch := range batches {
		if ctx.Err() != nil {
			ok = false
			results = append(results, StepResult{
				Err: kherr.New(kherr.KindCanceled, "workflow %s canceled before batch completed", wf.ID),
			})
			break
		}
		batchResults := r.runBatch(ctx, batch.Steps, byID, scope, g)
		results = append(results, batchResults...)
		for _, res := range batchResults {
			if !res.OK {
				ok = false
			}
		}
		if !ok {
			break
		}
	}

	return WorkflowResult{WorkflowID: wf.ID, OK: ok, Steps: results}, nil
}

// runBatch executes a batch's steps concurrently, bounded by the
// engine's configured concurrency limit.
func (r *Runner) runBatch(ctx context.Context, steps []hooks.Step, byID map[string]hooks.Step, scope *ctxscope.Scope, g *rdf.Graph) []StepResult {
	limit := r.Config.Concurrency
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	results := make([]StepResult, len(steps))

	var wg sync.WaitGroup
	for i, step := range steps {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, step hooks.Step) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = r.executeStep(ctx, step, byID, scope, g)
		}(i, step)
	}
	wg.Wait()
	return results
}

// executeStep dispatches a single step, routing the four control-flow
// kinds to their dedicated handlers and everything else to Execute.
func (r *Runner) executeStep(ctx context.Context, step hooks.Step, byID map[string]hooks.Step, scope *ctxscope.Scope, g *rdf.Graph) StepResult {
	switch step.Kind {
	case hooks.StepConditional:
		return r.runConditional(ctx, step, byID, scope, g)
	case hooks.StepLoop:
		return r.runLoop(ctx, step, byID, scope, g)
	case hooks.StepParallel:
		return r.runParallel(ctx, step, byID, scope, g)
	case hooks.StepErrorHandler:
		return r.runErrorHandler(ctx, step, byID, scope, g)
	default:
		return r.Execute(ctx, step, scope, g)
	}
}

// ownedStepIDs collects the step IDs named in any control-flow step's
// then/else/body/children/try/catch config fields, so the top-level plan
// does not also schedule them as independent nodes.
func ownedStepIDs(steps []hooks.Step) map[string]bool {
	owned := map[string]bool{}
	for _, s := range steps {
		for _, field := range []string{"then", "else", "body", "children", "try", "catch"} {
			for _, id := range splitIDs(s.Config[field]) {
				owned[id] = true
			}
		}
	}
	return owned
}

func splitIDs(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

func stepsByIDs(byID map[string]hooks.Step, ids []string) []hooks.Step {
	steps := make([]hooks.Step, 0, len(ids))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			steps = append(steps, s)
		}
	}
	return steps
}

func firstErr(results []StepResult) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

func allOK(results []StepResult) bool {
	for _, r := range results {
		if !r.OK {
			return false
		}
	}
	return true
}

// runSubDAG plans and sequentially executes a named subset of a
// workflow's steps, used by the control-flow handlers below for their
// owned step sets.
func (r *Runner) runSubDAG(ctx context.Context, steps []hooks.Step, byID map[string]hooks.Step, scope *ctxscope.Scope, g *rdf.Graph) ([]StepResult, error) {
	batches, err := planner.Plan(steps, scope)
	if err != nil {
		return nil, err
	}
	var results []StepResult
	for _, batch := range batches {
		results = append(results, r.runBatch(ctx, batch.Steps, byID, scope, g)...)
	}
	return results, nil
}

// runConditional evaluates step.Config["predicate"] as a SPARQL ASK
// query, runs the steps named by "then" or "else" accordingly, and marks
// the steps of the untaken branch skipped (spec.md §4.8).
func (r *Runner) runConditional(ctx context.Context, step hooks.Step, byID map[string]hooks.Step, scope *ctxscope.Scope, g *rdf.Graph) StepResult {
	start := time.Now()
	cfg, err := resolveConfig(step, scope)
	if err != nil {
		return failed(step.ID, start, err)
	}

	fired, err := sparql.Ask(g, cfg["predicate"], sparql.Options{Timeout: r.Config.StepTimeout})
	if err != nil {
		return failed(step.ID, start, kherr.Wrap(kherr.KindQuery, err, "evaluating Conditional step predicate"))
	}

	thenIDs, elseIDs := splitIDs(cfg["then"]), splitIDs(cfg["else"])
	chosenIDs, skippedIDs := thenIDs, elseIDs
	if !fired {
		chosenIDs, skippedIDs = elseIDs, thenIDs
	}
	for _, id := range skippedIDs {
		scope.SetOutput(id, map[string]interface{}{"skipped": true})
	}

	results, err := r.runSubDAG(ctx, stepsByIDs(byID, chosenIDs), byID, scope, g)
	if err != nil {
		return failed(step.ID, start, err)
	}

	outputs := map[string]interface{}{
		"fired":          fired,
		"branch_ran":     chosenIDs,
		"branch_skipped": skippedIDs,
	}
	scope.SetOutput(step.ID, outputs)
	return StepResult{
		StepID:     step.ID,
		OK:         allOK(results),
		Outputs:    outputs,
		Err:        firstErr(results),
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// runLoop evaluates step.Config["each"] as a SPARQL SELECT query and runs
// the steps named by "body" once per result row, with the row's bindings
// published to scope under outputs[step.ID+"_row"] before each iteration
// (spec.md §4.8). Config["on_error"] of "continue" runs every row
// regardless of earlier failures; any other value (the default) stops at
// the first failing row.
func (r *Runner) runLoop(ctx context.Context, step hooks.Step, byID map[string]hooks.Step, scope *ctxscope.Scope, g *rdf.Graph) StepResult {
	start := time.Now()
	cfg, err := resolveConfig(step, scope)
	if err != nil {
		return failed(step.ID, start, err)
	}

	rows, err := sparql.Select(g, cfg["each"], sparql.Options{Timeout: r.Config.StepTimeout})
	if err != nil {
		return failed(step.ID, start, kherr.Wrap(kherr.KindQuery, err, "evaluating Loop step each query"))
	}
	bodySteps := stepsByIDs(byID, splitIDs(cfg["body"]))

	var iterations []map[string]interface{}
	ok := true
	var lastErr error
	for i, row := range rows.Rows {
		if ctx.Err() != nil {
			lastErr = kherr.New(kherr.KindCanceled, "Loop step %s canceled at iteration %d", step.ID, i)
			ok = false
			break
		}
		rowMap := make(map[string]interface{}, len(rows.Vars))
		for _, v := range rows.Vars {
			if term, ok := row[v]; ok {
				rowMap[v] = rdf.Lexical(term)
			}
		}
		scope.SetOutput(step.ID+"_row", rowMap)

		results, err := r.runSubDAG(ctx, bodySteps, byID, scope, g)
		if err != nil {
			lastErr, ok = err, false
			iterations = append(iterations, map[string]interface{}{"index": i, "row": rowMap, "ok": false})
			break
		}
		iterOK := allOK(results)
		iterations = append(iterations, map[string]interface{}{"index": i, "row": rowMap, "ok": iterOK})
		if !iterOK {
			lastErr = firstErr(results)
			if cfg["on_error"] != "continue" {
				ok = false
				break
			}
		}
	}

	outputs := map[string]interface{}{"iterations": len(iterations), "rows": iterations}
	scope.SetOutput(step.ID, outputs)
	return StepResult{
		StepID:     step.ID,
		OK:         ok,
		Outputs:    outputs,
		Err:        lastErr,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// runParallel runs the steps named by step.Config["children"] as their
// own sub-DAG. When config["strict"] is not "false" (the default), the
// first child failure cancels the remaining unstarted batches (spec.md
// §4.8).
func (r *Runner) runParallel(ctx context.Context, step hooks.Step, byID map[string]hooks.Step, scope *ctxscope.Scope, g *rdf.Graph) StepResult {
	start := time.Now()
	cfg, err := resolveConfig(step, scope)
	if err != nil {
		return failed(step.ID, start, err)
	}
	strict := cfg["strict"] != "false"

	children := stepsByIDs(byID, splitIDs(cfg["children"]))
	batches, err := planner.Plan(children, scope)
	if err != nil {
		return failed(step.ID, start, err)
	}

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var results []StepResult
	failedAny := false
	for _, batch := range batches {
		if failedAny && strict {
			break
		}
		batchResults := r.runBatch(childCtx, batch.Steps, byID, scope, g)
		results = append(results, batchResults...)
		for _, res := range batchResults {
			if !res.OK {
				failedAny = true
				if strict {
					cancel()
				}
			}
		}
	}

	outputs := map[string]interface{}{"children_ok": !failedAny}
	scope.SetOutput(step.ID, outputs)
	return StepResult{
		StepID:     step.ID,
		OK:         !failedAny,
		Outputs:    outputs,
		Err:        firstErr(results),
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// runErrorHandler runs the step named by step.Config["try"]; if it
// fails, it runs the step named by "catch" and surfaces the catch step's
// outputs. Both failing fails the ErrorHandler step (spec.md §4.8).
func (r *Runner) runErrorHandler(ctx context.Context, step hooks.Step, byID map[string]hooks.Step, scope *ctxscope.Scope, g *rdf.Graph) StepResult {
	start := time.Now()
	cfg, err := resolveConfig(step, scope)
	if err != nil {
		return failed(step.ID, start, err)
	}

	tryStep, ok := byID[cfg["try"]]
	if !ok {
		return failed(step.ID, start, kherr.New(kherr.KindValidation, "ErrorHandler step %s has unknown try step %q", step.ID, cfg["try"]))
	}

	tryResult := r.Execute(ctx, tryStep, scope, g)
	if tryResult.OK {
		outputs := map[string]interface{}{"branch": "try"}
		scope.SetOutput(step.ID, outputs)
		return StepResult{StepID: step.ID, OK: true, Outputs: outputs, DurationMs: time.Since(start).Milliseconds()}
	}

	catchStep, ok := byID[cfg["catch"]]
	if !ok {
		return failed(step.ID, start, kherr.New(kherr.KindValidation, "ErrorHandler step %s has unknown catch step %q", step.ID, cfg["catch"]))
	}
	catchResult := r.Execute(ctx, catchStep, scope, g)

	outputs := map[string]interface{}{"branch": "catch"}
	if tryResult.Err != nil {
		outputs["try_error"] = tryResult.Err.Error()
	}
	for k, v := range catchResult.Outputs {
		outputs[k] = v
	}
	scope.SetOutput(step.ID, outputs)
	return StepResult{
		StepID:     step.ID,
		OK:         catchResult.OK,
		Outputs:    outputs,
		Err:        catchResult.Err,
		DurationMs: time.Since(start).Milliseconds(),
	}
}
