// Package orchestrator is the engine's single entry point per event
// (spec.md §4.10): it acquires the per-commit evaluation lock, loads the
// current and previous knowledge Graphs, parses and evaluates hooks, runs
// the workflows of every hook whose predicate fires, and merges each hook's
// outcome into the commit's single Receipt, releasing the lock when done. Grounded on
// coordinator/coordinator.go's connect-register-run-shutdown phase
// sequencing, generalized from a long-lived websocket session into a
// single bounded per-commit evaluation.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gitvan/khe/common"
	"github.com/gitvan/khe/config"
	"github.com/gitvan/khe/ctxscope"
	"github.com/gitvan/khe/gitio"
	"github.com/gitvan/khe/hooks"
	"github.com/gitvan/khe/kherr"
	"github.com/gitvan/khe/loader"
	"github.com/gitvan/khe/predicate"
	"github.com/gitvan/khe/rdf"
	"github.com/gitvan/khe/receipt"
	"github.com/gitvan/khe/runner"
)

// log is the orchestrator's structured logger, built once from
// common/logger.go's logrus-backed ServiceLogger. It is a package-level
// value used only inside this package; no other component receives it or
// logs through it.
var log = common.ServiceLogger("khe-orchestrator", "1.0")

// Orchestrator wires the engine's components together for one
// repository.
type Orchestrator struct {
	Repo   *gitio.Repo
	Config *config.EngineConfig
	Loader *loader.Loader
	Runner *runner.Runner
}

// New builds an Orchestrator from its components.
func New(repo *gitio.Repo, cfg *config.EngineConfig, ld *loader.Loader, rn *runner.Runner) *Orchestrator {
	return &Orchestrator{Repo: repo, Config: cfg, Loader: ld, Runner: rn}
}

// lockRef returns the evaluation lock ref for a commit (spec.md §6.1).
func lockRef(commit string) string {
	return fmt.Sprintf("refs/gitvan/locks/eval/%s", commit)
}

// HandleCommit runs the full per-commit event sequence (spec.md §4.10):
// lock, load, parse, evaluate, run, write receipts, unlock. If another
// process is already handling commit, it returns nil without error (the
// CAS lock acquisition lost cleanly, not a failure).
func (o *Orchestrator) HandleCommit(ctx context.Context, commit string) error {
	evLog := log.WithField("commit", commit)

	ok, err := o.Repo.RefCreateIfAbsent(lockRef(commit), commit)
	if err != nil {
		return kherr.Wrap(kherr.KindIO, err, "acquiring evaluation lock for commit %s", commit)
	}
	if !ok {
		evLog.Debug("evaluation lock already held, skipping")
		return nil
	}
	defer o.Repo.RefDelete(lockRef(commit))

	startedAt := time.Now()
	evLog.Info("evaluation lock acquired")
	defer func() {
		evLog.WithField("duration_ms", time.Since(startedAt).Milliseconds()).Info("evaluation finished")
	}()

	current, err := o.Loader.Load(commit)
	if err != nil {
		return kherr.Wrap(kherr.KindIO, err, "loading current graph for commit %s", commit)
	}
	defer current.Close()

	previous, err := o.Loader.LoadPrevious(commit)
	if err != nil {
		return kherr.Wrap(kherr.KindIO, err, "loading previous graph for commit %s", commit)
	}
	if previous != nil {
		defer previous.Close()
	}

	parsedHooks, _ := hooks.ParseAll(current)
	evLog.WithField("hook_count", len(parsedHooks)).Debug("hooks parsed")

	for _, hook := range parsedHooks {
		if ctx.Err() != nil {
			outcome := receipt.HookOutcome{
				HookID:        hook.ID,
				PredicateType: string(hook.Predicate.Kind),
				WorkflowOK:    false,
				Context:       map[string]interface{}{"error": "canceled"},
			}
			_ = receipt.Write(ctx, o.Repo, commit, outcome, startedAt, time.Now())
			return kherr.New(kherr.KindCanceled, "evaluation of commit %s canceled", commit)
		}

		outcome := o.evaluateAndRun(ctx, hook, current, previous)
		if err := receipt.Write(ctx, o.Repo, commit, outcome, startedAt, time.Now()); err != nil {
			return kherr.Wrap(kherr.KindIO, err, "writing receipt for hook %s on commit %s", hook.ID, commit)
		}
	}

	return nil
}

// evaluateAndRun evaluates hook's predicate against current/previous and,
// if it fires, runs its pipelines in order (spec.md §4.10 steps 4-5),
// returning the hook's receipt entry. A predicate evaluation error or a
// step failure marks the hook's outcome but never aborts sibling hooks
// (spec.md §7).
func (o *Orchestrator) evaluateAndRun(ctx context.Context, hook hooks.Hook, current, previous *rdf.Graph) receipt.HookOutcome {
	outcome := receipt.HookOutcome{
		HookID:        hook.ID,
		PredicateType: string(hook.Predicate.Kind),
		WorkflowOK:    true,
	}

	predResult, err := predicate.Evaluate(hook.Predicate, current, previous, predicate.Options{
		Timeout:       o.Config.PredicateTimeout,
		MaxViolations: o.Config.MaxShaclViolations,
	})
	if err != nil {
		outcome.WorkflowOK = false
		outcome.Context = map[string]interface{}{"error": err.Error()}
		return outcome
	}

	outcome.Fired = predResult.Fired
	outcome.Context = predResult.Context
	if !predResult.Fired {
		return outcome
	}

	runID := uuid.New().String()
	log.WithFields(map[string]interface{}{"hook_id": hook.ID, "run_id": runID}).Info("hook fired, running workflows")

	for _, wf := range hook.Pipelines {
		if ctx.Err() != nil {
			outcome.WorkflowOK = false
			break
		}

		scope := ctxscope.New(map[string]interface{}{
			"predicate": predResult.Context,
			"run_id":    runID,
		})

		result, err := runner.RunWorkflow(ctx, o.Runner, wf, scope, current)
		outcome.Steps = append(outcome.Steps, toStepOutcomes(result.Steps)...)
		if err != nil || !result.OK {
			outcome.WorkflowOK = false
			break
		}
	}

	return outcome
}

// toStepOutcomes reduces a workflow's StepResults to the receipt's
// StepOutcome shape, collapsing an error to its kind and message
// (spec.md §6.3).
func toStepOutcomes(results []runner.StepResult) []receipt.StepOutcome {
	out := make([]receipt.StepOutcome, 0, len(results))
	for _, r := range results {
		so := receipt.StepOutcome{
			ID:         r.StepID,
			OK:         r.OK,
			DurationMs: r.DurationMs,
			Outputs:    r.Outputs,
		}
		if r.Err != nil {
			kind := "Unknown"
			if k, ok := r.Err.(kherr.Kinded); ok {
				kind = k.ErrKind()
			}
			so.Error = &receipt.ErrorInfo{Kind: kind, Message: r.Err.Error()}
		}
		out = append(out, so)
	}
	return out
}
