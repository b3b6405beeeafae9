// Package receipt is the engine's Receipt Writer (spec.md §4.11): it
// serializes one commit's hook evaluation outcomes to canonical JSON and
// publishes them under a dedicated Git notes reference, merging with any
// receipt an independent orchestrator run has already written for the
// same commit. Grounded on gitio's notes primitives (this package never
// touches refs or objects itself) and canonical's sorted-key,
// stable-number JSON encoding.
package receipt

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/gitvan/khe/canonical"
	"github.com/gitvan/khe/gitio"
	"github.com/gitvan/khe/kherr"
)

// NotesRef is the Git notes reference receipts are published under
// (spec.md §6.1).
const NotesRef = "refs/notes/gitvan/receipts"

// SchemaV1 identifies the receipt JSON schema (spec.md §6.3).
const SchemaV1 = "gitvan-receipt-v1"

const maxMergeAttempts = 20

// ErrorInfo is a step's error, reduced to its kind and message for the
// receipt (spec.md §6.3).
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StepOutcome is one executed step's entry in a hook's receipt.
type StepOutcome struct {
	ID         string                 `json:"id"`
	OK         bool                   `json:"ok"`
	DurationMs int64                  `json:"duration_ms"`
	Error      *ErrorInfo             `json:"error,omitempty"`
	Outputs    map[string]interface{} `json:"outputs,omitempty"`
}

// HookOutcome is one hook's entry in a commit's receipt.
type HookOutcome struct {
	HookID        string                 `json:"hook_id"`
	PredicateType string                 `json:"predicate_type"`
	Fired         bool                   `json:"fired"`
	Context       map[string]interface{} `json:"context,omitempty"`
	WorkflowOK    bool                   `json:"workflow_ok"`
	Steps         []StepOutcome          `json:"steps,omitempty"`
}

// Receipt is one commit's aggregated evaluation outcome.
type Receipt struct {
	Schema     string        `json:"schema"`
	Commit     string        `json:"commit"`
	StartedAt  string        `json:"started_at"`
	FinishedAt string        `json:"finished_at"`
	Hooks      []HookOutcome `json:"hooks"`
}

// FormatTime renders t as the ISO-8601-UTC timestamp the receipt schema
// requires (spec.md §4.11).
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Write merges outcome into commit's receipt under NotesRef, replacing
// only outcome's own hook entry so independent orchestrators evaluating
// different hooks on the same commit produce a union receipt (spec.md
// §4.11). It retries against concurrent writers up to maxMergeAttempts
// times before giving up, to bound the livelock a hot commit could cause.
func Write(ctx context.Context, repo *gitio.Repo, commit string, outcome HookOutcome, startedAt, finishedAt time.Time) error {
	author, _ := repo.Identity()

	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		base, err := repo.RefResolve(NotesRef)
		if err != nil {
			base = ""
		}

		existing, err := load(repo, commit)
		if err != nil {
			return err
		}
		merged := merge(existing, commit, outcome, startedAt, finishedAt)

		data, err := canonical.Marshal(merged)
		if err != nil {
			return kherr.Wrap(kherr.KindIO, err, "marshaling receipt for commit %s", commit)
		}

		ok, err := repo.NoteWriteCAS(ctx, NotesRef, commit, string(data), author, base)
		if err != nil {
			return kherr.Wrap(kherr.KindIO, err, "writing receipt for commit %s", commit)
		}
		if ok {
			return nil
		}
	}
	return kherr.New(kherr.KindConflict, "giving up merging receipt for commit %s after %d attempts", commit, maxMergeAttempts)
}

// load reads and parses the existing receipt for commit, or a fresh
// empty Receipt if none exists yet.
func load(repo *gitio.Repo, commit string) (*Receipt, error) {
	content, err := repo.NoteRead(NotesRef, commit)
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "reading existing receipt for commit %s", commit)
	}
	if content == "" {
		return &Receipt{Schema: SchemaV1, Commit: commit}, nil
	}
	var r Receipt
	if err := json.Unmarshal([]byte(content), &r); err != nil {
		return nil, kherr.Wrap(kherr.KindParse, err, "parsing existing receipt for commit %s", commit)
	}
	return &r, nil
}

// merge replaces existing's entry for outcome.HookID (or appends it),
// keeping hooks sorted by hook_id for a deterministic receipt, and
// widens the receipt's started_at/finished_at to cover this run too.
func merge(existing *Receipt, commit string, outcome HookOutcome, startedAt, finishedAt time.Time) *Receipt {
	r := &Receipt{Schema: SchemaV1, Commit: commit}

	r.StartedAt = minTimestamp(existing.StartedAt, FormatTime(startedAt))
	r.FinishedAt = maxTimestamp(existing.FinishedAt, FormatTime(finishedAt))

	hooks := make([]HookOutcome, 0, len(existing.Hooks)+1)
	replaced := false
	for _, h := range existing.Hooks {
		if h.HookID == outcome.HookID {
			hooks = append(hooks, outcome)
			replaced = true
		} else {
			hooks = append(hooks, h)
		}
	}
	if !replaced {
		hooks = append(hooks, outcome)
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].HookID < hooks[j].HookID })
	r.Hooks = hooks
	return r
}

func minTimestamp(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	if a < b {
		return a
	}
	return b
}

func maxTimestamp(a, b string) string {
	if a > b {
		return a
	}
	return b
}
