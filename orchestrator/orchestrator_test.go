package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitvan/khe/cache"
	"github.com/gitvan/khe/config"
	"github.com/gitvan/khe/gitio"
	"github.com/gitvan/khe/loader"
	"github.com/gitvan/khe/receipt"
	"github.com/gitvan/khe/runner"
)

const hookGraph = `
@prefix gh: <http://gitvan.dev/ns#> .
@prefix dct: <http://purl.org/dc/terms/> .
@prefix ex: <http://example.org/> .

ex:build a gh:Hook ;
	dct:title "build" ;
	gh:hasPredicate ex:buildPredicate ;
	gh:orderedPipelines ( ex:buildWorkflow ) .

ex:buildPredicate a gh:Ask ;
	gh:queryText "ASK { ?s ?p ?o }" .

ex:buildWorkflow gh:orderedSteps ( ex:greet ) .

ex:greet a gh:Template ;
	gh:template "built" .
`

func commitFixture(t *testing.T, dir string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "graphs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "graphs", "hooks.ttl"), []byte(hookGraph), 0o644))

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("graphs/hooks.ttl")
	require.NoError(t, err)
	sig := &object.Signature{Name: "khe-test", Email: "khe-test@example.org", When: time.Unix(0, 0).UTC()}
	hash, err := wt.Commit("seed hooks", &git.CommitOptions{Author: sig})
	require.NoError(t, err)
	return hash.String()
}

func testOrchestrator(t *testing.T, dir, commit string) *Orchestrator {
	t.Helper()
	repo, err := gitio.Open(dir)
	require.NoError(t, err)

	c, err := cache.Open(filepath.Join(dir, ".gitvan-cache"), 64, 1<<20, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	cfg := &config.EngineConfig{
		RepoPath:             dir,
		GraphDir:             "graphs",
		BaseIRI:              "http://gitvan.dev/ns#",
		Concurrency:          2,
		PredicateTimeout:     2 * time.Second,
		StepTimeout:          2 * time.Second,
		AllowedShellCommands: []string{"echo"},
	}
	ld := loader.New(repo, c, cfg.GraphDir, cfg.BaseIRI)
	rn := runner.New(repo, cfg)
	return New(repo, cfg, ld, rn)
}

func TestHandleCommitFiresHookAndWritesReceipt(t *testing.T) {
	dir := t.TempDir()
	commit := commitFixture(t, dir)
	o := testOrchestrator(t, dir, commit)

	err := o.HandleCommit(context.Background(), commit)
	require.NoError(t, err)

	content, err := o.Repo.NoteRead(receipt.NotesRef, commit)
	require.NoError(t, err)
	require.NotEmpty(t, content)

	_, err = o.Repo.RefResolve(lockRef(commit))
	assert.Error(t, err, "lock ref should be released after HandleCommit returns")
}

func TestHandleCommitSkipsWhenLockAlreadyHeld(t *testing.T) {
	dir := t.TempDir()
	commit := commitFixture(t, dir)
	o := testOrchestrator(t, dir, commit)

	ok, err := o.Repo.RefCreateIfAbsent(lockRef(commit), commit)
	require.NoError(t, err)
	require.True(t, ok)

	err = o.HandleCommit(context.Background(), commit)
	require.NoError(t, err)

	content, err := o.Repo.NoteRead(receipt.NotesRef, commit)
	require.NoError(t, err)
	assert.Empty(t, content, "no receipt should be written while another run holds the lock")
}

func TestHandleCommitHonorsCancellation(t *testing.T) {
	dir := t.TempDir()
	commit := commitFixture(t, dir)
	o := testOrchestrator(t, dir, commit)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := o.HandleCommit(ctx, commit)
	require.Error(t, err)

	_, err = o.Repo.RefResolve(lockRef(commit))
	assert.Error(t, err, "lock should still be released even when canceled")
}
