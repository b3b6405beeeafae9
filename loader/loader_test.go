package loader

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
	"github.com/gitvan/khe/gitio"
)

func commitFiles(t *testing.T, dir string, files map[string]string, msg string) string {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	for path, content := range files {
		full := filepath.Join(dir, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
		_, err := wt.Add(path)
		require.NoError(t, err)
	}
	sig := &object.Signature{Name: "khe-test", Email: "khe-test@example.com", When: time.Unix(0, 0).UTC()}
	hash, err := wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)
	return hash.String()
}

func setup(t *testing.T) (string, *gitio.Repo, *cache.Cache) {
	t.Helper()
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	c, err := cache.Open(filepath.Join(dir, "cache.db"), 64, 1<<20, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})

	repo, err := gitio.Open(dir)
	require.NoError(t, err)
	return dir, repo, c
}

func TestLoadUnionsAllTurtleFiles(t *testing.T) {
	dir, repo, c := setup(t)
	commit := commitFiles(t, dir, map[string]string{
		"graphs/a.ttl":  "<urn:a> <urn:p> <urn:1> .",
		"graphs/b.ttl":  "<urn:b> <urn:p> <urn:2> .",
		"graphs/c.json": "not turtle, must be skipped",
	}, "initial")

	ld := New(repo, c, "graphs", "http://example.org/")
	g, err := ld.Load(commit)
	require.NoError(t, err)
	assert.Equal(t, int64(2), g.Len())
}

func TestLoadIsCachedAcrossCalls(t *testing.T) {
	dir, repo, c := setup(t)
	commit := commitFiles(t, dir, map[string]string{
		"graphs/a.ttl": "<urn:a> <urn:p> <urn:1> .",
	}, "initial")

	ld := New(repo, c, "graphs", "http://example.org/")
	g1, err := ld.Load(commit)
	require.NoError(t, err)
	g2, err := ld.Load(commit)
	require.NoError(t, err)

	assert.Equal(t, g1.Len(), g2.Len())
	stats := c.Stats()
	assert.GreaterOrEqual(t, stats.Hits, uint64(1), "second Load of an unchanged tree must hit the cache")
}

func TestLoadPreviousAbsentOnRootCommit(t *testing.T) {
	dir, repo, c := setup(t)
	commit := commitFiles(t, dir, map[string]string{
		"graphs/a.ttl": "<urn:a> <urn:p> <urn:1> .",
	}, "initial")

	ld := New(repo, c, "graphs", "http://example.org/")
	prev, err := ld.LoadPrevious(commit)
	require.NoError(t, err)
	assert.Nil(t, prev, "a root commit has no parent, so previous graph must be absent, not an error")
}

func TestLoadPreviousReturnsParentGraph(t *testing.T) {
	dir, repo, c := setup(t)
	commitFiles(t, dir, map[string]string{
		"graphs/a.ttl": "<urn:a> <urn:p> <urn:1> .",
	}, "initial")
	second := commitFiles(t, dir, map[string]string{
		"graphs/a.ttl": "<urn:a> <urn:p> <urn:1> .",
		"graphs/b.ttl": "<urn:b> <urn:p> <urn:2> .",
	}, "second")

	ld := New(repo, c, "graphs", "http://example.org/")
	prev, err := ld.LoadPrevious(second)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, int64(1), prev.Len())
}
