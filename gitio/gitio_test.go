package gitio

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
)

// initRepo creates a bare-bones repository with one commit adding path at
// the given content and returns its opened Repo plus the commit SHA.
func initRepo(t *testing.T, files map[string]string) (*Repo, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
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
	hash, err := wt.Commit("initial commit", &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)

	r, err := Open(dir)
	require.NoError(t, err)
	return r, hash.String()
}

func TestHeadAndReadBlob(t *testing.T) {
	r, commit := initRepo(t, map[string]string{"graphs/a.ttl": "<urn:a> <urn:b> <urn:c> ."})

	head, err := r.Head()
	require.NoError(t, err)
	assert.Equal(t, commit, head)

	data, err := r.ReadBlob(commit, "graphs/a.ttl")
	require.NoError(t, err)
	assert.Equal(t, "<urn:a> <urn:b> <urn:c> .", string(data))
}

func TestListFiles(t *testing.T) {
	r, commit := initRepo(t, map[string]string{
		"graphs/a.ttl":    "a",
		"graphs/b.ttl":    "b",
		"graphs/skip.txt": "ignored by caller, listed as-is by ListFiles",
	})

	files, err := r.ListFiles(commit, "graphs")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"graphs/a.ttl", "graphs/b.ttl", "graphs/skip.txt"}, files)
}

func TestRefCreateIfAbsentIsCompareAndSwap(t *testing.T) {
	r, commit := initRepo(t, map[string]string{"f": "x"})

	ok, err := r.RefCreateIfAbsent("refs/gitvan/locks/eval/"+commit, commit)
	require.NoError(t, err)
	assert.True(t, ok, "first caller must win the CAS")

	ok, err = r.RefCreateIfAbsent("refs/gitvan/locks/eval/"+commit, commit)
	require.NoError(t, err)
	assert.False(t, ok, "second caller must lose the CAS, not silently overwrite")

	resolved, err := r.RefResolve("refs/gitvan/locks/eval/" + commit)
	require.NoError(t, err)
	assert.Equal(t, commit, resolved)

	require.NoError(t, r.RefDelete("refs/gitvan/locks/eval/"+commit))
	_, err = r.RefResolve("refs/gitvan/locks/eval/" + commit)
	assert.Error(t, err, "ref must be gone after RefDelete")
}

func TestNoteWriteAndRead(t *testing.T) {
	r, commit := initRepo(t, map[string]string{"f": "x"})
	ctx := context.Background()

	err := r.NoteWrite(ctx, "refs/notes/gitvan/receipts", commit, `{"ok":true}`, "khe")
	require.NoError(t, err)

	content, err := r.NoteRead("refs/notes/gitvan/receipts", commit)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, content)
}

func TestNoteWriteCASRejectsStaleBase(t *testing.T) {
	r, commit := initRepo(t, map[string]string{"f": "x"})
	ctx := context.Background()
	notesRef := "refs/notes/gitvan/receipts"

	ok, err := r.NoteWriteCAS(ctx, notesRef, commit, `{"a":1}`, "khe", "")
	require.NoError(t, err)
	assert.True(t, ok)

	base, err := r.RefResolve(notesRef)
	require.NoError(t, err)

	// A second writer racing from the same base wins once...
	ok, err = r.NoteWriteCAS(ctx, notesRef, commit, `{"b":2}`, "khe", base)
	require.NoError(t, err)
	assert.True(t, ok)

	// ...and a third writer still presenting the now-stale base loses.
	ok, err = r.NoteWriteCAS(ctx, notesRef, commit, `{"c":3}`, "khe", base)
	require.NoError(t, err)
	assert.False(t, ok, "CAS must reject a write against a base the ref has moved past")
}

func TestNoteReadMissingRefReturnsEmptyNotError(t *testing.T) {
	r, commit := initRepo(t, map[string]string{"f": "x"})
	content, err := r.NoteRead("refs/notes/gitvan/does-not-exist", commit)
	require.NoError(t, err)
	assert.Empty(t, content)
}
