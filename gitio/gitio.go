// Package gitio is the engine's Git interface: the only place in the
// codebase that touches refs, notes, and objects directly. Every other
// component reads and writes the repository through this package so the
// atomicity and retry behavior Git access needs lives in one place.
package gitio

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"

	"github.com/gitvan/khe/kherr"
)

// Repo wraps a local Git repository and exposes the primitives the engine
// needs: ref reads/writes, notes, tree/blob access, and the CAS operation
// locking depends on.
type Repo struct {
	path    string
	repo    *git.Repository
	retries int
	backoff time.Duration
}

// Option configures a Repo.
type Option func(*Repo)

// WithRetry overrides the retry count and base backoff used for transient
// I/O errors (grounded on the coordinator's reconnect-backoff shape).
func WithRetry(retries int, backoff time.Duration) Option {
	return func(r *Repo) {
		r.retries = retries
		r.backoff = backoff
	}
}

// Open opens the Git repository rooted at path.
func Open(path string, opts ...Option) (*Repo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "opening repository at %s", path)
	}
	r := &Repo{path: path, repo: repo, retries: 3, backoff: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Repo) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	backoff := r.backoff
	for attempt := 0; attempt <= r.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return kherr.Wrap(kherr.KindCanceled, err, "%s canceled", op)
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return kherr.Wrap(kherr.KindIO, lastErr, "%s failed", op)
		}
		select {
		case <-ctx.Done():
			return kherr.Wrap(kherr.KindCanceled, ctx.Err(), "%s canceled during retry", op)
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return kherr.Wrap(kherr.KindIO, lastErr, "%s failed after %d attempts", op, r.retries+1)
}

// isTransient reports whether err looks like a transient filesystem/lock
// contention error worth retrying, as opposed to a permanent failure
// (object not found, malformed ref name, etc).
func isTransient(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "resource temporarily unavailable") ||
		strings.Contains(msg, "already locked") ||
		strings.Contains(msg, "device or resource busy")
}

// Head returns the commit hash the repository's HEAD currently resolves to.
func (r *Repo) Head() (string, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return "", kherr.Wrap(kherr.KindIO, err, "resolving HEAD")
	}
	return ref.Hash().String(), nil
}

// CurrentBranch returns the short name of the branch HEAD points to, or an
// empty string when HEAD is detached.
func (r *Repo) CurrentBranch() (string, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return "", kherr.Wrap(kherr.KindIO, err, "resolving HEAD")
	}
	if !ref.Name().IsBranch() {
		return "", nil
	}
	return ref.Name().Short(), nil
}

// ReadBlob returns the content of the file at path as it exists in the
// given commit.
func (r *Repo) ReadBlob(commitSHA, path string) ([]byte, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(commitSHA))
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "resolving commit %s", commitSHA)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "resolving tree for %s", commitSHA)
	}
	f, err := tree.File(path)
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "reading blob %s at %s", path, commitSHA)
	}
	reader, err := f.Reader()
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "opening blob %s", path)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "reading blob %s", path)
	}
	return data, nil
}

// BlobSHA returns the object hash of the file at path in the given commit,
// used by the knowledge loader as part of its graph cache key.
func (r *Repo) BlobSHA(commitSHA, path string) (string, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(commitSHA))
	if err != nil {
		return "", kherr.Wrap(kherr.KindIO, err, "resolving commit %s", commitSHA)
	}
	tree, err := commit.Tree()
	if err != nil {
		return "", kherr.Wrap(kherr.KindIO, err, "resolving tree for %s", commitSHA)
	}
	f, err := tree.File(path)
	if err != nil {
		return "", kherr.Wrap(kherr.KindIO, err, "locating blob %s at %s", path, commitSHA)
	}
	return f.Hash.String(), nil
}

// ListFiles lists every file beneath dir (repo-relative, "" for root) as it
// exists in the given commit, sorted lexicographically.
func (r *Repo) ListFiles(commitSHA, dir string) ([]string, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(commitSHA))
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "resolving commit %s", commitSHA)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "resolving tree for %s", commitSHA)
	}

	prefix := strings.TrimSuffix(dir, "/")
	var files []string
	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()
	for {
		name, entry, err := walker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, kherr.Wrap(kherr.KindIO, err, "walking tree")
		}
		if entry.Mode.IsFile() && (prefix == "" || strings.HasPrefix(name, prefix+"/") || name == prefix) {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

// WriteTree writes the given repo-relative path/content pairs as a new tree
// object built on top of the given base commit (or an empty tree if
// baseCommitSHA is empty), returning the new tree's hash. Content not
// listed in files is carried over unchanged from the base commit.
func (r *Repo) WriteTree(baseCommitSHA string, files map[string][]byte) (string, error) {
	s := r.repo.Storer
	entries := map[string]plumbing.Hash{}

	if baseCommitSHA != "" {
		commit, err := r.repo.CommitObject(plumbing.NewHash(baseCommitSHA))
		if err != nil {
			return "", kherr.Wrap(kherr.KindIO, err, "resolving base commit %s", baseCommitSHA)
		}
		tree, err := commit.Tree()
		if err != nil {
			return "", kherr.Wrap(kherr.KindIO, err, "resolving base tree")
		}
		walker := object.NewTreeWalker(tree, true, nil)
		for {
			name, entry, err := walker.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				walker.Close()
				return "", kherr.Wrap(kherr.KindIO, err, "walking base tree")
			}
			if entry.Mode.IsFile() {
				entries[name] = entry.Hash
			}
		}
		walker.Close()
	}

	for path, content := range files {
		hash, err := writeBlob(s, content)
		if err != nil {
			return "", err
		}
		entries[path] = hash
	}

	hash, err := buildTree(s, entries)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

func writeBlob(s storage.Storer, content []byte) (plumbing.Hash, error) {
	obj := s.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, kherr.Wrap(kherr.KindIO, err, "opening blob writer")
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return plumbing.ZeroHash, kherr.Wrap(kherr.KindIO, err, "writing blob")
	}
	w.Close()
	hash, err := s.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, kherr.Wrap(kherr.KindIO, err, "storing blob")
	}
	return hash, nil
}

// buildTree builds a (possibly nested) tree object from a flat map of
// repo-relative paths to blob hashes.
func buildTree(s storage.Storer, entries map[string]plumbing.Hash) (plumbing.Hash, error) {
	type node struct {
		blobs map[string]plumbing.Hash
		dirs  map[string]*node
	}
	root := &node{blobs: map[string]plumbing.Hash{}, dirs: map[string]*node{}}

	for path, hash := range entries {
		parts := strings.Split(path, "/")
		cur := root
		for i, part := range parts {
			if i == len(parts)-1 {
				cur.blobs[part] = hash
				continue
			}
			next, ok := cur.dirs[part]
			if !ok {
				next = &node{blobs: map[string]plumbing.Hash{}, dirs: map[string]*node{}}
				cur.dirs[part] = next
			}
			cur = next
		}
	}

	var write func(n *node) (plumbing.Hash, error)
	write = func(n *node) (plumbing.Hash, error) {
		tree := &object.Tree{}
		names := make([]string, 0, len(n.blobs)+len(n.dirs))
		for name := range n.blobs {
			names = append(names, name)
		}
		for name := range n.dirs {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			if hash, ok := n.blobs[name]; ok {
				tree.Entries = append(tree.Entries, object.TreeEntry{Name: name, Mode: 0o100644, Hash: hash})
				continue
			}
			sub := n.dirs[name]
			hash, err := write(sub)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			tree.Entries = append(tree.Entries, object.TreeEntry{Name: name, Mode: 0o40000, Hash: hash})
		}

		obj := s.NewEncodedObject()
		obj.SetType(plumbing.TreeObject)
		if err := tree.Encode(obj); err != nil {
			return plumbing.ZeroHash, kherr.Wrap(kherr.KindIO, err, "encoding tree")
		}
		return s.SetEncodedObject(obj)
	}

	return write(root)
}

// NoteRead reads the note content attached to the given object under the
// given notes ref (e.g. "refs/notes/gitvan"), returning ("", nil) when no
// note exists.
func (r *Repo) NoteRead(notesRef, targetSHA string) (string, error) {
	ref, err := r.repo.Reference(plumbing.ReferenceName(notesRef), true)
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return "", nil
		}
		return "", kherr.Wrap(kherr.KindIO, err, "resolving notes ref %s", notesRef)
	}
	commit, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return "", kherr.Wrap(kherr.KindIO, err, "resolving notes commit")
	}
	tree, err := commit.Tree()
	if err != nil {
		return "", kherr.Wrap(kherr.KindIO, err, "resolving notes tree")
	}
	f, err := tree.File(targetSHA)
	if err != nil {
		return "", nil
	}
	reader, err := f.Reader()
	if err != nil {
		return "", kherr.Wrap(kherr.KindIO, err, "opening note blob")
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", kherr.Wrap(kherr.KindIO, err, "reading note blob")
	}
	return string(data), nil
}

// NoteWrite attaches content as a note on targetSHA under notesRef,
// creating a new notes commit on top of whatever the ref currently points
// to (or an orphan commit if the ref doesn't exist yet).
func (r *Repo) NoteWrite(ctx context.Context, notesRef, targetSHA, content, author string) error {
	return r.withRetry(ctx, "NoteWrite", func() error {
		s := r.repo.Storer

		var parents []plumbing.Hash
		var baseCommit string
		if ref, err := r.repo.Reference(plumbing.ReferenceName(notesRef), true); err == nil {
			parents = []plumbing.Hash{ref.Hash()}
			baseCommit = ref.Hash().String()
		}

		treeHash, err := r.WriteTree(baseCommit, map[string][]byte{targetSHA: []byte(content)})
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		sig := object.Signature{Name: author, Email: author, When: now}
		commit := &object.Commit{
			Author:       sig,
			Committer:    sig,
			Message:      fmt.Sprintf("notes for %s", targetSHA),
			TreeHash:     plumbing.NewHash(treeHash),
			ParentHashes: parents,
		}
		obj := s.NewEncodedObject()
		obj.SetType(plumbing.CommitObject)
		if err := commit.Encode(obj); err != nil {
			return kherr.Wrap(kherr.KindIO, err, "encoding notes commit")
		}
		commitHash, err := s.SetEncodedObject(obj)
		if err != nil {
			return kherr.Wrap(kherr.KindIO, err, "storing notes commit")
		}

		newRef := plumbing.NewHashReference(plumbing.ReferenceName(notesRef), commitHash)
		if err := s.SetReference(newRef); err != nil {
			return kherr.Wrap(kherr.KindIO, err, "updating notes ref %s", notesRef)
		}
		return nil
	})
}

// NoteWriteCAS writes content as a notes commit exactly like NoteWrite,
// but only publishes it if notesRef still points at expectedBase (empty
// string meaning the ref must still be absent). It returns ok=false
// without error when another writer has already moved the ref, so the
// caller can reread and retry (spec.md §4.11's bounded-retry merge).
func (r *Repo) NoteWriteCAS(ctx context.Context, notesRef, targetSHA, content, author, expectedBase string) (ok bool, err error) {
	err = r.withRetry(ctx, "NoteWriteCAS", func() error {
		s := r.repo.Storer

		var parents []plumbing.Hash
		if expectedBase != "" {
			parents = []plumbing.Hash{plumbing.NewHash(expectedBase)}
		}

		treeHash, err := r.WriteTree(expectedBase, map[string][]byte{targetSHA: []byte(content)})
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		sig := object.Signature{Name: author, Email: author, When: now}
		commit := &object.Commit{
			Author:       sig,
			Committer:    sig,
			Message:      fmt.Sprintf("notes for %s", targetSHA),
			TreeHash:     plumbing.NewHash(treeHash),
			ParentHashes: parents,
		}
		obj := s.NewEncodedObject()
		obj.SetType(plumbing.CommitObject)
		if err := commit.Encode(obj); err != nil {
			return kherr.Wrap(kherr.KindIO, err, "encoding notes commit")
		}
		commitHash, err := s.SetEncodedObject(obj)
		if err != nil {
			return kherr.Wrap(kherr.KindIO, err, "storing notes commit")
		}

		newRef := plumbing.NewHashReference(plumbing.ReferenceName(notesRef), commitHash)
		// As in RefCreateIfAbsent: `old` must be an explicit reference (its
		// hash ZeroHash when the note ref is expected to be absent), never
		// nil, or the storer skips the check and lets every writer "win".
		expectedHash := plumbing.ZeroHash
		if expectedBase != "" {
			expectedHash = plumbing.NewHash(expectedBase)
		}
		oldRef := plumbing.NewHashReference(plumbing.ReferenceName(notesRef), expectedHash)
		casErr := s.CheckAndSetReference(newRef, oldRef)
		if casErr == storage.ErrReferenceHasChanged {
			ok = false
			return nil
		}
		if casErr != nil {
			return kherr.Wrap(kherr.KindIO, casErr, "updating notes ref %s", notesRef)
		}
		ok = true
		return nil
	})
	return ok, err
}

// RefCreateIfAbsent atomically creates ref pointing at targetSHA only if it
// does not already exist, returning ok=false without error when another
// writer won the race. This is the primitive the evaluation lock is built
// on.
func (r *Repo) RefCreateIfAbsent(refName, targetSHA string) (ok bool, err error) {
	newRef := plumbing.NewHashReference(plumbing.ReferenceName(refName), plumbing.NewHash(targetSHA))
	// A nil `old` tells go-git's storer to skip the check and set
	// unconditionally, which is not "must not exist" - it would let every
	// concurrent caller win. The absent-ref check is expressed by passing
	// a ZeroHash reference as `old`: the storer requires the ref to either
	// not exist yet or already equal ZeroHash before it sets `new`.
	absent := plumbing.NewHashReference(plumbing.ReferenceName(refName), plumbing.ZeroHash)
	storerErr := r.repo.Storer.CheckAndSetReference(newRef, absent)
	if storerErr == nil {
		return true, nil
	}
	if storerErr == storage.ErrReferenceHasChanged {
		return false, nil
	}
	return false, kherr.Wrap(kherr.KindIO, storerErr, "creating ref %s", refName)
}

// RefDelete removes refName, used to release an evaluation lock.
func (r *Repo) RefDelete(refName string) error {
	if err := r.repo.Storer.RemoveReference(plumbing.ReferenceName(refName)); err != nil {
		return kherr.Wrap(kherr.KindIO, err, "deleting ref %s", refName)
	}
	return nil
}

// RefResolve resolves refName to the commit hash it currently points to.
func (r *Repo) RefResolve(refName string) (string, error) {
	ref, err := r.repo.Reference(plumbing.ReferenceName(refName), true)
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return "", kherr.New(kherr.KindIO, "ref %s does not exist", refName)
		}
		return "", kherr.Wrap(kherr.KindIO, err, "resolving ref %s", refName)
	}
	return ref.Hash().String(), nil
}

// CommitAuthorTime returns the author timestamp of the given commit.
func (r *Repo) CommitAuthorTime(commitSHA string) (time.Time, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(commitSHA))
	if err != nil {
		return time.Time{}, kherr.Wrap(kherr.KindIO, err, "resolving commit %s", commitSHA)
	}
	return commit.Author.When, nil
}

// ParentSHA returns the first parent of the given commit, or "" if it is a
// root commit.
func (r *Repo) ParentSHA(commitSHA string) (string, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(commitSHA))
	if err != nil {
		return "", kherr.Wrap(kherr.KindIO, err, "resolving commit %s", commitSHA)
	}
	if commit.NumParents() == 0 {
		return "", nil
	}
	parent, err := commit.Parent(0)
	if err != nil {
		return "", kherr.Wrap(kherr.KindIO, err, "resolving parent of %s", commitSHA)
	}
	return parent.Hash.String(), nil
}

// Identity returns the repository-configured author identity used to sign
// receipts and notes, falling back to a generic engine identity when the
// repository has none configured.
func (r *Repo) Identity() (name, email string) {
	cfg, err := r.repo.ConfigScoped(config.GlobalScope)
	if err == nil && cfg.User.Name != "" {
		return cfg.User.Name, cfg.User.Email
	}
	return "gitvan-engine", "gitvan@localhost"
}

// CommitMessage returns the commit message for the given commit, trimmed
// of trailing whitespace.
func (r *Repo) CommitMessage(commitSHA string) (string, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(commitSHA))
	if err != nil {
		return "", kherr.Wrap(kherr.KindIO, err, "resolving commit %s", commitSHA)
	}
	return strings.TrimRight(commit.Message, "\n"), nil
}

// Diff returns the set of repo-relative paths that changed between two
// commits, used by the runner's Git step for its diff subcommand.
func (r *Repo) Diff(fromSHA, toSHA string) ([]string, error) {
	from, err := r.repo.CommitObject(plumbing.NewHash(fromSHA))
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "resolving commit %s", fromSHA)
	}
	to, err := r.repo.CommitObject(plumbing.NewHash(toSHA))
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "resolving commit %s", toSHA)
	}
	fromTree, err := from.Tree()
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "resolving tree for %s", fromSHA)
	}
	toTree, err := to.Tree()
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "resolving tree for %s", toSHA)
	}
	changes, err := object.DiffTree(fromTree, toTree)
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "diffing trees")
	}
	var paths []string
	seen := map[string]struct{}{}
	for _, c := range changes {
		for _, p := range []string{c.From.Name, c.To.Name} {
			if p == "" {
				continue
			}
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				paths = append(paths, p)
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}
