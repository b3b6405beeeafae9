// Package loader builds the in-memory knowledge Graph for one commit:
// every *.ttl file under a configured directory, parsed and unioned into
// a single rdf.Graph, read through the Artifact Cache. Grounded on
// storage/database.go's file-enumeration-then-parse shape, generalized
// from SQL migrations to Turtle knowledge files.
package loader

import (
	"sort"
	"strings"

	"github.com/gitvan/khe/cache"
	"github.com/gitvan/khe/gitio"
	"github.com/gitvan/khe/kherr"
	"github.com/gitvan/khe/rdf"
	"github.com/gitvan/khe/rdf/turtle"
)

// Loader reads and caches knowledge graphs from a Git repository.
type Loader struct {
	repo     *gitio.Repo
	cache    *cache.Cache
	graphDir string
	baseIRI  string
}

// New builds a Loader rooted at graphDir (relative to the repository
// root), resolving relative Turtle IRIs against baseIRI.
func New(repo *gitio.Repo, c *cache.Cache, graphDir, baseIRI string) *Loader {
	return &Loader{repo: repo, cache: c, graphDir: graphDir, baseIRI: baseIRI}
}

// fileEntry pairs a file's path with its blob SHA, forming part of the
// cache key so any content change invalidates the cached graph.
type fileEntry struct {
	Path string `json:"path"`
	Blob string `json:"blob"`
}

// Load returns the unioned Graph of every *.ttl file under the loader's
// graph directory as of commitSHA, reading through the Artifact Cache.
func (l *Loader) Load(commitSHA string) (*rdf.Graph, error) {
	entries, err := l.listEntries(commitSHA)
	if err != nil {
		return nil, err
	}

	key, err := cache.Key("graph", commitSHA, l.graphDir, entries)
	if err != nil {
		return nil, err
	}

	if blob, ok, err := l.cache.Get(key); err != nil {
		return nil, err
	} else if ok {
		return rdf.UnmarshalNQuads(blob, l.baseIRI)
	}

	g, err := l.parseAll(commitSHA, entries)
	if err != nil {
		return nil, err
	}

	blob, err := g.MarshalNQuads()
	if err != nil {
		return nil, err
	}
	if err := l.cache.Set(key, blob); err != nil {
		return nil, err
	}
	return g, nil
}

// LoadPrevious loads the graph at the parent of commitSHA. A commit with
// no parent (the repository root), or a parent whose tree fails to parse,
// yields an absent previous Graph (nil, nil) rather than an error, per
// spec.md §4.4: ResultDelta then treats the current result as a first
// observation.
func (l *Loader) LoadPrevious(commitSHA string) (*rdf.Graph, error) {
	parent, err := l.repo.ParentSHA(commitSHA)
	if err != nil || parent == "" {
		return nil, nil
	}
	g, err := l.Load(parent)
	if err != nil {
		return nil, nil
	}
	return g, nil
}

func (l *Loader) listEntries(commitSHA string) ([]fileEntry, error) {
	paths, err := l.repo.ListFiles(commitSHA, l.graphDir)
	if err != nil {
		return nil, err
	}
	var entries []fileEntry
	for _, p := range paths {
		if !strings.HasSuffix(p, ".ttl") {
			continue
		}
		blobSHA, err := l.repo.BlobSHA(commitSHA, p)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fileEntry{Path: p, Blob: blobSHA})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (l *Loader) parseAll(commitSHA string, entries []fileEntry) (*rdf.Graph, error) {
	g, err := rdf.New(l.baseIRI)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		data, err := l.repo.ReadBlob(commitSHA, e.Path)
		if err != nil {
			return nil, err
		}
		quads, err := turtle.Parse(data, l.baseIRI)
		if err != nil {
			return nil, kherr.Wrap(kherr.KindParse, err, "parsing %s", e.Path)
		}
		if err := g.AddQuads(quads); err != nil {
			return nil, err
		}
	}
	return g, nil
}
