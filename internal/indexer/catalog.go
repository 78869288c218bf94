package indexer

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	catalogTTL      = 10 * time.Minute
	catalogCacheKey = "all"
)

// CatalogEntry is one transcript file known to the host-wide catalog.
type CatalogEntry struct {
	Path       string
	Project    string
	SessionID  string
	WorkingDir string
}

// Catalog scans the transcripts root for every session file and caches the
// result with a TTL. Scanning the full tree and peeking every header is
// expensive, and the same catalog serves every agent that lacks explicit
// project directories.
type Catalog struct {
	root  string
	log   *slog.Logger
	cache *expirable.LRU[string, []CatalogEntry]
}

func NewCatalog(root string, log *slog.Logger) *Catalog {
	return &Catalog{
		root:  root,
		log:   log,
		cache: expirable.NewLRU[string, []CatalogEntry](1, nil, catalogTTL),
	}
}

// Entries returns the cached catalog, rebuilding it after the TTL lapses.
func (c *Catalog) Entries() []CatalogEntry {
	if cached, ok := c.cache.Get(catalogCacheKey); ok {
		return cached
	}
	entries := c.scan()
	c.cache.Add(catalogCacheKey, entries)
	return entries
}

// Invalidate drops the cached scan so the next Entries call rebuilds.
func (c *Catalog) Invalidate() {
	c.cache.Remove(catalogCacheKey)
}

func (c *Catalog) scan() []CatalogEntry {
	fsys := os.DirFS(c.root)
	matches, err := doublestar.Glob(fsys, "*/*.jsonl")
	if err != nil {
		c.log.Warn("catalog scan failed", "root", c.root, "error", err)
		return nil
	}

	entries := make([]CatalogEntry, 0, len(matches))
	for _, rel := range matches {
		path := filepath.Join(c.root, rel)
		header, err := PeekHeader(path)
		if err != nil {
			c.log.Warn("catalog header peek failed", "file", path, "error", err)
			continue
		}
		entries = append(entries, CatalogEntry{
			Path:       path,
			Project:    filepath.Dir(rel),
			SessionID:  header.SessionID,
			WorkingDir: header.WorkingDir,
		})
	}
	return entries
}
