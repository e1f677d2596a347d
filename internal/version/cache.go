package version

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the resolved-template LRU cache, avoiding a KV
// round trip for templates the worker pool resolves repeatedly across a
// batch of edit/review jobs against the same document.
const DefaultCacheSize = 256

// Cache wraps an LRU of resolved Template rows around Store, invalidating
// an entry whenever the template it holds is written. Reads that miss fall
// through to the store and repopulate the cache.
type Cache struct {
	store *Store
	lru   *lru.Cache[string, *Template]
}

// NewCache builds a Cache of at most size entries around store. A
// non-positive size falls back to DefaultCacheSize.
func NewCache(store *Store, size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, *Template](size)
	if err != nil {
		return nil, err
	}
	return &Cache{store: store, lru: c}, nil
}

// Get resolves a Template by ID, serving from the LRU when present.
func (c *Cache) Get(ctx context.Context, templateID string) (*Template, error) {
	if tmpl, ok := c.lru.Get(templateID); ok {
		return tmpl, nil
	}
	tmpl, err := c.store.Get(ctx, templateID)
	if err != nil {
		return nil, err
	}
	c.lru.Add(templateID, tmpl)
	return tmpl, nil
}

// UpdateStructure delegates to Store and invalidates the cached row so the
// next Get re-reads the fresh version.
func (c *Cache) UpdateStructure(ctx context.Context, templateID string, newStructure map[string]any, notes, editor string) (int, error) {
	n, err := c.store.UpdateStructure(ctx, templateID, newStructure, notes, editor)
	if err == nil {
		c.lru.Remove(templateID)
	}
	return n, err
}

// Restore delegates to Store and invalidates the cached row.
func (c *Cache) Restore(ctx context.Context, templateID string, targetVersion int, restorer string) (int, error) {
	n, err := c.store.Restore(ctx, templateID, targetVersion, restorer)
	if err == nil {
		c.lru.Remove(templateID)
	}
	return n, err
}
