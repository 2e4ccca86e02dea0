package tools

import (
	"context"
	"sync"

	"github.com/darkroomd/darkroom/edit"
)

// previewKey identifies one rendered preview. The stack hash excludes
// operation IDs, so structurally equal stacks share an entry.
type previewKey struct {
	uri       string
	stackHash string
	maxPixels int
}

// PreviewCache memoizes rendered previews. Entries are invalidated per base
// image when the file changes on disk.
type PreviewCache struct {
	mu      sync.RWMutex
	entries map[previewKey][]byte
}

func NewPreviewCache() *PreviewCache {
	return &PreviewCache{entries: make(map[previewKey][]byte)}
}

func (c *PreviewCache) get(key previewKey) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	png, ok := c.entries[key]
	return png, ok
}

func (c *PreviewCache) put(key previewKey, png []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = png
}

// InvalidateURI drops every cached preview of one base image.
func (c *PreviewCache) InvalidateURI(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.uri == uri {
			delete(c.entries, key)
		}
	}
}

// Len reports the number of cached previews.
func (c *PreviewCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// CachingProvider wraps a Provider with preview memoization. All other
// operations pass through.
type CachingProvider struct {
	Provider
	cache *PreviewCache
}

func NewCachingProvider(p Provider, cache *PreviewCache) *CachingProvider {
	if cache == nil {
		cache = NewPreviewCache()
	}
	return &CachingProvider{Provider: p, cache: cache}
}

// Cache exposes the underlying cache for invalidation wiring.
func (c *CachingProvider) Cache() *PreviewCache { return c.cache }

func (c *CachingProvider) RenderPreview(ctx context.Context, uri string, stack *edit.Stack, maxPixels int) ([]byte, error) {
	key := previewKey{uri: uri, maxPixels: maxPixels}
	if stack != nil {
		key.stackHash = stack.Hash()
	}
	if png, ok := c.cache.get(key); ok {
		return png, nil
	}

	png, err := c.Provider.RenderPreview(ctx, uri, stack, maxPixels)
	if err != nil {
		return nil, err
	}
	c.cache.put(key, png)
	return png, nil
}
