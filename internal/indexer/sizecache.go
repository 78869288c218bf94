package indexer

import "sync"

// SizeCache remembers the last observed byte size per transcript path. An
// unchanged size is a zero-read signal that a file needs no line count.
// Staleness self-corrects on the next size check.
type SizeCache struct {
	mu    sync.Mutex
	sizes map[string]int64
}

func NewSizeCache() *SizeCache {
	return &SizeCache{sizes: make(map[string]int64)}
}

func (c *SizeCache) Get(path string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	size, ok := c.sizes[path]
	return size, ok
}

func (c *SizeCache) Set(path string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sizes[path] = size
}

func (c *SizeCache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sizes, path)
}
