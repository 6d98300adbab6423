// Package blobcache implements the in-memory whole-pack cache used by
// backends that are latency-bound rather than throughput-bound (for example
// remote storage reached only through a slow API). Instead of caching
// individual blobs it keeps whole pack files in memory, keyed by pack id, so
// that a sequence of partial reads against the same pack only pays for a
// single backend round trip.
package blobcache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sealvault/sealvault/internal/debug"
	"github.com/sealvault/sealvault/internal/objects"
)

// DefaultPacks is the default number of packs kept in memory.
const DefaultPacks = 128

// PackCache is a fixed-capacity LRU cache of whole, decrypted-on-demand pack
// file contents. It is safe for concurrent access; the underlying LRU's
// mutex only ever guards the map, never the cached byte slices themselves.
type PackCache struct {
	mu sync.Mutex
	c  *lru.Cache[objects.ID, []byte]
}

// New constructs a pack cache that holds at most capacity whole packs.
// capacity <= 0 selects DefaultPacks.
func New(capacity int) *PackCache {
	if capacity <= 0 {
		capacity = DefaultPacks
	}

	c, err := lru.New[objects.ID, []byte](capacity)
	if err != nil {
		// only returns an error for capacity <= 0, which we just ruled out
		panic(err)
	}

	return &PackCache{c: c}
}

// Add stores the full contents of pack id in the cache, evicting the least
// recently used entry if the cache is at capacity.
func (c *PackCache) Add(id objects.ID, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	debug.Log("blobcache: caching pack %v (%d bytes)", id, len(data))
	c.c.Add(id, data)
}

// Get returns the cached contents of pack id, if present.
func (c *PackCache) Get(id objects.ID) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.c.Get(id)
	debug.Log("blobcache: get pack %v, hit %v", id, ok)
	return data, ok
}

// Remove evicts id from the cache, if present.
func (c *PackCache) Remove(id objects.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.c.Remove(id)
}

// Len returns the number of packs currently cached.
func (c *PackCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c.Len()
}
