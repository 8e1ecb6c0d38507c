package agent

import (
	"sync"

	"github.com/nimbusforge/sokovan/pkg/lifecycle"
)

// memoryImageCache is the agent-local lifecycle.ImageMetadataCache: an
// in-memory map keyed by image digest, same mutex-map shape as
// lifecycle.KernelRegistry. It does not survive a restart -- a cold
// agent falls back to image labels or a probe on its first kernel per
// image, same as a cold cache entry would.
type memoryImageCache struct {
	mu    sync.RWMutex
	items map[string]lifecycle.ImageMetadata
}

// NewMemoryImageCache builds an empty ImageMetadataCache.
func NewMemoryImageCache() lifecycle.ImageMetadataCache {
	return &memoryImageCache{items: make(map[string]lifecycle.ImageMetadata)}
}

func (c *memoryImageCache) Get(imageDigest string) (lifecycle.ImageMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta, ok := c.items[imageDigest]
	return meta, ok
}

func (c *memoryImageCache) Put(imageDigest string, meta lifecycle.ImageMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[imageDigest] = meta
}

// memoryImageInventory is the agent-local lifecycle.LocalImageInventory:
// tracks which image references this agent has pulled, and to which
// digest each tag currently resolves, so ImagePullStage can skip a
// pull already satisfied locally.
type memoryImageInventory struct {
	mu     sync.RWMutex
	digest map[string]string
}

// NewMemoryImageInventory builds an empty LocalImageInventory.
func NewMemoryImageInventory() *memoryImageInventory {
	return &memoryImageInventory{digest: make(map[string]string)}
}

func (inv *memoryImageInventory) Lookup(imageRef string) (string, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	digest, ok := inv.digest[imageRef]
	return digest, ok
}

// Record marks imageRef as present locally at digest, called after a
// successful pull so the next kernel using the same tag skips it.
func (inv *memoryImageInventory) Record(imageRef, digest string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.digest[imageRef] = digest
}
