package engine

import (
	"container/list"
	"context"

	"github.com/tetratelabs/wazero"

	"github.com/avs-mesh/wavsnode/internal/envelope"
)

// moduleCache is a bounded, least-recently-used cache of compiled wazero
// modules keyed by ComponentDigest. Reads and writes are infrequent and
// short relative to execution time, so a single mutex (held by the caller,
// Engine.mu) guards it rather than a dedicated reader-preferring lock.
type moduleCache struct {
	cap   int
	items map[envelope.ComponentDigest]*list.Element
	order *list.List
}

type cacheEntry struct {
	digest   envelope.ComponentDigest
	compiled wazero.CompiledModule
}

func newModuleCache(cap int) *moduleCache {
	return &moduleCache{
		cap:   cap,
		items: make(map[envelope.ComponentDigest]*list.Element),
		order: list.New(),
	}
}

func (c *moduleCache) get(digest envelope.ComponentDigest) (wazero.CompiledModule, bool) {
	el, ok := c.items[digest]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).compiled, true
}

// put inserts a compiled module, evicting the least-recently-used entry if
// the cache is at capacity. The evicted module is closed so its underlying
// compiled code is released.
func (c *moduleCache) put(ctx context.Context, digest envelope.ComponentDigest, compiled wazero.CompiledModule) {
	if el, ok := c.items[digest]; ok {
		c.order.MoveToFront(el)
		el.Value.(*cacheEntry).compiled = compiled
		return
	}
	el := c.order.PushFront(&cacheEntry{digest: digest, compiled: compiled})
	c.items[digest] = el

	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		entry := oldest.Value.(*cacheEntry)
		delete(c.items, entry.digest)
		c.order.Remove(oldest)
		_ = entry.compiled.Close(ctx)
	}
}
