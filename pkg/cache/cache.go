// Package cache is the content-addressed store of compiled factories.
//
// Entries are keyed by the SHA of the expanded source, so compilation
// is write-once read-many: the same effective program is compiled at
// most once no matter how many times or under what name it is
// requested. Handles stay valid until the entry is deleted or the
// whole cache is invalidated.
package cache

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/netdsp/netdsp/pkg/protocol"
)

type entry struct {
	desc *protocol.Descriptor

	// refs counts live instances bound to this factory.
	refs int
}

// Cache is a lifecycle-scoped factory registry. All methods are safe
// for concurrent use.
type Cache struct {
	mu      sync.Mutex
	gen     uint64
	entries map[string]*entry

	// doomed holds entries deleted while instances still referenced
	// them: out of the index, kept only until the last reference goes.
	doomed map[string]*entry

	group singleflight.Group
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		entries: map[string]*entry{},
		doomed:  map[string]*entry{},
	}
}

// Handle refers to one cache entry. A handle obtained before DeleteAll
// is dangling afterwards: every operation on it fails with
// ErrFactoryNotFound.
type Handle struct {
	c   *Cache
	key string
	gen uint64
}

// SHAKey returns the content hash the handle was issued for. Valid even
// on a dangling handle.
func (h *Handle) SHAKey() string { return h.key }

// resolve returns the live entry behind h under c.mu.
func (c *Cache) resolve(h *Handle) (*entry, error) {
	if h == nil || h.c != c {
		return nil, fmt.Errorf("%w: foreign handle", protocol.ErrFactoryNotFound)
	}
	if h.gen != c.gen {
		return nil, fmt.Errorf("%w: handle predates cache invalidation", protocol.ErrFactoryNotFound)
	}
	e, ok := c.entries[h.key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrFactoryNotFound, h.key)
	}
	return e, nil
}

// Lookup returns a handle for an existing entry. It never triggers
// compilation and never mutates the cache.
func (c *Cache) Lookup(sha string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[sha]; !ok {
		return nil, false
	}
	return &Handle{c: c, key: sha, gen: c.gen}, true
}

// GetOrCompile returns the entry for sha, invoking compile to produce
// it when absent. Concurrent calls for the same sha share one
// compilation: at most one compile is in flight per key, later callers
// are served its result.
func (c *Cache) GetOrCompile(ctx context.Context, sha string, compile func(ctx context.Context) (*protocol.Descriptor, error)) (*Handle, error) {
	if h, ok := c.Lookup(sha); ok {
		return h, nil
	}
	_, err, _ := c.group.Do(sha, func() (any, error) {
		if _, ok := c.Lookup(sha); ok {
			return nil, nil
		}
		desc, err := compile(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[sha] = &entry{desc: desc}
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	h, ok := c.Lookup(sha)
	if !ok {
		// The entry was deleted between compilation and this lookup.
		return nil, fmt.Errorf("%w: %s", protocol.ErrFactoryNotFound, sha)
	}
	return h, nil
}

// Insert stores a ready-made descriptor (a cross-compiled submission),
// returning the existing entry's handle when the key is already
// present.
func (c *Cache) Insert(desc *protocol.Descriptor) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[desc.SHAKey]; !ok {
		c.entries[desc.SHAKey] = &entry{desc: desc}
	}
	return &Handle{c: c, key: desc.SHAKey, gen: c.gen}
}

// Descriptor returns the entry's descriptor.
func (h *Handle) Descriptor() (*protocol.Descriptor, error) {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	e, err := h.c.resolve(h)
	if err != nil {
		return nil, err
	}
	return e.desc, nil
}

// Libraries returns the ordered dependency list. Never fails on a live
// handle.
func (h *Handle) Libraries() ([]string, error) {
	d, err := h.Descriptor()
	if err != nil {
		return nil, err
	}
	return d.Libraries, nil
}

// ApplyMetadata calls v once per metadata entry in factory order. The
// factory is not mutated.
func (h *Handle) ApplyMetadata(v protocol.MetaVisitor) error {
	d, err := h.Descriptor()
	if err != nil {
		return err
	}
	d.ApplyMetadata(v)
	return nil
}

// Retain records a live instance on the entry.
func (c *Cache) Retain(h *Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.resolve(h)
	if err != nil {
		return err
	}
	e.refs++
	return nil
}

// Release drops one instance reference. A doomed entry is reclaimed
// once its last reference goes. Releasing a handle invalidated by
// DeleteAll is a no-op: the entry is already gone.
func (c *Cache) Release(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil || h.c != c || h.gen != c.gen {
		return
	}
	e, ok := c.entries[h.key]
	if !ok {
		e, ok = c.doomed[h.key]
	}
	if !ok {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	if e.refs == 0 {
		delete(c.doomed, h.key)
	}
}

// Delete removes the entry behind h. Removal is deferred with respect
// to live instances: the entry leaves the index immediately, so no new
// lookup resolves it, while instances already bound keep running on
// their reference until they close. Delete never fails on a merely
// referenced entry.
func (c *Cache) Delete(h *Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.resolve(h)
	if err != nil {
		return err
	}
	if e.refs > 0 {
		c.doomed[h.key] = e
	}
	delete(c.entries, h.key)
	return nil
}

// DeleteAll invalidates the whole cache. Destructive and
// non-recoverable: every handle issued before the call is dangling
// afterwards and fails with ErrFactoryNotFound; callers must not use
// previously obtained handles again. Safe to call while instances are
// streaming elsewhere, which keep their already-bound descriptors until
// they close.
func (c *Cache) DeleteAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.entries = map[string]*entry{}
	c.doomed = map[string]*entry{}
}

// List snapshots the cache as (name, sha) pairs.
func (c *Cache) List() []protocol.FactoryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.FactoryInfo, 0, len(c.entries))
	for sha, e := range c.entries {
		out = append(out, protocol.FactoryInfo{Name: e.desc.Name, SHAKey: sha})
	}
	return out
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Doomed reports how many deleted entries are still held by live
// instances.
func (c *Cache) Doomed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.doomed)
}
