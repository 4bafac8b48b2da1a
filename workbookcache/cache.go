// Package workbookcache implements the Workbook Cache (C2): a bounded LRU of
// parsed WorkbookHandles keyed by canonical WorkbookId, serving concurrent
// readers while minimising the window any exclusive lock is held.
package workbookcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"github.com/sheetmcp/forkcore"
)

// Resolver is the subset of identity.Resolver the cache depends on.
type Resolver interface {
	Resolve(ref string) (forkcore.WorkbookId, error)
	RegisterLocation(path string) (forkcore.WorkbookId, error)
	PathOf(id forkcore.WorkbookId) (string, bool)
}

type entry struct {
	id     forkcore.WorkbookId
	handle forkcore.WorkbookHandle
	path   string
}

// Stats is a point-in-time snapshot of the cache's operation counters.
type Stats struct {
	Operations int64
	Hits       int64
	Misses     int64
	Size       int
	Capacity   int
}

// Cache is the bounded LRU of parsed WorkbookHandles. The zero value is not
// usable; construct with New.
type Cache struct {
	resolver Resolver
	parser   forkcore.WorkbookParser
	capacity int

	// mu guards lruByID; it is the cache's sole lock. It is taken in shared
	// mode for reads and exclusive mode only for recency updates and
	// insert/evict - never while parsing a file.
	mu        sync.RWMutex
	lruByID   *lru.LRU[forkcore.WorkbookId, *entry]
	pathIndex map[string]forkcore.WorkbookId

	// parses collapses concurrent misses for the same id into one parse;
	// losers of the race share the winner's handle.
	parses singleflight.Group

	operations atomic.Int64
	hits       atomic.Int64
	misses     atomic.Int64
}

// New constructs a Cache with the given capacity; callers are expected to
// have already range-checked it via Configuration.Validate.
func New(resolver Resolver, parser forkcore.WorkbookParser, capacity int) (*Cache, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("workbookcache: capacity must be >= 1, got %d", capacity)
	}
	c := &Cache{
		resolver:  resolver,
		parser:    parser,
		capacity:  capacity,
		pathIndex: make(map[string]forkcore.WorkbookId),
	}
	l, err := lru.NewLRU[forkcore.WorkbookId, *entry](capacity, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("workbookcache: %w", err)
	}
	c.lruByID = l
	return c, nil
}

// onEvict is invoked by the LRU under c.mu (already held exclusively by the
// caller of the mutating method) whenever an entry falls off the back.
func (c *Cache) onEvict(id forkcore.WorkbookId, e *entry) {
	delete(c.pathIndex, e.path)
	if err := e.handle.Close(); err != nil {
		// Eviction is infallible from the caller's point of view; surface
		// the close failure only through logging.
		logEvictCloseError(id, err)
	}
}

// Open resolves ref via the identity resolver, returning the cached handle
// if present, otherwise parsing the file, inserting it, possibly evicting
// the least-recently-used entry, and returning the freshly parsed handle.
func (c *Cache) Open(ctx context.Context, ref string) (forkcore.WorkbookId, forkcore.WorkbookHandle, error) {
	c.operations.Add(1)

	id, path, err := c.resolveForOpen(ref)
	if err != nil {
		return forkcore.WorkbookId{}, nil, err
	}

	// Shared-mode peek first. Peek does not touch recency so it is safe to
	// call while only holding the read lock.
	c.mu.RLock()
	_, ok := c.lruByID.Peek(id)
	c.mu.RUnlock()

	if ok {
		// The recency bump mutates the LRU's internal list, so it needs the
		// exclusive lock - but only for that, not for any I/O.
		c.mu.Lock()
		e2, stillPresent := c.lruByID.Get(id)
		c.mu.Unlock()
		if stillPresent {
			c.hits.Add(1)
			return id, e2.handle, nil
		}
		// Raced with an eviction between Peek and Get: fall through to miss path.
	}

	// Miss path: parse with no cache lock held - parsing is CPU/IO-heavy and
	// must never block readers. Concurrent misses for the same id collapse
	// into a single parse; the losers share the winner's handle and count as
	// hits, so exactly one miss is recorded per actual parse.
	parsed := false
	v, err, _ := c.parses.Do(id.String(), func() (any, error) {
		parsed = true
		handle, perr := c.parser.Parse(ctx, path)
		if perr != nil {
			return nil, forkcore.NewError(forkcore.InvalidWorkbook, perr, path)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if winner, ok := c.lruByID.Get(id); ok {
			// An insert landed between the peek and this parse; keep the
			// cached handle and discard the fresh one.
			if cerr := handle.Close(); cerr != nil {
				logEvictCloseError(id, cerr)
			}
			return winner.handle, nil
		}
		ent := &entry{id: id, handle: handle, path: path}
		c.pathIndex[path] = id
		c.lruByID.Add(id, ent) // evicts least-recent via onEvict if over capacity.
		return handle, nil
	})
	if err != nil {
		c.misses.Add(1)
		return forkcore.WorkbookId{}, nil, err
	}
	if parsed {
		c.misses.Add(1)
	} else {
		c.hits.Add(1)
	}
	return id, v.(forkcore.WorkbookHandle), nil
}

// resolveForOpen resolves ref to a WorkbookId and its canonical path,
// registering the location on first sight if ref looks like an
// as-yet-unregistered path.
func (c *Cache) resolveForOpen(ref string) (forkcore.WorkbookId, string, error) {
	id, err := c.resolver.Resolve(ref)
	if err != nil {
		if forkcore.CodeOf(err) != forkcore.NotFound {
			return forkcore.WorkbookId{}, "", err
		}
		// Unknown reference: treat it as a path and register it.
		id, err = c.resolver.RegisterLocation(ref)
		if err != nil {
			return forkcore.WorkbookId{}, "", err
		}
	}
	path, ok := c.resolver.PathOf(id)
	if !ok {
		// Resolved via alias or id-shape but the resolver has no path on
		// file for it; this should not happen given the identity package's
		// invariants, and is an internal error rather than NotFound.
		return forkcore.WorkbookId{}, "", forkcore.NewError(forkcore.Internal,
			fmt.Errorf("resolved workbook id %s has no registered path", id), ref)
	}
	return id, path, nil
}

// Close evicts the entry for id if cached. It never fails if the id is
// absent (permissive mode).
func (c *Cache) Close(id forkcore.WorkbookId) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lruByID.Remove(id) // triggers onEvict, which closes the handle.
	return nil
}

// Contains reports whether id currently has an entry in the cache, for
// callers (e.g. close_workbook) that must distinguish "already absent" from
// "evicted just now".
func (c *Cache) Contains(id forkcore.WorkbookId) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lruByID.Contains(id)
}

// InvalidateByPath evicts the entry whose canonical path matches path. Used
// when the underlying file is rewritten externally (e.g. after save_fork).
func (c *Cache) InvalidateByPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.pathIndex[path]
	if !ok {
		return
	}
	c.lruByID.Remove(id)
}

// Stats returns a snapshot of the cache's operation counters. size is taken
// under the cache's lock; operations/hits/misses are lock-free atomics.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	size := c.lruByID.Len()
	c.mu.RUnlock()
	return Stats{
		Operations: c.operations.Load(),
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Size:       size,
		Capacity:   c.capacity,
	}
}
