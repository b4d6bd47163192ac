// Package state holds the live document between syncs. Every mutation,
// whether from the admin API or the scheduler, goes through Apply so that
// dirty tracking is never bypassed and concurrent writers cannot tear a
// read-modify-write.
package state

import (
	"sync"

	"github.com/foxy1402/keep-me-alive/internal/domain"
	"github.com/foxy1402/keep-me-alive/internal/store"
)

type Cache struct {
	mu         sync.Mutex
	doc        domain.Document
	dirty      bool
	generation uint64
	lastSynced store.Version
}

func NewCache(doc domain.Document, version store.Version) *Cache {
	return &Cache{doc: doc, lastSynced: version}
}

// Apply runs fn under the cache lock. A non-nil error from fn aborts the
// mutation: the document may have been partially modified by fn, so fn must
// either mutate only on success or be idempotent on failure.
func (c *Cache) Apply(fn func(*domain.Document) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := fn(&c.doc); err != nil {
		return err
	}
	c.dirty = true
	c.generation++
	return nil
}

// Snapshot returns a deep copy of the document and the mutation generation
// it reflects.
func (c *Cache) Snapshot() (domain.Document, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Clone(), c.generation
}

func (c *Cache) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// Generation returns the current mutation counter. Pair it with a later
// ReplaceAll to detect edits that landed in between.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *Cache) LastSyncedVersion() store.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSynced
}

// MarkSynced records a successful save of the snapshot taken at generation.
// The dirty flag clears only if no mutation landed since that snapshot;
// otherwise it stays set and the next sync carries the newer state.
func (c *Cache) MarkSynced(version store.Version, generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSynced = version
	if c.generation == generation {
		c.dirty = false
	}
}

// ReplaceAll swaps in a freshly loaded remote document, carrying over the
// process-local scheduling state for websites that survive by ID. The cache
// comes out clean: the new document is what the remote holds. The swap is
// refused, returning false, while unsaved edits exist or if any mutation
// landed since the caller read generation; replacing anyway would silently
// drop that edit.
func (c *Cache) ReplaceAll(doc domain.Document, version store.Version, generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dirty || c.generation != generation {
		return false
	}
	if c.doc.HistoryMax > 0 {
		doc.HistoryMax = c.doc.HistoryMax
	}
	if !c.doc.HistoryClearedAt.IsZero() {
		doc.DropVisitsThrough(c.doc.HistoryClearedAt)
	}
	for i := range doc.Websites {
		if prev, ok := c.doc.Website(doc.Websites[i].ID); ok {
			doc.Websites[i].NextDueAt = prev.NextDueAt
			doc.Websites[i].LastVisit = prev.LastVisit
		}
	}
	c.doc = doc
	c.lastSynced = version
	c.dirty = false
	c.generation++
	return true
}
