// Package sparsecache implements the sparse-chapter cache spec.md §1
// lists as out of scope ("only their contracts appear"): searching for a
// sampled name and applying barrier messages that keep the cache's
// contents in sync with which chapters currently fall inside the
// trailing sparse window (spec.md §4.4).
//
// Grounded on the waiter/notify bookkeeping of storageMgr.waitersMap /
// snapshotWaiter in secondary/indexer/storage_manager.go, repurposed from
// "snapshot availability" to "sparse chapter population".
package sparsecache

import (
	"math"
	"sync"

	"github.com/hpvb/vdo/common"
	"github.com/hpvb/vdo/geometry"
)

const AllChapters = uint64(math.MaxUint64)

// BarrierMessage carries the virtual chapter that triage determined a
// request's fingerprint falls in (spec.md §4.4).
type BarrierMessage struct {
	VirtualChapter geometry.VirtualChapterNumber
}

// Cache is the in-memory sparse-chapter cache double.
type Cache struct {
	mu      sync.Mutex
	entries map[common.ChunkName]geometry.VirtualChapterNumber
}

func New() *Cache {
	return &Cache{entries: make(map[common.ChunkName]geometry.VirtualChapterNumber)}
}

// ExecuteBarrier implements spec.md §6
// execute_sparse_cache_barrier_message: loads every sampled fingerprint
// of the barrier's chapter into the cache, and evicts any cached entry
// whose chapter has since fallen outside [from, upto) -- keeping the
// cache's contents limited to the current sparse window when the caller
// passes that window's bounds, as the index zone does.
func (c *Cache) ExecuteBarrier(msg BarrierMessage, chapterNames []common.ChunkName, from, upto geometry.VirtualChapterNumber) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range chapterNames {
		c.entries[n] = msg.VirtualChapter
	}
	for n, vcn := range c.entries {
		if vcn < from || vcn >= upto {
			delete(c.entries, n)
		}
	}
}

// Search implements spec.md §6 search_sparse_cache_in_zone. chapterHint
// of AllChapters searches every cached chapter; any other value restricts
// the search to that chapter.
func (c *Cache) Search(name common.ChunkName, chapterHint uint64) (found bool, vcn geometry.VirtualChapterNumber) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.entries[name]
	if !ok {
		return false, 0
	}
	if chapterHint != AllChapters && uint64(v) != chapterHint {
		return false, 0
	}
	return true, v
}
