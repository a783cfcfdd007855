package indexer

import (
	"container/list"
	"sync"

	"github.com/hpvb/vdo/common"
)

type openChapterEntry struct {
	name     common.ChunkName
	metadata common.Metadata
}

// OpenChapter is the bounded, currently-writable set of (ChunkName,
// Metadata) entries each IndexZone owns (spec.md §3 IndexZone: "The
// OpenChapter is a bounded set of (ChunkName, Metadata) entries with
// find, put, remove(name)->existed, size, full"). Recency order is
// tracked so that re-adding an already-present entry promotes it, as
// search()'s final put_record_in_zone call does for existing open-chapter
// hits (spec.md §4.3).
type OpenChapter struct {
	mu       sync.Mutex
	capacity int
	index    map[common.ChunkName]*list.Element
	order    *list.List // front = most recently used
}

func NewOpenChapter(capacity int) *OpenChapter {
	return &OpenChapter{
		capacity: capacity,
		index:    make(map[common.ChunkName]*list.Element),
		order:    list.New(),
	}
}

// Find implements spec.md §3 OpenChapter.find.
func (c *OpenChapter) Find(name common.ChunkName) (common.Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[name]
	if !ok {
		return nil, false
	}
	return el.Value.(*openChapterEntry).metadata, true
}

// Put implements spec.md §3 OpenChapter.put: inserts or overwrites name's
// metadata and promotes it to most-recently-used.
func (c *OpenChapter) Put(name common.ChunkName, metadata common.Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[name]; ok {
		el.Value.(*openChapterEntry).metadata = metadata
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&openChapterEntry{name: name, metadata: metadata})
	c.index[name] = el
}

// Remove implements spec.md §3 OpenChapter.remove(name)->existed,
// matching the §6 remove_from_open_chapter collaborator contract.
func (c *OpenChapter) Remove(name common.ChunkName) (existed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[name]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.index, name)
	return true
}

// Size implements spec.md §3 OpenChapter.size.
func (c *OpenChapter) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Full implements spec.md §3 OpenChapter.full.
func (c *OpenChapter) Full() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index) >= c.capacity
}

// Names returns every fingerprint currently in the open chapter, in
// least-recently-used-first order, for ChapterWriter to persist on
// advance.
func (c *OpenChapter) Names() []common.ChunkName {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]common.ChunkName, 0, len(c.index))
	for el := c.order.Back(); el != nil; el = el.Prev() {
		names = append(names, el.Value.(*openChapterEntry).name)
	}
	return names
}

// Entries returns a copy of every (name, metadata) pair currently held,
// most-recently-used first, for the core's save path to persist
// (spec.md §4.1 step 3 "Register persistable sub-components with the
// state store").
func (c *OpenChapter) Entries() []openChapterEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]openChapterEntry, 0, len(c.index))
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*openChapterEntry)
		out = append(out, openChapterEntry{name: e.name, metadata: e.metadata})
	}
	return out
}

// Clear empties the open chapter, used when advancing to a new open
// chapter after a closed chapter has been handed to the ChapterWriter.
func (c *OpenChapter) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = make(map[common.ChunkName]*list.Element)
	c.order = list.New()
}
