package volume

import "sync"

// IndexPageMap records, per physical chapter, the highest delta-list
// number of the most recently updated index page of that chapter, plus a
// count of updates (spec.md §4.2: "update_index_page_map",
// "get_last_update"). It keeps one value per chapter, not one per index
// page; replay checks list-number continuity against the volume's index
// pages, not against this map.
type IndexPageMap struct {
	mu         sync.Mutex
	highest    map[uint64]uint64 // physical chapter -> highest list number recorded
	lastUpdate uint64
}

func NewIndexPageMap() *IndexPageMap {
	return &IndexPageMap{highest: make(map[uint64]uint64)}
}

// Update implements spec.md §6 update_index_page_map.
func (m *IndexPageMap) Update(physicalChapter uint64, highestListNumber uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.highest[physicalChapter] = highestListNumber
	m.lastUpdate++
}

// GetLastUpdate implements spec.md §6 get_last_update.
func (m *IndexPageMap) GetLastUpdate() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUpdate
}

// IndexPageMapSnapshot is a point-in-time copy used by the core's
// save/load path, the index-page-map half of spec.md §4.1 step 3's
// "Register persistable sub-components with the state store".
type IndexPageMapSnapshot struct {
	Highest    map[uint64]uint64
	LastUpdate uint64
}

func (m *IndexPageMap) Snapshot() IndexPageMapSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[uint64]uint64, len(m.highest))
	for k, v := range m.highest {
		cp[k] = v
	}
	return IndexPageMapSnapshot{Highest: cp, LastUpdate: m.lastUpdate}
}

func (m *IndexPageMap) Restore(snap IndexPageMapSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.highest = make(map[uint64]uint64, len(snap.Highest))
	for k, v := range snap.Highest {
		m.highest[k] = v
	}
	m.lastUpdate = snap.LastUpdate
}
