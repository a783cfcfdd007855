package indexer

import (
	"sync"

	"github.com/hpvb/vdo/masterindex"
	"github.com/hpvb/vdo/volume"
)

// persistedState is what the core contributes to the state-store
// collaborator (spec.md §6): "master-index info; index-page-map info",
// plus the implicit last_checkpoint (spec.md §6: "The core itself
// persists only last_checkpoint implicitly (as the 'next open chapter -
// 1')"). hasCheckpoint false models the None sentinel (spec.md §9
// "Sentinel for last_checkpoint: use an explicit variant (None |
// Chapter(vcn))").
type persistedState struct {
	hasCheckpoint bool
	lastCheckpoint uint64

	oldestVCN uint64
	newestVCN uint64

	miSnapshot  []masterindex.ZoneSnapshot
	pageMapSnap volume.IndexPageMapSnapshot

	// openChapters holds, per zone, the open chapter's contents as of the
	// clean save -- restored verbatim on a clean LOAD (spec.md §3 "VCN
	// monotonicity is preserved across save/load").
	openChapters [][]openChapterEntry
}

// Store is the persistence boundary the core writes its two registered
// components through (spec.md §4.1 step 3, §6). It is deliberately an
// interface: spec.md §1 treats the on-disk layout as an external
// collaborator, and §9 asks for collaborators to be pluggable so tests
// can substitute doubles. MemStore below is the in-process double used
// here; a real deployment would back this with the volume itself.
type Store interface {
	// Exists reports whether a prior instance has ever saved state
	// through this store (spec.md §4.1 LOAD: "require that a prior
	// instance existed on disk").
	Exists() bool
	// MarkDirty records that index state has advanced since the last
	// save, so a subsequent Load reports replayRequired.
	MarkDirty()
	// Save durably records state. Returns an error to exercise §4.5's
	// rollback path; MemStore never fails.
	Save(state persistedState) error
	// Load returns the last saved state and whether replay is required
	// (spec.md §4.1: "it returns replay_required (true when the saved
	// open chapter is missing)").
	Load() (state persistedState, replayRequired bool, err error)
}

// MemStore is an in-process Store double: it survives across repeated
// make_index calls in the same process (simulating "disk" for tests and
// the CLI demo) the same way the teacher's storageMgr.dbfile survives
// indexer restarts within one machine.
type MemStore struct {
	mu        sync.Mutex
	everSaved bool
	clean     bool
	state     persistedState
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) Exists() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.everSaved
}

func (s *MemStore) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clean = false
}

func (s *MemStore) Save(state persistedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.everSaved = true
	s.clean = true
	s.state = state
	return nil
}

func (s *MemStore) Load() (persistedState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.everSaved {
		return persistedState{}, true, nil
	}
	return s.state, !s.clean, nil
}
