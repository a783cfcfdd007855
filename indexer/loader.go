package indexer

import (
	"github.com/hpvb/vdo/common"
	"github.com/hpvb/vdo/geometry"
	"github.com/hpvb/vdo/logging"
)

// load implements spec.md §4.1 load(index, allow_replay).
func (idx *Index) load(allowReplay bool) error {
	persisted, replayRequired, err := idx.store.Load()
	if err != nil {
		return err
	}
	if replayRequired && !allowReplay {
		return common.ErrNotSavedCleanly
	}

	idx.mu.Lock()
	idx.oldestVirtualChapter = geometry.VirtualChapterNumber(persisted.oldestVCN)
	idx.newestVirtualChapter = geometry.VirtualChapterNumber(persisted.newestVCN)
	idx.hasLastCheckpoint = persisted.hasCheckpoint
	idx.lastCheckpoint = geometry.VirtualChapterNumber(persisted.lastCheckpoint)
	idx.mu.Unlock()

	idx.mi.Restore(persisted.miSnapshot)
	idx.vol.PageMap.Restore(persisted.pageMapSnap)
	for i, z := range idx.zones {
		if i >= len(persisted.openChapters) {
			continue
		}
		// Entries are saved most-recently-used first; put them back
		// oldest-first so the restored recency order matches.
		entries := persisted.openChapters[i]
		for j := len(entries) - 1; j >= 0; j-- {
			z.open.Put(entries[j].name, entries[j].metadata)
		}
	}

	firstReplay := idx.firstReplayChapter()
	if replayRequired {
		undo := idx.vol.BeginRebuildLookup()
		rerr := replay(idx, firstReplay)
		undo()
		if rerr != nil {
			return rerr
		}
		idx.mu.Lock()
		idx.loadedType = common.LoadedReplay
		idx.mu.Unlock()
	} else {
		idx.mu.Lock()
		idx.loadedType = common.LoadedLoad
		idx.mu.Unlock()
	}
	return nil
}

// firstReplayChapter implements spec.md §4.1
// "first_replay = max(last_checkpoint_or_0, oldest_virtual_chapter)".
func (idx *Index) firstReplayChapter() geometry.VirtualChapterNumber {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	lastCheckpointOr0 := geometry.VirtualChapterNumber(0)
	if idx.hasLastCheckpoint {
		lastCheckpointOr0 = idx.lastCheckpoint
	}
	if lastCheckpointOr0 > idx.oldestVirtualChapter {
		return lastCheckpointOr0
	}
	return idx.oldestVirtualChapter
}

// rebuild implements spec.md §4.1 rebuild(index).
func (idx *Index) rebuild() error {
	undo := idx.vol.BeginRebuildLookup()
	defer undo()

	lowest, highest, isEmpty, err := idx.vol.FindChapterBoundaries()
	if err != nil {
		return common.Wrap(common.ErrCorruptComponent, err)
	}

	idx.mu.Lock()
	if isEmpty {
		idx.oldestVirtualChapter = 0
		idx.newestVirtualChapter = 0
		idx.loadedType = common.LoadedEmpty
		idx.mu.Unlock()
		return nil
	}
	if lowest > highest {
		idx.mu.Unlock()
		return common.ErrCorruptComponent
	}
	idx.newestVirtualChapter = highest + 1
	idx.oldestVirtualChapter = lowest
	if uint64(idx.newestVirtualChapter-idx.oldestVirtualChapter) == idx.geom.ChaptersPerVolume {
		idx.oldestVirtualChapter++
	}
	oldest := idx.oldestVirtualChapter
	idx.mu.Unlock()

	idx.mi.ResetOpenChapter(0)
	logging.Infof("index: rebuild discovered chapters [%d, %d)", lowest, highest+1)

	if err := replay(idx, oldest); err != nil {
		return err
	}

	idx.mu.Lock()
	idx.loadedType = common.LoadedRebuild
	idx.mu.Unlock()
	return nil
}

// buildPersistedStateLocked assembles the two components the core
// contributes to the state store (spec.md §6 "the core contributes two
// registered components: master-index info and index-page-map info").
// Caller must hold idx.mu.
func (idx *Index) buildPersistedStateLocked() persistedState {
	openChapters := make([][]openChapterEntry, len(idx.zones))
	for i, z := range idx.zones {
		openChapters[i] = z.open.Entries()
	}
	return persistedState{
		hasCheckpoint:  idx.hasLastCheckpoint,
		lastCheckpoint: uint64(idx.lastCheckpoint),
		oldestVCN:      uint64(idx.oldestVirtualChapter),
		newestVCN:      uint64(idx.newestVirtualChapter),
		miSnapshot:     idx.mi.Snapshot(),
		pageMapSnap:    idx.vol.PageMap.Snapshot(),
		openChapters:   openChapters,
	}
}

// Save implements spec.md §4.5 save(index).
func (idx *Index) Save() error {
	idx.cw.WaitForIdle()
	logging.Tracef("index: finish_checkpointing")

	idx.mu.Lock()
	idx.prevCheckpoint = idx.lastCheckpoint
	idx.hasPrevCheckpoint = idx.hasLastCheckpoint

	if idx.newestVirtualChapter == 0 {
		idx.hasLastCheckpoint = false
	} else {
		idx.hasLastCheckpoint = true
		idx.lastCheckpoint = idx.newestVirtualChapter - 1
	}
	state := idx.buildPersistedStateLocked()
	idx.mu.Unlock()

	if err := idx.store.Save(state); err != nil {
		idx.mu.Lock()
		idx.lastCheckpoint = idx.prevCheckpoint
		idx.hasLastCheckpoint = idx.hasPrevCheckpoint
		idx.mu.Unlock()
		return err
	}

	idx.mu.Lock()
	idx.hasSavedOpenChapter = true
	idx.mu.Unlock()
	return nil
}
