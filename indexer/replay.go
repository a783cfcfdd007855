package indexer

import (
	"hash/fnv"

	"github.com/hpvb/vdo/common"
	"github.com/hpvb/vdo/geometry"
	"github.com/hpvb/vdo/logging"
)

// zoneForName picks the IndexZone that owns name during replay. Routing
// an incoming Request to a zone_number is a caller responsibility
// (spec.md §3 Request.zone_number is an input field); replay has no
// request to consult, so it derives the same kind of deterministic,
// hash-based routing a caller would use to keep a name on one zone for
// its whole life.
func (idx *Index) zoneForName(name common.ChunkName) *IndexZone {
	if len(idx.zones) == 1 {
		return idx.zones[0]
	}
	h := fnv.New32a()
	h.Write(name[:])
	return idx.zones[int(h.Sum32())%len(idx.zones)]
}

// replay implements spec.md §4.2 replay(index, from_vcn). Preconditions:
// newest_virtual_chapter is already authoritative, oldest_virtual_chapter
// is set, and the caller has already put the volume into rebuild lookup
// mode.
func replay(idx *Index, fromVCN geometry.VirtualChapterNumber) error {
	idx.mu.Lock()
	newest := idx.newestVirtualChapter
	idx.mu.Unlock()

	// Flush sequence: drains stale per-zone chapter state before replay
	// begins (spec.md §4.2).
	idx.mi.ResetOpenChapter(newest)
	idx.mi.ResetOpenChapter(fromVCN)

	lastUpdateBefore := idx.vol.PageMap.GetLastUpdate()

	for vcn := fromVCN; vcn < newest; vcn++ {
		if idx.loadContext.CheckForSuspend() {
			return common.ErrShuttingDown
		}

		willBeSparse := idx.geom.IsChapterSparse(fromVCN, newest, vcn)

		idx.vol.PrefetchPages(vcn)
		idx.mi.ResetOpenChapter(vcn)

		if err := replayIndexPageMap(idx, vcn); err != nil {
			return err
		}

		numRecordPages := idx.vol.RecordPageCount(vcn)
		for p := 0; p < numRecordPages; p++ {
			for _, name := range idx.vol.GetRecordPage(vcn, p) {
				if err := replayRecord(idx, name, vcn, willBeSparse); err != nil {
					return err
				}
			}
		}
		idx.statsObj.ReplayedChapters.Inc(1)
	}

	// Reaps the chapter the open chapter will shadow.
	idx.mi.ResetOpenChapter(newest)

	if after := idx.vol.PageMap.GetLastUpdate(); after != lastUpdateBefore {
		logging.Debugf("replay: index-page-map last_update advanced %d -> %d", lastUpdateBefore, after)
	}
	return nil
}

// replayIndexPageMap implements the index-page-map half of spec.md §4.2's
// per-chapter work: each index page's lowest_list_number must equal the
// running expected_next, or the chapter is corrupt.
func replayIndexPageMap(idx *Index, vcn geometry.VirtualChapterNumber) error {
	physical := idx.geom.MapToPhysicalChapter(vcn)
	expectedNext := uint64(0)
	for p := 0; p < int(idx.geom.IndexPagesPerChapter); p++ {
		info, ok := idx.vol.GetIndexPage(vcn, p)
		if !ok {
			// Chapter never written this far; nothing more to validate.
			break
		}
		if info.LowestListNumber != expectedNext {
			return common.ErrCorruptData
		}
		idx.vol.PageMap.Update(physical, info.HighestListNumber)
		expectedNext = info.HighestListNumber + 1
	}
	return nil
}

// replayRecord implements spec.md §4.2 replay_record.
func replayRecord(idx *Index, name common.ChunkName, vcn geometry.VirtualChapterNumber, willBeSparseChapter bool) error {
	z := idx.zoneForName(name)

	if willBeSparseChapter && !z.miZone.IsSample(name) {
		return nil
	}

	record := z.miZone.GetRecord(idx.mi, name)

	var updateRecord bool
	switch {
	case !record.IsFound:
		updateRecord = false
	case record.IsCollision && record.VirtualChapter == vcn:
		return nil
	case record.IsCollision && record.VirtualChapter != vcn:
		updateRecord = true
	case !record.IsCollision && record.VirtualChapter == vcn:
		updateRecord = false
	default: // !record.IsCollision && record.VirtualChapter != vcn
		updateRecord = idx.vol.Contains(record.VirtualChapter, name)
	}

	var err error
	if updateRecord {
		err = z.miZone.SetRecordChapter(idx.mi, record, vcn)
	} else {
		err = z.miZone.PutRecord(idx.mi, record, vcn)
	}
	if err != nil {
		if common.IsTransientTolerated(err) {
			logging.Debugf("replay: tolerated %v replaying chapter %d", err, vcn)
			return nil
		}
		return err
	}
	idx.statsObj.ReplayedRecords.Inc(1)
	return nil
}
