package indexer

import (
	"github.com/hpvb/vdo/common"
	"github.com/hpvb/vdo/geometry"
	"github.com/hpvb/vdo/masterindex"
	"github.com/hpvb/vdo/sparsecache"
)

// IndexZone is the per-zone request handler (spec.md §3 IndexZone): it
// owns an OpenChapter buffer and a cached view of the active-chapter
// window, and holds the per-zone handle into the shared MasterIndex that
// must not be used from any other zone (spec.md §5).
type IndexZone struct {
	index  *Index
	number int

	miZone *masterindex.Zone
	open   *OpenChapter

	newestForZone    geometry.VirtualChapterNumber
	oldestForZone    geometry.VirtualChapterNumber
	singleZoneSparse bool
}

func newIndexZone(idx *Index, number int, miZone *masterindex.Zone, openChapterCapacity int) *IndexZone {
	return &IndexZone{
		index:  idx,
		number: number,
		miZone: miZone,
		open:   NewOpenChapter(openChapterCapacity),
	}
}

// dispatch is the zone handler invoked by Index.DispatchRequest (spec.md
// §4.3 "Zone handler").
func (z *IndexZone) dispatch(req *Request) error {
	if !req.Requeued && z.singleZoneSparse {
		if err := z.simulateSparseBarrier(req); err != nil {
			return err
		}
	}

	req.Location = common.LocationUnavailable

	switch req.Action {
	case common.ActionQuery, common.ActionUpdate, common.ActionIndex:
		return z.search(req)
	case common.ActionDelete:
		return z.remove(req)
	default:
		return common.ErrInvalidArgument
	}
}

// search implements spec.md §4.3 search(zone, request).
func (z *IndexZone) search(req *Request) error {
	mi := z.index.mi
	record := z.miZone.GetRecord(mi, req.ChunkName)
	wasFound := record.IsFound

	var found bool
	if record.IsFound {
		found = z.getRecordFromZone(req.ChunkName, record.VirtualChapter)
		if found {
			req.Location = z.computeRegion(record.VirtualChapter)
		}
	}

	overflow := record.IsFound && record.IsCollision && !found
	if overflow {
		z.index.statsObj.OverflowRecords.Inc(1)
	}

	if found || overflow {
		switch {
		case req.Action == common.ActionQuery && (!req.Update || overflow):
			if found {
				z.index.statsObj.Hits.Inc(1)
			}
			return nil
		case record.VirtualChapter != z.newestForZone:
			if err := z.miZone.SetRecordChapter(mi, record, z.newestForZone); err != nil {
				if common.IsTransientTolerated(err) {
					return nil
				}
				return err
			}
		case req.Action != common.ActionUpdate:
			// Already in the open chapter, and not an UPDATE: nothing to
			// promote or overwrite.
			return nil
		default:
			// Open Question (spec.md §9): the record is already in the
			// open chapter and this is an UPDATE. The spec re-issues
			// put_record_in_zone with new_metadata but is ambiguous on
			// whether set_record_chapter must also run. Chosen behavior:
			// re-affirm the chapter unconditionally so promotion and
			// in-place update share one code path; pinned by
			// TestSearchUpdateAlreadyInOpenChapterReaffirmsChapter.
			if err := z.miZone.SetRecordChapter(mi, record, z.newestForZone); err != nil {
				if common.IsTransientTolerated(err) {
					return nil
				}
				return err
			}
		}
	} else {
		if !z.miZone.IsSample(req.ChunkName) && z.index.geom.IsSparse() {
			if sf, _ := z.index.sparse.Search(req.ChunkName, sparsecache.AllChapters); sf {
				req.Location = common.LocationInSparse
				found = true
			}
		}
		if req.Action == common.ActionQuery && (!found || !req.Update) {
			z.index.statsObj.Misses.Inc(1)
			return nil
		}
		if err := z.miZone.PutRecord(mi, record, z.newestForZone); err != nil {
			if common.IsTransientTolerated(err) {
				return nil
			}
			return err
		}
	}

	metadata := req.OldMetadata
	if !wasFound || req.Action == common.ActionUpdate {
		metadata = req.NewMetadata
	}
	z.open.Put(req.ChunkName, metadata)
	z.index.statsObj.OpenChapterSize.Update(int64(z.open.Size()))
	if z.open.Full() {
		z.index.closeAndAdvance(z)
	}
	return nil
}

// remove implements spec.md §4.3 remove(zone, request).
func (z *IndexZone) remove(req *Request) error {
	mi := z.index.mi
	record := z.miZone.GetRecord(mi, req.ChunkName)
	if !record.IsFound {
		return nil
	}
	if !record.IsCollision && !z.getRecordFromZone(req.ChunkName, record.VirtualChapter) {
		return nil
	}

	req.Location = z.computeRegion(record.VirtualChapter)
	if err := z.miZone.RemoveRecord(mi, record); err != nil {
		return err
	}
	z.index.statsObj.Deletes.Inc(1)

	if req.Location == common.LocationInOpenChapter {
		if existed := z.open.Remove(req.ChunkName); !existed {
			return common.ErrBadState
		}
		z.index.statsObj.OpenChapterSize.Update(int64(z.open.Size()))
	}
	return nil
}

// getRecordFromZone implements spec.md §6 get_record_from_zone: confirm
// a master-index hit against the open chapter (if it names the current
// open chapter) or the volume page cache otherwise.
func (z *IndexZone) getRecordFromZone(name common.ChunkName, vcn geometry.VirtualChapterNumber) bool {
	if vcn == z.newestForZone {
		_, ok := z.open.Find(name)
		return ok
	}
	return z.index.vol.Contains(vcn, name)
}

// computeRegion implements spec.md §6 compute_index_region.
func (z *IndexZone) computeRegion(vcn geometry.VirtualChapterNumber) common.Location {
	if vcn == z.newestForZone {
		return common.LocationInOpenChapter
	}
	if z.index.geom.IsChapterSparse(z.oldestForZone, z.newestForZone, vcn) {
		return common.LocationInSparse
	}
	return common.LocationInDense
}

// simulateSparseBarrier implements spec.md §4.4: a single-zone sparse
// index has no dedicated triage stage, so the zone simulates one barrier
// per non-requeued request.
func (z *IndexZone) simulateSparseBarrier(req *Request) error {
	sparseVCN, ok := z.triageIndexRequest(req)
	if !ok {
		return nil
	}
	names := z.chapterSampleNames(sparseVCN)
	// The sparse window is the trailing SparseChaptersPerVolume chapters
	// below newest (geometry.IsChapterSparse), clipped to oldest.
	from := z.oldestForZone
	if span := geometry.VirtualChapterNumber(z.index.geom.SparseChaptersPerVolume); z.newestForZone-from > span {
		from = z.newestForZone - span
	}
	z.index.sparse.ExecuteBarrier(sparsecache.BarrierMessage{VirtualChapter: sparseVCN}, names, from, z.newestForZone)
	return nil
}

// triageIndexRequest implements spec.md §6 lookup used by the barrier
// simulation: returns a chapter and ok=true only when the name is a
// master-index sample currently sitting in a sparse chapter.
func (z *IndexZone) triageIndexRequest(req *Request) (geometry.VirtualChapterNumber, bool) {
	if !z.miZone.IsSample(req.ChunkName) {
		return 0, false
	}
	triage := z.miZone.LookupName(z.index.mi, req.ChunkName)
	if !triage.InSampledChapter {
		return 0, false
	}
	if !z.index.geom.IsChapterSparse(z.oldestForZone, z.newestForZone, triage.VirtualChapter) {
		return 0, false
	}
	return triage.VirtualChapter, true
}

// chapterSampleNames collects every master-index sample fingerprint
// written into the closed chapter vcn, for the barrier to load into the
// sparse cache (spec.md §4.4, §6 execute_sparse_cache_barrier_message).
func (z *IndexZone) chapterSampleNames(vcn geometry.VirtualChapterNumber) []common.ChunkName {
	n := z.index.vol.RecordPageCount(vcn)
	var names []common.ChunkName
	for p := 0; p < n; p++ {
		for _, name := range z.index.vol.GetRecordPage(vcn, p) {
			if z.miZone.IsSample(name) {
				names = append(names, name)
			}
		}
	}
	return names
}
