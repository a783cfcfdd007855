// Package volume stands in for the on-disk volume geometry helpers,
// page cache and index-page-map that spec.md §1 lists as out of scope
// ("only their contracts appear"). It is an in-memory double: closed
// chapters are flat slices of records, addressed by virtual chapter
// number, with a scoped rebuild-lookup-mode guard (spec.md §9 "Global
// lookup mode on the volume").
//
// Grounded on the Slice/Snapshot/SnapshotInfo abstractions of
// secondary/indexer/storage_manager.go, adapted from a B-tree index
// slice to a flat fingerprint record store.
package volume

import (
	"encoding/binary"
	"sync"

	"github.com/google/uuid"

	"github.com/hpvb/vdo/common"
	"github.com/hpvb/vdo/geometry"
	"github.com/hpvb/vdo/logging"
)

// IndexPageInfo is the per-index-page metadata replay consumes (spec.md
// §4.2: "require lowest_list_number == expected_next ... update the
// index-page-map with the page's highest_list_number").
type IndexPageInfo struct {
	LowestListNumber  uint64
	HighestListNumber uint64
}

type chapterData struct {
	vcn        geometry.VirtualChapterNumber
	records    []common.ChunkName
	indexPages []IndexPageInfo
}

// Volume is the in-memory collaborator double implementing spec.md §6's
// find_volume_chapter_boundaries, map_to_physical_chapter (delegated to
// Geometry), get_page, and prefetch_volume_pages.
type Volume struct {
	geom *geometry.Geometry

	mu       sync.RWMutex
	chapters map[uint64]*chapterData // keyed by physical chapter index

	rebuildMu       sync.Mutex
	inRebuildLookup bool

	PageMap *IndexPageMap

	// nonce identifies this volume's addressing for the life of the
	// volume (spec.md §4.1 step 2: "Build the master index from (config,
	// zone_count, volume_nonce)"). It must stay stable across repeated
	// make_index calls against the same volume, or a restored master-index
	// snapshot would hash new insertions into slots inconsistent with the
	// ones recorded before the restart -- so it is generated once here,
	// not per index construction.
	nonce uint64
}

func New(geom *geometry.Geometry) *Volume {
	id := uuid.New()
	return &Volume{
		geom:     geom,
		chapters: make(map[uint64]*chapterData),
		PageMap:  NewIndexPageMap(),
		nonce:    binary.BigEndian.Uint64(id[:8]),
	}
}

// Nonce returns the stable per-volume addressing nonce.
func (v *Volume) Nonce() uint64 {
	return v.nonce
}

// BeginRebuildLookup puts the volume into LOOKUP_FOR_REBUILD mode and
// returns a function that restores the prior mode. Model as a scoped
// guard so every exit path -- including error returns -- releases it
// (spec.md §9).
func (v *Volume) BeginRebuildLookup() func() {
	v.rebuildMu.Lock()
	v.inRebuildLookup = true
	v.rebuildMu.Unlock()
	return func() {
		v.rebuildMu.Lock()
		v.inRebuildLookup = false
		v.rebuildMu.Unlock()
	}
}

func (v *Volume) InRebuildLookup() bool {
	v.rebuildMu.Lock()
	defer v.rebuildMu.Unlock()
	return v.inRebuildLookup
}

// WriteClosedChapter stores a fully-closed chapter's records as one flat
// slice (GetRecordPage later splits them evenly across
// RecordPagesPerChapter pages) and synthesizes IndexPagesPerChapter index
// pages with contiguous list-number ranges, one list number per record
// and at least one per page. It is the write side the ChapterWriter
// collaborator drives asynchronously.
func (v *Volume) WriteClosedChapter(vcn geometry.VirtualChapterNumber, records []common.ChunkName) {
	recordsPerIndexPage := int(v.geom.RecordsPerPage)
	if recordsPerIndexPage <= 0 {
		recordsPerIndexPage = 1
	}
	numIndexPages := int(v.geom.IndexPagesPerChapter)
	if numIndexPages <= 0 {
		numIndexPages = 1
	}

	pages := make([]IndexPageInfo, 0, numIndexPages)
	perPage := (len(records) + numIndexPages - 1) / numIndexPages
	if perPage == 0 {
		perPage = 1
	}
	var nextList uint64
	for p := 0; p < numIndexPages; p++ {
		lowest := nextList
		count := uint64(perPage)
		if count == 0 {
			count = 1
		}
		highest := lowest + count - 1
		pages = append(pages, IndexPageInfo{LowestListNumber: lowest, HighestListNumber: highest})
		nextList = highest + 1
	}

	cd := &chapterData{vcn: vcn, records: append([]common.ChunkName(nil), records...), indexPages: pages}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.chapters[v.geom.MapToPhysicalChapter(vcn)] = cd
}

// FindChapterBoundaries implements spec.md §6
// find_volume_chapter_boundaries: returns the lowest and highest virtual
// chapter numbers present on the volume, and whether the volume holds no
// chapters at all.
func (v *Volume) FindChapterBoundaries() (lowest, highest geometry.VirtualChapterNumber, isEmpty bool, err error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if len(v.chapters) == 0 {
		return 0, 0, true, nil
	}
	first := true
	for _, cd := range v.chapters {
		if first {
			lowest, highest = cd.vcn, cd.vcn
			first = false
			continue
		}
		if cd.vcn < lowest {
			lowest = cd.vcn
		}
		if cd.vcn > highest {
			highest = cd.vcn
		}
	}
	return lowest, highest, false, nil
}

// GetIndexPage implements the index-page half of spec.md §6 get_page.
func (v *Volume) GetIndexPage(vcn geometry.VirtualChapterNumber, page int) (IndexPageInfo, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cd, ok := v.chapters[v.geom.MapToPhysicalChapter(vcn)]
	if !ok || cd.vcn != vcn || page >= len(cd.indexPages) {
		return IndexPageInfo{}, false
	}
	return cd.indexPages[page], true
}

// GetRecordPage implements the record-page half of spec.md §6 get_page,
// returning every ChunkName in one record page of the chapter.
func (v *Volume) GetRecordPage(vcn geometry.VirtualChapterNumber, page int) []common.ChunkName {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cd, ok := v.chapters[v.geom.MapToPhysicalChapter(vcn)]
	if !ok || cd.vcn != vcn {
		return nil
	}
	numPages := int(v.geom.RecordPagesPerChapter)
	if numPages <= 0 {
		numPages = 1
	}
	perPage := (len(cd.records) + numPages - 1) / numPages
	if perPage == 0 {
		return nil
	}
	start := page * perPage
	if start >= len(cd.records) {
		return nil
	}
	end := start + perPage
	if end > len(cd.records) {
		end = len(cd.records)
	}
	return cd.records[start:end]
}

// RecordPageCount reports RecordPagesPerChapter for a chapter that holds
// any records, and 0 otherwise. Trailing pages of a sparsely filled
// chapter may be empty (GetRecordPage returns nil for them).
func (v *Volume) RecordPageCount(vcn geometry.VirtualChapterNumber) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cd, ok := v.chapters[v.geom.MapToPhysicalChapter(vcn)]
	if !ok || cd.vcn != vcn || len(cd.records) == 0 {
		return 0
	}
	n := int(v.geom.RecordPagesPerChapter)
	if n <= 0 {
		n = 1
	}
	return n
}

// Contains reports whether the named fingerprint is actually present in
// the closed chapter at vcn. Replay and search use this volume-page-cache
// confirmation to distinguish a real hit from an overflow_record (stale
// collision hint) -- spec.md §4.2, §4.3.
func (v *Volume) Contains(vcn geometry.VirtualChapterNumber, name common.ChunkName) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cd, ok := v.chapters[v.geom.MapToPhysicalChapter(vcn)]
	if !ok || cd.vcn != vcn {
		return false
	}
	for _, r := range cd.records {
		if r == name {
			return true
		}
	}
	return false
}

// PrefetchPages implements spec.md §6 prefetch_volume_pages. The
// in-memory double has nothing to prefetch; it only logs, matching the
// Tracef density of storage_manager.go's hot paths.
func (v *Volume) PrefetchPages(vcn geometry.VirtualChapterNumber) {
	logging.Tracef("volume: prefetch chapter vcn=%d physical=%d", vcn, v.geom.MapToPhysicalChapter(vcn))
}
