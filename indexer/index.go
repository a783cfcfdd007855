// Package indexer implements the index container, its per-zone request
// handlers, and the load/replay/rebuild state machine (spec.md §2 Index,
// IndexZone, Loader, Replay, LoadContext).
package indexer

import (
	"sync"

	"github.com/hpvb/vdo/chapterwriter"
	"github.com/hpvb/vdo/common"
	"github.com/hpvb/vdo/geometry"
	"github.com/hpvb/vdo/logging"
	"github.com/hpvb/vdo/masterindex"
	"github.com/hpvb/vdo/sparsecache"
	"github.com/hpvb/vdo/stats"
	"github.com/hpvb/vdo/volume"
)

// chapterWriterFormatVersion is the on-disk format version the chapter
// writer is bound to (spec.md §4.1 step 4). The in-memory volume double
// does not interpret it.
const chapterWriterFormatVersion = 1

const defaultSlotsPerZone = 4096

// Index is the container of zones (spec.md §3 Index): it owns Geometry,
// Volume, MasterIndex and ChapterWriter, and routes requests to the
// IndexZone selected by zone_number.
type Index struct {
	geom   *geometry.Geometry
	vol    *volume.Volume
	mi     *masterindex.MasterIndex
	cw     *chapterwriter.ChapterWriter
	sparse *sparsecache.Cache
	statsObj *stats.Stats

	loadContext *LoadContext
	store       Store

	openChapterCapacity int

	mu                   sync.Mutex
	oldestVirtualChapter geometry.VirtualChapterNumber
	newestVirtualChapter geometry.VirtualChapterNumber
	hasLastCheckpoint    bool
	lastCheckpoint       geometry.VirtualChapterNumber
	hasPrevCheckpoint    bool
	prevCheckpoint       geometry.VirtualChapterNumber
	loadedType           common.LoadedType
	hasSavedOpenChapter  bool
	unrecoverable        bool

	zones []*IndexZone
}

// MakeIndex implements spec.md §4.1 make_index. loadContext must outlive
// the Index (spec.md §5 "Resource discipline").
func MakeIndex(cfg common.Config, geom *geometry.Geometry, vol *volume.Volume, store Store, loadType common.LoadType, loadContext *LoadContext) (idx *Index, err error) {
	zoneCount := cfg[common.KeyZoneCount].Int()
	if zoneCount < 1 {
		zoneCount = 1
	}
	slotsPerZone := cfg[common.KeyMasterIndexSlotsPerZone].Int()
	if slotsPerZone <= 0 {
		slotsPerZone = defaultSlotsPerZone
	}
	sampleRate := uint32(cfg[common.KeyMasterIndexSampleRate].Int())
	capacity := cfg[common.KeyOpenChapterCapacity].Int()
	if capacity <= 0 {
		capacity = 1000
	}

	// Step 1-2: allocate the shell and build the master index from
	// (config, zone_count, volume_nonce).
	mi := masterindex.New(zoneCount, slotsPerZone, sampleRate, vol.Nonce())

	idx = &Index{
		geom:                geom,
		vol:                 vol,
		mi:                  mi,
		sparse:              sparsecache.New(),
		statsObj:            stats.New(),
		loadContext:         loadContext,
		store:               store,
		openChapterCapacity: capacity,
	}

	// Step 3: the only persistable sub-components the core contributes
	// are the master-index and index-page-map snapshots assembled by
	// buildPersistedStateLocked; there is no separate registration call
	// against this in-memory Store.
	logging.Debugf("index: registering persistable components (masterindex, indexpagemap)")

	// Step 4: construct the chapter writer bound to the format version.
	idx.cw = chapterwriter.Make(vol, chapterWriterFormatVersion)

	idx.zones = make([]*IndexZone, zoneCount)
	for i := 0; i < zoneCount; i++ {
		idx.zones[i] = newIndexZone(idx, i, mi.Zone(i), capacity)
	}

	// Failure paths return nil for idx, so the cleanup works on its own
	// reference to the partially built index.
	built := idx
	defer func() {
		built.loadContext.PublishReady(err == nil)
		if err != nil {
			built.Close()
			idx = nil
		}
	}()

	// Step 5: branch on load_type.
	switch loadType {
	case common.LoadCreate:
		idx.loadedType = common.LoadedCreate

	case common.LoadLoad:
		if !store.Exists() {
			return nil, common.ErrNoIndex
		}
		if err = idx.load(false); err != nil {
			return nil, err
		}

	case common.LoadRebuild:
		if !store.Exists() {
			if err = idx.rebuild(); err != nil {
				return nil, err
			}
			break
		}
		// allow_replay=false here deliberately, matching the LOAD branch: a
		// dirty (not cleanly saved) state means the persisted newest/oldest
		// counters cannot be trusted, since chapters may have been closed
		// to the volume after the last save. Replaying against a stale
		// persisted newest would silently miss them, so any failure here
		// (other than out-of-memory) falls through to a full structural
		// rebuild that re-derives the boundaries from the volume itself.
		if lerr := idx.load(false); lerr != nil {
			if lerr == common.ErrOutOfMemory {
				err = lerr
				return nil, err
			}
			logging.Warnf("index: load failed during REBUILD (%v), falling back to rebuild", lerr)
			if err = idx.rebuild(); err != nil {
				return nil, err
			}
		}

	default:
		return nil, common.ErrInvalidArgument
	}

	// Step 7: has_saved_open_chapter iff loaded_type = LOAD.
	idx.hasSavedOpenChapter = idx.loadedType == common.LoadedLoad
	idx.finalizeZones()
	return idx, nil
}

// finalizeZones synchronizes each zone's cached view of the active
// chapter window with the index's authoritative oldest/newest (spec.md
// §4.1 "Finalize each zone's active-chapter view").
func (idx *Index) finalizeZones() {
	idx.mu.Lock()
	oldest, newest := idx.oldestVirtualChapter, idx.newestVirtualChapter
	idx.mu.Unlock()

	singleZoneSparse := len(idx.zones) == 1 && idx.geom.IsSparse()
	for _, z := range idx.zones {
		z.oldestForZone = oldest
		z.newestForZone = newest
		z.singleZoneSparse = singleZoneSparse
	}
}

// LoadedType reports how construction actually concluded (spec.md §3
// Index.loaded_type).
func (idx *Index) LoadedType() common.LoadedType {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.loadedType
}

func (idx *Index) OldestVirtualChapter() geometry.VirtualChapterNumber {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.oldestVirtualChapter
}

func (idx *Index) NewestVirtualChapter() geometry.VirtualChapterNumber {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.newestVirtualChapter
}

func (idx *Index) HasSavedOpenChapter() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.hasSavedOpenChapter
}

// LastCheckpoint reports the most recent durably-saved closed chapter,
// and whether one exists at all (spec.md §3 Index.last_checkpoint,
// sentinel NONE).
func (idx *Index) LastCheckpoint() (vcn geometry.VirtualChapterNumber, ok bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.lastCheckpoint, idx.hasLastCheckpoint
}

func (idx *Index) Stats() *stats.Stats { return idx.statsObj }

// Unrecoverable reports whether a zone handler has escalated an error to
// index-fatal (spec.md §4.3 step 4, §7 "Fatal-to-index").
func (idx *Index) Unrecoverable() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.unrecoverable
}

func (idx *Index) markUnrecoverable() {
	idx.mu.Lock()
	idx.unrecoverable = true
	idx.mu.Unlock()
	logging.Errorf("index: zone handler returned an unrecoverable error; failing subsequent requests")
}

// DispatchRequest implements spec.md §4.3 dispatch_request: select the
// zone and invoke its handler. Any escalated error marks the index
// unrecoverable for every subsequent call.
func (idx *Index) DispatchRequest(req *Request) error {
	if idx.Unrecoverable() {
		return common.ErrBadState
	}
	if req.ZoneNumber < 0 || req.ZoneNumber >= len(idx.zones) {
		return common.ErrInvalidArgument
	}
	err := idx.zones[req.ZoneNumber].dispatch(req)
	logging.Tracef("index: zone=%d action=%v location=%v err=%v", req.ZoneNumber, req.Action, req.Location, err)
	if err != nil && !common.IsTransientTolerated(err) && !common.IsShuttingDown(err) {
		idx.markUnrecoverable()
	}
	return err
}

// closeAndAdvance is invoked by a zone whose OpenChapter has filled
// (spec.md §2 "open/closed chapter lifecycle"). It hands the closing
// chapter's contents to the ChapterWriter, then advances the shared
// active-chapter window.
//
// A real multi-zone deployment gates this on an external admin
// orchestrator that closes every zone's open chapter in lockstep
// (spec.md §4.4: "a dedicated triage stage"); that coordinator is out of
// this core's scope, so here each zone's own fill event drives the
// index-wide advance directly. See DESIGN.md for the tradeoff this
// implies for multi-zone geometries.
func (idx *Index) closeAndAdvance(z *IndexZone) {
	closingVCN := z.newestForZone
	names := z.open.Names()
	idx.cw.Submit(closingVCN, names)
	idx.statsObj.ChapterWriterQueued.Update(idx.cw.GetMemoryAllocated())

	idx.advanceActiveChapters()

	idx.mu.Lock()
	newest, oldest := idx.newestVirtualChapter, idx.oldestVirtualChapter
	idx.mu.Unlock()
	for _, zz := range idx.zones {
		zz.newestForZone = newest
		zz.oldestForZone = oldest
	}
	z.open.Clear()
	idx.statsObj.OpenChapterSize.Update(0)
}

// advanceActiveChapters implements spec.md §4.5 advance_active_chapters.
func (idx *Index) advanceActiveChapters() {
	idx.mu.Lock()
	idx.newestVirtualChapter++
	if idx.geom.AreSamePhysicalChapter(idx.newestVirtualChapter, idx.oldestVirtualChapter) {
		idx.oldestVirtualChapter++
	}
	idx.mu.Unlock()
	idx.store.MarkDirty()
}

// Close implements spec.md §5 "Resource discipline": release the
// ChapterWriter, MasterIndex and Volume in reverse construction order.
// The in-memory MasterIndex and Volume need no explicit teardown beyond
// the ChapterWriter's background goroutine.
func (idx *Index) Close() error {
	if idx.cw != nil {
		idx.cw.WaitForIdle()
		idx.cw.Free()
	}
	return nil
}
