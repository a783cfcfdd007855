package indexer

import (
	"testing"

	"github.com/hpvb/vdo/common"
	"github.com/hpvb/vdo/geometry"
	"github.com/hpvb/vdo/volume"
)

func idxName(b byte) common.ChunkName {
	var n common.ChunkName
	n[0] = b
	return n
}

func denseGeometry(t *testing.T) *geometry.Geometry {
	t.Helper()
	g, err := geometry.New(10, 1, 1, 10, 0)
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	return g
}

func baseConfig(zoneCount, openChapterCapacity int) common.Config {
	return common.NewConfig().
		SetInt(common.KeyZoneCount, zoneCount).
		SetInt(common.KeyOpenChapterCapacity, openChapterCapacity)
}

func indexRequest(name common.ChunkName, action common.Action, metadata common.Metadata) *Request {
	return &Request{ChunkName: name, ZoneNumber: 0, Action: action, NewMetadata: metadata}
}

func TestMakeIndexCreateFreshIndex(t *testing.T) {
	geom := denseGeometry(t)
	vol := volume.New(geom)
	store := NewMemStore()
	lc := NewLoadContext()

	idx, err := MakeIndex(baseConfig(1, 100), geom, vol, store, common.LoadCreate, lc)
	if err != nil {
		t.Fatalf("MakeIndex: %v", err)
	}
	defer idx.Close()

	if idx.LoadedType() != common.LoadedCreate {
		t.Fatalf("LoadedType() = %v, want CREATE", idx.LoadedType())
	}
	if idx.OldestVirtualChapter() != 0 || idx.NewestVirtualChapter() != 0 {
		t.Fatalf("fresh index chapters = (%d,%d), want (0,0)", idx.OldestVirtualChapter(), idx.NewestVirtualChapter())
	}
	if idx.HasSavedOpenChapter() {
		t.Fatal("fresh CREATE index should not report a saved open chapter")
	}
}

// TestPopulateSaveThenLoadRestoresState covers spec.md §8's populate/save/
// LOAD scenario: three single-record chapters close and advance (open
// chapter capacity 1), a clean Save, then a fresh MakeIndex(LOAD) against
// the same volume and store must restore the exact same view and still
// answer queries for every previously indexed name.
func TestPopulateSaveThenLoadRestoresState(t *testing.T) {
	geom := denseGeometry(t)
	vol := volume.New(geom)
	store := NewMemStore()

	lc1 := NewLoadContext()
	idx1, err := MakeIndex(baseConfig(1, 1), geom, vol, store, common.LoadCreate, lc1)
	if err != nil {
		t.Fatalf("MakeIndex(CREATE): %v", err)
	}

	names := []common.ChunkName{idxName(1), idxName(2), idxName(3)}
	for _, n := range names {
		req := indexRequest(n, common.ActionIndex, common.Metadata("v1"))
		if err := idx1.DispatchRequest(req); err != nil {
			t.Fatalf("DispatchRequest(INDEX %v): %v", n, err)
		}
	}
	if idx1.NewestVirtualChapter() != 3 || idx1.OldestVirtualChapter() != 0 {
		t.Fatalf("after 3 single-record chapters, chapters = (%d,%d), want (0,3)", idx1.OldestVirtualChapter(), idx1.NewestVirtualChapter())
	}

	if err := idx1.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if cp, ok := idx1.LastCheckpoint(); !ok || cp != 2 {
		t.Fatalf("LastCheckpoint() = (%d,%v), want (2,true)", cp, ok)
	}
	if err := idx1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lc2 := NewLoadContext()
	idx2, err := MakeIndex(baseConfig(1, 1), geom, vol, store, common.LoadLoad, lc2)
	if err != nil {
		t.Fatalf("MakeIndex(LOAD): %v", err)
	}
	defer idx2.Close()

	if idx2.LoadedType() != common.LoadedLoad {
		t.Fatalf("LoadedType() = %v, want LOAD", idx2.LoadedType())
	}
	if !idx2.HasSavedOpenChapter() {
		t.Fatal("LOAD should report a saved open chapter")
	}
	if idx2.NewestVirtualChapter() != 3 || idx2.OldestVirtualChapter() != 0 {
		t.Fatalf("restored chapters = (%d,%d), want (0,3)", idx2.OldestVirtualChapter(), idx2.NewestVirtualChapter())
	}
	if cp, ok := idx2.LastCheckpoint(); !ok || cp != 2 {
		t.Fatalf("restored LastCheckpoint() = (%d,%v), want (2,true)", cp, ok)
	}

	for _, n := range names {
		req := indexRequest(n, common.ActionQuery, nil)
		if err := idx2.DispatchRequest(req); err != nil {
			t.Fatalf("DispatchRequest(QUERY %v): %v", n, err)
		}
		if req.Location == common.LocationUnavailable {
			t.Fatalf("QUERY %v after LOAD: Location = UNAVAILABLE, want a hit", n)
		}
	}
}

// TestLoadFailsNotSavedCleanlyThenRebuildRecovers adapts spec.md §8's
// crash-before-save scenario: a clean save captures two chapters, a third
// chapter closes without a further save (so the store is dirty but the
// volume already holds all three chapters -- the chapter writer persists
// to the volume independently of the index-level checkpoint). LOAD must
// refuse the stale checkpoint; REBUILD must fall through and recover by
// re-deriving the boundaries from the volume directly.
func TestLoadFailsNotSavedCleanlyThenRebuildRecovers(t *testing.T) {
	geom := denseGeometry(t)
	vol := volume.New(geom)
	store := NewMemStore()

	lc1 := NewLoadContext()
	idx1, err := MakeIndex(baseConfig(1, 1), geom, vol, store, common.LoadCreate, lc1)
	if err != nil {
		t.Fatalf("MakeIndex(CREATE): %v", err)
	}

	early := []common.ChunkName{idxName(1), idxName(2)}
	for _, n := range early {
		if err := idx1.DispatchRequest(indexRequest(n, common.ActionIndex, common.Metadata("v1"))); err != nil {
			t.Fatalf("DispatchRequest(INDEX %v): %v", n, err)
		}
	}
	if err := idx1.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	crashed := idxName(3)
	if err := idx1.DispatchRequest(indexRequest(crashed, common.ActionIndex, common.Metadata("v1"))); err != nil {
		t.Fatalf("DispatchRequest(INDEX %v): %v", crashed, err)
	}
	// No further Save: the chapter writer still drains this third chapter
	// to the volume once Close waits for it to go idle.
	if err := idx1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lc2 := NewLoadContext()
	if _, err := MakeIndex(baseConfig(1, 1), geom, vol, store, common.LoadLoad, lc2); err != common.ErrNotSavedCleanly {
		t.Fatalf("MakeIndex(LOAD) after dirty shutdown: err = %v, want ErrNotSavedCleanly", err)
	}

	lc3 := NewLoadContext()
	idx3, err := MakeIndex(baseConfig(1, 1), geom, vol, store, common.LoadRebuild, lc3)
	if err != nil {
		t.Fatalf("MakeIndex(REBUILD): %v", err)
	}
	defer idx3.Close()

	if idx3.LoadedType() != common.LoadedRebuild {
		t.Fatalf("LoadedType() = %v, want REBUILD", idx3.LoadedType())
	}
	if idx3.NewestVirtualChapter() != 3 || idx3.OldestVirtualChapter() != 0 {
		t.Fatalf("rebuilt chapters = (%d,%d), want (0,3)", idx3.OldestVirtualChapter(), idx3.NewestVirtualChapter())
	}

	for _, n := range append(early, crashed) {
		req := indexRequest(n, common.ActionQuery, nil)
		if err := idx3.DispatchRequest(req); err != nil {
			t.Fatalf("DispatchRequest(QUERY %v) post-rebuild: %v", n, err)
		}
		if req.Location == common.LocationUnavailable {
			t.Fatalf("QUERY %v post-rebuild: Location = UNAVAILABLE, want a hit (including the never-saved chapter)", n)
		}
	}
}

// TestQueryDoesNotMutateState pins spec.md §8's QUERY-purity invariant: a
// plain (non-update) QUERY against a dense, already-closed record must not
// change its chapter or promote it into the open chapter.
func TestQueryDoesNotMutateState(t *testing.T) {
	geom := denseGeometry(t)
	vol := volume.New(geom)
	store := NewMemStore()
	lc := NewLoadContext()

	idx, err := MakeIndex(baseConfig(1, 1), geom, vol, store, common.LoadCreate, lc)
	if err != nil {
		t.Fatalf("MakeIndex: %v", err)
	}
	defer idx.Close()

	n := idxName(5)
	if err := idx.DispatchRequest(indexRequest(n, common.ActionIndex, common.Metadata("v1"))); err != nil {
		t.Fatalf("INDEX: %v", err)
	}
	// Capacity 1 closed chapter 0 already; newest is now chapter 1.
	if idx.NewestVirtualChapter() != 1 {
		t.Fatalf("NewestVirtualChapter() = %d, want 1", idx.NewestVirtualChapter())
	}
	// The chapter writer drains chapter 0 to the volume asynchronously;
	// wait for it so the dense lookup below does not race the write.
	idx.cw.WaitForIdle()

	req := indexRequest(n, common.ActionQuery, nil)
	if err := idx.DispatchRequest(req); err != nil {
		t.Fatalf("QUERY: %v", err)
	}
	if req.Location != common.LocationInDense {
		t.Fatalf("QUERY Location = %v, want IN_DENSE", req.Location)
	}
	if idx.NewestVirtualChapter() != 1 {
		t.Fatalf("NewestVirtualChapter() after QUERY = %d, want unchanged 1", idx.NewestVirtualChapter())
	}
	if rec := idx.zones[0].miZone.GetRecord(idx.mi, n); !rec.IsFound || rec.VirtualChapter != 0 {
		t.Fatalf("master-index record after QUERY = %+v, want found at unchanged chapter 0", rec)
	}
	if _, ok := idx.zones[0].open.Find(n); ok {
		t.Fatal("QUERY must not promote the record into the open chapter")
	}

	if err := idx.DispatchRequest(indexRequest(n, common.ActionQuery, nil)); err != nil {
		t.Fatalf("second QUERY: %v", err)
	}
	if idx.NewestVirtualChapter() != 1 {
		t.Fatal("repeated QUERY should never advance chapters")
	}
}

// TestUpdatePromotesRecordToOpenChapterWithNewMetadata covers spec.md §8's
// UPDATE scenario: a record in a closed (dense) chapter, updated, must
// move to the current open chapter carrying the new metadata.
func TestUpdatePromotesRecordToOpenChapterWithNewMetadata(t *testing.T) {
	geom := denseGeometry(t)
	vol := volume.New(geom)
	store := NewMemStore()
	lc := NewLoadContext()

	// Capacity 2 so the record we update stays in a closed chapter while
	// a second, still-open chapter exists to promote into.
	idx, err := MakeIndex(baseConfig(1, 2), geom, vol, store, common.LoadCreate, lc)
	if err != nil {
		t.Fatalf("MakeIndex: %v", err)
	}
	defer idx.Close()

	target := idxName(9)
	filler := []common.ChunkName{idxName(10), idxName(11)}

	if err := idx.DispatchRequest(indexRequest(target, common.ActionIndex, common.Metadata("v1"))); err != nil {
		t.Fatalf("INDEX target: %v", err)
	}
	if err := idx.DispatchRequest(indexRequest(filler[0], common.ActionIndex, common.Metadata("v1"))); err != nil {
		t.Fatalf("INDEX filler[0]: %v", err)
	}
	// Chapter 0 is now full (capacity 2) and has closed; newest is 1.
	if idx.NewestVirtualChapter() != 1 {
		t.Fatalf("NewestVirtualChapter() = %d, want 1", idx.NewestVirtualChapter())
	}
	// The zone handler confirms the master-index hit against the volume
	// before promoting it, so wait for chapter 0's async write to land.
	idx.cw.WaitForIdle()

	req := indexRequest(target, common.ActionUpdate, common.Metadata("v2"))
	if err := idx.DispatchRequest(req); err != nil {
		t.Fatalf("UPDATE: %v", err)
	}
	if req.Location != common.LocationInOpenChapter {
		t.Fatalf("UPDATE Location = %v, want IN_OPEN_CHAPTER", req.Location)
	}

	got, ok := idx.zones[0].open.Find(target)
	if !ok || string(got) != "v2" {
		t.Fatalf("open chapter entry for target = (%q,%v), want (v2,true)", got, ok)
	}
}

// TestSearchUpdateAlreadyInOpenChapterReaffirmsChapter pins the chosen
// resolution of the "update while already in the open chapter" ambiguity
// (see zone.go search()): the observable outcome must still be a
// successful in-place metadata update with the record left in the open
// chapter, regardless of whether the chapter reaffirmation was a no-op.
func TestSearchUpdateAlreadyInOpenChapterReaffirmsChapter(t *testing.T) {
	geom := denseGeometry(t)
	vol := volume.New(geom)
	store := NewMemStore()
	lc := NewLoadContext()

	idx, err := MakeIndex(baseConfig(1, 4), geom, vol, store, common.LoadCreate, lc)
	if err != nil {
		t.Fatalf("MakeIndex: %v", err)
	}
	defer idx.Close()

	n := idxName(2)
	if err := idx.DispatchRequest(indexRequest(n, common.ActionIndex, common.Metadata("v1"))); err != nil {
		t.Fatalf("INDEX: %v", err)
	}
	if idx.NewestVirtualChapter() != 0 {
		t.Fatalf("NewestVirtualChapter() = %d, want 0 (chapter still open)", idx.NewestVirtualChapter())
	}

	req := indexRequest(n, common.ActionUpdate, common.Metadata("v2"))
	if err := idx.DispatchRequest(req); err != nil {
		t.Fatalf("UPDATE while still open: %v", err)
	}
	if req.Location != common.LocationInOpenChapter {
		t.Fatalf("Location = %v, want IN_OPEN_CHAPTER", req.Location)
	}
	got, ok := idx.zones[0].open.Find(n)
	if !ok || string(got) != "v2" {
		t.Fatalf("open chapter entry = (%q,%v), want (v2,true)", got, ok)
	}
}

// TestDeleteRemovesRecord covers spec.md §8's delete-correctness invariant.
func TestDeleteRemovesRecord(t *testing.T) {
	geom := denseGeometry(t)
	vol := volume.New(geom)
	store := NewMemStore()
	lc := NewLoadContext()

	idx, err := MakeIndex(baseConfig(1, 1), geom, vol, store, common.LoadCreate, lc)
	if err != nil {
		t.Fatalf("MakeIndex: %v", err)
	}
	defer idx.Close()

	n := idxName(6)
	if err := idx.DispatchRequest(indexRequest(n, common.ActionIndex, common.Metadata("v1"))); err != nil {
		t.Fatalf("INDEX: %v", err)
	}
	// Capacity 1 already closed and is draining this chapter to the
	// volume; DELETE's zone confirmation reads the volume, so wait first.
	idx.cw.WaitForIdle()
	if err := idx.DispatchRequest(&Request{ChunkName: n, ZoneNumber: 0, Action: common.ActionDelete}); err != nil {
		t.Fatalf("DELETE: %v", err)
	}

	req := indexRequest(n, common.ActionQuery, nil)
	if err := idx.DispatchRequest(req); err != nil {
		t.Fatalf("QUERY after DELETE: %v", err)
	}
	if req.Location != common.LocationUnavailable {
		t.Fatalf("QUERY after DELETE: Location = %v, want UNAVAILABLE", req.Location)
	}
}

// TestRingBoundKeepsSpanWithinChaptersPerVolume covers spec.md §8's ring
// bound invariant: newest_virtual_chapter - oldest_virtual_chapter must
// never exceed chapters_per_volume.
func TestRingBoundKeepsSpanWithinChaptersPerVolume(t *testing.T) {
	geom, err := geometry.New(3, 1, 1, 10, 0)
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	vol := volume.New(geom)
	store := NewMemStore()
	lc := NewLoadContext()

	idx, err := MakeIndex(baseConfig(1, 1), geom, vol, store, common.LoadCreate, lc)
	if err != nil {
		t.Fatalf("MakeIndex: %v", err)
	}
	defer idx.Close()

	for i := byte(0); i < 10; i++ {
		if err := idx.DispatchRequest(indexRequest(idxName(i), common.ActionIndex, common.Metadata("v1"))); err != nil {
			t.Fatalf("INDEX #%d: %v", i, err)
		}
		span := uint64(idx.NewestVirtualChapter() - idx.OldestVirtualChapter())
		if span > geom.ChaptersPerVolume {
			t.Fatalf("after insert #%d, span = %d, want <= %d", i, span, geom.ChaptersPerVolume)
		}
	}
}

// TestSparseGeometrySingleZoneResolvesRecentName exercises the single-zone
// sparse path (spec.md §4.4): after enough chapters have closed to wrap the
// ring, the chapter window stays within the ring bound, and a QUERY for the
// most recently indexed name (whose chapter is now in the sparse window)
// still resolves. That name is still held by the master index, so the hit
// is confirmed against the volume; the sparse cache does not answer it.
func TestSparseGeometrySingleZoneResolvesRecentName(t *testing.T) {
	geom, err := geometry.New(10, 1, 1, 10, 3)
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	vol := volume.New(geom)
	store := NewMemStore()
	lc := NewLoadContext()

	cfg := baseConfig(1, 1).SetInt(common.KeyMasterIndexSampleRate, 2)
	idx, err := MakeIndex(cfg, geom, vol, store, common.LoadCreate, lc)
	if err != nil {
		t.Fatalf("MakeIndex: %v", err)
	}
	defer idx.Close()

	for i := byte(0); i < 12; i++ {
		if err := idx.DispatchRequest(indexRequest(idxName(i), common.ActionIndex, common.Metadata("v1"))); err != nil {
			t.Fatalf("INDEX #%d: %v", i, err)
		}
	}

	oldest, newest := idx.OldestVirtualChapter(), idx.NewestVirtualChapter()
	if newest-oldest > geometry.VirtualChapterNumber(geom.ChaptersPerVolume) {
		t.Fatalf("chapters (%d,%d) exceed ring bound %d", oldest, newest, geom.ChaptersPerVolume)
	}
	idx.cw.WaitForIdle()

	req := indexRequest(idxName(11), common.ActionQuery, nil)
	if err := idx.DispatchRequest(req); err != nil {
		t.Fatalf("QUERY most recent: %v", err)
	}
	if req.Location == common.LocationUnavailable {
		t.Fatal("QUERY for the most recently indexed name should still resolve")
	}
}
