// Package geometry implements the chapter/page/record arithmetic of
// spec.md §3 "Geometry": immutable layout constants plus the
// virtual-to-physical chapter mapping and the sparse-chapter predicate.
package geometry

import "fmt"

// VirtualChapterNumber is a monotonically increasing 64-bit counter
// identifying one logical chapter over the life of the index (spec.md §3).
type VirtualChapterNumber uint64

// Geometry is immutable once constructed (spec.md §3).
type Geometry struct {
	ChaptersPerVolume      uint64
	PagesPerChapter        uint32
	IndexPagesPerChapter   uint32
	RecordPagesPerChapter  uint32
	RecordsPerPage         uint32
	SparseChaptersPerVolume uint64
}

// New validates and constructs a Geometry. IndexPagesPerChapter +
// RecordPagesPerChapter must equal PagesPerChapter (spec.md §3 invariant).
func New(chaptersPerVolume uint64, indexPagesPerChapter, recordPagesPerChapter,
	recordsPerPage uint32, sparseChaptersPerVolume uint64) (*Geometry, error) {

	if chaptersPerVolume == 0 {
		return nil, fmt.Errorf("geometry: chapters_per_volume must be > 0")
	}
	if sparseChaptersPerVolume >= chaptersPerVolume {
		return nil, fmt.Errorf("geometry: sparse_chapters_per_volume must be < chapters_per_volume")
	}
	return &Geometry{
		ChaptersPerVolume:       chaptersPerVolume,
		PagesPerChapter:         indexPagesPerChapter + recordPagesPerChapter,
		IndexPagesPerChapter:    indexPagesPerChapter,
		RecordPagesPerChapter:   recordPagesPerChapter,
		RecordsPerPage:          recordsPerPage,
		SparseChaptersPerVolume: sparseChaptersPerVolume,
	}, nil
}

// MapToPhysicalChapter implements map_to_physical(vcn) = vcn mod
// chapters_per_volume (spec.md §3, §6 map_to_physical_chapter).
func (g *Geometry) MapToPhysicalChapter(vcn VirtualChapterNumber) uint64 {
	return uint64(vcn) % g.ChaptersPerVolume
}

// AreSamePhysicalChapter implements §6 are_same_physical_chapter.
func (g *Geometry) AreSamePhysicalChapter(a, b VirtualChapterNumber) bool {
	return g.MapToPhysicalChapter(a) == g.MapToPhysicalChapter(b)
}

// IsSparse reports whether this geometry has a non-empty sparse window at
// all (spec.md §6 is_sparse).
func (g *Geometry) IsSparse() bool {
	return g.SparseChaptersPerVolume > 0
}

// IsChapterSparse implements spec.md §3:
//
//	is_chapter_sparse(from, upto, vcn) is true iff
//	  upto - vcn <= sparse_chapters_per_volume AND vcn < upto
//
// "from" is accepted for symmetry with the collaborator signature in §6
// (is_chapter_sparse(geometry, from, upto, vcn)) but the predicate itself
// only depends on upto and vcn, as in the source semantics: the sparse
// window is always the trailing SparseChaptersPerVolume chapters below
// "upto" (the chapter that will become newest after the replay/rebuild
// this predicate is evaluated for).
func (g *Geometry) IsChapterSparse(from, upto, vcn VirtualChapterNumber) bool {
	if !g.IsSparse() {
		return false
	}
	if vcn >= upto {
		return false
	}
	return uint64(upto)-uint64(vcn) <= g.SparseChaptersPerVolume
}
