// Package masterindex implements the fingerprint -> (virtual chapter,
// collision bit) delta-list store that spec.md §1 calls out as an
// external collaborator ("assumed available as a module implementing the
// operations in §6"). This is a minimal, in-memory, slot-addressed
// implementation: real UDS backs this with a compressed delta-list per
// chapter; here a fixed array of single-entry slots per zone, addressed by
// hash, gives the same observable contract (found/collision/overflow)
// without the on-disk encoding, which is explicitly out of this core's
// scope. A name that hashes to an occupied slot displaces its occupant.
//
// Grounded on the map-guarded-by-exclusive-zone-ownership idiom in
// secondary/indexer/storage_manager.go (indexSnapMap, waitersMap) and the
// singly-linked bucket style of secondary/memdb/nodelist.go.
package masterindex

import (
	"hash/fnv"
	"sync"

	"github.com/hpvb/vdo/common"
	"github.com/hpvb/vdo/geometry"
)

// maxCollisionDepth bounds how many distinct names may displace each
// other at the same slot before further insertions are reported as
// OVERFLOW (spec.md §6 put_master_index_record "may return ... OVERFLOW").
const maxCollisionDepth = 3

type slot struct {
	occupied       bool
	name           common.ChunkName
	vcn            geometry.VirtualChapterNumber
	isCollision    bool
	collisionDepth int
}

// Zone is the per-zone record handle spec.md §3/§5 requires: "the master
// index ... offers per-zone record handles that must not be used outside
// the owning zone". Each Zone owns an exclusive shard of slots, so no
// locking is needed between zones; a mutex still guards the shard against
// the read-only Stats aggregator (spec.md §5 "Statistics aggregation is
// read-only and may run on any thread").
type Zone struct {
	mu          sync.Mutex
	slots       []slot
	openChapter geometry.VirtualChapterNumber
	sampleRate  uint32 // 1-in-N names are samples; 0 disables sampling
}

// MasterIndex is the container of per-zone shards (spec.md §6 "per-zone
// record handles").
type MasterIndex struct {
	zones      []*Zone
	nonce      uint64
	sampleRate uint32
}

// Record is the handle returned by Zone.GetRecord (spec.md §3
// MasterIndexRecord): IsFound, IsCollision, VirtualChapter, plus the
// private cursor (the query name) needed by the mutating calls.
type Record struct {
	name           common.ChunkName
	IsFound        bool
	IsCollision    bool
	VirtualChapter geometry.VirtualChapterNumber
}

// Triage is the lightweight lookup result of spec.md §3 MasterIndexTriage.
type Triage struct {
	InSampledChapter bool
	VirtualChapter   geometry.VirtualChapterNumber
}

// New builds a MasterIndex with zoneCount shards, each sized for
// slotsPerZone entries, and volumeNonce identifying this build (spec.md
// §4.1 step 2: "Build the master index from (config, zone_count,
// volume_nonce)"). sampleRate of N means roughly 1-in-N names are
// treated as master-index samples (spec.md §1 GLOSSARY "Sample").
func New(zoneCount int, slotsPerZone int, sampleRate uint32, volumeNonce uint64) *MasterIndex {
	if zoneCount < 1 {
		zoneCount = 1
	}
	mi := &MasterIndex{
		zones:      make([]*Zone, zoneCount),
		nonce:      volumeNonce,
		sampleRate: sampleRate,
	}
	for i := range mi.zones {
		mi.zones[i] = &Zone{
			slots:      make([]slot, slotsPerZone),
			sampleRate: sampleRate,
		}
	}
	return mi
}

func (mi *MasterIndex) ZoneCount() int { return len(mi.zones) }

// Zone returns the per-zone handle for zoneNumber. Callers must only use
// the handle for requests routed to that zone.
func (mi *MasterIndex) Zone(zoneNumber int) *Zone {
	return mi.zones[zoneNumber]
}

func slotHash(nonce uint64, name common.ChunkName, numSlots int) int {
	h := fnv.New64a()
	var nb [8]byte
	for i := 0; i < 8; i++ {
		nb[i] = byte(nonce >> (8 * i))
	}
	h.Write(nb[:])
	h.Write(name[:])
	return int(h.Sum64() % uint64(numSlots))
}

func (z *Zone) addr(mi *MasterIndex, name common.ChunkName) int {
	return slotHash(mi.nonce, name, len(z.slots))
}

// IsSample implements spec.md §6 is_master_index_sample: a deterministic,
// hash-derived predicate so sparse-chapter sampling is reproducible across
// replay runs (spec.md §8 invariant 3, "Replay idempotence").
func (z *Zone) IsSample(name common.ChunkName) bool {
	if z.sampleRate == 0 {
		return false
	}
	h := fnv.New64a()
	h.Write(name[:])
	h.Write([]byte{'s'})
	return h.Sum64()%uint64(z.sampleRate) == 0
}

// SetOpenChapter implements spec.md §6 set_master_index_open_chapter.
func (z *Zone) SetOpenChapter(vcn geometry.VirtualChapterNumber) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.openChapter = vcn
}

// ResetOpenChapter sets every zone's open-chapter marker to vcn in one
// call, used by rebuild (spec.md §4.1 rebuild: "Reset master-index open
// chapter to 0, then replay from oldest").
func (mi *MasterIndex) ResetOpenChapter(vcn geometry.VirtualChapterNumber) {
	for _, z := range mi.zones {
		z.SetOpenChapter(vcn)
	}
}

// GetRecord implements spec.md §6 get_master_index_record.
func (z *Zone) GetRecord(mi *MasterIndex, name common.ChunkName) *Record {
	z.mu.Lock()
	defer z.mu.Unlock()

	idx := z.addr(mi, name)
	s := &z.slots[idx]
	if !s.occupied {
		return &Record{name: name, IsFound: false}
	}
	if s.name == name {
		return &Record{name: name, IsFound: true, IsCollision: s.isCollision, VirtualChapter: s.vcn}
	}
	// Address collision with a different name: report found+collision
	// pointing at the slot's current chapter; callers must confirm against
	// the volume to tell a real hit from an overflow_record (spec.md §4.3).
	return &Record{name: name, IsFound: true, IsCollision: true, VirtualChapter: s.vcn}
}

// LookupName implements spec.md §6 lookup_master_index_name: a cheap,
// non-mutating probe used by the sparse barrier simulation (spec.md §4.4).
func (z *Zone) LookupName(mi *MasterIndex, name common.ChunkName) Triage {
	r := z.GetRecord(mi, name)
	if !r.IsFound || r.IsCollision {
		return Triage{}
	}
	return Triage{InSampledChapter: true, VirtualChapter: r.VirtualChapter}
}

// PutRecord implements spec.md §6 put_master_index_record. It may return
// common.ErrDuplicateName or common.ErrOverflow, both of which spec.md §7
// classifies as transient-tolerated.
func (z *Zone) PutRecord(mi *MasterIndex, record *Record, vcn geometry.VirtualChapterNumber) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	idx := z.addr(mi, record.name)
	s := &z.slots[idx]

	if !s.occupied {
		*s = slot{occupied: true, name: record.name, vcn: vcn}
		return nil
	}
	if s.name == record.name {
		if !record.IsFound {
			// Caller believed this name absent; it is not. Treat as a
			// recoverable duplicate insert rather than silently
			// clobbering state (spec.md §4.2 "Treat DUPLICATE_NAME ...
			// as success").
			return common.ErrDuplicateName
		}
		s.vcn = vcn
		return nil
	}
	if s.collisionDepth >= maxCollisionDepth {
		return common.ErrOverflow
	}
	*s = slot{occupied: true, name: record.name, vcn: vcn, isCollision: true, collisionDepth: s.collisionDepth + 1}
	return nil
}

// SetRecordChapter implements spec.md §6 set_master_index_record_chapter:
// re-home an already-found record at a new chapter (used for open-chapter
// promotion, spec.md §4.3/§4.5).
func (z *Zone) SetRecordChapter(mi *MasterIndex, record *Record, vcn geometry.VirtualChapterNumber) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	idx := z.addr(mi, record.name)
	s := &z.slots[idx]
	if !s.occupied {
		*s = slot{occupied: true, name: record.name, vcn: vcn}
		return nil
	}
	if s.name != record.name && s.collisionDepth >= maxCollisionDepth {
		return common.ErrOverflow
	}
	isCollision := s.isCollision || s.name != record.name
	depth := s.collisionDepth
	if s.name != record.name {
		depth++
	}
	*s = slot{occupied: true, name: record.name, vcn: vcn, isCollision: isCollision, collisionDepth: depth}
	return nil
}

// RemoveRecord implements spec.md §6 remove_master_index_record.
func (z *Zone) RemoveRecord(mi *MasterIndex, record *Record) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	idx := z.addr(mi, record.name)
	s := &z.slots[idx]
	if s.occupied && s.name == record.name {
		*s = slot{}
	}
	return nil
}
