package masterindex

import "github.com/hpvb/vdo/geometry"

// ZoneSnapshot is a point-in-time copy of one zone's slots, used by the
// core's save/load path (spec.md §4.1 step 3: "Register persistable
// sub-components with the state store: master-index info"). The real
// collaborator would serialize its compressed delta lists; this in-memory
// double just copies its slot array.
type ZoneSnapshot struct {
	Slots       []slot
	OpenChapter uint64
}

func (z *Zone) Snapshot() ZoneSnapshot {
	z.mu.Lock()
	defer z.mu.Unlock()
	return ZoneSnapshot{
		Slots:       append([]slot(nil), z.slots...),
		OpenChapter: uint64(z.openChapter),
	}
}

func (z *Zone) Restore(snap ZoneSnapshot) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if len(snap.Slots) == len(z.slots) {
		copy(z.slots, snap.Slots)
	}
	z.openChapter = geometry.VirtualChapterNumber(snap.OpenChapter)
}

// Snapshot captures every zone of the master index.
func (mi *MasterIndex) Snapshot() []ZoneSnapshot {
	snaps := make([]ZoneSnapshot, len(mi.zones))
	for i, z := range mi.zones {
		snaps[i] = z.Snapshot()
	}
	return snaps
}

// Restore replaces every zone's contents with a prior Snapshot's. The
// shape (zone count, slots per zone) must match what produced the
// snapshot.
func (mi *MasterIndex) Restore(snaps []ZoneSnapshot) {
	for i, z := range mi.zones {
		if i < len(snaps) {
			z.Restore(snaps[i])
		}
	}
}
