package indexer

import (
	"testing"

	"github.com/hpvb/vdo/common"
)

func ocName(b byte) common.ChunkName {
	var n common.ChunkName
	n[0] = b
	return n
}

func TestOpenChapterPutFindRoundTrips(t *testing.T) {
	oc := NewOpenChapter(8)
	n := ocName(1)
	oc.Put(n, common.Metadata("meta"))
	got, ok := oc.Find(n)
	if !ok || string(got) != "meta" {
		t.Fatalf("Find = (%q,%v), want (meta,true)", got, ok)
	}
}

func TestOpenChapterFullAtCapacity(t *testing.T) {
	oc := NewOpenChapter(2)
	oc.Put(ocName(1), nil)
	if oc.Full() {
		t.Fatal("should not be full after one entry in a capacity-2 chapter")
	}
	oc.Put(ocName(2), nil)
	if !oc.Full() {
		t.Fatal("should be full after filling to capacity")
	}
}

func TestOpenChapterRemoveReportsExisted(t *testing.T) {
	oc := NewOpenChapter(4)
	n := ocName(3)
	if existed := oc.Remove(n); existed {
		t.Fatal("Remove on absent name should report existed=false")
	}
	oc.Put(n, nil)
	if existed := oc.Remove(n); !existed {
		t.Fatal("Remove on present name should report existed=true")
	}
	if _, ok := oc.Find(n); ok {
		t.Fatal("name should be gone after Remove")
	}
}

func TestOpenChapterPutPromotesExisting(t *testing.T) {
	oc := NewOpenChapter(3)
	oc.Put(ocName(1), nil)
	oc.Put(ocName(2), nil)
	oc.Put(ocName(3), nil)
	// Re-touch name 1: it should move to the front, so Names() (LRU-first)
	// ends with it last.
	oc.Put(ocName(1), common.Metadata("refreshed"))

	names := oc.Names()
	if len(names) != 3 || names[len(names)-1] != ocName(1) {
		t.Fatalf("Names() = %v, want name 1 last after promotion", names)
	}
}

func TestOpenChapterClearEmpties(t *testing.T) {
	oc := NewOpenChapter(4)
	oc.Put(ocName(1), nil)
	oc.Clear()
	if oc.Size() != 0 {
		t.Fatalf("Size() after Clear = %d, want 0", oc.Size())
	}
	if _, ok := oc.Find(ocName(1)); ok {
		t.Fatal("expected entries gone after Clear")
	}
}
