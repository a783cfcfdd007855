// Package chapterwriter implements the asynchronous closed-chapter
// serializer spec.md §1 lists as out of scope ("only their contracts
// appear"): make/free/wait_for_idle/get_memory_allocated (spec.md §6).
//
// Grounded on the ring-buffer queue and atomic bookkeeping of
// secondary/indexer/queue.go's Queue/allocator, adapted from a
// mutation-row queue to a closed-chapter-record queue drained by one
// background goroutine.
package chapterwriter

import (
	"sync"
	"sync/atomic"

	"github.com/hpvb/vdo/common"
	"github.com/hpvb/vdo/geometry"
	"github.com/hpvb/vdo/logging"
	"github.com/hpvb/vdo/volume"
)

type job struct {
	vcn     geometry.VirtualChapterNumber
	records []common.ChunkName
}

// ChapterWriter drains closed chapters onto the Volume collaborator on a
// single background goroutine, so the zone that triggered the advance
// never blocks on the write.
type ChapterWriter struct {
	vol *volume.Volume

	jobs    chan job
	wg      sync.WaitGroup // one Add per queued job, Done once written
	memUsed int64           // atomic: approximate bytes of in-flight chapters

	done chan struct{}
}

// Make constructs and starts a ChapterWriter bound to the given on-disk
// format version (spec.md §4.1 step 4). The format version does not
// affect this in-memory double's behavior; it is accepted so the
// constructor signature matches the collaborator contract and future
// on-disk encodings can version off of it.
func Make(vol *volume.Volume, formatVersion int) *ChapterWriter {
	cw := &ChapterWriter{
		vol:  vol,
		jobs: make(chan job, 8),
		done: make(chan struct{}),
	}
	go cw.run()
	return cw
}

func (cw *ChapterWriter) run() {
	for {
		select {
		case j, ok := <-cw.jobs:
			if !ok {
				return
			}
			cw.vol.WriteClosedChapter(j.vcn, j.records)
			atomic.AddInt64(&cw.memUsed, -int64(len(j.records)*len(common.ChunkName{})))
			cw.wg.Done()
		case <-cw.done:
			return
		}
	}
}

// Submit enqueues a closed chapter for asynchronous persistence.
func (cw *ChapterWriter) Submit(vcn geometry.VirtualChapterNumber, records []common.ChunkName) {
	atomic.AddInt64(&cw.memUsed, int64(len(records)*len(common.ChunkName{})))
	cw.wg.Add(1)
	logging.Debugf("chapterwriter: queued chapter vcn=%d records=%d", vcn, len(records))
	cw.jobs <- job{vcn: vcn, records: records}
}

// WaitForIdle implements spec.md §6 wait_for_idle, used by Save (spec.md
// §4.5: "Wait for the chapter writer to drain").
func (cw *ChapterWriter) WaitForIdle() {
	cw.wg.Wait()
}

// GetMemoryAllocated implements spec.md §6 get_memory_allocated.
func (cw *ChapterWriter) GetMemoryAllocated() int64 {
	return atomic.LoadInt64(&cw.memUsed)
}

// Free implements spec.md §6 free: stop the background goroutine. Callers
// must WaitForIdle first if in-flight chapters must not be dropped.
func (cw *ChapterWriter) Free() {
	close(cw.done)
}
