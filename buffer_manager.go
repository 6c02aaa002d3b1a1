package simpledb

import (
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// PageSize is the build-time size of every page in bytes.
	PageSize = 1024

	// segmentCount is the number of addressable segments (16-bit ids).
	segmentCount = 1 << 16
)

// SegmentID returns the segment id for a given page id which is contained
// in the 16 most significant bits of the page id.
func SegmentID(pid uint64) uint16 {
	return uint16(pid >> 48)
}

// SegmentPageID returns the page index within its segment for a given page
// id. This corresponds to the 48 least significant bits of the page id.
func SegmentPageID(pid uint64) uint64 {
	return pid & ((1 << 48) - 1)
}

// NewPageID composes a page id from a segment id and a page index within
// the segment.
func NewPageID(segmentID uint16, segmentPageID uint64) uint64 {
	return uint64(segmentID)<<48 ^ segmentPageID
}

type segmentFile struct {
	file  *File
	latch sync.RWMutex
}

// BufferManager mediates between the in-memory page cache and the on-disk
// segment files. Pages enter the cache on a FIFO queue and are promoted to
// an LRU queue on re-access; eviction scans FIFO first, then LRU, taking
// the first frame whose page latch can be acquired without blocking.
type BufferManager struct {
	pageSize  int
	pageCount int
	dir       string

	segments *[segmentCount]segmentFile

	pageTable map[uint64]*BufferFrame
	fifoList  []*BufferFrame
	lruList   []*BufferFrame

	pageTableLatch sync.RWMutex
	fifoLatch      sync.RWMutex
	lruLatch       sync.RWMutex
}

// NewBufferManager creates a buffer manager holding at most pageCount
// pages of pageSize bytes each. Segment files live inside dir, named by
// the decimal representation of their segment id.
func NewBufferManager(dir string, pageSize, pageCount int) *BufferManager {
	if pageSize != PageSize {
		panic("simpledb: page size must equal build-time PageSize")
	}

	return &BufferManager{
		pageSize:  pageSize,
		pageCount: pageCount,
		dir:       dir,
		segments:  new([segmentCount]segmentFile),
		pageTable: make(map[uint64]*BufferFrame),
		fifoList:  make([]*BufferFrame, 0, pageCount),
		lruList:   make([]*BufferFrame, 0, pageCount),
	}
}

// PageSize returns the size of the pages this manager serves.
func (bm *BufferManager) PageSize() int {
	return bm.pageSize
}

// getBufferFrame returns the frame for pid, installing a fresh NotLoaded
// frame on first sight. Installed frames are never removed, so the
// returned pointer stays valid for the manager's lifetime.
func (bm *BufferManager) getBufferFrame(pid uint64) *BufferFrame {
	bm.pageTableLatch.RLock()
	if frame, ok := bm.pageTable[pid]; ok {
		bm.pageTableLatch.RUnlock()
		return frame
	}
	bm.pageTableLatch.RUnlock()

	bm.pageTableLatch.Lock()
	defer bm.pageTableLatch.Unlock()

	if frame, ok := bm.pageTable[pid]; ok {
		// someone inserted this page in the meantime
		return frame
	}

	frame := newBufferFrame(pid)
	bm.pageTable[pid] = frame
	return frame
}

// segment returns the lazily opened file for a segment id, creating and
// resizing it so that it covers at least minSize bytes.
func (bm *BufferManager) segment(segmentID uint16, minSize int64) (*segmentFile, error) {
	seg := &bm.segments[segmentID]

	seg.latch.RLock()
	if seg.file != nil && seg.file.Size() >= minSize {
		seg.latch.RUnlock()
		return seg, nil
	}
	seg.latch.RUnlock()

	seg.latch.Lock()
	defer seg.latch.Unlock()

	// has it been created or resized in the meantime?
	if seg.file == nil {
		path := filepath.Join(bm.dir, strconv.FormatUint(uint64(segmentID), 10))
		file, err := OpenSegmentFile(path)
		if err != nil {
			return nil, err
		}
		log.Debugf("opened segment file %s", path)
		seg.file = file
	}
	if seg.file.Size() < minSize {
		if err := seg.file.Resize(minSize); err != nil {
			return nil, err
		}
	}

	return seg, nil
}

// readSegmentData reads the page bytes for pid into buf.
func (bm *BufferManager) readSegmentData(pid uint64, buf []byte) error {
	segPageID := SegmentPageID(pid)
	offset := int64(segPageID) * int64(bm.pageSize)

	seg, err := bm.segment(SegmentID(pid), offset+int64(bm.pageSize))
	if err != nil {
		return err
	}

	seg.latch.RLock()
	defer seg.latch.RUnlock()
	return seg.file.ReadBlock(offset, buf)
}

// flushPage writes the frame's page bytes back to its segment file and
// clears the dirty bit. The caller must hold the frame's page latch.
func (bm *BufferManager) flushPage(frame *BufferFrame) error {
	segPageID := SegmentPageID(frame.pid)
	offset := int64(segPageID) * int64(bm.pageSize)

	seg, err := bm.segment(SegmentID(frame.pid), offset+int64(bm.pageSize))
	if err != nil {
		return err
	}

	seg.latch.RLock()
	defer seg.latch.RUnlock()

	if err := seg.file.WriteBlock(frame.data, offset); err != nil {
		return err
	}
	frame.dirty = false
	return nil
}

// lockEvictableFrame finds the first frame in frameList whose page latch
// can be taken without blocking, locks it exclusively and returns its
// index, or -1 when every frame is currently fixed. The caller must hold
// the list's latch.
func lockEvictableFrame(frameList []*BufferFrame) int {
	for i, frame := range frameList {
		if frame.pageLatch.TryLock() {
			return i
		}
	}
	return -1
}

// evictFrame flushes the victim if dirty, frees its buffer and releases
// its page latch, which the caller acquired via TryLock.
func (bm *BufferManager) evictFrame(victim *BufferFrame) error {
	var err error
	if victim.dirty {
		log.Debugf("flushing dirty page %d on eviction", victim.pid)
		err = bm.flushPage(victim)
	}

	victim.state.Store(uint32(PageNotLoaded))
	victim.data = nil
	victim.pageLatch.Unlock()
	return err
}

// insertBufferFrame appends frame to the FIFO queue, evicting another
// frame first if the buffer is at capacity. Returns false when no frame
// can be evicted.
func (bm *BufferManager) insertBufferFrame(frame *BufferFrame) (bool, error) {
	bm.fifoLatch.Lock()

	// check if we still have free space
	bm.lruLatch.RLock()
	if len(bm.fifoList)+len(bm.lruList) < bm.pageCount {
		bm.fifoList = append(bm.fifoList, frame)
		bm.lruLatch.RUnlock()
		bm.fifoLatch.Unlock()
		return true, nil
	}
	bm.lruLatch.RUnlock()

	// find a free spot in the fifo list
	if i := lockEvictableFrame(bm.fifoList); i != -1 {
		victim := bm.fifoList[i]
		if PageState(victim.state.Load()) != PageInFifo {
			panic("simpledb: fifo list contains frame in wrong state")
		}

		bm.fifoList = append(bm.fifoList[:i], bm.fifoList[i+1:]...)
		bm.fifoList = append(bm.fifoList, frame)
		bm.fifoLatch.Unlock()

		return true, bm.evictFrame(victim)
	}

	// find a free spot in the lru list
	bm.lruLatch.Lock()
	if i := lockEvictableFrame(bm.lruList); i != -1 {
		victim := bm.lruList[i]
		if PageState(victim.state.Load()) != PageInLru {
			panic("simpledb: lru list contains frame in wrong state")
		}

		bm.lruList = append(bm.lruList[:i], bm.lruList[i+1:]...)
		bm.lruLatch.Unlock()

		bm.fifoList = append(bm.fifoList, frame)
		bm.fifoLatch.Unlock()

		return true, bm.evictFrame(victim)
	}

	// couldn't find a free spot anywhere
	bm.lruLatch.Unlock()
	bm.fifoLatch.Unlock()
	return false, nil
}

// loadPage loads the page for frame into memory. Concurrent loaders are
// serialized on the frame's loading latch. Returns ErrBufferFull when no
// frame could be evicted to make room.
func (bm *BufferManager) loadPage(frame *BufferFrame) error {
	frame.loadingLatch.Lock()

	switch PageState(frame.state.Load()) {
	case PageLoading:
		panic("simpledb: frame in loading state while holding the loading latch")
	case PageInFifo, PageInLru:
		// someone else loaded before us
		frame.loadingLatch.Unlock()
		return nil
	}

	frame.state.Store(uint32(PageLoading))

	ok, err := bm.insertBufferFrame(frame)
	if !ok {
		frame.state.Store(uint32(PageNotLoaded))
		frame.loadingLatch.Unlock()
		if err == nil {
			err = ErrBufferFull
		}
		return err
	}
	if err != nil {
		// the eviction making room for us failed to flush; the slot is
		// ours but the operation is poisoned
		bm.removeFromFifo(frame)
		frame.state.Store(uint32(PageNotLoaded))
		frame.loadingLatch.Unlock()
		return err
	}

	buf := make([]byte, bm.pageSize)
	if err := bm.readSegmentData(frame.pid, buf); err != nil {
		bm.removeFromFifo(frame)
		frame.state.Store(uint32(PageNotLoaded))
		frame.loadingLatch.Unlock()
		return err
	}

	frame.data = buf
	frame.state.Store(uint32(PageInFifo))
	frame.loadingLatch.Unlock()
	return nil
}

// removeFromFifo undoes a queue insertion after a failed load.
func (bm *BufferManager) removeFromFifo(frame *BufferFrame) {
	bm.fifoLatch.Lock()
	for i, f := range bm.fifoList {
		if f == frame {
			bm.fifoList = append(bm.fifoList[:i], bm.fifoList[i+1:]...)
			break
		}
	}
	bm.fifoLatch.Unlock()
}

// moveLruBack moves frame to the tail of the LRU list. The caller must
// hold the LRU latch exclusively.
func (bm *BufferManager) moveLruBack(frame *BufferFrame) {
	erased := false
	for i, f := range bm.lruList {
		if f == frame {
			bm.lruList = append(bm.lruList[:i], bm.lruList[i+1:]...)
			erased = true
			break
		}
	}
	if !erased {
		panic("simpledb: frame missing from lru list")
	}
	bm.lruList = append(bm.lruList, frame)
}

// FixPage returns the frame for page_id with its page latch held in the
// requested mode and its data loaded. When the page cannot be loaded
// because the buffer is full, it returns ErrBufferFull and holds no
// latches. Safe w.r.t. concurrent FixPage and UnfixPage calls.
func (bm *BufferManager) FixPage(pid uint64, exclusive bool) (*BufferFrame, error) {
	frame := bm.getBufferFrame(pid)

	// acquire page latch in the given mode
	if exclusive {
		frame.pageLatch.Lock()
		frame.exclusive = true
	} else {
		frame.pageLatch.RLock()
	}

	// check if the page is already in memory and if not try loading it
	switch PageState(frame.state.Load()) {
	case PageInFifo:
		// move from fifo to lru list
		bm.fifoLatch.Lock()
		bm.lruLatch.Lock()

		// could have been moved to LRU in the meantime
		if PageState(frame.state.Load()) == PageInLru {
			bm.moveLruBack(frame)
			bm.lruLatch.Unlock()
			bm.fifoLatch.Unlock()
			break
		}
		if PageState(frame.state.Load()) != PageInFifo {
			panic("simpledb: frame left the queues while fixed")
		}

		erased := false
		for i, f := range bm.fifoList {
			if f == frame {
				bm.fifoList = append(bm.fifoList[:i], bm.fifoList[i+1:]...)
				erased = true
				break
			}
		}
		if !erased {
			panic("simpledb: frame missing from fifo list")
		}

		bm.lruList = append(bm.lruList, frame)
		frame.state.Store(uint32(PageInLru))

		bm.lruLatch.Unlock()
		bm.fifoLatch.Unlock()

	case PageInLru:
		// move to the back of the lru list
		bm.lruLatch.Lock()
		bm.moveLruBack(frame)
		bm.lruLatch.Unlock()

	case PageNotLoaded:
		if err := bm.loadPage(frame); err != nil {
			bm.unlatch(frame, exclusive)
			return nil, err
		}

	case PageLoading:
		// wait for the concurrent loader
		frame.loadingLatch.Lock()
		frame.loadingLatch.Unlock()
		if st := PageState(frame.state.Load()); st != PageInFifo && st != PageInLru {
			// the other loader failed
			bm.unlatch(frame, exclusive)
			return nil, ErrBufferFull
		}
	}

	return frame, nil
}

func (bm *BufferManager) unlatch(frame *BufferFrame, exclusive bool) {
	if exclusive {
		frame.exclusive = false
		frame.pageLatch.Unlock()
	} else {
		frame.pageLatch.RUnlock()
	}
}

// UnfixPage releases the page latch taken by an earlier FixPage. When
// isDirty is true the page is written back to disk eventually; passing
// isDirty from a shared acquisition is a programmer error.
func (bm *BufferManager) UnfixPage(frame *BufferFrame, isDirty bool) {
	if frame.exclusive {
		if isDirty {
			frame.dirty = true
		}
		frame.exclusive = false
		frame.pageLatch.Unlock()
		return
	}
	if isDirty {
		panic("simpledb: dirty unfix of a page fixed in shared mode")
	}
	frame.pageLatch.RUnlock()
}

// FifoPids returns the page ids of all pages in the FIFO list in FIFO
// order. Snapshot for inspection only; not consistent with concurrent
// fixes.
func (bm *BufferManager) FifoPids() []uint64 {
	bm.fifoLatch.RLock()
	defer bm.fifoLatch.RUnlock()

	pids := make([]uint64, 0, len(bm.fifoList))
	for _, f := range bm.fifoList {
		pids = append(pids, f.pid)
	}
	return pids
}

// LruPids returns the page ids of all pages in the LRU list in LRU order.
func (bm *BufferManager) LruPids() []uint64 {
	bm.lruLatch.RLock()
	defer bm.lruLatch.RUnlock()

	pids := make([]uint64, 0, len(bm.lruList))
	for _, f := range bm.lruList {
		pids = append(pids, f.pid)
	}
	return pids
}

// Close writes out all dirty pages, frees their buffers and closes the
// segment files. Calling Close while a frame is still fixed is a
// programmer error.
func (bm *BufferManager) Close() error {
	var firstErr error

	flushList := func(frames []*BufferFrame, want PageState) {
		for _, frame := range frames {
			if !frame.pageLatch.TryLock() {
				panic("simpledb: buffer manager closed while a page is still fixed")
			}
			if PageState(frame.state.Load()) != want {
				panic("simpledb: queue contains frame in wrong state")
			}

			if frame.dirty {
				if err := bm.flushPage(frame); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			frame.state.Store(uint32(PageNotLoaded))
			frame.data = nil
			frame.pageLatch.Unlock()
		}
	}

	bm.fifoLatch.Lock()
	flushList(bm.fifoList, PageInFifo)
	bm.fifoList = bm.fifoList[:0]
	bm.fifoLatch.Unlock()

	bm.lruLatch.Lock()
	flushList(bm.lruList, PageInLru)
	bm.lruList = bm.lruList[:0]
	bm.lruLatch.Unlock()

	for i := range bm.segments {
		if bm.segments[i].file != nil {
			if err := bm.segments[i].file.Close(); err != nil && firstErr == nil {
				firstErr = errors.Wrap(err, "close segment file")
			}
			bm.segments[i].file = nil
		}
	}

	return firstErr
}
