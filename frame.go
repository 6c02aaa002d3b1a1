package simpledb

import (
	"sync"
	"sync/atomic"

	"github.com/viney-shih/go-lock"
)

// PageState describes where a buffer frame's page currently lives.
type PageState uint32

const (
	PageNotLoaded PageState = iota
	PageLoading
	PageInFifo
	PageInLru
)

// BufferFrame is the in-memory slot for one page. A frame is created the
// first time its page id is fixed and stays in the page table for the rest
// of the buffer manager's life; only its data buffer comes and goes with
// loading and eviction.
type BufferFrame struct {
	pid   uint64
	state atomic.Uint32

	// dirty is protected by pageLatch: it is set under an exclusive hold
	// and read during eviction and teardown while the latch is held.
	dirty bool
	// exclusive marks that the current holder acquired pageLatch in
	// write mode. Written only under the exclusive latch.
	exclusive bool

	// data addresses the loaded page, valid iff state is PageInFifo or
	// PageInLru.
	data []byte

	pageLatch    lock.RWMutex
	loadingLatch sync.Mutex
}

func newBufferFrame(pid uint64) *BufferFrame {
	return &BufferFrame{
		pid:       pid,
		pageLatch: lock.NewCASMutex(),
	}
}

// Pid returns the frame's page id.
func (f *BufferFrame) Pid() uint64 {
	return f.pid
}

// Data returns the frame's page buffer. Must only be called while the
// frame is fixed.
func (f *BufferFrame) Data() []byte {
	if st := PageState(f.state.Load()); st != PageInFifo && st != PageInLru {
		panic("simpledb: access to unloaded page data")
	}
	return f.data
}
