package simpledb

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
)

func TestBufferManagerFixPersists(t *testing.T) {
	assert := assertion.New(t)
	dir := t.TempDir()

	bm := NewBufferManager(dir, PageSize, 10)

	pid := NewPageID(1, 0)
	frame, err := bm.FixPage(pid, true)
	assert.NoError(err)
	copy(frame.Data(), []byte("hello simpledb"))
	bm.UnfixPage(frame, true)

	assert.NoError(bm.Close())

	// a fresh manager must read the flushed bytes back
	bm = NewBufferManager(dir, PageSize, 10)
	frame, err = bm.FixPage(pid, false)
	assert.NoError(err)
	assert.Equal([]byte("hello simpledb"), frame.Data()[:14])
	bm.UnfixPage(frame, false)
	assert.NoError(bm.Close())
}

func TestBufferManagerFreshPageIsZeroed(t *testing.T) {
	assert := assertion.New(t)

	bm := NewBufferManager(t.TempDir(), PageSize, 10)
	defer bm.Close()

	frame, err := bm.FixPage(NewPageID(3, 7), false)
	assert.NoError(err)
	for _, b := range frame.Data() {
		if b != 0 {
			t.Fatal("fresh page contains non-zero bytes")
		}
	}
	assert.Len(frame.Data(), PageSize)
	bm.UnfixPage(frame, false)
}

func TestBufferManagerQueuePolicy(t *testing.T) {
	assert := assertion.New(t)

	bm := NewBufferManager(t.TempDir(), PageSize, 10)
	defer bm.Close()

	pid := NewPageID(0, 0)

	// a freshly loaded page sits in the fifo queue
	frame, err := bm.FixPage(pid, false)
	assert.NoError(err)
	bm.UnfixPage(frame, false)
	assert.Equal([]uint64{pid}, bm.FifoPids())
	assert.Empty(bm.LruPids())

	// the second access promotes it to the lru tail
	frame, err = bm.FixPage(pid, false)
	assert.NoError(err)
	bm.UnfixPage(frame, false)
	assert.Empty(bm.FifoPids())
	assert.Equal([]uint64{pid}, bm.LruPids())

	// re-accessing an lru page moves it back to the tail
	other := NewPageID(0, 1)
	for _, p := range []uint64{other, other, pid} {
		frame, err = bm.FixPage(p, false)
		assert.NoError(err)
		bm.UnfixPage(frame, false)
	}
	assert.Equal([]uint64{other, pid}, bm.LruPids())
}

func TestBufferManagerEvictionFreshness(t *testing.T) {
	assert := assertion.New(t)

	bm := NewBufferManager(t.TempDir(), PageSize, 4)
	defer bm.Close()

	// dirty a page, then force it out of the buffer
	pid := NewPageID(0, 0)
	frame, err := bm.FixPage(pid, true)
	assert.NoError(err)
	binary.LittleEndian.PutUint64(frame.Data(), 424242)
	bm.UnfixPage(frame, true)

	for i := uint64(1); i <= 4; i++ {
		frame, err = bm.FixPage(NewPageID(0, i), false)
		assert.NoError(err)
		bm.UnfixPage(frame, false)
	}
	assert.NotContains(bm.FifoPids(), pid)
	assert.NotContains(bm.LruPids(), pid)

	// a subsequent load returns the most recent write
	frame, err = bm.FixPage(pid, false)
	assert.NoError(err)
	assert.Equal(uint64(424242), binary.LittleEndian.Uint64(frame.Data()))
	bm.UnfixPage(frame, false)
}

func TestBufferManagerBufferFull(t *testing.T) {
	assert := assertion.New(t)

	bm := NewBufferManager(t.TempDir(), PageSize, 4)
	defer bm.Close()

	frames := make([]*BufferFrame, 0, 4)
	for i := uint64(0); i < 4; i++ {
		frame, err := bm.FixPage(NewPageID(0, i), true)
		assert.NoError(err)
		frames = append(frames, frame)
	}

	// every frame is latched, so nothing can be evicted
	_, err := bm.FixPage(NewPageID(0, 99), false)
	assert.Error(err)
	assert.True(errors.Is(err, ErrBufferFull))

	for _, frame := range frames {
		bm.UnfixPage(frame, false)
	}

	// with the latches released the fix succeeds again
	frame, err := bm.FixPage(NewPageID(0, 99), false)
	assert.NoError(err)
	bm.UnfixPage(frame, false)
}

func TestBufferManagerEvictionScansFifoFirst(t *testing.T) {
	assert := assertion.New(t)

	bm := NewBufferManager(t.TempDir(), PageSize, 4)
	defer bm.Close()

	// two pages in lru, two in fifo
	for i := uint64(0); i < 2; i++ {
		for j := 0; j < 2; j++ {
			frame, err := bm.FixPage(NewPageID(0, i), false)
			assert.NoError(err)
			bm.UnfixPage(frame, false)
		}
	}
	for i := uint64(2); i < 4; i++ {
		frame, err := bm.FixPage(NewPageID(0, i), false)
		assert.NoError(err)
		bm.UnfixPage(frame, false)
	}
	assert.Equal([]uint64{NewPageID(0, 2), NewPageID(0, 3)}, bm.FifoPids())

	// the next load evicts the fifo front, not an lru page
	frame, err := bm.FixPage(NewPageID(0, 4), false)
	assert.NoError(err)
	bm.UnfixPage(frame, false)

	assert.Equal([]uint64{NewPageID(0, 3), NewPageID(0, 4)}, bm.FifoPids())
	assert.Equal([]uint64{NewPageID(0, 0), NewPageID(0, 1)}, bm.LruPids())
}

func TestBufferManagerMultipleSegments(t *testing.T) {
	assert := assertion.New(t)
	dir := t.TempDir()

	bm := NewBufferManager(dir, PageSize, 10)

	for seg := uint16(1); seg <= 3; seg++ {
		frame, err := bm.FixPage(NewPageID(seg, 5), true)
		assert.NoError(err)
		frame.Data()[0] = byte(seg)
		bm.UnfixPage(frame, true)
	}
	assert.NoError(bm.Close())

	bm = NewBufferManager(dir, PageSize, 10)
	for seg := uint16(1); seg <= 3; seg++ {
		frame, err := bm.FixPage(NewPageID(seg, 5), false)
		assert.NoError(err)
		assert.Equal(byte(seg), frame.Data()[0])
		bm.UnfixPage(frame, false)
	}
	assert.NoError(bm.Close())
}

func TestBufferManagerConcurrentExclusiveFixes(t *testing.T) {
	assert := assertion.New(t)

	bm := NewBufferManager(t.TempDir(), PageSize, 8)
	defer bm.Close()

	pid := NewPageID(0, 0)
	workers := 8
	iterations := 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				frame, err := bm.FixPage(pid, true)
				if err != nil {
					t.Error(err)
					return
				}
				v := binary.LittleEndian.Uint64(frame.Data())
				binary.LittleEndian.PutUint64(frame.Data(), v+1)
				bm.UnfixPage(frame, true)
			}
		}()
	}
	wg.Wait()

	frame, err := bm.FixPage(pid, false)
	assert.NoError(err)
	assert.Equal(uint64(workers*iterations), binary.LittleEndian.Uint64(frame.Data()))
	bm.UnfixPage(frame, false)
}

func TestPageIDHelpers(t *testing.T) {
	assert := assertion.New(t)

	pid := NewPageID(0xABCD, 0x123456789A)
	assert.Equal(uint16(0xABCD), SegmentID(pid))
	assert.Equal(uint64(0x123456789A), SegmentPageID(pid))
}
