package simpledb

import "math"

// invalidPageIndex marks an empty entry in the FSI free cache.
const invalidPageIndex = ^uint64(0)

// FSISegment tracks the free space of every slotted page of one table in
// a free-space inventory segment: one 4-bit encoded value per page, two
// pages per inventory byte. A small cache remembers the earliest page
// index per encoded bucket so allocation rarely scans the bitmap.
//
// FSI state is not internally latched; callers serialize tuple
// allocation per table.
type FSISegment struct {
	Segment

	// linearFactor and logFactor parameterize the 4-bit free space
	// encoding: buckets 0-7 are logarithmic, buckets 8-15 linear.
	linearFactor uint32
	logFactor    float64

	freeCache [16]uint64
	table     *Table
}

// NewFSISegment opens the free-space inventory of table, warming the free
// cache from the persisted bitmap.
func NewFSISegment(segmentID uint16, bm *BufferManager, table *Table) (*FSISegment, error) {
	s := &FSISegment{
		Segment:      Segment{segmentID: segmentID, bm: bm},
		linearFactor: uint32(bm.PageSize())/16 + 1,
		logFactor:    math.Log2(float64(bm.PageSize())) / 8.0,
		table:        table,
	}
	for i := range s.freeCache {
		s.freeCache[i] = invalidPageIndex
	}

	// initialize the cache from the on-disk inventory
	entriesPerPage := uint64(bm.PageSize()) * 2
	curPageIndex := uint64(0)

	for curPageIndex < table.AllocatedPages {
		frame, err := bm.FixPage(NewPageID(segmentID, curPageIndex/entriesPerPage), false)
		if err != nil {
			return nil, err
		}
		data := frame.Data()

		for fsiOffset := 0; fsiOffset < bm.PageSize(); fsiOffset++ {
			upper := data[fsiOffset] >> 4
			if s.freeCache[upper] == invalidPageIndex {
				s.freeCache[upper] = curPageIndex
			}
			curPageIndex++
			if curPageIndex == table.AllocatedPages {
				break
			}

			lower := data[fsiOffset] & 0x0F
			if s.freeCache[lower] == invalidPageIndex {
				s.freeCache[lower] = curPageIndex
			}
			curPageIndex++
			if curPageIndex == table.AllocatedPages {
				break
			}
		}

		bm.UnfixPage(frame, false)
	}

	return s, nil
}

// encodeFreeSpace maps a free space amount to its 4-bit bucket, rounding
// down.
func (s *FSISegment) encodeFreeSpace(freeSpace uint32) uint8 {
	if freeSpace == 0 {
		return 0
	}
	if freeSpace < uint32(s.bm.PageSize())/2 {
		// logarithmic buckets
		return uint8(math.Floor(math.Log2(float64(freeSpace)) / s.logFactor))
	}
	// linear buckets
	return uint8(freeSpace / s.linearFactor)
}

// decodeFreeSpace returns the smallest free space amount a bucket is
// guaranteed to hold.
func (s *FSISegment) decodeFreeSpace(bucket uint8) uint32 {
	if bucket >= 16 {
		panic("simpledb: free space bucket out of range")
	}
	if bucket < 8 {
		if bucket == 0 {
			return 0
		}
		return uint32(math.Ceil(math.Pow(2, float64(bucket)*s.logFactor)))
	}
	return uint32(bucket) * s.linearFactor
}

// updateFreeCache folds a page's new bucket into the free cache and, when
// the page was the cached representative of its old bucket, rescans the
// inventory for the next page in that bucket.
func (s *FSISegment) updateFreeCache(pageIndex uint64, bucket uint8) error {
	prevBucket := uint8(16)
	for i := uint8(0); i < 16; i++ {
		if s.freeCache[i] == pageIndex {
			if i != bucket {
				// we will have to find a new cache entry for the old
				// bucket
				prevBucket = i
			}
			break
		}
	}

	// set new cache entry
	if s.freeCache[bucket] == invalidPageIndex || pageIndex < s.freeCache[bucket] {
		s.freeCache[bucket] = pageIndex
	}

	if prevBucket >= 16 {
		return nil
	}

	// find the earliest remaining page with the old bucket; this page
	// was the earliest entry before, so start one page after it
	entriesPerPage := uint64(s.bm.PageSize()) * 2
	curPageIndex := pageIndex + 1

	for curPageIndex < s.table.AllocatedPages {
		fsiIndex := curPageIndex / entriesPerPage
		fsiOffset := curPageIndex % entriesPerPage

		frame, err := s.bm.FixPage(NewPageID(s.segmentID, fsiIndex), false)
		if err != nil {
			return err
		}
		data := frame.Data()
		found := false

		for fsiOffset < entriesPerPage {
			var enc uint8
			if fsiOffset%2 == 0 {
				enc = data[fsiOffset/2] >> 4
			} else {
				enc = data[fsiOffset/2] & 0x0F
			}
			if enc == prevBucket {
				s.freeCache[prevBucket] = curPageIndex
				found = true
				break
			}
			curPageIndex++
			if curPageIndex == s.table.AllocatedPages {
				break
			}
			fsiOffset++
		}

		s.bm.UnfixPage(frame, false)

		if found {
			return nil
		}
	}

	// no other page sits in this bucket anymore
	s.freeCache[prevBucket] = invalidPageIndex
	return nil
}

// Update records the new free space of targetPage in the inventory.
func (s *FSISegment) Update(targetPage uint64, freeSpace uint32) error {
	entriesPerPage := uint64(s.bm.PageSize()) * 2
	pageIndex := SegmentPageID(targetPage)
	fsiIndex := pageIndex / entriesPerPage
	fsiOffset := pageIndex % entriesPerPage
	enc := s.encodeFreeSpace(freeSpace)

	frame, err := s.bm.FixPage(NewPageID(s.segmentID, fsiIndex), true)
	if err != nil {
		return err
	}
	data := frame.Data()

	// overwrite the upper or lower nibble
	if fsiOffset%2 == 0 {
		data[fsiOffset/2] = data[fsiOffset/2]&0x0F | enc<<4
	} else {
		data[fsiOffset/2] = data[fsiOffset/2]&0xF0 | enc
	}
	s.bm.UnfixPage(frame, true)

	return s.updateFreeCache(pageIndex, enc)
}

// Find returns the index of a page whose bucket guarantees requiredSpace
// free bytes, or false when no such page exists.
func (s *FSISegment) Find(requiredSpace uint32) (uint64, bool) {
	for ci := s.encodeFreeSpace(requiredSpace); ci < 16; ci++ {
		if s.freeCache[ci] != invalidPageIndex {
			return s.freeCache[ci], true
		}
	}
	return 0, false
}
