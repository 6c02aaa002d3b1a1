package simpledb

// TID identifies a tuple: 48 bits of page index within its segment and 16
// bits of slot id.
type TID uint64

// NewTID composes a tuple identifier from a segment page index and a slot.
func NewTID(segmentPageID uint64, slot uint16) TID {
	return TID(segmentPageID<<16 | uint64(slot))
}

// PageID returns the full page id of the tuple's page inside segmentID.
func (t TID) PageID(segmentID uint16) uint64 {
	return NewPageID(segmentID, uint64(t)>>16)
}

// SegmentPageID returns the page index within the tuple's segment.
func (t TID) SegmentPageID() uint64 {
	return uint64(t) >> 16
}

// Slot returns the slot id within the tuple's page.
func (t TID) Slot() uint16 {
	return uint16(t)
}

// Segment ties a segment id to the buffer manager serving its pages. It
// is embedded by every segment type operating on one segment's pages.
type Segment struct {
	segmentID uint16
	bm        *BufferManager
}

// SegmentID returns the id of the segment.
func (s *Segment) SegmentID() uint16 {
	return s.segmentID
}
