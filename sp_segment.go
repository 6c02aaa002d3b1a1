package simpledb

import "github.com/pkg/errors"

// SPSegment stores tuples on slotted pages. Page selection is guided by
// the table's free-space inventory; records that outgrow their page are
// moved to a redirect target on another page, leaving a redirect slot
// behind so their TID stays stable.
//
// Like the FSI, an SPSegment relies on its caller to serialize tuple
// operations per table; page contents themselves are protected by the
// buffer manager's latches.
type SPSegment struct {
	Segment

	fsi   *FSISegment
	table *Table
}

// NewSPSegment opens the slotted-page segment of table.
func NewSPSegment(segmentID uint16, bm *BufferManager, fsi *FSISegment, table *Table) *SPSegment {
	return &SPSegment{
		Segment: Segment{segmentID: segmentID, bm: bm},
		fsi:     fsi,
		table:   table,
	}
}

// pickPage returns a page with at least need bytes free, creating a new
// page at the end of the segment when the inventory has none.
func (s *SPSegment) pickPage(need uint32) (pid uint64, created bool) {
	if pageIndex, ok := s.fsi.Find(need); ok {
		return NewPageID(s.segmentID, pageIndex), false
	}
	pid = NewPageID(s.segmentID, s.table.AllocatedPages)
	s.table.AllocatedPages++
	return pid, true
}

// Allocate reserves size bytes for a new record and returns its TID.
func (s *SPSegment) Allocate(size uint32, isRedirectTarget bool) (TID, error) {
	if size > RecordCapacity {
		return 0, errors.Errorf("record of %d bytes exceeds page capacity %d", size, RecordCapacity)
	}

	need := size + slotSize
	pid, created := s.pickPage(need)

	frame, err := s.bm.FixPage(pid, true)
	if err != nil {
		return 0, err
	}
	page := slottedPageOf(frame.Data())

	if created {
		page = initSlottedPage(frame.Data())
	}

	if page.GetFreeSpace() < need {
		if created {
			panic("simpledb: fresh slotted page too small for record")
		}

		// the inventory bucket rounds down, so the page may actually
		// not have enough space; retry with the next bigger bucket
		s.bm.UnfixPage(frame, false)

		nextBucket := s.fsi.encodeFreeSpace(need) + 1
		found := false
		var pageIndex uint64
		if nextBucket < 16 {
			pageIndex, found = s.fsi.Find(s.fsi.decodeFreeSpace(nextBucket))
		}

		created = false
		if found {
			pid = NewPageID(s.segmentID, pageIndex)
		} else {
			pid = NewPageID(s.segmentID, s.table.AllocatedPages)
			s.table.AllocatedPages++
			created = true
		}

		frame, err = s.bm.FixPage(pid, true)
		if err != nil {
			return 0, err
		}
		page = slottedPageOf(frame.Data())
		if created {
			page = initSlottedPage(frame.Data())
		}
	}

	slotID := page.Allocate(size, isRedirectTarget)
	freeSpace := page.GetFreeSpace()
	s.bm.UnfixPage(frame, true)

	if err := s.fsi.Update(pid, freeSpace); err != nil {
		return 0, err
	}

	return NewTID(SegmentPageID(pid), slotID), nil
}

// Read copies the record at tid into record and returns the number of
// bytes read, following a redirect slot when present.
func (s *SPSegment) Read(tid TID, record []byte) (uint32, error) {
	frame, page, slot, err := s.getSlot(tid, false)
	if err != nil {
		return 0, err
	}

	if slot.IsRedirectTarget() {
		panic("simpledb: read addressed a redirect target directly")
	}

	if slot.IsEmpty() {
		s.bm.UnfixPage(frame, false)
		return 0, nil
	}

	if !slot.IsRedirect() {
		n := uint32(copy(record, page.Record(slot)))
		s.bm.UnfixPage(frame, false)
		return n, nil
	}

	// follow redirect
	rTid := slot.RedirectTID()
	s.bm.UnfixPage(frame, false)

	rFrame, rPage, rSlot, err := s.getSlot(rTid, false)
	if err != nil {
		return 0, err
	}
	if !rSlot.IsRedirectTarget() || rSlot.IsEmpty() {
		panic("simpledb: redirect slot points at a non-target")
	}

	n := uint32(copy(record, rPage.Record(rSlot)))
	s.bm.UnfixPage(rFrame, false)
	return n, nil
}

// Write copies record into the tuple at tid and returns the number of
// bytes written, following a redirect slot when present. The record is
// truncated to the slot's size; use Resize first to grow it.
func (s *SPSegment) Write(tid TID, record []byte) (uint32, error) {
	frame, page, slot, err := s.getSlot(tid, true)
	if err != nil {
		return 0, err
	}

	if !slot.IsRedirect() {
		n := uint32(copy(page.Record(slot), record))
		s.bm.UnfixPage(frame, true)
		return n, nil
	}

	// follow redirect
	rTid := slot.RedirectTID()
	s.bm.UnfixPage(frame, false)

	rFrame, rPage, rSlot, err := s.getSlot(rTid, true)
	if err != nil {
		return 0, err
	}
	if !rSlot.IsRedirectTarget() {
		panic("simpledb: redirect slot points at a non-target")
	}

	n := uint32(copy(rPage.Record(rSlot), record))
	s.bm.UnfixPage(rFrame, true)
	return n, nil
}

// Resize grows or shrinks the tuple at tid to newLength bytes, moving it
// to a redirect target when its page cannot hold the new size.
func (s *SPSegment) Resize(tid TID, newLength uint32) error {
	frame, page, slot, err := s.getSlot(tid, true)
	if err != nil {
		return err
	}

	if slot.IsRedirectTarget() {
		panic("simpledb: resize addressed a redirect target directly")
	}

	if slot.Size() == newLength {
		s.bm.UnfixPage(frame, false)
		return nil
	}

	if !slot.IsRedirect() {
		if newLength < slot.Size() || page.GetFreeSpace() >= newLength-slot.Size() {
			// still fits, compactifying if needed
			page.Relocate(tid.Slot(), newLength)
			s.bm.UnfixPage(frame, true)
			return s.fsi.Update(tid.PageID(s.segmentID), page.GetFreeSpace())
		}

		// not enough space -> redirect. The new target is allocated
		// with the page unfixed so Allocate may latch other pages.
		old := make([]byte, slot.Size())
		copy(old, page.Record(slot))
		s.bm.UnfixPage(frame, false)

		rTid, err := s.Allocate(newLength, true)
		if err != nil {
			return err
		}
		if _, err := s.Write(rTid, old); err != nil {
			return err
		}

		frame, page, slot, err = s.getSlot(tid, true)
		if err != nil {
			return err
		}
		page.FreeSpace += slot.Size()
		page.Slots[tid.Slot()] = makeRedirectSlot(rTid)
		s.bm.UnfixPage(frame, true)

		return s.fsi.Update(tid.PageID(s.segmentID), page.GetFreeSpace())
	}

	// follow redirect
	rTid := slot.RedirectTID()
	s.bm.UnfixPage(frame, false)

	rFrame, rPage, rSlot, err := s.getSlot(rTid, true)
	if err != nil {
		return err
	}
	if !rSlot.IsRedirectTarget() {
		panic("simpledb: redirect slot points at a non-target")
	}

	if newLength < rSlot.Size() || rPage.GetFreeSpace() >= newLength-rSlot.Size() {
		// still fits, compactifying if needed
		rPage.Relocate(rTid.Slot(), newLength)
		s.bm.UnfixPage(rFrame, true)
		return s.fsi.Update(rTid.PageID(s.segmentID), rPage.GetFreeSpace())
	}

	// not enough space -> re-redirect
	old := make([]byte, rSlot.Size())
	copy(old, rPage.Record(rSlot))
	s.bm.UnfixPage(rFrame, false)

	newRTid, err := s.Allocate(newLength, true)
	if err != nil {
		return err
	}
	if _, err := s.Write(newRTid, old); err != nil {
		return err
	}

	// delete the old redirect target
	rFrame, rPage, _, err = s.getSlot(rTid, true)
	if err != nil {
		return err
	}
	rPage.Erase(rTid.Slot())
	rFreeSpace := rPage.GetFreeSpace()
	s.bm.UnfixPage(rFrame, true)

	// update the redirect slot
	frame, page, _, err = s.getSlot(tid, true)
	if err != nil {
		return err
	}
	page.Slots[tid.Slot()] = makeRedirectSlot(newRTid)
	s.bm.UnfixPage(frame, true)

	if err := s.fsi.Update(rTid.PageID(s.segmentID), rFreeSpace); err != nil {
		return err
	}
	return nil
}

// Erase frees the tuple at tid, including its redirect target when
// present.
func (s *SPSegment) Erase(tid TID) error {
	frame, page, slot, err := s.getSlot(tid, true)
	if err != nil {
		return err
	}

	if !slot.IsRedirect() {
		page.Erase(tid.Slot())
		freeSpace := page.GetFreeSpace()
		s.bm.UnfixPage(frame, true)
		return s.fsi.Update(tid.PageID(s.segmentID), freeSpace)
	}

	// follow redirect
	rTid := slot.RedirectTID()

	page.Erase(tid.Slot())
	freeSpace := page.GetFreeSpace()
	s.bm.UnfixPage(frame, true)

	rFrame, rPage, rSlot, err := s.getSlot(rTid, true)
	if err != nil {
		return err
	}
	if !rSlot.IsRedirectTarget() {
		panic("simpledb: redirect slot points at a non-target")
	}

	rPage.Erase(rTid.Slot())
	rFreeSpace := rPage.GetFreeSpace()
	s.bm.UnfixPage(rFrame, true)

	if err := s.fsi.Update(rTid.PageID(s.segmentID), rFreeSpace); err != nil {
		return err
	}
	return s.fsi.Update(tid.PageID(s.segmentID), freeSpace)
}

// getSlot fixes the tuple's page in the requested mode and returns its
// frame, page and slot.
func (s *SPSegment) getSlot(tid TID, exclusive bool) (*BufferFrame, *SlottedPage, Slot, error) {
	frame, err := s.bm.FixPage(tid.PageID(s.segmentID), exclusive)
	if err != nil {
		return nil, nil, 0, err
	}
	page := slottedPageOf(frame.Data())
	return frame, page, page.GetSlot(tid.Slot()), nil
}
