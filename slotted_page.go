package simpledb

import "unsafe"

const (
	// slottedPageHeaderSize is the byte offset of the slot array inside a
	// slotted page.
	slottedPageHeaderSize = 16

	// slotSize is the size of one slot entry in bytes.
	slotSize = 8

	// maxSlotCount is the number of slots that fit into one page.
	maxSlotCount = (PageSize - slottedPageHeaderSize) / slotSize

	// slotRecordMarker in the top byte of a slot marks a record stored on
	// this page; any other non-zero top byte means the slot holds a
	// redirect TID.
	slotRecordMarker = 0xFF
)

// Slot describes one record on a slotted page. A zero slot is empty. A
// slot whose top byte is the record marker addresses size bytes at offset
// within this page; otherwise the slot's value is the TID of the redirect
// target on another page.
type Slot uint64

func (s Slot) IsEmpty() bool {
	return s == 0
}

func (s Slot) IsRedirect() bool {
	return !s.IsEmpty() && uint8(s>>56) != slotRecordMarker
}

func (s Slot) IsRedirectTarget() bool {
	return !s.IsEmpty() && !s.IsRedirect() && uint8(s>>48) != 0
}

func (s Slot) Offset() uint32 {
	return uint32(s>>24) & 0xFFFFFF
}

func (s Slot) Size() uint32 {
	return uint32(s) & 0xFFFFFF
}

// RedirectTID returns the redirect target of a redirect slot.
func (s Slot) RedirectTID() TID {
	return TID(s)
}

func makeSlot(offset, size uint32, isRedirectTarget bool) Slot {
	var target uint64
	if isRedirectTarget {
		target = 1
	}
	return Slot(uint64(slotRecordMarker)<<56 | target<<48 | uint64(offset&0xFFFFFF)<<24 | uint64(size&0xFFFFFF))
}

// makeRedirectSlot stores tid as the slot's redirect target. Valid tids
// never carry the record marker in their top byte.
func makeRedirectSlot(tid TID) Slot {
	if uint8(uint64(tid)>>56) == slotRecordMarker {
		panic("simpledb: tid collides with slot record marker")
	}
	return Slot(tid)
}

// SlottedPage is a page holding variable-size records: a slot array
// growing up from the header and the record heap growing down from the
// end of the page.
type SlottedPage struct {
	SlotCount     uint16
	FirstFreeSlot uint16
	DataStart     uint32
	FreeSpace     uint32
	_             uint32
	Slots         [maxSlotCount]Slot
}

func slottedPageOf(data []byte) *SlottedPage {
	return (*SlottedPage)(unsafe.Pointer(&data[0]))
}

// initSlottedPage interprets data as a fresh empty slotted page.
func initSlottedPage(data []byte) *SlottedPage {
	p := slottedPageOf(data)
	*p = SlottedPage{}
	p.DataStart = PageSize
	p.FreeSpace = PageSize - slottedPageHeaderSize
	return p
}

// data returns the whole page buffer the header is embedded in.
func (p *SlottedPage) data() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), PageSize)
}

// GetSlot returns the slot with the given id.
func (p *SlottedPage) GetSlot(slotID uint16) Slot {
	if slotID >= p.SlotCount {
		panic("simpledb: slot id out of range")
	}
	return p.Slots[slotID]
}

// Record returns the payload bytes addressed by a record slot.
func (p *SlottedPage) Record(slot Slot) []byte {
	return p.data()[slot.Offset() : slot.Offset()+slot.Size()]
}

// GetFreeSpace returns the page's bookkept free space in bytes.
func (p *SlottedPage) GetFreeSpace() uint32 {
	return p.FreeSpace
}

// fragmentedFreeSpace returns the contiguous space between the slot array
// and the record heap.
func (p *SlottedPage) fragmentedFreeSpace() uint32 {
	return p.DataStart - slottedPageHeaderSize - uint32(p.SlotCount)*slotSize
}

// Allocate reserves dataSize bytes on the page and returns the slot id.
// The caller must have checked GetFreeSpace beforehand.
func (p *SlottedPage) Allocate(dataSize uint32, isRedirectTarget bool) uint16 {
	newSlotCost := uint32(0)
	if p.FirstFreeSlot >= p.SlotCount {
		newSlotCost = slotSize
	}
	if p.FreeSpace < dataSize+newSlotCost {
		panic("simpledb: allocate on page without enough free space")
	}

	if p.fragmentedFreeSpace() <= dataSize+newSlotCost {
		// need to compactify before
		p.compactify()
	}

	var slotID uint16
	if p.FirstFreeSlot >= p.SlotCount {
		// allocate new slot
		slotID = p.SlotCount
		p.SlotCount++
		p.FreeSpace -= slotSize
	} else {
		// reuse free slot
		slotID = p.FirstFreeSlot
	}

	// allocate data
	p.DataStart -= dataSize
	p.FreeSpace -= dataSize
	p.Slots[slotID] = makeSlot(p.DataStart, dataSize, isRedirectTarget)

	// find next free slot
	for ; p.FirstFreeSlot < p.SlotCount; p.FirstFreeSlot++ {
		if p.Slots[p.FirstFreeSlot].IsEmpty() {
			break
		}
	}

	return slotID
}

// Relocate resizes the record in slotID to dataSize bytes, moving it
// within the page when it no longer fits in place.
func (p *SlottedPage) Relocate(slotID uint16, dataSize uint32) {
	slot := p.GetSlot(slotID)

	if slot.IsRedirect() || slot.IsEmpty() {
		panic("simpledb: relocate of empty or redirect slot")
	}
	if dataSize > slot.Size() && p.FreeSpace < dataSize-slot.Size() {
		panic("simpledb: relocate without enough free space")
	}

	if dataSize <= slot.Size() {
		// just resize the slot
		p.FreeSpace += slot.Size() - dataSize
		p.Slots[slotID] = makeSlot(slot.Offset(), dataSize, slot.IsRedirectTarget())
	} else if p.fragmentedFreeSpace() >= dataSize {
		// just reallocate the slot
		p.DataStart -= dataSize
		p.FreeSpace += slot.Size()
		p.FreeSpace -= dataSize
		copy(p.data()[p.DataStart:p.DataStart+slot.Size()], p.Record(slot))
		p.Slots[slotID] = makeSlot(p.DataStart, dataSize, slot.IsRedirectTarget())
	} else {
		// not enough contiguous space -> grow the slot and compactify
		p.Slots[slotID] = makeSlot(slot.Offset(), dataSize, slot.IsRedirectTarget())
		p.compactify()
	}
}

// Erase frees the record in slotID.
func (p *SlottedPage) Erase(slotID uint16) {
	slot := p.GetSlot(slotID)

	p.FreeSpace += slot.Size()

	if slotID < p.FirstFreeSlot {
		p.FirstFreeSlot = slotID
	}

	// if the slot's data is first we reclaim it directly
	if slot.Offset() == p.DataStart {
		p.DataStart += slot.Size()
	}

	p.Slots[slotID] = 0

	// drop trailing empty slots
	if slotID+1 == p.SlotCount {
		for ; p.SlotCount > 0; p.SlotCount-- {
			if !p.Slots[p.SlotCount-1].IsEmpty() {
				break
			}
			p.FreeSpace += slotSize
		}
	}
}

// compactify rewrites the record heap without holes.
func (p *SlottedPage) compactify() {
	temp := make([]byte, PageSize)
	tempPage := slottedPageOf(temp)
	tempPage.DataStart = PageSize

	for s := uint16(0); s < p.SlotCount; s++ {
		slot := p.Slots[s]
		tempPage.Slots[s] = slot

		if slot.IsEmpty() || slot.IsRedirect() {
			continue
		}

		// copy data
		tempPage.DataStart -= slot.Size()
		size := slot.Size()
		if avail := PageSize - slot.Offset(); avail < size {
			size = avail
		}
		copy(temp[tempPage.DataStart:], p.data()[slot.Offset():slot.Offset()+size])

		tempPage.Slots[s] = makeSlot(tempPage.DataStart, slot.Size(), slot.IsRedirectTarget())
	}

	tempPage.SlotCount = p.SlotCount
	tempPage.FirstFreeSlot = p.FirstFreeSlot
	tempPage.FreeSpace = tempPage.fragmentedFreeSpace()

	copy(p.data(), temp)
}

// RecordCapacity is the largest record payload a fresh slotted page can
// hold.
const RecordCapacity = PageSize - slottedPageHeaderSize - slotSize
