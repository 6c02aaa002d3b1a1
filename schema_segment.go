package simpledb

import (
	"encoding/binary"
	"encoding/json"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// schemaHeaderSize is the fixed header on the schema segment's first
// page: an 8-byte xxhash checksum followed by a 4-byte payload length.
const schemaHeaderSize = 12

// SchemaSegment persists the database schema in its own segment. The
// serialized schema spans as many pages as needed; the first page starts
// with a checksum over the payload so a torn or foreign file is rejected
// on load.
type SchemaSegment struct {
	Segment

	schema *Schema
}

// NewSchemaSegment opens the schema segment.
func NewSchemaSegment(segmentID uint16, bm *BufferManager) *SchemaSegment {
	return &SchemaSegment{Segment: Segment{segmentID: segmentID, bm: bm}}
}

// SetSchema replaces the in-memory schema.
func (s *SchemaSegment) SetSchema(schema *Schema) {
	s.schema = schema
}

// GetSchema returns the currently loaded schema, or nil.
func (s *SchemaSegment) GetSchema() *Schema {
	return s.schema
}

// Write serializes the schema into the segment.
func (s *SchemaSegment) Write() error {
	if s.schema == nil {
		return ErrNoSchema
	}

	payload, err := json.Marshal(s.schema)
	if err != nil {
		return errors.Wrap(err, "marshal schema")
	}

	var header [schemaHeaderSize]byte
	binary.LittleEndian.PutUint64(header[0:8], xxhash.Sum64(payload))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))

	buf := append(header[:], payload...)

	for pageIndex := uint64(0); len(buf) > 0; pageIndex++ {
		frame, err := s.bm.FixPage(NewPageID(s.segmentID, pageIndex), true)
		if err != nil {
			return err
		}
		n := copy(frame.Data(), buf)
		buf = buf[n:]
		s.bm.UnfixPage(frame, true)
	}

	return nil
}

// Read deserializes the schema from the segment. Returns ErrNoSchema when
// the segment holds no schema and ErrChecksumMismatch when the stored
// payload does not match its checksum.
func (s *SchemaSegment) Read() error {
	frame, err := s.bm.FixPage(NewPageID(s.segmentID, 0), false)
	if err != nil {
		return err
	}

	sum := binary.LittleEndian.Uint64(frame.Data()[0:8])
	length := binary.LittleEndian.Uint32(frame.Data()[8:12])

	if length == 0 {
		s.bm.UnfixPage(frame, false)
		return ErrNoSchema
	}
	if int(length) > maxSchemaSize {
		s.bm.UnfixPage(frame, false)
		return errors.Wrapf(ErrChecksumMismatch, "implausible schema length %d", length)
	}

	payload := make([]byte, 0, length)
	payload = append(payload, frame.Data()[schemaHeaderSize:min(PageSize, schemaHeaderSize+int(length))]...)
	s.bm.UnfixPage(frame, false)

	for pageIndex := uint64(1); len(payload) < int(length); pageIndex++ {
		frame, err := s.bm.FixPage(NewPageID(s.segmentID, pageIndex), false)
		if err != nil {
			return err
		}
		rest := int(length) - len(payload)
		payload = append(payload, frame.Data()[:min(PageSize, rest)]...)
		s.bm.UnfixPage(frame, false)
	}

	if xxhash.Sum64(payload) != sum {
		return ErrChecksumMismatch
	}

	schema := &Schema{}
	if err := json.Unmarshal(payload, schema); err != nil {
		return errors.Wrap(err, "unmarshal schema")
	}

	s.schema = schema
	return nil
}

// maxSchemaSize bounds the serialized schema to keep a corrupted length
// field from allocating unbounded memory.
const maxSchemaSize = 1 << 20
