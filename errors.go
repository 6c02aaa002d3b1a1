package simpledb

import "github.com/pkg/errors"

var (
	// ErrBufferFull is returned by FixPage when no buffer frame can be
	// evicted to make room for the requested page. The caller holds no
	// latches when it receives this error.
	ErrBufferFull = errors.New("buffer is full")

	// ErrWriteByOther is returned when the database directory is already
	// locked by another process in write mode.
	ErrWriteByOther = errors.New("db opened with write mode by another process")

	// ErrChecksumMismatch is returned when the persisted schema does not
	// match its stored checksum.
	ErrChecksumMismatch = errors.New("schema checksum mismatch")

	// ErrTableNotFound is returned for operations on an unknown table.
	ErrTableNotFound = errors.New("table not found")

	// ErrNoSchema is returned when a database operation requires a schema
	// but none has been loaded.
	ErrNoSchema = errors.New("no schema loaded")
)
