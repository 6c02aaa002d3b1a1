package simpledb

import "time"

// Options represents the options that can be set when opening a database.
type Options struct {
	// Timeout is the amount of time to wait to obtain the directory lock.
	// When set to zero it fails immediately if another process holds the
	// lock in write mode.
	Timeout time.Duration

	// Open database in read-only mode. Uses a shared flock on the lock
	// file so multiple readers can coexist.
	ReadOnly bool

	// PageSize is the size in bytes of every page managed by the buffer
	// manager. It must equal the build-time PageSize constant.
	PageSize int

	// PageCount is the maximum number of pages resident in memory at the
	// same time.
	PageCount int

	// Compression selects the algorithm used for large tuple payloads.
	Compression CompressAlgorithm
}

var DefaultOptions = &Options{
	Timeout:     0,
	PageSize:    PageSize,
	PageCount:   128,
	Compression: CompSnappy,
}
