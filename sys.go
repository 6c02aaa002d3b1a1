package simpledb

import (
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// flock acquires an advisory lock on the database lock file: shared when
// readOnly, exclusive otherwise.
func flock(file *os.File, readOnly bool) error {
	flag := syscall.LOCK_SH
	if !readOnly {
		flag = syscall.LOCK_EX
	}

	err := syscall.Flock(int(file.Fd()), flag|syscall.LOCK_NB)
	if err == nil {
		return nil
	} else if errno, ok := err.(syscall.Errno); ok && (errno == syscall.EWOULDBLOCK || errno == syscall.EAGAIN) { // linux & unix
		return ErrWriteByOther
	}
	return errors.Wrap(err, "flock failed: unknown error")
}

// waitflock retries flock until it succeeds or timeout elapses. A zero
// timeout attempts the lock exactly once.
func waitflock(file *os.File, readOnly bool, timeout time.Duration) error {
	start := time.Now()
	for {
		err := flock(file, readOnly)
		if !errors.Is(err, ErrWriteByOther) {
			return err
		}
		if timeout <= 0 || time.Since(start) > timeout {
			return err
		}
		// wait for a bit and try again
		time.Sleep(50 * time.Millisecond)
	}
}

// funlock releases the advisory lock on the lock file.
func funlock(file *os.File) error {
	return syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
}
