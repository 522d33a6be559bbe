// Package fdguard validates file-descriptor transfers that arrive alongside
// daemon notifications and duplicates them into process-owned descriptors.
//
// The daemon references descriptors by index into the out-of-band unix-fd
// list delivered with the message; the transport layer retains ownership of
// those originals. Extract never closes an original descriptor.
package fdguard

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Carrier is the optional fd reference attached to a socket record.
// Present reports whether a descriptor accompanied the notification at all;
// Handle is its index in the out-of-band descriptor list.
type Carrier struct {
	Present bool
	Handle  int
}

var (
	// ErrNoFd means the carrier marked no descriptor as attached.
	ErrNoFd = errors.New("fdguard: no fd attached")

	// ErrEmptyFdList means a descriptor was promised but the out-of-band
	// list was absent or empty.
	ErrEmptyFdList = errors.New("fdguard: empty fd list")

	// ErrInvalidFdHandle means the carrier's handle does not index into the
	// out-of-band list.
	ErrInvalidFdHandle = errors.New("fdguard: invalid fd handle")
)

// Extract resolves c against the out-of-band descriptor list and returns a
// process-owned duplicate of the referenced descriptor. The caller owns the
// returned fd and must close it; the original stays with the transport.
func Extract(c Carrier, fds []int) (int, error) {
	if !c.Present {
		return -1, ErrNoFd
	}
	if len(fds) == 0 {
		return -1, ErrEmptyFdList
	}
	if c.Handle < 0 || c.Handle >= len(fds) {
		return -1, fmt.Errorf("%w: handle %d, list length %d", ErrInvalidFdHandle, c.Handle, len(fds))
	}
	dup, err := unix.Dup(fds[c.Handle])
	if err != nil {
		return -1, fmt.Errorf("fdguard: dup fd %d: %w", fds[c.Handle], err)
	}
	unix.CloseOnExec(dup)
	return dup, nil
}
