// Package poller wraps the OS readiness-notification facility (epoll on
// Linux, kqueue on BSD/macOS) behind a small registration API.
//
// The poller is the single owner of every descriptor it tracks: callers
// register a descriptor once, refer to it by number afterwards, and release
// it through Remove, optionally closing it there. Nothing else closes a
// registered descriptor.
package poller

import (
	"errors"
	"fmt"
)

// Interest is the set of conditions a descriptor is registered for.
type Interest uint32

const (
	// Readable asks to be woken when the descriptor has unread data.
	Readable Interest = 1 << iota
	// Writable asks to be woken when the descriptor accepts writes.
	Writable
	// PeerClosed asks to be told when the peer shuts its side down.
	PeerClosed
	// EdgeTriggered reports a condition once per transition. Consumers must
	// drain until the operation would block.
	EdgeTriggered
)

// Readiness is the last observed state of a descriptor.
type Readiness uint32

const (
	ReadyRead Readiness = 1 << iota
	ReadyWrite
	ReadyClosed
	ReadyError
)

// IsReadable reports whether unread data is available.
func (r Readiness) IsReadable() bool { return r&ReadyRead != 0 }

// IsWritable reports whether the descriptor accepts writes.
func (r Readiness) IsWritable() bool { return r&ReadyWrite != 0 }

// IsClosed reports a hangup or peer shutdown.
func (r Readiness) IsClosed() bool { return r&ReadyClosed != 0 }

// IsErrored reports a pending error condition.
func (r Readiness) IsErrored() bool { return r&ReadyError != 0 }

func (r Readiness) String() string {
	flags := []byte("----")
	if r.IsReadable() {
		flags[0] = 'r'
	}
	if r.IsWritable() {
		flags[1] = 'w'
	}
	if r.IsClosed() {
		flags[2] = 'c'
	}
	if r.IsErrored() {
		flags[3] = 'e'
	}
	return string(flags)
}

// Event is one descriptor whose state changed during Wait.
type Event struct {
	Fd    int
	Ready Readiness
}

var (
	// ErrRegistered is returned when adding a descriptor twice.
	ErrRegistered = errors.New("poller: descriptor already registered")
	// ErrNotRegistered is returned when modifying or removing an unknown descriptor.
	ErrNotRegistered = errors.New("poller: descriptor not registered")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("poller: closed")
)

// Poller is the I/O multiplexing interface.
type Poller interface {
	// Add registers fd with the given interest.
	Add(fd int, interest Interest) error
	// Modify replaces the interest of a registered fd.
	Modify(fd int, interest Interest) error
	// Remove unregisters fd and closes it when closeFd is set.
	Remove(fd int, closeFd bool) error
	// Has reports whether fd is registered.
	Has(fd int) bool
	// Interest returns the current registration of fd.
	Interest(fd int) (Interest, bool)
	// Wait blocks until at least one descriptor is ready or timeoutMs
	// elapses. A negative timeout blocks indefinitely. Interrupted waits are
	// retried.
	Wait(timeoutMs int) ([]Event, error)
	// Len returns the number of registered descriptors.
	Len() int
	// Close releases the polling handle and closes every registered fd.
	Close() error
}

// registry is the bookkeeping shared by the platform pollers.
type registry struct {
	fds    map[int]Interest
	closed bool
}

func newRegistry() registry {
	return registry{fds: make(map[int]Interest, 1024)}
}

func (r *registry) Has(fd int) bool {
	_, ok := r.fds[fd]
	return ok
}

func (r *registry) Interest(fd int) (Interest, bool) {
	in, ok := r.fds[fd]
	return in, ok
}

func (r *registry) Len() int {
	return len(r.fds)
}

func (r *registry) checkAdd(fd int) error {
	if r.closed {
		return ErrClosed
	}
	if fd < 0 {
		return fmt.Errorf("poller: invalid descriptor %d", fd)
	}
	if r.Has(fd) {
		return fmt.Errorf("%w: %d", ErrRegistered, fd)
	}
	return nil
}

func (r *registry) checkKnown(fd int) error {
	if r.closed {
		return ErrClosed
	}
	if !r.Has(fd) {
		return fmt.Errorf("%w: %d", ErrNotRegistered, fd)
	}
	return nil
}
