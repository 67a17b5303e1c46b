//go:build linux

package poller

import (
	"errors"

	"golang.org/x/sys/unix"
)

// EpollPoller is an epoll-based I/O multiplexer
type EpollPoller struct {
	registry
	epfd   int
	events []unix.EpollEvent
}

// New creates a new Poller (Linux)
func New() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	return &EpollPoller{
		registry: newRegistry(),
		epfd:     epfd,
		events:   make([]unix.EpollEvent, 128),
	}, nil
}

func epollFlags(interest Interest) uint32 {
	// Errors and hangups are always reported by epoll.
	flags := uint32(unix.EPOLLERR | unix.EPOLLHUP)
	if interest&Readable != 0 {
		flags |= unix.EPOLLIN
	}
	if interest&Writable != 0 {
		flags |= unix.EPOLLOUT
	}
	if interest&PeerClosed != 0 {
		flags |= unix.EPOLLRDHUP
	}
	if interest&EdgeTriggered != 0 {
		flags |= unix.EPOLLET
	}
	return flags
}

func epollReadiness(events uint32) Readiness {
	var r Readiness
	if events&unix.EPOLLIN != 0 {
		r |= ReadyRead
	}
	if events&unix.EPOLLOUT != 0 {
		r |= ReadyWrite
	}
	if events&(unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
		r |= ReadyClosed
	}
	if events&unix.EPOLLERR != 0 {
		r |= ReadyError
	}
	return r
}

// Add adds a file descriptor to the watch list
func (p *EpollPoller) Add(fd int, interest Interest) error {
	if err := p.checkAdd(fd); err != nil {
		return err
	}
	ev := unix.EpollEvent{Events: epollFlags(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.fds[fd] = interest
	if len(p.fds) > len(p.events) {
		p.events = make([]unix.EpollEvent, 2*len(p.events))
	}
	return nil
}

// Modify updates the interest of a registered descriptor
func (p *EpollPoller) Modify(fd int, interest Interest) error {
	if err := p.checkKnown(fd); err != nil {
		return err
	}
	if p.fds[fd] == interest {
		return nil
	}
	ev := unix.EpollEvent{Events: epollFlags(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return err
	}
	p.fds[fd] = interest
	return nil
}

// Remove removes a file descriptor from the watch list
func (p *EpollPoller) Remove(fd int, closeFd bool) error {
	if err := p.checkKnown(fd); err != nil {
		return err
	}
	delete(p.fds, fd)
	// Deregister before close so the number cannot be reused while still watched.
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if closeFd {
		if cerr := unix.Close(fd); err == nil {
			err = cerr
		}
	}
	return err
}

// Wait waits for I/O events
func (p *EpollPoller) Wait(timeoutMs int) ([]Event, error) {
	if p.closed {
		return nil, ErrClosed
	}
	for {
		n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, err
		}

		events := make([]Event, 0, n)
		for i := 0; i < n; i++ {
			fd := int(p.events[i].Fd)
			if !p.Has(fd) {
				continue
			}
			events = append(events, Event{Fd: fd, Ready: epollReadiness(p.events[i].Events)})
		}
		return events, nil
	}
}

// Close closes the Poller
func (p *EpollPoller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	for fd := range p.fds {
		unix.Close(fd)
	}
	p.fds = nil
	return unix.Close(p.epfd)
}
