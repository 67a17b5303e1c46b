//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package poller

import (
	"errors"

	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based I/O multiplexer
type KqueuePoller struct {
	registry
	kqfd   int
	events []unix.Kevent_t
}

// New creates a new Poller (BSD/macOS)
func New() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kqfd)

	return &KqueuePoller{
		registry: newRegistry(),
		kqfd:     kqfd,
		events:   make([]unix.Kevent_t, 128),
	}, nil
}

// changes builds the kevent changelist that moves fd from old to next.
func kqueueChanges(fd int, old, next Interest) []unix.Kevent_t {
	var changes []unix.Kevent_t
	var flags uint16 = unix.EV_ADD | unix.EV_ENABLE
	if next&EdgeTriggered != 0 {
		flags |= unix.EV_CLEAR
	}
	apply := func(filter int16, was, want bool) {
		ev := unix.Kevent_t{}
		switch {
		case want:
			unix.SetKevent(&ev, fd, int(filter), int(flags))
		case was:
			unix.SetKevent(&ev, fd, int(filter), unix.EV_DELETE)
		default:
			return
		}
		changes = append(changes, ev)
	}
	// Peer shutdown is reported as EV_EOF on the read filter.
	wantRead := next&(Readable|PeerClosed) != 0
	wasRead := old&(Readable|PeerClosed) != 0
	apply(unix.EVFILT_READ, wasRead, wantRead)
	apply(unix.EVFILT_WRITE, old&Writable != 0, next&Writable != 0)
	return changes
}

func (p *KqueuePoller) apply(changes []unix.Kevent_t) error {
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kqfd, changes, nil, nil)
	return err
}

// Add adds a file descriptor to the watch list
func (p *KqueuePoller) Add(fd int, interest Interest) error {
	if err := p.checkAdd(fd); err != nil {
		return err
	}
	if err := p.apply(kqueueChanges(fd, 0, interest)); err != nil {
		return err
	}
	p.fds[fd] = interest
	if len(p.fds)*2 > len(p.events) {
		p.events = make([]unix.Kevent_t, 4*len(p.fds))
	}
	return nil
}

// Modify updates the interest of a registered descriptor
func (p *KqueuePoller) Modify(fd int, interest Interest) error {
	if err := p.checkKnown(fd); err != nil {
		return err
	}
	old := p.fds[fd]
	if old == interest {
		return nil
	}
	if err := p.apply(kqueueChanges(fd, old, interest)); err != nil {
		return err
	}
	p.fds[fd] = interest
	return nil
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int, closeFd bool) error {
	if err := p.checkKnown(fd); err != nil {
		return err
	}
	old := p.fds[fd]
	delete(p.fds, fd)
	err := p.apply(kqueueChanges(fd, old, 0))
	if closeFd {
		if cerr := unix.Close(fd); err == nil {
			err = cerr
		}
	}
	return err
}

// Wait waits for I/O events
func (p *KqueuePoller) Wait(timeoutMs int) ([]Event, error) {
	if p.closed {
		return nil, ErrClosed
	}
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}

	for {
		n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, err
		}

		// kqueue reports read and write filters separately; merge them so
		// each descriptor appears once per tick.
		index := make(map[int]int, n)
		events := make([]Event, 0, n)
		for i := 0; i < n; i++ {
			kev := p.events[i]
			fd := int(kev.Ident)
			if !p.Has(fd) {
				continue
			}
			var r Readiness
			switch kev.Filter {
			case unix.EVFILT_READ:
				r |= ReadyRead
			case unix.EVFILT_WRITE:
				r |= ReadyWrite
			}
			if kev.Flags&unix.EV_EOF != 0 {
				r |= ReadyClosed
				if kev.Fflags != 0 {
					r |= ReadyError
				}
			}
			if kev.Flags&unix.EV_ERROR != 0 {
				r |= ReadyError
			}
			if j, ok := index[fd]; ok {
				events[j].Ready |= r
				continue
			}
			index[fd] = len(events)
			events = append(events, Event{Fd: fd, Ready: r})
		}
		return events, nil
	}
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	for fd := range p.fds {
		unix.Close(fd)
	}
	p.fds = nil
	return unix.Close(p.kqfd)
}
