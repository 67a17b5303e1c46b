package core

import (
	"time"

	"github.com/searchktools/webserv/core/poller"
	"golang.org/x/sys/unix"
)

// ExitCode says why a tracked process left the engine.
type ExitCode int

const (
	// ExitNormal means the child closed its stdout.
	ExitNormal ExitCode = iota
	// ExitKilled means the engine was asked to stop it.
	ExitKilled
	// ExitTimeout means the child stayed idle past its timeout.
	ExitTimeout
	// ExitClientTimeout means the client that spawned it went away first.
	ExitClientTimeout
)

func (c ExitCode) String() string {
	switch c {
	case ExitNormal:
		return "normal"
	case ExitKilled:
		return "killed"
	case ExitTimeout:
		return "timeout"
	case ExitClientTimeout:
		return "client-timeout"
	default:
		return "unknown"
	}
}

// Process is a child (CGI) process wired into the engine through two pipes.
// In is the parent's read end of the child's stdout, Out the parent's write
// end of the child's stdin. Either becomes -1 once closed.
type Process struct {
	pid      int
	in       int
	out      int
	clientFd int

	// ReadBuf holds bytes read from the child's stdout.
	ReadBuf []byte
	// WriteBuf holds bytes still to be written to the child's stdin.
	WriteBuf []byte

	inReady    poller.Readiness
	outReady   poller.Readiness
	lastActive time.Time
	timeout    time.Duration
	exited     bool
	reaped     bool
}

func newProcess(pid, in, out, clientFd int, timeout time.Duration) *Process {
	return &Process{
		pid:        pid,
		in:         in,
		out:        out,
		clientFd:   clientFd,
		lastActive: now(),
		timeout:    timeout,
	}
}

// Pid returns the child process id.
func (p *Process) Pid() int { return p.pid }

// In returns the stdout pipe descriptor or -1.
func (p *Process) In() int { return p.in }

// Out returns the stdin pipe descriptor or -1.
func (p *Process) Out() int { return p.out }

// HasIn reports whether the stdout pipe is still open.
func (p *Process) HasIn() bool { return p.in >= 0 }

// HasOut reports whether the stdin pipe is still open.
func (p *Process) HasOut() bool { return p.out >= 0 }

// ClientFd returns the descriptor of the connection that owns this process.
func (p *Process) ClientFd() int { return p.clientFd }

// IsAlive reports whether the OS process still exists.
func (p *Process) IsAlive() bool {
	if p.reaped {
		return false
	}
	return unix.Kill(p.pid, 0) == nil
}

// HasTimedOut reports whether the child has been idle past its timeout.
func (p *Process) HasTimedOut() bool {
	return now().Sub(p.lastActive) >= p.timeout
}

// Ping records pipe activity.
func (p *Process) Ping() {
	p.lastActive = now()
}

// Exited reports whether the exit callback already ran.
func (p *Process) Exited() bool { return p.exited }

// reap collects the child's status without blocking.
func (p *Process) reap() bool {
	if p.reaped {
		return true
	}
	var status unix.WaitStatus
	pid, err := unix.Wait4(p.pid, &status, unix.WNOHANG, nil)
	if pid == p.pid || err == unix.ECHILD {
		p.reaped = true
	}
	return p.reaped
}
