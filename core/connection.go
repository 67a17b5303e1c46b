package core

import (
	"net"
	"strconv"
	"time"

	"github.com/searchktools/webserv/core/poller"
)

// now is the clock used for activity tracking.
var now = time.Now

// Connection is one accepted client socket. It only holds data: the engine
// performs every read and write and moves bytes in and out of the buffers.
type Connection struct {
	fd       int
	serverFd int
	address  string
	port     int

	// ReadBuf holds received bytes not yet consumed by the request parser.
	ReadBuf []byte
	// WriteBuf holds bytes queued for sending.
	WriteBuf []byte

	ready      poller.Readiness
	lastActive time.Time
	timeout    time.Duration
	closeAfter bool
	writing    bool
	paused     bool
}

func newConnection(fd, serverFd int, address string, port int, timeout time.Duration) *Connection {
	return &Connection{
		fd:         fd,
		serverFd:   serverFd,
		address:    address,
		port:       port,
		lastActive: now(),
		timeout:    timeout,
	}
}

// Fd returns the client descriptor, which also identifies the connection.
func (c *Connection) Fd() int { return c.fd }

// ServerFd returns the descriptor of the listening socket that accepted it.
func (c *Connection) ServerFd() int { return c.serverFd }

// Address returns the peer IP address.
func (c *Connection) Address() string { return c.address }

// Port returns the peer port.
func (c *Connection) Port() int { return c.port }

// Timeout returns the idle timeout.
func (c *Connection) Timeout() time.Duration { return c.timeout }

// LastActive returns the time of the last read or write.
func (c *Connection) LastActive() time.Time { return c.lastActive }

// IsAlive reports whether no hangup or error was observed.
func (c *Connection) IsAlive() bool {
	return !c.ready.IsClosed() && !c.ready.IsErrored()
}

// HasTimedOut reports whether the connection has been idle for its timeout.
func (c *Connection) HasTimedOut() bool {
	return now().Sub(c.lastActive) >= c.timeout
}

// Ping records activity.
func (c *Connection) Ping() {
	c.lastActive = now()
}

// MarkToClose asks the engine to disconnect once the write buffer drains.
func (c *Connection) MarkToClose() {
	c.closeAfter = true
}

// IsMarkedToClose reports whether MarkToClose was called.
func (c *Connection) IsMarkedToClose() bool { return c.closeAfter }

// IsWriting reports whether the connection is waiting for writability.
func (c *Connection) IsWriting() bool { return c.writing }

// IsPaused reports whether reading is suspended.
func (c *Connection) IsPaused() bool { return c.paused }

func (c *Connection) String() string {
	return net.JoinHostPort(c.address, strconv.Itoa(c.port))
}
