package core

// DisconnectReason says why a client is leaving the engine.
type DisconnectReason int

const (
	// DisconnectClosed means the peer shut the connection down.
	DisconnectClosed DisconnectReason = iota
	// DisconnectTimeout means the connection stayed idle past its timeout.
	DisconnectTimeout
	// DisconnectError means a hangup, error bit or failed syscall.
	DisconnectError
	// DisconnectRequested means the write buffer drained after MarkToClose,
	// or Disconnect was called.
	DisconnectRequested
	// DisconnectKilled means the owning server was unbound or the engine closed.
	DisconnectKilled
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectClosed:
		return "closed"
	case DisconnectTimeout:
		return "timeout"
	case DisconnectError:
		return "error"
	case DisconnectRequested:
		return "requested"
	case DisconnectKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Handler receives the engine's callbacks. Every method runs synchronously
// inside a tick; implementations must not block and must not keep the
// *Connection or *Process past the call. Refer to them by Fd or Pid instead.
type Handler interface {
	// OnConnect runs after a client is accepted and registered.
	OnConnect(c *Connection)
	// OnDisconnect runs before a client is deregistered and closed.
	// Returning false on a DisconnectTimeout keeps the connection alive one
	// more round so a final response can drain; the engine then closes it
	// unconditionally on the next failure.
	OnDisconnect(c *Connection, reason DisconnectReason) bool
	// OnClientRead runs after new bytes were appended to c.ReadBuf.
	OnClientRead(c *Connection)
	// OnClientWrite runs after c.WriteBuf drained and the connection went
	// back to reading.
	OnClientWrite(c *Connection)
	// OnProcessRead runs after new bytes were appended to p.ReadBuf.
	OnProcessRead(p *Process)
	// OnProcessWrite runs after part of p.WriteBuf was sent to the child.
	OnProcessWrite(p *Process)
	// OnProcessExit runs exactly once when a process leaves the engine,
	// before its pipes are closed.
	OnProcessExit(p *Process, code ExitCode)
}

// NopHandler implements Handler with no-ops. Embed it to override a subset.
type NopHandler struct{}

func (NopHandler) OnConnect(*Connection) {}
func (NopHandler) OnDisconnect(*Connection, DisconnectReason) bool { return true }
func (NopHandler) OnClientRead(*Connection) {}
func (NopHandler) OnClientWrite(*Connection) {}
func (NopHandler) OnProcessRead(*Process) {}
func (NopHandler) OnProcessWrite(*Process) {}
func (NopHandler) OnProcessExit(*Process, ExitCode) {}
