package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/searchktools/webserv/core/poller"
	"github.com/searchktools/webserv/core/pools"
)

// Interest sets used for each kind of descriptor.
const (
	listenInterest  = poller.Readable | poller.EdgeTriggered
	readInterest    = poller.Readable | poller.PeerClosed | poller.EdgeTriggered
	writeInterest   = poller.Writable | poller.PeerClosed | poller.EdgeTriggered
	pausedInterest  = poller.PeerClosed | poller.EdgeTriggered
	pipeInInterest  = poller.Readable | poller.PeerClosed | poller.EdgeTriggered
	pipeOutInterest = poller.Writable | poller.EdgeTriggered
)

var (
	// ErrServerExists is returned when binding an address:port twice.
	ErrServerExists = errors.New("server already bound")
	// ErrUnknownConnection is returned when a descriptor names no client.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrProcessExists is returned when tracking a pid twice.
	ErrProcessExists = errors.New("process already tracked")
	// ErrEngineClosed is returned after Close.
	ErrEngineClosed = errors.New("engine closed")
)

// Options tunes the engine.
type Options struct {
	// KeepAliveTimeout is the idle timeout of every connection.
	KeepAliveTimeout time.Duration
	// ProcessTimeout is the idle timeout of every tracked process.
	ProcessTimeout time.Duration
	// PollTimeout bounds each wait; negative blocks until an event.
	PollTimeout time.Duration
	// ReadChunkSize is the size of each read syscall.
	ReadChunkSize int
	// Backlog is the listen(2) backlog.
	Backlog int
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		KeepAliveTimeout: 5 * time.Second,
		ProcessTimeout:   10 * time.Second,
		PollTimeout:      time.Second,
		ReadChunkSize:    4096,
		Backlog:          128,
	}
}

// Engine is the single-threaded reactor. It owns the poller and every
// listening socket, connection and child process, and routes readiness
// events to its Handler. All methods except Wake must be called from the
// goroutine running Tick/Run or from inside a Handler callback.
type Engine struct {
	opts    Options
	handler Handler
	log     zerolog.Logger

	poller  poller.Poller
	bytes   *pools.BytePool
	scratch []byte

	servers map[int]*Server
	addrs   map[string]int
	conns   map[int]*Connection
	procs   map[int]*Process
	pipes   map[int]int
	zombies []*Process
	// rearm lists clients that went back to read interest. Bytes that
	// arrived while they were not reading raise no new edge.
	rearm []int

	wakeMu       sync.Mutex
	wakeR, wakeW int
	closed       bool
}

// NewEngine creates an engine. A nil handler is replaced by NopHandler.
func NewEngine(opts Options, handler Handler, log zerolog.Logger) (*Engine, error) {
	def := DefaultOptions()
	if opts.KeepAliveTimeout <= 0 {
		opts.KeepAliveTimeout = def.KeepAliveTimeout
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = def.ProcessTimeout
	}
	if opts.PollTimeout == 0 {
		opts.PollTimeout = def.PollTimeout
	}
	if opts.ReadChunkSize <= 0 {
		opts.ReadChunkSize = def.ReadChunkSize
	}
	if opts.Backlog <= 0 {
		opts.Backlog = def.Backlog
	}
	if handler == nil {
		handler = NopHandler{}
	}

	p, err := poller.New()
	if err != nil {
		return nil, fmt.Errorf("create poller: %w", err)
	}

	var wake [2]int
	if err := unix.Pipe(wake[:]); err != nil {
		p.Close()
		return nil, fmt.Errorf("create wake pipe: %w", err)
	}
	for _, fd := range wake {
		unix.CloseOnExec(fd)
		unix.SetNonblock(fd, true)
	}
	if err := p.Add(wake[0], poller.Readable); err != nil {
		unix.Close(wake[0])
		unix.Close(wake[1])
		p.Close()
		return nil, fmt.Errorf("register wake pipe: %w", err)
	}

	bytes := pools.NewBytePool()
	return &Engine{
		opts:    opts,
		handler: handler,
		log:     log,
		poller:  p,
		bytes:   bytes,
		scratch: bytes.Get(opts.ReadChunkSize),
		servers: make(map[int]*Server),
		addrs:   make(map[string]int),
		conns:   make(map[int]*Connection, 1024),
		procs:   make(map[int]*Process),
		pipes:   make(map[int]int),
		wakeR:   wake[0],
		wakeW:   wake[1],
	}, nil
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// Bind creates a non-blocking listening socket on address:port and registers
// it. Port 0 picks a free port; Server.Port reports it. Failures are fatal to
// the bind and returned.
func (e *Engine) Bind(address string, port, maxConnections int) (*Server, error) {
	if e.closed {
		return nil, ErrEngineClosed
	}
	if port != 0 {
		if _, ok := e.addrs[addressKey(address, port)]; ok {
			return nil, fmt.Errorf("%w: %s", ErrServerExists, addressKey(address, port))
		}
	}

	sa, domain, err := sockaddr(address, port)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	fail := func(op string, err error) (*Server, error) {
		unix.Close(fd)
		return nil, fmt.Errorf("%s %s: %w", op, addressKey(address, port), err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, e.opts.Backlog); err != nil {
		return fail("listen", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail("set nonblock", err)
	}
	if port == 0 {
		if bound, err := unix.Getsockname(fd); err == nil {
			_, port = peer(bound)
		}
	}
	if err := e.poller.Add(fd, listenInterest); err != nil {
		return fail("register", err)
	}

	s := &Server{fd: fd, address: address, port: port, maxConnections: maxConnections}
	e.servers[fd] = s
	e.addrs[addressKey(address, port)] = fd
	e.log.Info().Str("server", s.String()).Int("fd", fd).Msg("listening")
	return s, nil
}

// Unbind closes a listening socket and disconnects every client it accepted.
func (e *Engine) Unbind(fd int) bool {
	s, ok := e.servers[fd]
	if !ok {
		return false
	}
	delete(e.servers, fd)
	delete(e.addrs, addressKey(s.address, s.port))
	if err := e.poller.Remove(fd, true); err != nil {
		e.log.Error().Err(err).Int("fd", fd).Msg("unregister server")
	}
	for _, c := range e.sortedConnections() {
		if c.serverFd == fd {
			e.drop(c, DisconnectKilled)
		}
	}
	e.log.Info().Str("server", s.String()).Msg("unbound")
	return true
}

// Server returns the listening socket registered under fd.
func (e *Engine) Server(fd int) (*Server, bool) {
	s, ok := e.servers[fd]
	return s, ok
}

// ServerAt returns the listening socket bound to address:port.
func (e *Engine) ServerAt(address string, port int) (*Server, bool) {
	fd, ok := e.addrs[addressKey(address, port)]
	if !ok {
		return nil, false
	}
	return e.Server(fd)
}

// Servers returns every listening socket ordered by descriptor.
func (e *Engine) Servers() []*Server {
	out := make([]*Server, 0, len(e.servers))
	for _, s := range e.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].fd < out[j].fd })
	return out
}

// Connection returns the client registered under fd.
func (e *Engine) Connection(fd int) (*Connection, bool) {
	c, ok := e.conns[fd]
	return c, ok
}

// Connections returns the number of live clients.
func (e *Engine) Connections() int { return len(e.conns) }

// Process returns the tracked process with the given pid.
func (e *Engine) Process(pid int) (*Process, bool) {
	p, ok := e.procs[pid]
	return p, ok
}

// Processes returns the number of tracked processes.
func (e *Engine) Processes() int { return len(e.procs) }

// Send queues b on the client's write buffer and switches it to write
// interest. It reports false when fd names no live client.
func (e *Engine) Send(fd int, b []byte) bool {
	c, ok := e.conns[fd]
	if !ok {
		return false
	}
	c.WriteBuf = append(c.WriteBuf, b...)
	e.setWriting(c)
	_, ok = e.conns[fd]
	return ok
}

// MarkToClose requests a disconnect once the client's write buffer drains.
// A client with nothing queued is disconnected on its next write event.
func (e *Engine) MarkToClose(fd int) bool {
	c, ok := e.conns[fd]
	if !ok {
		return false
	}
	c.MarkToClose()
	e.setWriting(c)
	return true
}

// PauseRead stops reading from a client until ResumeRead. Bytes the peer
// keeps sending stay in the kernel, which applies TCP backpressure. Hangups
// are still reported.
func (e *Engine) PauseRead(fd int) bool {
	c, ok := e.conns[fd]
	if !ok {
		return false
	}
	if c.paused {
		return true
	}
	c.paused = true
	if !c.writing {
		if err := e.poller.Modify(c.fd, pausedInterest); err != nil {
			e.log.Error().Err(err).Int("fd", c.fd).Msg("pause read")
			e.drop(c, DisconnectError)
			return false
		}
	}
	return true
}

// ResumeRead undoes PauseRead. Data that arrived meanwhile is read on the
// next tick.
func (e *Engine) ResumeRead(fd int) bool {
	c, ok := e.conns[fd]
	if !ok {
		return false
	}
	if !c.paused {
		return true
	}
	c.paused = false
	if !c.writing {
		if err := e.poller.Modify(c.fd, readInterest); err != nil {
			e.log.Error().Err(err).Int("fd", c.fd).Msg("resume read")
			e.drop(c, DisconnectError)
			return false
		}
		e.rearm = append(e.rearm, c.fd)
	}
	return true
}

// Disconnect closes a client immediately.
func (e *Engine) Disconnect(fd int) bool {
	c, ok := e.conns[fd]
	if !ok {
		return false
	}
	e.drop(c, DisconnectRequested)
	return true
}

// TrackProcess wires a spawned child into the engine. in is the parent's
// non-blocking read end of the child's stdout, out the write end of its
// stdin; input is written to out and out is closed once it drains. The
// engine owns both descriptors from here on, including on error.
func (e *Engine) TrackProcess(pid, in, out, clientFd int, input []byte) (*Process, error) {
	closeBoth := func() {
		if in >= 0 {
			unix.Close(in)
		}
		if out >= 0 {
			unix.Close(out)
		}
	}
	if e.closed {
		closeBoth()
		return nil, ErrEngineClosed
	}
	if _, ok := e.procs[pid]; ok {
		closeBoth()
		return nil, fmt.Errorf("%w: %d", ErrProcessExists, pid)
	}
	if _, ok := e.conns[clientFd]; !ok {
		closeBoth()
		return nil, fmt.Errorf("%w: %d", ErrUnknownConnection, clientFd)
	}

	if err := e.poller.Add(in, pipeInInterest); err != nil {
		closeBoth()
		return nil, fmt.Errorf("register stdout pipe: %w", err)
	}
	if len(input) == 0 {
		unix.Close(out)
		out = -1
	} else if err := e.poller.Add(out, pipeOutInterest); err != nil {
		e.poller.Remove(in, true)
		unix.Close(out)
		return nil, fmt.Errorf("register stdin pipe: %w", err)
	}

	p := newProcess(pid, in, out, clientFd, e.opts.ProcessTimeout)
	p.WriteBuf = input
	e.procs[pid] = p
	e.pipes[in] = pid
	if out >= 0 {
		e.pipes[out] = pid
	}
	e.log.Debug().Int("pid", pid).Int("stdout", in).Int("stdin", out).Int("fd", clientFd).Msg("tracking process")
	return p, nil
}

// Kill force-stops a tracked process. Its exit callback runs with ExitKilled.
func (e *Engine) Kill(pid int) bool {
	p, ok := e.procs[pid]
	if !ok {
		return false
	}
	e.exitProcess(p, ExitKilled)
	return true
}

// Wake interrupts a blocking Wait. It is the only method safe to call from
// another goroutine.
func (e *Engine) Wake() {
	e.wakeMu.Lock()
	defer e.wakeMu.Unlock()
	if e.wakeW >= 0 {
		unix.Write(e.wakeW, []byte{0})
	}
}

// Run ticks until ctx is cancelled or polling fails.
func (e *Engine) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, e.Wake)
	defer stop()

	for ctx.Err() == nil {
		if err := e.Tick(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pollTimeout() int {
	if len(e.rearm) > 0 {
		return 0
	}
	if e.opts.PollTimeout < 0 {
		return -1
	}
	return int(e.opts.PollTimeout / time.Millisecond)
}

// Tick runs one reactor iteration: poll, classify and handle each changed
// descriptor, then sweep for dead or idle clients and processes. Only a
// polling failure is returned; per-descriptor failures end that descriptor.
func (e *Engine) Tick() error {
	if e.closed {
		return ErrEngineClosed
	}
	events, err := e.poller.Wait(e.pollTimeout())
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}

	seen := make(map[int]struct{}, len(events))
	for _, ev := range events {
		if _, dup := seen[ev.Fd]; dup {
			continue
		}
		seen[ev.Fd] = struct{}{}

		if ev.Fd == e.wakeR {
			e.drainWake()
			continue
		}
		if s, ok := e.servers[ev.Fd]; ok {
			e.accept(s)
			continue
		}
		if c, ok := e.conns[ev.Fd]; ok {
			e.handleClient(c, ev.Ready)
			continue
		}
		if pid, ok := e.pipes[ev.Fd]; ok {
			if p, ok := e.procs[pid]; ok {
				e.handleProcess(p, ev.Fd, ev.Ready)
			}
		}
	}
	e.readRearmed(seen)

	e.sweep()
	return nil
}

// readRearmed reads clients that returned to read interest. A client
// already handled this tick waits for the next one.
func (e *Engine) readRearmed(seen map[int]struct{}) {
	if len(e.rearm) == 0 {
		return
	}
	fds := e.rearm
	e.rearm = nil
	for _, fd := range fds {
		c, ok := e.conns[fd]
		if !ok || c.writing || c.paused {
			continue
		}
		if _, handled := seen[fd]; handled {
			e.rearm = append(e.rearm, fd)
			continue
		}
		seen[fd] = struct{}{}
		e.readClient(c)
	}
}

func (e *Engine) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(e.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (e *Engine) accept(s *Server) {
	for {
		nfd, sa, err := unix.Accept(s.fd)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			default:
				e.log.Error().Err(err).Str("server", s.String()).Msg("accept failed")
			}
			return
		}
		unix.CloseOnExec(nfd)
		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			continue
		}
		if s.full() {
			e.log.Warn().Str("server", s.String()).Int("max", s.maxConnections).Msg("connection limit reached")
			unix.Close(nfd)
			continue
		}
		unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		if err := e.poller.Add(nfd, readInterest); err != nil {
			e.log.Error().Err(err).Int("fd", nfd).Msg("register client")
			unix.Close(nfd)
			continue
		}

		address, port := peer(sa)
		c := newConnection(nfd, s.fd, address, port, e.opts.KeepAliveTimeout)
		e.conns[nfd] = c
		s.accepted++
		s.live++
		e.log.Debug().Int("fd", nfd).Str("peer", c.String()).Str("server", s.String()).Msg("accepted")
		e.guardClient(c, func() { e.handler.OnConnect(c) })
	}
}

func (e *Engine) handleClient(c *Connection, ready poller.Readiness) {
	c.ready = ready
	if !c.IsAlive() {
		e.drop(c, DisconnectError)
		return
	}
	if c.HasTimedOut() {
		e.drop(c, DisconnectTimeout)
		return
	}
	if ready.IsReadable() && !c.writing && !c.paused {
		e.readClient(c)
		return
	}
	if ready.IsWritable() && c.writing {
		e.flushClient(c)
	}
}

// readClient drains the socket into c.ReadBuf until it would block.
func (e *Engine) readClient(c *Connection) {
	total := 0
	for {
		n, err := unix.Read(c.fd, e.scratch)
		if n > 0 {
			if c.ReadBuf == nil {
				c.ReadBuf = e.bytes.Get(e.opts.ReadChunkSize)[:0]
			}
			c.ReadBuf = append(c.ReadBuf, e.scratch[:n]...)
			total += n
			continue
		}
		if err == nil {
			e.drop(c, DisconnectClosed)
			return
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			break
		}
		e.log.Debug().Err(err).Int("fd", c.fd).Msg("read failed")
		e.drop(c, DisconnectError)
		return
	}
	if total == 0 {
		return
	}
	c.Ping()
	e.guardClient(c, func() { e.handler.OnClientRead(c) })
}

// flushClient writes as much of c.WriteBuf as the socket accepts.
func (e *Engine) flushClient(c *Connection) {
	for len(c.WriteBuf) > 0 {
		n, err := unix.Write(c.fd, c.WriteBuf)
		if n > 0 {
			c.WriteBuf = c.WriteBuf[n:]
			c.Ping()
			continue
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			return
		}
		e.log.Debug().Err(err).Int("fd", c.fd).Msg("write failed")
		e.drop(c, DisconnectError)
		return
	}

	c.WriteBuf = nil
	if c.closeAfter {
		e.drop(c, DisconnectRequested)
		return
	}
	e.setReading(c)
	if _, ok := e.conns[c.fd]; ok {
		e.guardClient(c, func() { e.handler.OnClientWrite(c) })
	}
}

func (e *Engine) setWriting(c *Connection) {
	if c.writing {
		return
	}
	if err := e.poller.Modify(c.fd, writeInterest); err != nil {
		e.log.Error().Err(err).Int("fd", c.fd).Msg("switch to write")
		e.drop(c, DisconnectError)
		return
	}
	c.writing = true
}

func (e *Engine) setReading(c *Connection) {
	if !c.writing {
		return
	}
	interest := readInterest
	if c.paused {
		interest = pausedInterest
	}
	if err := e.poller.Modify(c.fd, interest); err != nil {
		e.log.Error().Err(err).Int("fd", c.fd).Msg("switch to read")
		e.drop(c, DisconnectError)
		return
	}
	c.writing = false
	if !c.paused {
		e.rearm = append(e.rearm, c.fd)
	}
}

// drop disconnects a client after notifying the handler.
func (e *Engine) drop(c *Connection, reason DisconnectReason) {
	if cur, ok := e.conns[c.fd]; !ok || cur != c {
		return
	}

	// A client already marked to close got its extra round before.
	marked := c.closeAfter
	keep := false
	e.guardClient(c, func() { keep = !e.handler.OnDisconnect(c, reason) })
	if cur, ok := e.conns[c.fd]; !ok || cur != c {
		return
	}
	if keep && reason == DisconnectTimeout && !marked {
		c.Ping()
		return
	}
	e.release(c, reason)
}

// release is the only place a client descriptor is deregistered and
// closed. Removal from the map guards against a second close.
func (e *Engine) release(c *Connection, reason DisconnectReason) {
	if cur, ok := e.conns[c.fd]; !ok || cur != c {
		return
	}
	delete(e.conns, c.fd)

	for _, p := range e.sortedProcesses() {
		if p.clientFd == c.fd {
			e.exitProcess(p, ExitClientTimeout)
		}
	}

	if s, ok := e.servers[c.serverFd]; ok {
		s.live--
	}
	if err := e.poller.Remove(c.fd, true); err != nil {
		e.log.Error().Err(err).Int("fd", c.fd).Msg("unregister client")
	}
	if c.ReadBuf != nil {
		e.bytes.Put(c.ReadBuf)
		c.ReadBuf = nil
	}
	c.WriteBuf = nil
	e.log.Debug().Int("fd", c.fd).Str("peer", c.String()).Stringer("reason", reason).Msg("disconnected")
}

func (e *Engine) handleProcess(p *Process, fd int, ready poller.Readiness) {
	if fd == p.in {
		p.inReady = ready
		if ready.IsReadable() && e.readProcess(p) {
			return
		}
		if ready.IsClosed() || ready.IsErrored() {
			e.exitProcess(p, ExitNormal)
		}
		return
	}
	if fd == p.out {
		p.outReady = ready
		if ready.IsErrored() || ready.IsClosed() {
			e.closeProcessOut(p)
			return
		}
		if ready.IsWritable() {
			e.writeProcess(p)
		}
	}
}

// readProcess drains the child's stdout. It reports whether the process
// exited while reading.
func (e *Engine) readProcess(p *Process) bool {
	total := 0
	eof := false
	for {
		n, err := unix.Read(p.in, e.scratch)
		if n > 0 {
			p.ReadBuf = append(p.ReadBuf, e.scratch[:n]...)
			total += n
			continue
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			break
		}
		if err != nil {
			e.log.Debug().Err(err).Int("pid", p.pid).Msg("pipe read failed")
		}
		eof = true
		break
	}
	if total > 0 {
		p.Ping()
		e.guardProcess(p, func() { e.handler.OnProcessRead(p) })
	}
	if eof && !p.exited {
		e.exitProcess(p, ExitNormal)
	}
	return p.exited
}

func (e *Engine) writeProcess(p *Process) {
	sent := 0
	for len(p.WriteBuf) > 0 {
		n, err := unix.Write(p.out, p.WriteBuf)
		if n > 0 {
			p.WriteBuf = p.WriteBuf[n:]
			sent += n
			continue
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			break
		}
		e.log.Debug().Err(err).Int("pid", p.pid).Msg("pipe write failed")
		e.closeProcessOut(p)
		return
	}
	if sent > 0 {
		p.Ping()
		e.guardProcess(p, func() { e.handler.OnProcessWrite(p) })
	}
	if len(p.WriteBuf) == 0 && !p.exited {
		// The child sees EOF on stdin.
		e.closeProcessOut(p)
	}
}

func (e *Engine) closeProcessOut(p *Process) {
	if p.out < 0 {
		return
	}
	delete(e.pipes, p.out)
	if err := e.poller.Remove(p.out, true); err != nil {
		e.log.Error().Err(err).Int("pid", p.pid).Msg("unregister stdin pipe")
	}
	p.out = -1
	p.WriteBuf = nil
}

// exitProcess retires a process: lookup entries first, then the exit
// callback, then the pipes, then the OS process.
func (e *Engine) exitProcess(p *Process, code ExitCode) {
	if p.exited {
		return
	}
	p.exited = true

	if p.in >= 0 {
		delete(e.pipes, p.in)
	}
	if p.out >= 0 {
		delete(e.pipes, p.out)
	}

	e.guardProcess(p, func() { e.handler.OnProcessExit(p, code) })

	if p.in >= 0 {
		if err := e.poller.Remove(p.in, true); err != nil {
			e.log.Error().Err(err).Int("pid", p.pid).Msg("unregister stdout pipe")
		}
		p.in = -1
	}
	if p.out >= 0 {
		if err := e.poller.Remove(p.out, true); err != nil {
			e.log.Error().Err(err).Int("pid", p.pid).Msg("unregister stdin pipe")
		}
		p.out = -1
	}

	if !p.reap() {
		unix.Kill(p.pid, unix.SIGKILL)
		if !p.reap() {
			e.zombies = append(e.zombies, p)
		}
	}
	delete(e.procs, p.pid)
	e.log.Debug().Int("pid", p.pid).Stringer("code", code).Msg("process exited")
}

// sweep retires clients and processes no event reported this tick.
func (e *Engine) sweep() {
	for _, c := range e.sortedConnections() {
		switch {
		case !c.IsAlive():
			e.drop(c, DisconnectError)
		case c.HasTimedOut():
			e.drop(c, DisconnectTimeout)
		}
	}

	for _, p := range e.sortedProcesses() {
		if p.exited {
			continue
		}
		if p.reap() {
			// Collect whatever the child wrote before it died.
			if p.in >= 0 && e.readProcess(p) {
				continue
			}
			e.exitProcess(p, ExitNormal)
			continue
		}
		if p.HasTimedOut() {
			e.exitProcess(p, ExitTimeout)
		}
	}

	if len(e.zombies) > 0 {
		alive := e.zombies[:0]
		for _, p := range e.zombies {
			if !p.reap() {
				alive = append(alive, p)
			}
		}
		e.zombies = alive
	}
}

// Close kills every process, disconnects every client, unbinds every
// server and releases the poller.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	for _, p := range e.sortedProcesses() {
		e.exitProcess(p, ExitKilled)
	}
	for _, s := range e.Servers() {
		e.Unbind(s.fd)
	}
	for _, c := range e.sortedConnections() {
		e.drop(c, DisconnectKilled)
	}
	e.closed = true
	e.poller.Remove(e.wakeR, true)
	e.wakeMu.Lock()
	unix.Close(e.wakeW)
	e.wakeW = -1
	e.wakeMu.Unlock()
	e.bytes.Put(e.scratch)
	return e.poller.Close()
}

func (e *Engine) sortedConnections() []*Connection {
	out := make([]*Connection, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].fd < out[j].fd })
	return out
}

func (e *Engine) sortedProcesses() []*Process {
	out := make([]*Process, 0, len(e.procs))
	for _, p := range e.procs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].pid < out[j].pid })
	return out
}

// guardClient runs a client callback and releases the client without
// further callbacks if it panics.
func (e *Engine) guardClient(c *Connection, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Int("fd", c.fd).Msg("client handler panicked")
			e.release(c, DisconnectError)
		}
	}()
	fn()
}

func (e *Engine) guardProcess(p *Process, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Int("pid", p.pid).Msg("process handler panicked")
			if !p.exited {
				p.exited = true
				if p.in >= 0 {
					delete(e.pipes, p.in)
					e.poller.Remove(p.in, true)
					p.in = -1
				}
				if p.out >= 0 {
					delete(e.pipes, p.out)
					e.poller.Remove(p.out, true)
					p.out = -1
				}
				unix.Kill(p.pid, unix.SIGKILL)
				if !p.reap() {
					e.zombies = append(e.zombies, p)
				}
				delete(e.procs, p.pid)
			}
		}
	}()
	fn()
}

func sockaddr(address string, port int) (unix.Sockaddr, int, error) {
	switch address {
	case "", "*":
		address = "0.0.0.0"
	case "localhost":
		address = "127.0.0.1"
	}
	ip := net.ParseIP(address)
	if ip == nil {
		return nil, 0, fmt.Errorf("invalid bind address %q", address)
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6, nil
}

func peer(sa unix.Sockaddr) (string, int) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String(), a.Port
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String(), a.Port
	default:
		return "", 0
	}
}
