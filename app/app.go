// Package app is the HTTP application driven by the reactor: it parses
// requests arriving on each connection, routes them and writes responses,
// running CGI scripts as tracked child processes.
package app

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/searchktools/webserv/config"
	"github.com/searchktools/webserv/core"
	"github.com/searchktools/webserv/core/cgi"
	"github.com/searchktools/webserv/core/http"
	"github.com/searchktools/webserv/core/observability"
	"github.com/searchktools/webserv/core/router"
)

// slowRequest marks a route as a hotspot in the shutdown report.
const slowRequest = time.Second

var errClientGone = errors.New("client disconnected")

// site is one bound server and its routes.
type site struct {
	server *core.Server
	router *router.Router
}

// client is the per-connection HTTP state.
type client struct {
	fd      int
	conn    http.ConnInfo
	site    *site
	pending *http.PendingRequest
	// busy is the CGI job answering the current request. Reading is paused
	// while it runs; bytes already read stay buffered.
	busy    *job
	closing bool
}

type job struct {
	pid     int
	fd      int
	req     *http.Request
	res     *http.Response
	started time.Time
}

// App implements core.Handler.
type App struct {
	engine  *core.Engine
	log     zerolog.Logger
	name    string
	limits  http.Limits
	entropy io.Reader
	monitor *observability.Monitor

	sites   map[int]*site
	order   []*site
	clients map[int]*client
	jobs    map[int]*job
}

// New creates the engine, compiles each server's routes and binds every
// listening socket. Any failure closes what was opened.
func New(s *config.Settings, log zerolog.Logger) (*App, error) {
	return NewWithFs(s, afero.NewOsFs(), log)
}

// NewWithFs is New with static files served from fs.
func NewWithFs(s *config.Settings, fs afero.Fs, log zerolog.Logger) (*App, error) {
	a := &App{
		log:     log,
		name:    s.Misc.Name,
		limits:  s.Limits(),
		entropy: ulid.Monotonic(rand.Reader, 0),
		monitor: observability.NewMonitor(),
		sites:   make(map[int]*site),
		clients: make(map[int]*client),
		jobs:    make(map[int]*job),
	}
	engine, err := core.NewEngine(s.EngineOptions(), a, log)
	if err != nil {
		return nil, err
	}
	a.engine = engine

	for i, sc := range s.Servers {
		routes, err := s.Routes(i)
		if err != nil {
			engine.Close()
			return nil, err
		}
		r, err := router.New(fs, log.With().Str("server", sc.Address).Int("port", sc.Port).Logger(), routes)
		if err != nil {
			engine.Close()
			return nil, err
		}
		srv, err := engine.Bind(sc.Address, sc.Port, sc.MaxConnections)
		if err != nil {
			engine.Close()
			return nil, err
		}
		st := &site{server: srv, router: r}
		a.sites[srv.Fd()] = st
		a.order = append(a.order, st)
	}
	return a, nil
}

// Engine returns the reactor.
func (a *App) Engine() *core.Engine { return a.engine }

// Servers returns the bound servers in configuration order.
func (a *App) Servers() []*core.Server {
	out := make([]*core.Server, len(a.order))
	for i, st := range a.order {
		out[i] = st.server
	}
	return out
}

// Stats returns the per-route request statistics.
func (a *App) Stats() *observability.Monitor { return a.monitor }

// Run serves until ctx is cancelled, then shuts everything down and logs
// the request statistics.
func (a *App) Run(ctx context.Context) error {
	a.log.Info().Int("servers", len(a.order)).Msg("serving")
	err := a.engine.Run(ctx)
	if cerr := a.Close(); err == nil {
		err = cerr
	}
	a.monitor.Report(a.log, slowRequest)
	return err
}

// Close kills running scripts, disconnects every client and unbinds every
// server.
func (a *App) Close() error {
	return a.engine.Close()
}

func (a *App) OnConnect(c *core.Connection) {
	st, ok := a.sites[c.ServerFd()]
	if !ok {
		a.engine.Disconnect(c.Fd())
		return
	}
	conn := http.ConnInfo{
		Fd:            c.Fd(),
		Address:       c.Address(),
		Port:          c.Port(),
		ServerFd:      st.server.Fd(),
		ServerAddress: st.server.Address(),
		ServerPort:    st.server.Port(),
	}
	a.clients[c.Fd()] = &client{
		fd:      c.Fd(),
		conn:    conn,
		site:    st,
		pending: http.NewPendingRequest(conn, a.limits),
	}
}

// OnDisconnect answers 408 to a client that went idle halfway through a
// request and keeps a client with a running script alive.
func (a *App) OnDisconnect(c *core.Connection, reason core.DisconnectReason) bool {
	cl, ok := a.clients[c.Fd()]
	if !ok {
		return true
	}
	if reason == core.DisconnectTimeout && !cl.closing {
		if cl.busy != nil {
			return false
		}
		if cl.pending.Started() {
			a.log.Debug().Int("fd", cl.fd).Stringer("state", cl.pending.State()).Msg("request timed out")
			a.fail(cl, http.StatusRequestTimeout, nil)
			return false
		}
	}
	delete(a.clients, c.Fd())
	return true
}

func (a *App) OnClientRead(c *core.Connection) {
	if cl, ok := a.clients[c.Fd()]; ok {
		a.serve(cl, c)
	}
}

func (a *App) OnClientWrite(c *core.Connection) {
	if cl, ok := a.clients[c.Fd()]; ok {
		a.serve(cl, c)
	}
}

func (a *App) OnProcessRead(*core.Process) {}

func (a *App) OnProcessWrite(*core.Process) {}

// OnProcessExit completes the response of the script's request and resumes
// parsing whatever the client pipelined meanwhile.
func (a *App) OnProcessExit(p *core.Process, code core.ExitCode) {
	j, ok := a.jobs[p.Pid()]
	if !ok {
		return
	}
	delete(a.jobs, p.Pid())

	cl, ok := a.clients[j.fd]
	if !ok || cl.busy != j {
		a.log.Debug().Int("pid", j.pid).Stringer("code", code).Msg("script finished without client")
		return
	}
	cl.busy = nil
	a.engine.ResumeRead(cl.fd)
	route, _ := j.res.Route().(*router.Route)

	switch code {
	case core.ExitNormal:
		if err := cgi.Apply(p.ReadBuf, j.res); err != nil {
			a.log.Warn().Err(err).Str("req", j.req.ID()).Int("pid", j.pid).Msg("bad script output")
			cl.site.router.Error(route, j.res, http.StatusInternalServerError)
		} else {
			j.res.Send()
		}
	case core.ExitTimeout:
		cl.site.router.Error(route, j.res, http.StatusGatewayTimeout)
	case core.ExitKilled:
		cl.site.router.Error(route, j.res, http.StatusInternalServerError)
	default:
		return
	}
	a.access(j.req, j.res, j.started)

	if c, ok := a.engine.Connection(cl.fd); ok {
		a.serve(cl, c)
	}
}

// serve feeds buffered bytes to the parser and answers every request they
// complete, in order.
func (a *App) serve(cl *client, c *core.Connection) {
	for cl.busy == nil && !cl.closing && len(c.ReadBuf) > 0 {
		n, err := cl.pending.Feed(c.ReadBuf)
		c.ReadBuf = c.ReadBuf[:copy(c.ReadBuf, c.ReadBuf[n:])]
		if err != nil {
			c.ReadBuf = c.ReadBuf[:0]
			a.fail(cl, http.StatusOf(err), err)
			return
		}
		if cl.pending.ExpectsContinue() {
			a.expect(cl)
			continue
		}
		if !cl.pending.Done() {
			return
		}
		req, _ := cl.pending.Request()
		cl.pending = http.NewPendingRequest(cl.conn, a.limits)
		a.handle(cl, req)
	}
}

// expect answers an "Expect: 100-continue" request before its body is
// sent. A refused request is dropped and parsing starts over with whatever
// the client sends next.
func (a *App) expect(cl *client) {
	p := cl.pending
	route, code := cl.site.router.Check(p.Method(), p.Path())
	if code != 0 {
		res := http.NewResponse(nil, a.sink(cl), a.name)
		if p.KeepAlive() {
			res.SetHeader("Connection", "keep-alive")
		}
		if code == http.StatusMethodNotAllowed {
			res.SetHeader("Allow", route.Allow())
		}
		a.log.Debug().Int("fd", cl.fd).Str("path", p.Path()).Int("status", code).Msg("expectation refused")
		cl.pending = http.NewPendingRequest(cl.conn, a.limits)
		cl.site.router.Error(route, res, code)
		return
	}
	if err := http.Continue(p.Protocol(), a.sink(cl)); err != nil {
		return
	}
	p.Continue()
}

func (a *App) handle(cl *client, req *http.Request) {
	req = req.WithID(ulid.MustNew(ulid.Now(), a.entropy).String())
	res := http.NewResponse(req, a.sink(cl), a.name)
	started := time.Now()

	cl.site.router.Serve(req, res, func(script *router.Script, req *http.Request, res *http.Response) error {
		return a.run(cl, script, req, res)
	})
	if res.Sent() {
		a.access(req, res, started)
	}
}

// run starts script and hands its pipes to the engine. The response is
// sent from OnProcessExit.
func (a *App) run(cl *client, script *router.Script, req *http.Request, res *http.Response) error {
	child, err := cgi.Start(cgi.NewCommand(script, req, a.name))
	if err != nil {
		return err
	}
	if _, err := a.engine.TrackProcess(child.Pid, child.Stdout, child.Stdin, cl.fd, req.Body()); err != nil {
		cgi.Abort(child.Pid)
		return err
	}
	j := &job{pid: child.Pid, fd: cl.fd, req: req, res: res, started: time.Now()}
	a.jobs[child.Pid] = j
	cl.busy = j
	a.engine.PauseRead(cl.fd)
	a.log.Debug().Str("req", req.ID()).Int("pid", child.Pid).Str("script", script.File).Msg("script started")
	return nil
}

// fail answers a request that could not be parsed or finished and closes
// the connection after the response drains.
func (a *App) fail(cl *client, code int, err error) {
	if err != nil {
		a.log.Warn().Err(err).Int("fd", cl.fd).Str("remote", cl.conn.RemoteAddr()).Int("status", code).Msg("bad request")
	}
	res := http.NewResponse(nil, a.sink(cl), a.name)
	res.Error(code)
	cl.closing = true
}

func (a *App) access(req *http.Request, res *http.Response, started time.Time) {
	took := time.Since(started)
	name := "-"
	if route, ok := res.Route().(*router.Route); ok {
		name = route.String()
	}
	a.monitor.Record(name, res.StatusCode(), len(res.Body()), took)

	a.log.Info().
		Str("req", req.ID()).
		Str("remote", req.Conn().RemoteAddr()).
		Str("method", string(req.Method())).
		Str("target", req.Target()).
		Int("status", res.StatusCode()).
		Int("size", len(res.Body())).
		Str("route", name).
		Dur("took", took).
		Msg("request")
}

func (a *App) sink(cl *client) http.Sink {
	return connSink{a: a, fd: cl.fd}
}

// connSink queues response bytes on a connection.
type connSink struct {
	a  *App
	fd int
}

func (s connSink) Write(b []byte) (int, error) {
	if !s.a.engine.Send(s.fd, b) {
		return 0, errClientGone
	}
	return len(b), nil
}

func (s connSink) MarkToClose() {
	s.a.engine.MarkToClose(s.fd)
	if cl, ok := s.a.clients[s.fd]; ok {
		cl.closing = true
	}
}
