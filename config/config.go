// Package config loads the server settings from a YAML file, a dotenv file
// and WEBSERV_* environment variables, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/shell"

	"github.com/searchktools/webserv/core"
	"github.com/searchktools/webserv/core/http"
	"github.com/searchktools/webserv/core/router"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid settings")

// Settings is the complete server configuration.
type Settings struct {
	Socket  Socket   `yaml:"socket"`
	HTTP    HTTP     `yaml:"http"`
	CGI     CGI      `yaml:"cgi"`
	Misc    Misc     `yaml:"misc"`
	Log     Log      `yaml:"log"`
	Servers []Server `yaml:"servers"`

	// dir resolves relative roots; it is the directory of the loaded file.
	dir string
}

type Socket struct {
	KeepAliveTimeout time.Duration `yaml:"keep_alive_timeout"`
	PollTimeout      time.Duration `yaml:"poll_timeout"`
	ReadChunkSize    int           `yaml:"read_chunk_size"`
	Backlog          int           `yaml:"backlog"`
}

type HTTP struct {
	MaxURISize    int   `yaml:"max_uri_size"`
	MaxHeaderSize int   `yaml:"max_header_size"`
	MaxBodySize   int64 `yaml:"max_body_size"`
}

type CGI struct {
	Timeout time.Duration `yaml:"timeout"`
}

type Misc struct {
	// Name is sent in the Server header and as SERVER_SOFTWARE.
	Name string `yaml:"name"`
	// GCPercent and MemoryLimit tune the Go collector; zero keeps the
	// runtime defaults.
	GCPercent   int   `yaml:"gc_percent"`
	MemoryLimit int64 `yaml:"memory_limit"`
}

type Log struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Server is one listening socket and its routes.
type Server struct {
	Address        string  `yaml:"address"`
	Port           int     `yaml:"port"`
	MaxConnections int     `yaml:"max_connections"`
	Routes         []Route `yaml:"routes"`
}

// Route is the file form of router.Route. Which fields apply depends on
// Type.
type Route struct {
	URI        string         `yaml:"uri"`
	Type       string         `yaml:"type"`
	Methods    []string       `yaml:"methods"`
	NoMatch    string         `yaml:"no_match"`
	ErrorPages map[int]string `yaml:"error_pages"`

	// static and cgi
	Root string `yaml:"root"`

	// static
	Index            string `yaml:"index"`
	DirectoryListing bool   `yaml:"directory_listing"`
	IgnoreHidden     bool   `yaml:"ignore_hidden"`
	SendTo           string `yaml:"send_to"`

	// redirect
	To        string `yaml:"to"`
	Permanent bool   `yaml:"permanent"`
	Partial   bool   `yaml:"partial"`

	// cgi
	PathInfo     string        `yaml:"path_info"`
	Interpreters []Interpreter `yaml:"interpreters"`
}

type Interpreter struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
	// Command is a shell-style alternative to Path, e.g.
	// "env python3 -u $file". Its words come before Args.
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	Extensions []string `yaml:"extensions"`
}

// Default returns settings for one static server on 0.0.0.0:8080 serving
// ./www.
func Default() *Settings {
	return &Settings{
		Socket: Socket{
			KeepAliveTimeout: 5 * time.Second,
			PollTimeout:      time.Second,
			ReadChunkSize:    4096,
			Backlog:          128,
		},
		HTTP: HTTP{
			MaxURISize:    2048,
			MaxHeaderSize: 8192,
			MaxBodySize:   1 << 20,
		},
		CGI:  CGI{Timeout: 10 * time.Second},
		Misc: Misc{Name: "webserv"},
		Log:  Log{Level: "info"},
		Servers: []Server{{
			Address:        "0.0.0.0",
			Port:           8080,
			MaxConnections: 1024,
			Routes: []Route{{
				URI:  "/",
				Type: "static",
				Root: "www",
			}},
		}},
		dir: ".",
	}
}

// Load reads path, then applies envFile (when not empty) and the process
// environment on top, and validates the result. Files ending in .json or
// .jsonc may carry comments and trailing commas.
func Load(path, envFile string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config dir: %w", err)
	}

	m := NewManager()
	if err := m.LoadYAML(data); err != nil {
		return nil, err
	}
	if envFile != "" {
		if err := m.LoadEnvFile(envFile, EnvPrefix); err != nil {
			return nil, err
		}
	}
	m.LoadFromEnv(EnvPrefix)

	s, err := Parse(data, dir)
	if err != nil {
		return nil, err
	}
	if err := checkKeys(m); err != nil {
		return nil, err
	}
	s.Apply(m)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Parse decodes a YAML document over the defaults. Unknown keys are
// rejected. A document with a servers list replaces the default server.
func Parse(data []byte, dir string) (*Settings, error) {
	s := Default()
	s.Servers = nil
	s.dir = dir

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if s.Servers == nil {
		s.Servers = Default().Servers
	}
	return s, nil
}

// Apply copies scalar overrides from m. Lists such as servers can only be
// set in the file.
func (s *Settings) Apply(m *Manager) {
	s.Socket.KeepAliveTimeout = m.GetDuration("socket.keep_alive_timeout", s.Socket.KeepAliveTimeout)
	s.Socket.PollTimeout = m.GetDuration("socket.poll_timeout", s.Socket.PollTimeout)
	s.Socket.ReadChunkSize = m.GetInt("socket.read_chunk_size", s.Socket.ReadChunkSize)
	s.Socket.Backlog = m.GetInt("socket.backlog", s.Socket.Backlog)
	s.HTTP.MaxURISize = m.GetInt("http.max_uri_size", s.HTTP.MaxURISize)
	s.HTTP.MaxHeaderSize = m.GetInt("http.max_header_size", s.HTTP.MaxHeaderSize)
	s.HTTP.MaxBodySize = m.GetInt64("http.max_body_size", s.HTTP.MaxBodySize)
	s.CGI.Timeout = m.GetDuration("cgi.timeout", s.CGI.Timeout)
	s.Misc.Name = m.GetString("misc.name", s.Misc.Name)
	s.Misc.GCPercent = m.GetInt("misc.gc_percent", s.Misc.GCPercent)
	s.Misc.MemoryLimit = m.GetInt64("misc.memory_limit", s.Misc.MemoryLimit)
	s.Log.Level = m.GetString("log.level", s.Log.Level)
	s.Log.Pretty = m.GetBool("log.pretty", s.Log.Pretty)
}

// settingKeys are the scalar keys Apply reads.
var settingKeys = []string{
	"socket.keep_alive_timeout", "socket.poll_timeout", "socket.read_chunk_size", "socket.backlog",
	"http.max_uri_size", "http.max_header_size", "http.max_body_size",
	"cgi.timeout",
	"misc.name", "misc.gc_percent", "misc.memory_limit",
	"log.level", "log.pretty",
}

// checkKeys rejects overrides Apply would silently ignore, such as a
// misspelled environment variable.
func checkKeys(m *Manager) error {
	for _, k := range m.Keys() {
		if k == "servers" || slices.Contains(settingKeys, k) {
			continue
		}
		if v, _ := m.Get(k); v == nil {
			continue
		}
		return fmt.Errorf("%w: unknown setting %q%s", ErrInvalid, k, suggest(k, settingKeys))
	}
	return nil
}

// Validate reports every problem found, joined.
func (s *Settings) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if s.Socket.KeepAliveTimeout <= 0 {
		bad("socket.keep_alive_timeout must be positive")
	}
	if s.Socket.PollTimeout <= 0 {
		bad("socket.poll_timeout must be positive")
	}
	if s.Socket.ReadChunkSize <= 0 {
		bad("socket.read_chunk_size must be positive")
	}
	if s.Socket.Backlog <= 0 {
		bad("socket.backlog must be positive")
	}
	if s.HTTP.MaxURISize <= 0 {
		bad("http.max_uri_size must be positive")
	}
	if s.HTTP.MaxHeaderSize <= 0 {
		bad("http.max_header_size must be positive")
	}
	if s.HTTP.MaxBodySize < 0 {
		bad("http.max_body_size must not be negative")
	}
	if s.CGI.Timeout <= 0 {
		bad("cgi.timeout must be positive")
	}
	if s.Misc.GCPercent < 0 || s.Misc.MemoryLimit < 0 {
		bad("misc.gc_percent and misc.memory_limit must not be negative")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(s.Log.Level)); err != nil {
		bad("log.level %q", s.Log.Level)
	}
	if len(s.Servers) == 0 {
		bad("no servers")
	}

	seen := make(map[string]bool)
	for i, srv := range s.Servers {
		key := net.JoinHostPort(srv.Address, strconv.Itoa(srv.Port))
		if srv.Port < 0 || srv.Port > 65535 {
			bad("servers[%d]: port %d out of range", i, srv.Port)
		}
		if srv.Port != 0 && seen[key] {
			bad("servers[%d]: %s bound twice", i, key)
		}
		seen[key] = true
		if srv.MaxConnections < 0 {
			bad("servers[%d]: max_connections must not be negative", i)
		}
		if len(srv.Routes) == 0 {
			bad("servers[%d]: no routes", i)
			continue
		}
		routes, err := s.Routes(i)
		if err != nil {
			bad("servers[%d]: %v", i, err)
			continue
		}
		if _, err := router.New(afero.NewMemMapFs(), zerolog.Nop(), routes); err != nil {
			bad("servers[%d]: %v", i, err)
		}
	}
	return errors.Join(errs...)
}

// EngineOptions returns the reactor options.
func (s *Settings) EngineOptions() core.Options {
	return core.Options{
		KeepAliveTimeout: s.Socket.KeepAliveTimeout,
		ProcessTimeout:   s.CGI.Timeout,
		PollTimeout:      s.Socket.PollTimeout,
		ReadChunkSize:    s.Socket.ReadChunkSize,
		Backlog:          s.Socket.Backlog,
	}
}

// Limits returns the request parser limits.
func (s *Settings) Limits() http.Limits {
	return http.Limits{
		MaxURISize:    s.HTTP.MaxURISize,
		MaxHeaderSize: s.HTTP.MaxHeaderSize,
		MaxBodySize:   s.HTTP.MaxBodySize,
	}
}

// Dir returns the directory relative paths are resolved against.
func (s *Settings) Dir() string { return s.dir }

// Routes converts the routes of server i. Relative roots and error pages
// are resolved against the config directory.
func (s *Settings) Routes(i int) ([]router.Route, error) {
	if i < 0 || i >= len(s.Servers) {
		return nil, fmt.Errorf("no server %d", i)
	}
	src := s.Servers[i].Routes
	out := make([]router.Route, 0, len(src))
	for _, rc := range src {
		r, err := rc.route(s.dir)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (rc Route) route(dir string) (router.Route, error) {
	kind, ok := router.ParseKind(rc.Type)
	if !ok {
		return router.Route{}, fmt.Errorf("route %s: unknown type %q%s", rc.URI, rc.Type, suggest(rc.Type, routeTypes))
	}
	r := router.Route{URI: rc.URI, Module: router.Module{Kind: kind}}

	for _, name := range rc.Methods {
		m, ok := http.ParseMethod(strings.ToUpper(name))
		if !ok {
			return router.Route{}, fmt.Errorf("route %s: unknown method %q", rc.URI, name)
		}
		r.Methods = append(r.Methods, m)
	}

	switch strings.ToLower(rc.NoMatch) {
	case "", "next":
	case "break":
		r.NoMatch = http.StatusNotFound
	default:
		code, err := strconv.Atoi(rc.NoMatch)
		if err != nil {
			return router.Route{}, fmt.Errorf("route %s: no_match %q", rc.URI, rc.NoMatch)
		}
		r.NoMatch = code
	}

	if len(rc.ErrorPages) > 0 {
		r.ErrorPages = make(map[int]string, len(rc.ErrorPages))
		for code, page := range rc.ErrorPages {
			r.ErrorPages[code] = abs(dir, page)
		}
	}

	switch kind {
	case router.KindStatic:
		r.Module.Static = &router.Static{
			Root:             abs(dir, rc.Root),
			Index:            rc.Index,
			DirectoryListing: rc.DirectoryListing,
			IgnoreHidden:     rc.IgnoreHidden,
			SendTo:           rc.SendTo,
		}
	case router.KindRedirect:
		r.Module.Redirect = &router.Redirect{
			To:        rc.To,
			Permanent: rc.Permanent,
			Partial:   rc.Partial,
		}
	case router.KindCGI:
		c := &router.CGI{
			Root:     abs(dir, rc.Root),
			PathInfo: abs(dir, rc.PathInfo),
		}
		for _, in := range rc.Interpreters {
			path, args, err := in.command()
			if err != nil {
				return router.Route{}, fmt.Errorf("route %s: interpreter %s: %w", rc.URI, in.Name, err)
			}
			c.Interpreters = append(c.Interpreters, router.Interpreter{
				Name:       in.Name,
				Path:       path,
				Args:       args,
				Extensions: in.Extensions,
			})
		}
		r.Module.CGI = c
	}
	return r, nil
}

func (in Interpreter) command() (string, []string, error) {
	if in.Command == "" {
		return in.Path, in.Args, nil
	}
	if in.Path != "" {
		return "", nil, errors.New("path and command are exclusive")
	}
	// The shell would expand $file itself, so it is swapped for a plain
	// word while splitting and restored afterwards.
	words, err := shell.Fields(filePlaceholder.ReplaceAllString(in.Command, fileMarker), os.Getenv)
	if err != nil {
		return "", nil, fmt.Errorf("command %q: %w", in.Command, err)
	}
	if len(words) == 0 {
		return "", nil, fmt.Errorf("command %q is empty", in.Command)
	}
	for i, w := range words {
		words[i] = strings.ReplaceAll(w, fileMarker, "$file")
	}
	return words[0], append(words[1:], in.Args...), nil
}

const fileMarker = "__WEBSERV_SCRIPT_FILE__"

// filePlaceholder matches $file and ${file} but not $filename.
var filePlaceholder = regexp.MustCompile(`\$(?:file\b|\{file\})`)

var routeTypes = []string{"static", "redirect", "cgi"}

// suggest names the closest candidate when it is a likely typo of s.
func suggest(s string, candidates []string) string {
	best, dist := "", 3
	for _, c := range candidates {
		if d := levenshtein.ComputeDistance(strings.ToLower(s), c); d < dist {
			best, dist = c, d
		}
	}
	if best == "" {
		return ""
	}
	return fmt.Sprintf(" (did you mean %q?)", best)
}

func abs(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
