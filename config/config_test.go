package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/webserv/core/http"
	"github.com/searchktools/webserv/core/router"
)

const sample = `
socket:
  keep_alive_timeout: 7s
  read_chunk_size: 8192
http:
  max_body_size: 2048
misc:
  name: test-server
servers:
  - address: 127.0.0.1
    port: 8081
    max_connections: 10
    routes:
      - uri: /static
        type: static
        root: www
        methods: [get, post]
        directory_listing: true
        no_match: break
        error_pages:
          404: errors/404.html
      - uri: /old
        type: redirect
        to: https://example.com/new
        permanent: true
      - uri: /cgi-bin
        type: cgi
        root: /srv/cgi
        no_match: "410"
        interpreters:
          - name: sh
            path: /bin/sh
            args: ["$file"]
            extensions: [sh]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestDefaultIsValid(t *testing.T) {
	s := Default()
	require.NoError(t, s.Validate())
	opts := s.EngineOptions()
	assert.Equal(t, 5*time.Second, opts.KeepAliveTimeout)
	assert.Equal(t, 10*time.Second, opts.ProcessTimeout)
	assert.Equal(t, http.DefaultLimits(), s.Limits())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "webserv.yaml", sample)

	s, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, 7*time.Second, s.Socket.KeepAliveTimeout)
	assert.Equal(t, time.Second, s.Socket.PollTimeout)
	assert.Equal(t, 8192, s.Socket.ReadChunkSize)
	assert.Equal(t, int64(2048), s.HTTP.MaxBodySize)
	assert.Equal(t, 2048, s.HTTP.MaxURISize)
	assert.Equal(t, "test-server", s.Misc.Name)
	require.Len(t, s.Servers, 1)
	assert.Equal(t, 8081, s.Servers[0].Port)

	routes, err := s.Routes(0)
	require.NoError(t, err)
	require.Len(t, routes, 3)

	st := routes[0]
	assert.Equal(t, router.KindStatic, st.Module.Kind)
	assert.Equal(t, []http.Method{http.MethodGet, http.MethodPost}, st.Methods)
	assert.Equal(t, filepath.Join(dir, "www"), st.Module.Static.Root)
	assert.True(t, st.Module.Static.DirectoryListing)
	assert.Equal(t, http.StatusNotFound, st.NoMatch)
	assert.Equal(t, filepath.Join(dir, "errors/404.html"), st.ErrorPages[404])

	rd := routes[1]
	assert.Equal(t, router.KindRedirect, rd.Module.Kind)
	assert.Equal(t, "https://example.com/new", rd.Module.Redirect.To)
	assert.True(t, rd.Module.Redirect.Permanent)
	assert.Zero(t, rd.NoMatch)

	cg := routes[2]
	assert.Equal(t, router.KindCGI, cg.Module.Kind)
	assert.Equal(t, "/srv/cgi", cg.Module.CGI.Root)
	assert.Equal(t, 410, cg.NoMatch)
	require.Len(t, cg.Module.CGI.Interpreters, 1)
	assert.Equal(t, []string{"sh"}, cg.Module.CGI.Interpreters[0].Extensions)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "webserv.yaml", sample)
	env := writeFile(t, dir, ".env", "WEBSERV_SOCKET__BACKLOG=64\nWEBSERV_MISC__NAME=from-file\nWEBSERV_CGI__TIMEOUT=3s\n")

	t.Setenv("WEBSERV_MISC__NAME", "from-env")
	t.Setenv("WEBSERV_SOCKET__KEEP_ALIVE_TIMEOUT", "2")

	s, err := Load(path, env)
	require.NoError(t, err)
	assert.Equal(t, 64, s.Socket.Backlog)
	assert.Equal(t, 3*time.Second, s.CGI.Timeout)
	assert.Equal(t, "from-env", s.Misc.Name)
	assert.Equal(t, 2*time.Second, s.Socket.KeepAliveTimeout)
}

func TestLoadUnknownOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "webserv.yaml", sample)
	t.Setenv("WEBSERV_SOCKET__KEEPALIVE_TIMEOUT", "2s")

	_, err := Load(path, "")
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), `unknown setting "socket.keepalive_timeout"`)
	assert.Contains(t, err.Error(), `did you mean "socket.keep_alive_timeout"?`)
}

func TestLoadUnknownEnvFileKey(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "webserv.yaml", sample)
	env := writeFile(t, dir, ".env", "WEBSERV_HTTP__MAX_BODY=1\n")

	_, err := Load(path, env)
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), `"http.max_body"`)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"), "")
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeFile(t, dir, "typo.yaml", "sockett:\n  backlog: 1\n"), "")
	assert.Error(t, err)

	_, err = Load(writeFile(t, dir, "ok.yaml", "misc:\n  name: x\n"), filepath.Join(dir, "missing.env"))
	assert.Error(t, err)
}

func TestParseEmptyKeepsDefaults(t *testing.T) {
	s, err := Parse(nil, "/etc/webserv")
	require.NoError(t, err)
	require.NoError(t, s.Validate())
	assert.Equal(t, "/etc/webserv", s.Dir())

	routes, err := s.Routes(0)
	require.NoError(t, err)
	assert.Equal(t, "/etc/webserv/www", routes[0].Module.Static.Root)
}

func TestValidate(t *testing.T) {
	tests := map[string]func(s *Settings){
		"keep alive":     func(s *Settings) { s.Socket.KeepAliveTimeout = 0 },
		"chunk size":     func(s *Settings) { s.Socket.ReadChunkSize = -1 },
		"header size":    func(s *Settings) { s.HTTP.MaxHeaderSize = 0 },
		"cgi timeout":    func(s *Settings) { s.CGI.Timeout = 0 },
		"log level":      func(s *Settings) { s.Log.Level = "loud" },
		"no servers":     func(s *Settings) { s.Servers = nil },
		"port":           func(s *Settings) { s.Servers[0].Port = 70000 },
		"no routes":      func(s *Settings) { s.Servers[0].Routes = nil },
		"duplicate":      func(s *Settings) { s.Servers = append(s.Servers, s.Servers[0]) },
		"unknown type":   func(s *Settings) { s.Servers[0].Routes[0].Type = "proxy" },
		"unknown method": func(s *Settings) { s.Servers[0].Routes[0].Methods = []string{"BREW"} },
		"no match":       func(s *Settings) { s.Servers[0].Routes[0].NoMatch = "sometimes" },
		"no match range": func(s *Settings) { s.Servers[0].Routes[0].NoMatch = "42" },
		"relative uri":   func(s *Settings) { s.Servers[0].Routes[0].URI = "static" },
		"cgi no interp":  func(s *Settings) { s.Servers[0].Routes[0].Type = "cgi" },
		"gc percent":     func(s *Settings) { s.Misc.GCPercent = -5 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			s := Default()
			mutate(s)
			assert.ErrorIs(t, s.Validate(), ErrInvalid)
		})
	}
}

func TestValidateAllowsSharedEphemeralPort(t *testing.T) {
	s := Default()
	s.Servers[0].Port = 0
	s.Servers = append(s.Servers, s.Servers[0])
	assert.NoError(t, s.Validate())
}

func TestRoutesOutOfRange(t *testing.T) {
	_, err := Default().Routes(3)
	assert.Error(t, err)
}

func TestLoadJSONC(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "webserv.jsonc", `{
  // comments and trailing commas are fine
  "misc": {"name": "jsonc"},
  "servers": [
    {"address": "127.0.0.1", "port": 8082, "routes": [{"uri": "/", "type": "static", "root": "www",},],},
  ],
}`)

	s, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "jsonc", s.Misc.Name)
	require.Len(t, s.Servers, 1)
	assert.Equal(t, 8082, s.Servers[0].Port)
}

func TestUnknownTypeSuggestion(t *testing.T) {
	s := Default()
	s.Servers[0].Routes[0].Type = "statc"
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "static"?`)

	s.Servers[0].Routes[0].Type = "proxy"
	assert.NotContains(t, s.Validate().Error(), "did you mean")
}

func TestInterpreterCommand(t *testing.T) {
	t.Setenv("WEBSERV_TEST_PY", "python3")
	t.Setenv("filename", "other")
	tests := []struct {
		name string
		in   Interpreter
		path string
		args []string
		err  bool
	}{
		{"path", Interpreter{Path: "/bin/sh", Args: []string{"$file"}}, "/bin/sh", []string{"$file"}, false},
		{"command", Interpreter{Command: `env "$WEBSERV_TEST_PY" -u`, Args: []string{"$file"}}, "env", []string{"python3", "-u", "$file"}, false},
		{"placeholder kept", Interpreter{Command: "/bin/sh -e $file"}, "/bin/sh", []string{"-e", "$file"}, false},
		{"placeholder quoted", Interpreter{Command: `/usr/bin/python3 -u "${file}" --src=$file`}, "/usr/bin/python3", []string{"-u", "$file", "--src=$file"}, false},
		{"longer name expands", Interpreter{Command: "cat $filename"}, "cat", []string{"other"}, false},
		{"both", Interpreter{Path: "/bin/sh", Command: "sh"}, "", nil, true},
		{"unbalanced", Interpreter{Command: `sh "-e`}, "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, args, err := tt.in.command()
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.path, path)
			assert.Equal(t, tt.args, args)
		})
	}
}
