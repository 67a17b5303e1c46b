package app

import (
	"bufio"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/webserv/config"
)

const settingsTemplate = `
socket:
  keep_alive_timeout: %s
  poll_timeout: 10ms
http:
  max_body_size: 64
cgi:
  timeout: 400ms
misc:
  name: webserv-test
servers:
  - address: 127.0.0.1
    port: 0
    routes:
      - uri: /cgi-bin
        type: cgi
        root: cgi
        methods: [GET, POST]
        interpreters:
          - name: sh
            path: /bin/sh
            extensions: [sh]
      - uri: /
        type: static
        root: www
        methods: [GET, PUT]
`

var scripts = map[string]string{
	"echo.sh":  "printf 'Content-Type: text/plain\\r\\nX-Method: %s\\r\\n\\r\\n' \"$REQUEST_METHOD\"\ncat\n",
	"sleep.sh": "sleep 5\n",
	"bad.sh":   "printf 'no header section'\n",
}

type testApp struct {
	*App
	dir  string
	addr string
}

func newTestApp(t *testing.T, keepAlive string) *testApp {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "www"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cgi"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "www", "hello.txt"), []byte("hello world"), 0o644))
	for name, body := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cgi", name), []byte(body), 0o755))
	}

	s, err := config.Parse([]byte(fmt.Sprintf(settingsTemplate, keepAlive)), dir)
	require.NoError(t, err)
	require.NoError(t, s.Validate())

	a, err := New(s, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	srv := a.Servers()[0]
	return &testApp{App: a, dir: dir, addr: net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Port()))}
}

type testConn struct {
	net.Conn
	r *bufio.Reader
}

func (ta *testApp) dial(t *testing.T) *testConn {
	t.Helper()
	conn, err := net.Dial("tcp", ta.addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testConn{Conn: conn, r: bufio.NewReader(conn)}
}

// await ticks the engine until fn, run on another goroutine, returns.
func (ta *testApp) await(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case <-done:
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the server")
		}
		require.NoError(t, ta.Engine().Tick())
	}
}

func (ta *testApp) read(t *testing.T, c *testConn, method string) (*nethttp.Response, string) {
	t.Helper()
	var (
		res  *nethttp.Response
		body []byte
		err  error
	)
	ta.await(t, func() {
		res, err = nethttp.ReadResponse(c.r, &nethttp.Request{Method: method})
		if err == nil {
			body, err = io.ReadAll(res.Body)
			res.Body.Close()
		}
	})
	require.NoError(t, err)
	return res, string(body)
}

func (ta *testApp) do(t *testing.T, c *testConn, raw string) (*nethttp.Response, string) {
	t.Helper()
	_, err := c.Write([]byte(raw))
	require.NoError(t, err)
	method, _, _ := strings.Cut(raw, " ")
	return ta.read(t, c, method)
}

func (ta *testApp) tickUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		require.NoError(t, ta.Engine().Tick())
	}
}

// closed reports whether the server closed c without sending anything more.
func (ta *testApp) closed(t *testing.T, c *testConn) bool {
	t.Helper()
	var err error
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	ta.await(t, func() { _, err = c.r.ReadByte() })
	return err == io.EOF
}

func TestStaticGet(t *testing.T) {
	ta := newTestApp(t, "2s")
	c := ta.dial(t)

	res, body := ta.do(t, c, "GET /hello.txt HTTP/1.1\r\nHost: localhost\r\n\r\n")
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "hello world", body)
	assert.Equal(t, "webserv-test", res.Header.Get("Server"))
	assert.Equal(t, "keep-alive", res.Header.Get("Connection"))
	assert.Contains(t, res.Header.Get("Content-Type"), "text/plain")

	res, body = ta.do(t, c, "HEAD /hello.txt HTTP/1.1\r\nHost: localhost\r\n\r\n")
	assert.Equal(t, 200, res.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, "11", res.Header.Get("Content-Length"))

	stats, ok := ta.Stats().Route("static /")
	require.True(t, ok)
	assert.Equal(t, uint64(2), stats.Count)
}

func TestPipelinedRequestsAnsweredInOrder(t *testing.T) {
	ta := newTestApp(t, "2s")
	c := ta.dial(t)

	_, err := c.Write([]byte("GET /hello.txt HTTP/1.1\r\nHost: x\r\n\r\nGET /missing HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	res, body := ta.read(t, c, "GET")
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "hello world", body)

	res, _ = ta.read(t, c, "GET")
	assert.Equal(t, 404, res.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	ta := newTestApp(t, "2s")
	c := ta.dial(t)

	res, _ := ta.do(t, c, "DELETE /hello.txt HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, 405, res.StatusCode)
	assert.Equal(t, "GET, HEAD, PUT", res.Header.Get("Allow"))
}

func TestMalformedRequestClosesConnection(t *testing.T) {
	ta := newTestApp(t, "2s")
	c := ta.dial(t)

	res, _ := ta.do(t, c, "GET / HTTP/1.1\r\nContent-Length: ten\r\n\r\n")
	assert.Equal(t, 400, res.StatusCode)
	assert.Equal(t, "close", res.Header.Get("Connection"))
	assert.True(t, ta.closed(t, c))
}

func TestURITooLongClosesConnection(t *testing.T) {
	ta := newTestApp(t, "2s")
	c := ta.dial(t)

	res, _ := ta.do(t, c, "GET /"+strings.Repeat("a", 3000)+" HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, 414, res.StatusCode)
	assert.Equal(t, "close", res.Header.Get("Connection"))
	assert.True(t, ta.closed(t, c))
}

func TestBodyTooLarge(t *testing.T) {
	ta := newTestApp(t, "2s")
	c := ta.dial(t)

	res, _ := ta.do(t, c, "PUT /big.txt HTTP/1.1\r\nHost: x\r\nContent-Length: 100\r\n\r\n")
	assert.Equal(t, 413, res.StatusCode)
	assert.True(t, ta.closed(t, c))
	assert.NoFileExists(t, filepath.Join(ta.dir, "www", "big.txt"))
}

func TestExpectContinue(t *testing.T) {
	ta := newTestApp(t, "2s")
	c := ta.dial(t)

	res, _ := ta.do(t, c, "PUT /upload.txt HTTP/1.1\r\nHost: x\r\nExpect: 100-continue\r\nContent-Length: 5\r\n\r\n")
	assert.Equal(t, 100, res.StatusCode)

	_, err := c.Write([]byte("hello"))
	require.NoError(t, err)
	res, _ = ta.read(t, c, "PUT")
	assert.Equal(t, 201, res.StatusCode)
	data, err := os.ReadFile(filepath.Join(ta.dir, "www", "upload.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestExpectContinueRefused(t *testing.T) {
	ta := newTestApp(t, "2s")
	c := ta.dial(t)

	res, _ := ta.do(t, c, "POST /hello.txt HTTP/1.1\r\nHost: x\r\nExpect: 100-continue\r\nContent-Length: 5\r\n\r\n")
	assert.Equal(t, 405, res.StatusCode)
	assert.Equal(t, "keep-alive", res.Header.Get("Connection"))

	// The refused request is dropped and the connection serves the next one.
	res, body := ta.do(t, c, "GET /hello.txt HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "hello world", body)
}

func TestExpectContinueRefusedWithClose(t *testing.T) {
	ta := newTestApp(t, "2s")
	c := ta.dial(t)

	res, _ := ta.do(t, c, "POST /hello.txt HTTP/1.1\r\nHost: x\r\nConnection: close\r\nExpect: 100-continue\r\nContent-Length: 5\r\n\r\n")
	assert.Equal(t, 405, res.StatusCode)
	assert.True(t, ta.closed(t, c))
}

func TestHTTP10ClosesAfterResponse(t *testing.T) {
	ta := newTestApp(t, "2s")
	c := ta.dial(t)

	res, body := ta.do(t, c, "GET /hello.txt HTTP/1.0\r\n\r\n")
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "hello world", body)
	assert.Equal(t, "close", res.Header.Get("Connection"))
	assert.True(t, ta.closed(t, c))
}

func TestPartialRequestTimesOut(t *testing.T) {
	ta := newTestApp(t, "200ms")
	c := ta.dial(t)

	_, err := c.Write([]byte("GET /hello.txt HT"))
	require.NoError(t, err)
	res, _ := ta.read(t, c, "GET")
	assert.Equal(t, 408, res.StatusCode)
	assert.True(t, ta.closed(t, c))
}

func TestIdleConnectionClosedSilently(t *testing.T) {
	ta := newTestApp(t, "200ms")
	c := ta.dial(t)
	assert.True(t, ta.closed(t, c))
}

func TestCGI(t *testing.T) {
	ta := newTestApp(t, "2s")
	c := ta.dial(t)

	res, body := ta.do(t, c, "POST /cgi-bin/echo.sh HTTP/1.1\r\nHost: x\r\nContent-Length: 3\r\n\r\nabc")
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "abc", body)
	assert.Equal(t, "POST", res.Header.Get("X-Method"))
	assert.Zero(t, ta.Engine().Processes())

	res, body = ta.do(t, c, "GET /cgi-bin/echo.sh HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, 200, res.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, "GET", res.Header.Get("X-Method"))
}

func TestCGIHoldsPipelinedRequests(t *testing.T) {
	ta := newTestApp(t, "2s")
	c := ta.dial(t)

	_, err := c.Write([]byte("POST /cgi-bin/echo.sh HTTP/1.1\r\nHost: x\r\nContent-Length: 2\r\n\r\nhiGET /hello.txt HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	res, body := ta.read(t, c, "POST")
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "hi", body)

	res, body = ta.read(t, c, "GET")
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "hello world", body)
}

func TestCGITimeout(t *testing.T) {
	ta := newTestApp(t, "2s")
	c := ta.dial(t)

	res, _ := ta.do(t, c, "GET /cgi-bin/sleep.sh HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, 504, res.StatusCode)
	assert.Zero(t, ta.Engine().Processes())
}

func TestCGIMalformedOutput(t *testing.T) {
	ta := newTestApp(t, "2s")
	c := ta.dial(t)

	res, _ := ta.do(t, c, "GET /cgi-bin/bad.sh HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, 500, res.StatusCode)
}

func TestCGIMissingScriptFallsThrough(t *testing.T) {
	ta := newTestApp(t, "2s")
	c := ta.dial(t)

	res, _ := ta.do(t, c, "GET /cgi-bin/none.sh HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, 404, res.StatusCode)
}

func TestClientGoneStopsScript(t *testing.T) {
	ta := newTestApp(t, "2s")
	c := ta.dial(t)

	_, err := c.Write([]byte("GET /cgi-bin/sleep.sh HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	ta.tickUntil(t, func() bool { return ta.Engine().Processes() == 1 })
	c.Close()

	ta.tickUntil(t, func() bool { return ta.Engine().Connections() == 0 })
	assert.Zero(t, ta.Engine().Processes())
	assert.Empty(t, ta.jobs)
	assert.Empty(t, ta.clients)
}

func TestCGIPausesReadingWhileRunning(t *testing.T) {
	ta := newTestApp(t, "2s")
	c := ta.dial(t)

	_, err := c.Write([]byte("GET /cgi-bin/sleep.sh HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	ta.tickUntil(t, func() bool { return ta.Engine().Processes() == 1 })

	flood := []byte(strings.Repeat("a", 8<<20))
	go func() {
		c.SetWriteDeadline(time.Now().Add(3 * time.Second))
		c.Write(flood)
	}()
	until := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(until) {
		require.NoError(t, ta.Engine().Tick())
	}

	require.Len(t, ta.clients, 1)
	for fd := range ta.clients {
		conn, ok := ta.Engine().Connection(fd)
		require.True(t, ok)
		assert.True(t, conn.IsPaused())
		assert.Less(t, len(conn.ReadBuf), 1<<20)
	}
	assert.Equal(t, 1, ta.Engine().Processes())
}
