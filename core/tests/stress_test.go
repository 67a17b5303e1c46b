package tests

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
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/webserv/app"
	"github.com/searchktools/webserv/config"
)

const (
	stressClients  = 32
	stressRequests = 20
)

func startApp(t *testing.T) (*app.App, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "www"), 0o755))
	for i := 0; i < 4; i++ {
		body := strings.Repeat(strconv.Itoa(i), 1000*(i+1))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "www", fmt.Sprintf("f%d.txt", i)), []byte(body), 0o644))
	}

	s, err := config.Parse([]byte(`
socket:
  poll_timeout: 5ms
  keep_alive_timeout: 10s
servers:
  - address: 127.0.0.1
    port: 0
    max_connections: 64
    routes:
      - uri: /
        type: static
        root: www
`), dir)
	require.NoError(t, err)
	require.NoError(t, s.Validate())

	a, err := app.New(s, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, net.JoinHostPort("127.0.0.1", strconv.Itoa(a.Servers()[0].Port()))
}

// TestStressPipelinedClients runs many keep-alive clients at once, each
// pipelining its requests in a single write, and checks every response
// arrives complete and in order.
func TestStressPipelinedClients(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}
	a, addr := startApp(t)

	var wg sync.WaitGroup
	errs := make(chan error, stressClients)
	for c := 0; c < stressClients; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			errs <- runClient(addr, c)
		}(c)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	deadline := time.Now().Add(30 * time.Second)
loop:
	for {
		select {
		case <-done:
			break loop
		default:
		}
		require.True(t, time.Now().Before(deadline), "clients did not finish")
		require.NoError(t, a.Engine().Tick())
	}
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	stats, ok := a.Stats().Route("static /")
	require.True(t, ok)
	assert.Equal(t, uint64(stressClients*stressRequests), stats.Count)
	assert.Zero(t, stats.ClientErrors+stats.Errors)
}

func runClient(addr string, id int) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(25 * time.Second))

	var batch strings.Builder
	for i := 0; i < stressRequests; i++ {
		fmt.Fprintf(&batch, "GET /f%d.txt HTTP/1.1\r\nHost: stress\r\nX-Client: %d\r\n\r\n", (id+i)%4, id)
	}
	if _, err := io.WriteString(conn, batch.String()); err != nil {
		return err
	}

	r := bufio.NewReader(conn)
	for i := 0; i < stressRequests; i++ {
		res, err := nethttp.ReadResponse(r, nil)
		if err != nil {
			return fmt.Errorf("client %d response %d: %w", id, i, err)
		}
		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return err
		}
		want := (id + i) % 4
		if res.StatusCode != 200 || len(body) != 1000*(want+1) || body[0] != byte('0'+want) {
			return fmt.Errorf("client %d response %d: status %d, %d bytes", id, i, res.StatusCode, len(body))
		}
	}
	return nil
}
