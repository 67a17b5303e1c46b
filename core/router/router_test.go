package router

import (
	"bufio"
	"bytes"
	"io"
	nethttp "net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/webserv/core/http"
)

type sink struct {
	bytes.Buffer
	closing bool
}

func (s *sink) MarkToClose() { s.closing = true }

func static(uri, root string) Route {
	return Route{URI: uri, Module: Module{Kind: KindStatic, Static: &Static{Root: root}}}
}

func newRouter(t *testing.T, fs afero.Fs, routes ...Route) *Router {
	t.Helper()
	r, err := New(fs, zerolog.Nop(), routes)
	require.NoError(t, err)
	return r
}

func testFs(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	files := map[string]string{
		"/www/index.html":     "<h1>home</h1>",
		"/www/a.txt":          "alpha",
		"/www/dir/b.txt":      "beta",
		"/www/dir/.secret":    "hidden",
		"/www/404.html":       "custom missing",
		"/other/files/x.txt":  "fallback",
		"/cgi/bin/hello.py":   "print('hi')",
		"/cgi/bin/readme.txt": "not a script",
	}
	for name, body := range files {
		require.NoError(t, afero.WriteFile(fs, name, []byte(body), 0o644))
	}
	require.NoError(t, fs.MkdirAll("/www/empty", 0o755))
	return fs
}

type result struct {
	*nethttp.Response
	body string
}

func serve(t *testing.T, r *Router, method http.Method, target string, headers http.Headers, body []byte) result {
	t.Helper()
	req := http.NewRequest(method, target, "HTTP/1.1", headers, body, http.ConnInfo{})
	out := &sink{}
	res := http.NewResponse(req, out, "test")
	r.Serve(req, res, nil)
	require.True(t, res.Sent(), "response not sent")

	resp, err := nethttp.ReadResponse(bufio.NewReader(bytes.NewReader(out.Bytes())), &nethttp.Request{Method: string(method)})
	require.NoError(t, err)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return result{resp, string(b)}
}

func get(t *testing.T, r *Router, target string) result {
	t.Helper()
	return serve(t, r, http.MethodGet, target, http.NewHeaders(), nil)
}

func TestMatchOrder(t *testing.T) {
	script := Route{URI: "/**/*.py", Module: Module{Kind: KindCGI, CGI: &CGI{
		Root:         "/cgi",
		Interpreters: []Interpreter{{Name: "python", Path: "/usr/bin/python3", Extensions: []string{"py"}}},
	}}}
	r := newRouter(t, afero.NewMemMapFs(),
		static("/", "/www"),
		static("/img/", "/images"),
		static("/img/icons", "/icons"),
		script,
	)

	uris := func(routes []*Route) []string {
		var out []string
		for _, route := range routes {
			out = append(out, route.URI)
		}
		return out
	}
	assert.Equal(t, []string{"/img/icons", "/img/", "/"}, uris(r.Match("/img/icons/a.png")))
	assert.Equal(t, []string{"/img/", "/"}, uris(r.Match("/img")))
	assert.Equal(t, []string{"/"}, uris(r.Match("/imgs")))
	assert.Equal(t, []string{"/**/*.py", "/"}, uris(r.Match("/bin/x.py")))
	assert.Len(t, r.Routes(), 4)
}

func TestCompileErrors(t *testing.T) {
	python := []Interpreter{{Name: "py", Path: "/usr/bin/python3", Extensions: []string{"py"}}}
	tests := map[string]Route{
		"relative uri":   static("www", "/www"),
		"missing root":   static("/", ""),
		"bad glob":       static("/[a", "/www"),
		"no module":      {URI: "/"},
		"no redirect":    {URI: "/", Module: Module{Kind: KindRedirect, Redirect: &Redirect{}}},
		"no interpreter": {URI: "/", Module: Module{Kind: KindCGI, CGI: &CGI{Root: "/cgi"}}},
		"duplicate ext": {URI: "/", Module: Module{Kind: KindCGI, CGI: &CGI{Root: "/cgi",
			Interpreters: append(python, Interpreter{Name: "py2", Path: "/usr/bin/python2", Extensions: []string{".py"}})}}},
		"bad no_match": {URI: "/", NoMatch: 42, Module: Module{Kind: KindStatic, Static: &Static{Root: "/www"}}},
	}
	for name, route := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New(afero.NewMemMapFs(), zerolog.Nop(), []Route{route})
			assert.ErrorIs(t, err, ErrInvalidRoute)
		})
	}
}

func TestAllows(t *testing.T) {
	route := Route{Methods: []http.Method{http.MethodGet, http.MethodPost}}
	assert.True(t, route.Allows(http.MethodHead))
	assert.True(t, route.Allows(http.MethodPost))
	assert.False(t, route.Allows(http.MethodDelete))
	assert.Equal(t, "GET, HEAD, POST", route.Allow())

	var plain Route
	assert.True(t, plain.Allows(http.MethodGet))
	assert.False(t, plain.Allows(http.MethodPut))
}

func TestServeStaticFile(t *testing.T) {
	r := newRouter(t, testFs(t), static("/", "/www"))

	res := get(t, r, "/a.txt")
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "alpha", res.body)
	assert.Equal(t, "text/plain; charset=utf-8", res.Header.Get("Content-Type"))
	assert.NotEmpty(t, res.Header.Get("Last-Modified"))
	etag := res.Header.Get("ETag")
	assert.Regexp(t, `^W/"[0-9a-f]+-[0-9a-f]+"$`, etag)

	res = get(t, r, "/")
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "<h1>home</h1>", res.body)

	h := http.NewHeaders()
	h.Set("If-None-Match", etag)
	res = serve(t, r, http.MethodGet, "/a.txt", h, nil)
	assert.Equal(t, 304, res.StatusCode)
	assert.Empty(t, res.body)
	assert.Equal(t, etag, res.Header.Get("ETag"))
	_, hasLength := res.Header["Content-Length"]
	assert.False(t, hasLength, "304 must not carry Content-Length")

	res = serve(t, r, http.MethodHead, "/a.txt", http.NewHeaders(), nil)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, int64(5), res.ContentLength)
	assert.Empty(t, res.body)
}

func TestServeStaticDirectories(t *testing.T) {
	fs := testFs(t)
	r := newRouter(t, fs, static("/", "/www"))
	assert.Equal(t, 403, get(t, r, "/dir/").StatusCode)

	listing := static("/", "/www")
	listing.Module.Static.DirectoryListing = true
	listing.Module.Static.IgnoreHidden = true
	r = newRouter(t, fs, listing)

	res := get(t, r, "/dir")
	assert.Equal(t, 301, res.StatusCode)
	assert.Equal(t, "/dir/", res.Header.Get("Location"))

	res = get(t, r, "/dir/")
	assert.Equal(t, 200, res.StatusCode)
	assert.Contains(t, res.body, `<a href="b.txt">b.txt</a>`)
	assert.Contains(t, res.body, `<a href="../">../</a>`)
	assert.NotContains(t, res.body, ".secret")

	assert.Equal(t, 404, get(t, r, "/dir/.secret").StatusCode)
}

func TestServeNotFoundAndFallthrough(t *testing.T) {
	r := newRouter(t, testFs(t), static("/files", "/www"), static("/", "/other"))

	res := get(t, r, "/files/x.txt")
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "fallback", res.body)

	assert.Equal(t, 404, get(t, r, "/files/none.txt").StatusCode)

	stop := static("/files", "/www")
	stop.NoMatch = 410
	r = newRouter(t, testFs(t), stop, static("/", "/other"))
	assert.Equal(t, 410, get(t, r, "/files/x.txt").StatusCode)
}

func TestServeErrorPage(t *testing.T) {
	route := static("/", "/www")
	route.ErrorPages = map[int]string{404: "/www/404.html"}
	r := newRouter(t, testFs(t), route)

	res := get(t, r, "/missing")
	assert.Equal(t, 404, res.StatusCode)
	assert.Equal(t, "custom missing", res.body)
	assert.Equal(t, "text/html; charset=utf-8", res.Header.Get("Content-Type"))
}

func TestServeMethodNotAllowed(t *testing.T) {
	r := newRouter(t, testFs(t), static("/", "/www"))

	res := serve(t, r, http.MethodPost, "/a.txt", http.NewHeaders(), []byte("x"))
	assert.Equal(t, 405, res.StatusCode)
	assert.Equal(t, "GET, HEAD", res.Header.Get("Allow"))

	route, status := r.Check(http.MethodDelete, "/a.txt")
	assert.Equal(t, 405, status)
	assert.NotNil(t, route)

	_, status = r.Check(http.MethodGet, "/a.txt")
	assert.Zero(t, status)

	empty := newRouter(t, testFs(t))
	_, status = empty.Check(http.MethodGet, "/")
	assert.Equal(t, 404, status)
	assert.Equal(t, 404, get(t, empty, "/").StatusCode)
}

func TestServeUploads(t *testing.T) {
	fs := testFs(t)
	route := static("/up", "/www")
	route.Methods = []http.Method{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete}
	route.Module.Static.SendTo = "/files"
	r := newRouter(t, fs, route)

	res := serve(t, r, http.MethodPut, "/up/new.txt", http.NewHeaders(), []byte("fresh"))
	assert.Equal(t, 201, res.StatusCode)
	assert.Equal(t, "/files/new.txt", res.Header.Get("Location"))
	data, err := afero.ReadFile(fs, "/www/new.txt")
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))

	res = serve(t, r, http.MethodPut, "/up/new.txt", http.NewHeaders(), []byte("again"))
	assert.Equal(t, 204, res.StatusCode)

	res = serve(t, r, http.MethodPost, "/up/new.txt", http.NewHeaders(), []byte("nope"))
	assert.Equal(t, 409, res.StatusCode)

	res = serve(t, r, http.MethodPut, "/up/missing/dir.txt", http.NewHeaders(), []byte("x"))
	assert.Equal(t, 404, res.StatusCode)

	res = serve(t, r, http.MethodDelete, "/up/new.txt", http.NewHeaders(), nil)
	assert.Equal(t, 204, res.StatusCode)
	exists, err := afero.Exists(fs, "/www/new.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	res = serve(t, r, http.MethodDelete, "/up/dir", http.NewHeaders(), nil)
	assert.Equal(t, 403, res.StatusCode)
}

func TestServeRedirect(t *testing.T) {
	full := Route{URI: "/old", Module: Module{Kind: KindRedirect, Redirect: &Redirect{To: "https://example.com/", Permanent: true}}}
	partial := Route{URI: "/docs", Module: Module{Kind: KindRedirect, Redirect: &Redirect{To: "/manual/", Partial: true}}}
	r := newRouter(t, afero.NewMemMapFs(), full, partial)

	res := get(t, r, "/old/page")
	assert.Equal(t, 301, res.StatusCode)
	assert.Equal(t, "https://example.com/", res.Header.Get("Location"))

	res = get(t, r, "/docs/intro/")
	assert.Equal(t, 307, res.StatusCode)
	assert.Equal(t, "/manual/intro/", res.Header.Get("Location"))

	res = get(t, r, "/docs")
	assert.Equal(t, "/manual/", res.Header.Get("Location"))
}

func TestServeCGI(t *testing.T) {
	route := Route{
		URI:     "/cgi-bin",
		Methods: []http.Method{http.MethodGet, http.MethodPost},
		Module: Module{Kind: KindCGI, CGI: &CGI{
			Root: "/cgi/bin",
			Interpreters: []Interpreter{{
				Name: "python", Path: "/usr/bin/python3",
				Args: []string{"-u", "$file"}, Extensions: []string{".py"},
			}},
		}},
	}
	r := newRouter(t, testFs(t), route)

	var got *Script
	req := http.NewRequest(http.MethodGet, "/cgi-bin/hello.py/extra/path?x=1", "HTTP/1.1", http.NewHeaders(), nil, http.ConnInfo{})
	res := http.NewResponse(req, &sink{}, "test")
	r.Serve(req, res, func(s *Script, _ *http.Request, _ *http.Response) error {
		got = s
		return nil
	})

	require.NotNil(t, got)
	assert.False(t, res.Sent())
	assert.Equal(t, "/cgi/bin/hello.py", got.File)
	assert.Equal(t, "/cgi-bin/hello.py", got.Name)
	assert.Equal(t, "/extra/path", got.PathInfo)
	assert.Equal(t, "/cgi/bin/extra/path", got.PathTranslated)
	assert.Equal(t, []string{"-u", "/cgi/bin/hello.py"}, got.Args())
	assert.Equal(t, "python", got.Interpreter.Name)

	assert.Equal(t, 404, get(t, r, "/cgi-bin/readme.txt").StatusCode)
	assert.Equal(t, 404, get(t, r, "/cgi-bin/missing.py").StatusCode)
}
