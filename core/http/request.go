package http

import (
	"net/url"
	"strconv"
)

// ConnInfo identifies the connection a request arrived on.
type ConnInfo struct {
	Fd            int
	Address       string
	Port          int
	ServerFd      int
	ServerAddress string
	ServerPort    int
}

// RemoteAddr returns "address:port" of the peer.
func (c ConnInfo) RemoteAddr() string {
	return c.Address + ":" + strconv.Itoa(c.Port)
}

// File is one part of a multipart/form-data body that carried a filename.
type File struct {
	Field       string
	Name        string
	ContentType string
	Data        []byte
}

// Request is a fully parsed request. It is not modified after construction.
type Request struct {
	id       string
	method   Method
	rawPath  string
	path     string
	rawQuery string
	query    url.Values
	protocol string
	major    int
	minor    int
	headers  Headers
	body     []byte
	files    []File
	conn     ConnInfo
}

// NewRequest builds a request outside of the parser, mostly for tests and
// synthesized error responses. target may carry a query string.
func NewRequest(method Method, target, protocol string, headers Headers, body []byte, conn ConnInfo) *Request {
	r := &Request{
		method:   method,
		protocol: protocol,
		headers:  headers.Clone(),
		body:     body,
		conn:     conn,
		major:    1,
		minor:    1,
	}
	if r.protocol == "" {
		r.protocol = "HTTP/1.1"
	}
	if r.protocol == "HTTP/1.0" {
		r.minor = 0
	}
	raw, query, _ := cutQuery(target)
	r.rawPath, r.rawQuery = raw, query
	r.path = cleanPath(raw)
	if p, err := url.PathUnescape(raw); err == nil {
		r.path = cleanPath(p)
	}
	r.query, _ = url.ParseQuery(query)
	return r
}

// WithID returns a copy of r carrying id.
func (r *Request) WithID(id string) *Request {
	c := *r
	c.id = id
	return &c
}

// ID returns the request identifier assigned by the server, if any.
func (r *Request) ID() string { return r.id }

// Method returns the request method.
func (r *Request) Method() Method { return r.method }

// Path returns the decoded, cleaned request path.
func (r *Request) Path() string { return r.path }

// RawPath returns the path exactly as received.
func (r *Request) RawPath() string { return r.rawPath }

// RawQuery returns the query string without the leading '?'.
func (r *Request) RawQuery() string { return r.rawQuery }

// Target returns the request target as received.
func (r *Request) Target() string {
	if r.rawQuery == "" {
		return r.rawPath
	}
	return r.rawPath + "?" + r.rawQuery
}

// Query returns the value of a query parameter.
func (r *Request) Query(key string) string { return r.query.Get(key) }

// QueryValues returns a copy of every query parameter.
func (r *Request) QueryValues() url.Values {
	c := make(url.Values, len(r.query))
	for k, v := range r.query {
		c[k] = append([]string(nil), v...)
	}
	return c
}

// Protocol returns the version string, e.g. "HTTP/1.1".
func (r *Request) Protocol() string { return r.protocol }

// ProtoAtLeast reports whether the version is at least major.minor.
func (r *Request) ProtoAtLeast(major, minor int) bool {
	return r.major > major || r.major == major && r.minor >= minor
}

// Header returns the value of a header field.
func (r *Request) Header(key string) (string, bool) { return r.headers.Get(key) }

// Headers returns a copy of the header fields.
func (r *Request) Headers() Headers { return r.headers.Clone() }

// Body returns the decoded body. Callers must not modify it.
func (r *Request) Body() []byte { return r.body }

// ContentLength returns the length of the decoded body.
func (r *Request) ContentLength() int { return len(r.body) }

// Files returns uploaded files from a multipart body.
func (r *Request) Files() []File { return r.files }

// Conn returns the connection details.
func (r *Request) Conn() ConnInfo { return r.conn }

// KeepAlive reports whether the client allows the connection to stay open
// after the response.
func (r *Request) KeepAlive() bool {
	if r.headers.HasToken("Connection", "close") {
		return false
	}
	if r.ProtoAtLeast(1, 1) {
		return true
	}
	return r.headers.HasToken("Connection", "keep-alive")
}
