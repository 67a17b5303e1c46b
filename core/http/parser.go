package http

import (
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// State is a position of the request state machine.
type State int

const (
	StateMethod State = iota
	StateURI
	StateProtocol
	StateVersionMajor
	StateVersionMinor
	StateRequestLineEnd
	StateHeaderKey
	StateHeaderValue
	StateHeaderLineEnd
	StateHeadersEnd
	StateBody
	StateChunkSize
	StateChunkExtension
	StateChunkSizeEnd
	StateChunkData
	StateChunkDataCR
	StateChunkDataLF
	StateTrailer
	StateTrailerLine
	StateTrailerLineEnd
	StateTrailerEnd
	StateDone
)

var stateNames = [...]string{
	"method", "uri", "protocol", "version-major", "version-minor",
	"request-line-end", "header-key", "header-value", "header-line-end",
	"headers-end", "body", "chunk-size", "chunk-extension", "chunk-size-end",
	"chunk-data", "chunk-data-cr", "chunk-data-lf", "trailer", "trailer-line",
	"trailer-line-end", "trailer-end", "done",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Limits bounds the size of a request. Zero fields disable the check.
type Limits struct {
	MaxURISize    int
	MaxHeaderSize int
	MaxBodySize   int64
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxURISize:    2048,
		MaxHeaderSize: 8192,
		MaxBodySize:   1 << 20,
	}
}

const (
	maxChunkSizeDigits = 16
	maxChunkExtension  = 1024
	protocolPrefix     = "HTTP/"
)

// PendingRequest accumulates a request one byte at a time across any number
// of reads. The way the input is split never changes the outcome.
type PendingRequest struct {
	limits Limits
	conn   ConnInfo
	state  State

	token   []byte
	key     string
	started bool

	method   Method
	rawPath  string
	path     string
	rawQuery string
	major    int
	minor    int

	headers     Headers
	headerBytes int
	length      int64
	chunked     bool
	remaining   int64
	extension   int
	body        []byte

	awaiting bool
	consumed int
	err      *ParseError
	req      *Request
}

// NewPendingRequest starts parsing a request arriving on conn.
func NewPendingRequest(conn ConnInfo, limits Limits) *PendingRequest {
	return &PendingRequest{
		limits:  limits,
		conn:    conn,
		headers: NewHeaders(),
		length:  -1,
	}
}

// State returns the current parse state.
func (p *PendingRequest) State() State { return p.state }

// Done reports whether a complete request has been parsed.
func (p *PendingRequest) Done() bool { return p.state == StateDone }

// Started reports whether any part of a request line has arrived. Blank
// lines before a request do not count.
func (p *PendingRequest) Started() bool { return p.started }

// Consumed returns how many bytes Feed has accepted so far.
func (p *PendingRequest) Consumed() int { return p.consumed }

// Err returns the error that stopped parsing, if any.
func (p *PendingRequest) Err() error {
	if p.err == nil {
		return nil
	}
	return p.err
}

// Method returns the method once the request line has been read.
func (p *PendingRequest) Method() Method { return p.method }

// Path returns the cleaned path once the request line has been read.
func (p *PendingRequest) Path() string { return p.path }

// Protocol returns the version string once known, "HTTP/1.1" before that.
func (p *PendingRequest) Protocol() string {
	if p.state <= StateRequestLineEnd {
		return "HTTP/1.1"
	}
	return protocolPrefix + strconv.Itoa(p.major) + "." + strconv.Itoa(p.minor)
}

// KeepAlive reports whether the connection should stay open after the
// request, judged from the headers parsed so far.
func (p *PendingRequest) KeepAlive() bool {
	if p.headers.HasToken("Connection", "close") {
		return false
	}
	if p.major > 1 || p.major == 1 && p.minor >= 1 {
		return true
	}
	return p.headers.HasToken("Connection", "keep-alive")
}

// HeadersDone reports whether the header section is complete.
func (p *PendingRequest) HeadersDone() bool { return p.state > StateHeadersEnd }

// Header returns a header value received so far.
func (p *PendingRequest) Header(key string) (string, bool) { return p.headers.Get(key) }

// ExpectsContinue reports whether parsing is paused after the headers of a
// request that sent "Expect: 100-continue". The caller answers the client
// and then calls Continue.
func (p *PendingRequest) ExpectsContinue() bool { return p.awaiting }

// Continue resumes body parsing after an interim response.
func (p *PendingRequest) Continue() {
	p.awaiting = false
}

// Request returns the parsed request once Done.
func (p *PendingRequest) Request() (*Request, error) {
	if p.state != StateDone {
		return nil, ErrNotDone
	}
	return p.req, nil
}

// Feed consumes bytes from data and returns how many were used. It stops
// early when the request is complete, when a 100-continue hand-off is
// pending, or on the first malformed byte. Bytes past the end of the
// request belong to the next one.
func (p *PendingRequest) Feed(data []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	i := 0
	for i < len(data) && p.state != StateDone && !p.awaiting {
		switch p.state {
		case StateBody, StateChunkData:
			i += p.copyBody(data[i:])
			if p.err != nil {
				p.consumed += i
				return i, p.err
			}
			continue
		}
		if err := p.step(data[i]); err != nil {
			i++
			p.consumed += i
			p.err = err
			return i, err
		}
		i++
	}
	p.consumed += i
	return i, nil
}

func (p *PendingRequest) step(c byte) *ParseError {
	switch p.state {
	case StateMethod:
		return p.stepMethod(c)
	case StateURI:
		return p.stepURI(c)
	case StateProtocol:
		if c != protocolPrefix[len(p.token)] {
			return parseError(StatusBadRequest, "malformed protocol")
		}
		p.token = append(p.token, c)
		if len(p.token) == len(protocolPrefix) {
			p.token = p.token[:0]
			p.state = StateVersionMajor
		}
	case StateVersionMajor:
		switch {
		case isDigit(c):
			p.token = append(p.token, c)
			if len(p.token) > 1 {
				return parseError(StatusHTTPVersionNotSupported, "unsupported major version")
			}
		case c == '.' && len(p.token) == 1:
			p.major = int(p.token[0] - '0')
			if p.major != 1 {
				return parseError(StatusHTTPVersionNotSupported, "unsupported major version %d", p.major)
			}
			p.token = p.token[:0]
			p.state = StateVersionMinor
		default:
			return parseError(StatusBadRequest, "malformed version")
		}
	case StateVersionMinor:
		switch {
		case isDigit(c):
			p.token = append(p.token, c)
			if len(p.token) > 1 {
				return parseError(StatusHTTPVersionNotSupported, "unsupported minor version")
			}
		case c == '\r' && len(p.token) == 1:
			p.minor = int(p.token[0] - '0')
			p.token = p.token[:0]
			p.state = StateRequestLineEnd
		default:
			return parseError(StatusBadRequest, "malformed version")
		}
	case StateRequestLineEnd:
		if c != '\n' {
			return parseError(StatusBadRequest, "request line not terminated by CRLF")
		}
		p.state = StateHeaderKey
	case StateHeaderKey, StateHeaderValue, StateHeaderLineEnd, StateHeadersEnd:
		p.headerBytes++
		if p.limits.MaxHeaderSize > 0 && p.headerBytes > p.limits.MaxHeaderSize {
			return parseError(StatusRequestHeaderFieldsTooLarge, "header section exceeds %d bytes", p.limits.MaxHeaderSize)
		}
		return p.stepHeader(c)
	case StateChunkSize:
		return p.stepChunkSize(c)
	case StateChunkExtension:
		switch c {
		case '\r':
			p.state = StateChunkSizeEnd
		case '\n':
			return parseError(StatusBadRequest, "chunk size line not terminated by CRLF")
		default:
			p.extension++
			if p.extension > maxChunkExtension {
				return parseError(StatusBadRequest, "chunk extension too long")
			}
		}
	case StateChunkSizeEnd:
		if c != '\n' {
			return parseError(StatusBadRequest, "chunk size line not terminated by CRLF")
		}
		if p.remaining == 0 {
			p.state = StateTrailer
		} else {
			p.state = StateChunkData
		}
	case StateChunkDataCR:
		if c != '\r' {
			return parseError(StatusBadRequest, "chunk data longer than declared")
		}
		p.state = StateChunkDataLF
	case StateChunkDataLF:
		if c != '\n' {
			return parseError(StatusBadRequest, "chunk data not terminated by CRLF")
		}
		p.state = StateChunkSize
	case StateTrailer, StateTrailerLine, StateTrailerLineEnd, StateTrailerEnd:
		p.headerBytes++
		if p.limits.MaxHeaderSize > 0 && p.headerBytes > p.limits.MaxHeaderSize {
			return parseError(StatusRequestHeaderFieldsTooLarge, "trailer section exceeds %d bytes", p.limits.MaxHeaderSize)
		}
		return p.stepTrailer(c)
	}
	return nil
}

func (p *PendingRequest) stepMethod(c byte) *ParseError {
	if !p.started && (c == '\r' || c == '\n') {
		return nil
	}
	p.started = true
	if c == ' ' {
		if len(p.token) == 0 {
			return parseError(StatusBadRequest, "empty method")
		}
		m, ok := ParseMethod(string(p.token))
		if !ok {
			return parseError(StatusNotImplemented, "method %q not implemented", p.token)
		}
		p.method = m
		p.token = p.token[:0]
		p.state = StateURI
		return nil
	}
	if !httpguts.IsTokenRune(rune(c)) {
		return parseError(StatusBadRequest, "invalid byte %q in method", c)
	}
	p.token = append(p.token, c)
	if len(p.token) > maxMethodLen {
		return parseError(StatusNotImplemented, "method %q not implemented", p.token)
	}
	return nil
}

func (p *PendingRequest) stepURI(c byte) *ParseError {
	if c == ' ' {
		return p.endURI()
	}
	if !validURIByte(c) {
		return parseError(StatusBadRequest, "invalid byte %q in request target", c)
	}
	p.token = append(p.token, c)
	if p.limits.MaxURISize > 0 && len(p.token) > p.limits.MaxURISize {
		return parseError(StatusRequestURITooLong, "request target exceeds %d bytes", p.limits.MaxURISize)
	}
	return nil
}

func (p *PendingRequest) endURI() *ParseError {
	if len(p.token) == 0 {
		return parseError(StatusBadRequest, "empty request target")
	}
	if p.token[0] != '/' {
		return parseError(StatusBadRequest, "request target must be an absolute path")
	}
	raw, query, _ := cutQuery(string(p.token))
	decoded, err := url.PathUnescape(raw)
	if err != nil || strings.IndexByte(decoded, 0) >= 0 {
		return parseError(StatusBadRequest, "malformed path escape")
	}
	p.rawPath = raw
	p.rawQuery = query
	p.path = cleanPath(decoded)
	p.token = p.token[:0]
	p.state = StateProtocol
	return nil
}

func (p *PendingRequest) stepHeader(c byte) *ParseError {
	switch p.state {
	case StateHeaderKey:
		switch {
		case c == '\r' && len(p.token) == 0:
			p.state = StateHeadersEnd
		case c == ':':
			if len(p.token) == 0 {
				return parseError(StatusBadRequest, "empty header name")
			}
			p.key = CanonicalKey(string(p.token))
			p.token = p.token[:0]
			p.state = StateHeaderValue
		case httpguts.IsTokenRune(rune(c)):
			p.token = append(p.token, c)
		default:
			return parseError(StatusBadRequest, "invalid byte %q in header name", c)
		}
	case StateHeaderValue:
		switch {
		case c == '\r':
			value := strings.TrimRight(string(p.token), " \t")
			if !httpguts.ValidHeaderFieldValue(value) {
				return parseError(StatusBadRequest, "invalid value for header %s", p.key)
			}
			p.token = p.token[:0]
			p.state = StateHeaderLineEnd
			return p.addHeader(p.key, value)
		case c == '\n':
			return parseError(StatusBadRequest, "header line not terminated by CRLF")
		case len(p.token) == 0 && (c == ' ' || c == '\t'):
		default:
			p.token = append(p.token, c)
		}
	case StateHeaderLineEnd:
		if c != '\n' {
			return parseError(StatusBadRequest, "header line not terminated by CRLF")
		}
		p.state = StateHeaderKey
	case StateHeadersEnd:
		if c != '\n' {
			return parseError(StatusBadRequest, "header section not terminated by CRLF")
		}
		return p.endHeaders()
	}
	return nil
}

func (p *PendingRequest) addHeader(key, value string) *ParseError {
	if key == "Content-Length" {
		if value == "" || strings.TrimLeft(value, "0123456789") != "" {
			return parseError(StatusBadRequest, "invalid Content-Length %q", value)
		}
		if prev, ok := p.headers.Get(key); ok && prev != value {
			return parseError(StatusBadRequest, "conflicting Content-Length values")
		}
		p.headers.Set(key, value)
		return nil
	}
	p.headers.Add(key, value)
	return nil
}

func (p *PendingRequest) endHeaders() *ParseError {
	if te, ok := p.headers.Get("Transfer-Encoding"); ok {
		if !strings.EqualFold(strings.TrimSpace(te), "chunked") {
			return parseError(StatusNotImplemented, "unsupported transfer encoding %q", te)
		}
		p.chunked = true
		p.headers.Del("Content-Length")
	} else if cl, ok := p.headers.Get("Content-Length"); ok {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil {
			return parseError(StatusBadRequest, "invalid Content-Length %q", cl)
		}
		if p.limits.MaxBodySize > 0 && n > p.limits.MaxBodySize {
			return parseError(StatusRequestEntityTooLarge, "body of %d bytes exceeds %d", n, p.limits.MaxBodySize)
		}
		p.length = n
	} else if !p.method.Bodyless() {
		return parseError(StatusLengthRequired, "%s without Content-Length", p.method)
	}

	if expect, ok := p.headers.Get("Expect"); ok {
		if !strings.EqualFold(strings.TrimSpace(expect), "100-continue") {
			return parseError(StatusExpectationFailed, "unsupported expectation %q", expect)
		}
		if p.minor >= 1 && (p.chunked || p.length > 0) {
			p.awaiting = true
		}
	}

	switch {
	case p.chunked:
		p.state = StateChunkSize
	case p.length > 0:
		p.remaining = p.length
		p.body = make([]byte, 0, min(p.length, 64<<10))
		p.state = StateBody
	default:
		return p.finish()
	}
	return nil
}

func (p *PendingRequest) stepChunkSize(c byte) *ParseError {
	switch {
	case isHex(c):
		p.token = append(p.token, c)
		if len(p.token) > maxChunkSizeDigits {
			return parseError(StatusBadRequest, "chunk size too long")
		}
		return nil
	case c == ';' || c == '\r':
		if len(p.token) == 0 {
			return parseError(StatusBadRequest, "missing chunk size")
		}
		size, err := strconv.ParseInt(string(p.token), 16, 64)
		if err != nil || size < 0 {
			return parseError(StatusBadRequest, "invalid chunk size %q", p.token)
		}
		if p.limits.MaxBodySize > 0 && int64(len(p.body))+size > p.limits.MaxBodySize {
			return parseError(StatusRequestEntityTooLarge, "chunked body exceeds %d bytes", p.limits.MaxBodySize)
		}
		p.remaining = size
		p.token = p.token[:0]
		p.extension = 0
		if c == ';' {
			p.state = StateChunkExtension
		} else {
			p.state = StateChunkSizeEnd
		}
		return nil
	}
	return parseError(StatusBadRequest, "invalid byte %q in chunk size", c)
}

func (p *PendingRequest) stepTrailer(c byte) *ParseError {
	switch p.state {
	case StateTrailer:
		switch c {
		case '\r':
			p.state = StateTrailerEnd
		case '\n':
			return parseError(StatusBadRequest, "trailer not terminated by CRLF")
		default:
			p.state = StateTrailerLine
		}
	case StateTrailerLine:
		switch c {
		case '\r':
			p.state = StateTrailerLineEnd
		case '\n':
			return parseError(StatusBadRequest, "trailer not terminated by CRLF")
		}
	case StateTrailerLineEnd:
		if c != '\n' {
			return parseError(StatusBadRequest, "trailer not terminated by CRLF")
		}
		p.state = StateTrailer
	case StateTrailerEnd:
		if c != '\n' {
			return parseError(StatusBadRequest, "trailer not terminated by CRLF")
		}
		p.headers.Del("Transfer-Encoding")
		p.headers.Set("Content-Length", strconv.Itoa(len(p.body)))
		return p.finish()
	}
	return nil
}

// copyBody moves up to the remaining body or chunk bytes from data.
func (p *PendingRequest) copyBody(data []byte) int {
	n := int(min(int64(len(data)), p.remaining))
	p.body = append(p.body, data[:n]...)
	p.remaining -= int64(n)
	if p.remaining > 0 {
		return n
	}
	if p.state == StateChunkData {
		p.state = StateChunkDataCR
		return n
	}
	if err := p.finish(); err != nil {
		p.err = err
	}
	return n
}

func (p *PendingRequest) finish() *ParseError {
	query, err := url.ParseQuery(p.rawQuery)
	if err != nil {
		return parseError(StatusBadRequest, "malformed query string")
	}
	files, err := parseFiles(p.headers.Value("Content-Type"), p.body)
	if err != nil {
		return parseError(StatusBadRequest, "malformed multipart body: %v", err)
	}
	p.req = &Request{
		method:   p.method,
		rawPath:  p.rawPath,
		path:     p.path,
		rawQuery: p.rawQuery,
		query:    query,
		protocol: p.Protocol(),
		major:    p.major,
		minor:    p.minor,
		headers:  p.headers,
		body:     p.body,
		files:    files,
		conn:     p.conn,
	}
	p.state = StateDone
	return nil
}
