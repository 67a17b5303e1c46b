package cgi

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/searchktools/webserv/core/http"
)

var (
	// ErrMalformed is returned for output that is not a CGI response.
	ErrMalformed = errors.New("cgi: malformed output")
	// ErrForbiddenHeader is returned when a script sets a header that
	// belongs to the server.
	ErrForbiddenHeader = errors.New("cgi: forbidden header")
)

// forbidden lists fields that describe the connection or framing, which
// the server controls.
var forbidden = map[string]bool{
	"Connection":          true,
	"Content-Length":      true,
	"Date":                true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Server":              true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Output is a parsed script response.
type Output struct {
	Status  int
	Message string
	Headers http.Headers
	Body    []byte
}

// Parse splits script output into status, headers and body. Header lines
// may end in LF or CRLF. A "Status" field overrides the default 200, and a
// Location without Status means 302.
func Parse(raw []byte) (*Output, error) {
	out := &Output{Status: http.StatusOK, Headers: http.NewHeaders()}
	hasStatus := false
	rest := raw
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			return nil, fmt.Errorf("%w: header section not terminated", ErrMalformed)
		}
		line := strings.TrimSuffix(string(rest[:i]), "\r")
		rest = rest[i+1:]
		if line == "" {
			break
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok || !httpguts.ValidHeaderFieldName(key) {
			return nil, fmt.Errorf("%w: bad header line %q", ErrMalformed, line)
		}
		value = strings.Trim(value, " \t")
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, fmt.Errorf("%w: bad value for %s", ErrMalformed, key)
		}
		key = http.CanonicalKey(key)
		if key == "Status" {
			code, msg, err := parseStatus(value)
			if err != nil {
				return nil, err
			}
			out.Status, out.Message, hasStatus = code, msg, true
			continue
		}
		if forbidden[key] {
			return nil, fmt.Errorf("%w: %s", ErrForbiddenHeader, key)
		}
		out.Headers.Add(key, value)
	}
	if !hasStatus && out.Headers.Has("Location") {
		out.Status = http.StatusFound
	}
	out.Body = rest
	return out, nil
}

func parseStatus(value string) (int, string, error) {
	codeStr, msg, _ := strings.Cut(value, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || len(codeStr) != 3 || code < 100 || code > 599 {
		return 0, "", fmt.Errorf("%w: bad status %q", ErrMalformed, value)
	}
	return code, strings.TrimSpace(msg), nil
}

// Apply parses raw into res without sending it.
func Apply(raw []byte, res *http.Response) error {
	out, err := Parse(raw)
	if err != nil {
		return err
	}
	if out.Message != "" {
		res.StatusMessage(out.Status, out.Message)
	} else {
		res.Status(out.Status)
	}
	out.Headers.Each(func(key, value string) {
		res.SetHeader(key, value)
	})
	res.SetBody(out.Body)
	return nil
}
