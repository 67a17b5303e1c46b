package http

import (
	"path"
	"strings"
)

// uriBytes is the set of bytes accepted in a request target.
var uriBytes = func() (t [256]bool) {
	for _, c := range []byte("!#$%&'()*+,-./:;<=>?@[\\]^_`{|}~") {
		t[c] = true
	}
	for c := '0'; c <= '9'; c++ {
		t[c] = true
	}
	for c := 'a'; c <= 'z'; c++ {
		t[c] = true
		t[c-'a'+'A'] = true
	}
	return t
}()

func validURIByte(c byte) bool { return uriBytes[c] }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHex(c byte) bool {
	return isDigit(c) || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

// cutQuery splits a request target into path and query, dropping any
// fragment.
func cutQuery(target string) (p, query string, found bool) {
	if i := strings.IndexByte(target, '#'); i >= 0 {
		target = target[:i]
	}
	return strings.Cut(target, "?")
}

// cleanPath resolves dot segments and keeps a trailing slash.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	c := path.Clean(p)
	if c != "/" && strings.HasSuffix(p, "/") {
		c += "/"
	}
	return c
}
