package router

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/searchktools/webserv/core/http"
)

// Kind names a module variant.
type Kind int

const (
	KindStatic Kind = iota + 1
	KindRedirect
	KindCGI
)

var kindNames = map[Kind]string{
	KindStatic:   "static",
	KindRedirect: "redirect",
	KindCGI:      "cgi",
}

// ParseKind returns the kind named s.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, true
		}
	}
	return 0, false
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Static serves files below Root.
type Static struct {
	Root             string
	Index            string
	DirectoryListing bool
	IgnoreHidden     bool
	// SendTo is the URL prefix advertised in Location after an upload.
	SendTo string
}

// Redirect answers every request with a redirection.
type Redirect struct {
	To        string
	Permanent bool
	// Partial appends the part of the path below the route to To.
	Partial bool
}

// Interpreter runs scripts with one of its extensions. "$file" in Args is
// replaced by the script path; empty Args pass the script as the only
// argument.
type Interpreter struct {
	Name       string
	Path       string
	Args       []string
	Extensions []string
}

// CGI runs scripts below Root through their interpreter.
type CGI struct {
	Root         string
	PathInfo     string
	Interpreters []Interpreter
}

// Interpreter returns the interpreter mapped to ext, with or without the
// leading dot.
func (c *CGI) Interpreter(ext string) (*Interpreter, bool) {
	ext = strings.TrimPrefix(ext, ".")
	for i := range c.Interpreters {
		for _, e := range c.Interpreters[i].Extensions {
			if strings.TrimPrefix(e, ".") == ext {
				return &c.Interpreters[i], true
			}
		}
	}
	return nil, false
}

// Module is a closed set of route behaviors. Exactly the field selected by
// Kind is set.
type Module struct {
	Kind     Kind
	Static   *Static
	Redirect *Redirect
	CGI      *CGI
}

// Route binds a URI prefix or glob to a module.
type Route struct {
	URI     string
	Methods []http.Method
	Module  Module
	// NoMatch is the status sent when the module cannot serve a request.
	// Zero hands the request to the next matching route.
	NoMatch    int
	ErrorPages map[int]string

	glob bool
	base string
}

var (
	ErrInvalidRoute = errors.New("router: invalid route")
)

// IsGlob reports whether URI is a glob pattern.
func (r *Route) IsGlob() bool { return r.glob }

// Base returns the literal part of URI stripped before resolving files.
func (r *Route) Base() string { return r.base }

// Allows reports whether method may be used on this route. A route without
// a method list accepts GET and HEAD; HEAD is allowed wherever GET is.
func (r *Route) Allows(m http.Method) bool {
	if len(r.Methods) == 0 {
		return m == http.MethodGet || m == http.MethodHead
	}
	for _, allowed := range r.Methods {
		if allowed == m || allowed == http.MethodGet && m == http.MethodHead {
			return true
		}
	}
	return false
}

// Allow returns the value of an Allow header for this route.
func (r *Route) Allow() string {
	methods := r.Methods
	if len(methods) == 0 {
		methods = []http.Method{http.MethodGet}
	}
	seen := make(map[http.Method]bool)
	var out []string
	add := func(m http.Method) {
		if !seen[m] {
			seen[m] = true
			out = append(out, string(m))
		}
	}
	for _, m := range methods {
		add(m)
		if m == http.MethodGet {
			add(http.MethodHead)
		}
	}
	return strings.Join(out, ", ")
}

// Rel returns the part of p below the route, always starting with '/'.
func (r *Route) Rel(p string) string {
	rel := strings.TrimPrefix(p, r.base)
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	return rel
}

func (r *Route) String() string {
	return r.Module.Kind.String() + " " + r.URI
}

// compile validates the route and derives its match form.
func (r *Route) compile() error {
	if r.URI == "" || r.URI[0] != '/' {
		return fmt.Errorf("%w: uri %q must start with '/'", ErrInvalidRoute, r.URI)
	}
	if strings.ContainsAny(r.URI, "*?[{") {
		if !doublestar.ValidatePattern(r.URI) {
			return fmt.Errorf("%w: bad glob %q", ErrInvalidRoute, r.URI)
		}
		r.glob = true
		base, _ := doublestar.SplitPattern(r.URI)
		r.base = strings.TrimSuffix(base, "/")
	} else {
		r.URI = cleanPrefix(r.URI)
		r.base = strings.TrimSuffix(r.URI, "/")
	}

	m := r.Module
	switch m.Kind {
	case KindStatic:
		if m.Static == nil || m.Static.Root == "" {
			return fmt.Errorf("%w: static route %s needs a root", ErrInvalidRoute, r.URI)
		}
		if m.Static.Index == "" {
			m.Static.Index = "index.html"
		}
	case KindRedirect:
		if m.Redirect == nil || m.Redirect.To == "" {
			return fmt.Errorf("%w: redirect route %s needs a target", ErrInvalidRoute, r.URI)
		}
	case KindCGI:
		if m.CGI == nil || m.CGI.Root == "" {
			return fmt.Errorf("%w: cgi route %s needs a root", ErrInvalidRoute, r.URI)
		}
		if len(m.CGI.Interpreters) == 0 {
			return fmt.Errorf("%w: cgi route %s needs an interpreter", ErrInvalidRoute, r.URI)
		}
		seen := make(map[string]string)
		for _, in := range m.CGI.Interpreters {
			if in.Name == "" || in.Path == "" || len(in.Extensions) == 0 {
				return fmt.Errorf("%w: cgi route %s: interpreter needs name, path and extensions", ErrInvalidRoute, r.URI)
			}
			for _, ext := range in.Extensions {
				ext = strings.TrimPrefix(ext, ".")
				if prev, dup := seen[ext]; dup {
					return fmt.Errorf("%w: cgi route %s: extension %q mapped by %s and %s", ErrInvalidRoute, r.URI, ext, prev, in.Name)
				}
				seen[ext] = in.Name
			}
		}
	default:
		return fmt.Errorf("%w: route %s has no module", ErrInvalidRoute, r.URI)
	}
	if r.NoMatch != 0 && (r.NoMatch < 100 || r.NoMatch > 599) {
		return fmt.Errorf("%w: route %s: no_match status %d", ErrInvalidRoute, r.URI, r.NoMatch)
	}
	return nil
}

func cleanPrefix(p string) string {
	c := path.Clean(p)
	if c != "/" && strings.HasSuffix(p, "/") {
		c += "/"
	}
	return c
}
