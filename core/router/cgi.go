package router

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/searchktools/webserv/core/http"
)

// Script is a CGI program resolved from a request path.
type Script struct {
	Route       *Route
	Interpreter *Interpreter
	// File is the script location on disk.
	File string
	// Name is the URL path of the script itself.
	Name string
	// PathInfo is the URL path following the script, at least "/".
	PathInfo       string
	PathTranslated string
}

// Args returns the interpreter arguments with "$file" substituted.
func (s *Script) Args() []string {
	in := s.Interpreter
	if len(in.Args) == 0 {
		return []string{s.File}
	}
	args := make([]string, len(in.Args))
	for i, a := range in.Args {
		args[i] = strings.ReplaceAll(a, "$file", s.File)
	}
	return args
}

// ResolveScript finds the first segment of p below route whose extension
// is mapped to an interpreter.
func ResolveScript(route *Route, p string) (*Script, bool) {
	c := route.Module.CGI
	if c == nil {
		return nil, false
	}
	rel := route.Rel(p)
	segments := strings.Split(strings.TrimPrefix(rel, "/"), "/")
	for i, seg := range segments {
		ext := path.Ext(seg)
		if ext == "" {
			continue
		}
		in, ok := c.Interpreter(ext)
		if !ok {
			continue
		}
		scriptRel := "/" + strings.Join(segments[:i+1], "/")
		info := "/" + strings.Join(segments[i+1:], "/")
		base := c.PathInfo
		if base == "" {
			base = c.Root
		}
		return &Script{
			Route:          route,
			Interpreter:    in,
			File:           filepath.Join(c.Root, filepath.FromSlash(scriptRel)),
			Name:           route.base + scriptRel,
			PathInfo:       info,
			PathTranslated: filepath.Join(base, filepath.FromSlash(info)),
		}, true
	}
	return nil, false
}

func (r *Router) serveCGI(route *Route, req *http.Request, res *http.Response, run Runner) (bool, error) {
	script, ok := ResolveScript(route, req.Path())
	if !ok {
		return false, nil
	}
	info, err := r.fs.Stat(script.File)
	if err != nil || info.IsDir() {
		return false, nil
	}
	if run == nil {
		return true, r.Error(route, res, http.StatusNotImplemented)
	}
	r.log.Debug().Str("script", script.File).Str("interpreter", script.Interpreter.Name).Msg("running cgi")
	return true, run(script, req, res)
}
