// Package router maps request paths to the module that serves them.
package router

import (
	"fmt"
	"mime"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/searchktools/webserv/core/http"
)

// Runner starts script for req. The response is completed once the script
// exits, so the runner must not send it.
type Runner func(script *Script, req *http.Request, res *http.Response) error

// Router holds the routes of one server.
type Router struct {
	fs     afero.Fs
	log    zerolog.Logger
	routes []*Route
	tree   *node
	globs  []*Route
}

// New compiles routes in declaration order. Files are read through fs.
func New(fs afero.Fs, log zerolog.Logger, routes []Route) (*Router, error) {
	r := &Router{
		fs:   fs,
		log:  log,
		tree: &node{},
	}
	for i := range routes {
		route := routes[i]
		if err := route.compile(); err != nil {
			return nil, err
		}
		r.routes = append(r.routes, &route)
		if route.glob {
			r.globs = append(r.globs, &route)
		} else {
			r.tree.insert(route.base, &route)
		}
	}
	return r, nil
}

// Routes returns the compiled routes in declaration order.
func (r *Router) Routes() []*Route { return r.routes }

// Match returns every route covering p: globs in declaration order, then
// literal prefixes from longest to shortest.
func (r *Router) Match(p string) []*Route {
	var matched []*Route
	for _, route := range r.globs {
		if ok, _ := doublestar.Match(route.URI, p); ok {
			matched = append(matched, route)
		}
	}
	return append(matched, r.tree.match(p)...)
}

// Check reports how a request would be refused before its body is read:
// 404 without any route, 405 when no route accepts the method, 0 otherwise.
func (r *Router) Check(method http.Method, p string) (*Route, int) {
	candidates := r.Match(p)
	if len(candidates) == 0 {
		return nil, http.StatusNotFound
	}
	for _, route := range candidates {
		if route.Allows(method) {
			return route, 0
		}
	}
	return candidates[0], http.StatusMethodNotAllowed
}

// Serve answers req through the first route able to handle it. CGI routes
// hand the request to run and leave res unsent.
func (r *Router) Serve(req *http.Request, res *http.Response, run Runner) {
	candidates := r.Match(req.Path())
	var refused *Route
	for _, route := range candidates {
		if !route.Allows(req.Method()) {
			if refused == nil {
				refused = route
			}
			continue
		}
		res.SetRoute(route)
		handled, err := r.serve(route, req, res, run)
		if err != nil {
			r.log.Error().Err(err).Str("route", route.URI).Str("path", req.Path()).Msg("route failed")
			r.Error(route, res, http.StatusInternalServerError)
			return
		}
		if handled {
			return
		}
		if route.NoMatch != 0 {
			r.Error(route, res, route.NoMatch)
			return
		}
	}

	if refused != nil {
		res.SetHeader("Allow", refused.Allow())
		r.Error(refused, res, http.StatusMethodNotAllowed)
		return
	}
	var last *Route
	if len(candidates) > 0 {
		last = candidates[0]
	}
	r.Error(last, res, http.StatusNotFound)
}

func (r *Router) serve(route *Route, req *http.Request, res *http.Response, run Runner) (bool, error) {
	switch route.Module.Kind {
	case KindStatic:
		return r.serveStatic(route, req, res)
	case KindRedirect:
		return true, r.serveRedirect(route, req, res)
	case KindCGI:
		return r.serveCGI(route, req, res, run)
	}
	return false, fmt.Errorf("%w: unknown module %s", ErrInvalidRoute, route.Module.Kind)
}

// Error sends code, using the route's error page when it has one.
func (r *Router) Error(route *Route, res *http.Response, code int) error {
	if res.Sent() {
		return http.ErrAlreadySent
	}
	if route != nil {
		if page, ok := route.ErrorPages[code]; ok {
			body, err := afero.ReadFile(r.fs, page)
			if err == nil {
				res.Status(code).SetHeader("Content-Type", contentType(page))
				return res.SendBody(body)
			}
			r.log.Warn().Err(err).Int("status", code).Str("page", page).Msg("error page unreadable")
		}
	}
	return res.Error(code)
}

func contentType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
