package router

import (
	"strings"

	"github.com/searchktools/webserv/core/http"
)

func (r *Router) serveRedirect(route *Route, req *http.Request, res *http.Response) error {
	rd := route.Module.Redirect
	return res.Redirect(redirectTarget(route, rd, req.Path()), rd.Permanent)
}

func redirectTarget(route *Route, rd *Redirect, p string) string {
	if !rd.Partial {
		return rd.To
	}
	rel := route.Rel(p)
	if rel == "/" {
		return rd.To
	}
	return strings.TrimSuffix(rd.To, "/") + rel
}
