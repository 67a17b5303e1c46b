package router

import (
	"errors"
	"fmt"
	"html"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/searchktools/webserv/core/http"
)

// resolve maps a request path below route to a file under root.
func resolve(route *Route, root, p string) string {
	return filepath.Join(root, filepath.FromSlash(route.Rel(p)))
}

func (r *Router) serveStatic(route *Route, req *http.Request, res *http.Response) (bool, error) {
	st := route.Module.Static
	file := resolve(route, st.Root, req.Path())

	switch req.Method() {
	case http.MethodGet, http.MethodHead:
		return r.staticGet(route, file, req, res)
	case http.MethodPut, http.MethodPost:
		return r.staticUpload(route, file, req, res)
	case http.MethodDelete:
		return r.staticDelete(route, file, res)
	}
	return false, nil
}

func (r *Router) staticGet(route *Route, file string, req *http.Request, res *http.Response) (bool, error) {
	st := route.Module.Static
	info, err := r.fs.Stat(file)
	if err != nil {
		return false, nil
	}
	if st.IgnoreHidden && hidden(route.Rel(req.Path())) {
		return false, nil
	}
	if !info.IsDir() {
		if !info.Mode().IsRegular() {
			return true, r.Error(route, res, http.StatusForbidden)
		}
		return true, r.sendFile(route, file, info, req, res)
	}

	index := filepath.Join(file, st.Index)
	if ii, err := r.fs.Stat(index); err == nil && ii.Mode().IsRegular() {
		return true, r.sendFile(route, index, ii, req, res)
	}
	if !st.DirectoryListing {
		return true, r.Error(route, res, http.StatusForbidden)
	}
	if !strings.HasSuffix(req.Path(), "/") {
		return true, res.Redirect(req.Path()+"/", true)
	}
	listing, err := r.listing(file, req.Path(), st.IgnoreHidden)
	if err != nil {
		return false, err
	}
	res.Status(http.StatusOK).SetHeader("Content-Type", "text/html; charset=utf-8")
	return true, res.SendBody(listing)
}

func (r *Router) sendFile(route *Route, file string, info fs.FileInfo, req *http.Request, res *http.Response) error {
	etag := weakETag(info)
	modified := info.ModTime().UTC().Format(http.TimeFormat)
	res.SetHeader("ETag", etag).SetHeader("Last-Modified", modified)

	if notModified(req, etag, info.ModTime()) {
		res.Status(http.StatusNotModified).SetBody(nil).DelHeader("Content-Length")
		return res.Send()
	}

	body, err := afero.ReadFile(r.fs, file)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return r.Error(route, res, http.StatusForbidden)
		}
		return err
	}
	res.Status(http.StatusOK).SetHeader("Content-Type", contentType(file))
	return res.SendBody(body)
}

// hidden reports whether any segment of p starts with a dot.
func hidden(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

func weakETag(info fs.FileInfo) string {
	return fmt.Sprintf(`W/"%x-%x"`, info.Size(), info.ModTime().Unix())
}

func notModified(req *http.Request, etag string, mod time.Time) bool {
	if match, ok := req.Header("If-None-Match"); ok {
		for _, tag := range strings.Split(match, ",") {
			tag = strings.TrimSpace(tag)
			if tag == "*" || tag == etag {
				return true
			}
		}
		return false
	}
	if since, ok := req.Header("If-Modified-Since"); ok {
		t, err := time.Parse(http.TimeFormat, since)
		return err == nil && !mod.Truncate(time.Second).After(t)
	}
	return false
}

// staticUpload stores the body at file. POST never replaces an existing
// file. A POST to a directory stores every multipart file inside it.
func (r *Router) staticUpload(route *Route, file string, req *http.Request, res *http.Response) (bool, error) {
	st := route.Module.Static
	info, err := r.fs.Stat(file)
	exists := err == nil

	if exists && info.IsDir() {
		if req.Method() != http.MethodPost || len(req.Files()) == 0 {
			return true, r.Error(route, res, http.StatusForbidden)
		}
		for _, f := range req.Files() {
			name := filepath.Base(filepath.FromSlash(f.Name))
			if name == "." || name == string(filepath.Separator) || strings.HasPrefix(name, ".") {
				return true, r.Error(route, res, http.StatusBadRequest)
			}
			if err := afero.WriteFile(r.fs, filepath.Join(file, name), f.Data, 0o644); err != nil {
				return false, err
			}
		}
		res.Status(http.StatusCreated)
		return true, res.SendBody(nil)
	}
	if exists && req.Method() == http.MethodPost {
		return true, r.Error(route, res, http.StatusConflict)
	}
	if parent, err := r.fs.Stat(filepath.Dir(file)); err != nil || !parent.IsDir() {
		return true, r.Error(route, res, http.StatusNotFound)
	}

	if err := afero.WriteFile(r.fs, file, req.Body(), 0o644); err != nil {
		return false, err
	}
	r.log.Debug().Str("file", file).Int("size", len(req.Body())).Msg("stored upload")

	if st.SendTo != "" {
		res.SetHeader("Location", path.Join(st.SendTo, route.Rel(req.Path())))
	}
	if exists {
		res.Status(http.StatusNoContent)
	} else {
		res.Status(http.StatusCreated)
	}
	return true, res.SendBody(nil)
}

func (r *Router) staticDelete(route *Route, file string, res *http.Response) (bool, error) {
	info, err := r.fs.Stat(file)
	if err != nil {
		return false, nil
	}
	if info.IsDir() {
		return true, r.Error(route, res, http.StatusForbidden)
	}
	if err := r.fs.Remove(file); err != nil {
		return false, err
	}
	res.Status(http.StatusNoContent)
	return true, res.SendBody(nil)
}

// listing renders an HTML index of dir.
func (r *Router) listing(dir, urlPath string, ignoreHidden bool) ([]byte, error) {
	entries, err := afero.ReadDir(r.fs, dir)
	if err != nil {
		return nil, err
	}
	title := html.EscapeString(urlPath)

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><title>Index of " + title + "</title></head><body>\n")
	b.WriteString("<h1>Index of " + title + "</h1>\n<table>\n")
	if urlPath != "/" {
		b.WriteString("<tr><td><a href=\"../\">../</a></td><td></td><td></td></tr>\n")
	}
	for _, e := range entries {
		name := e.Name()
		if ignoreHidden && strings.HasPrefix(name, ".") {
			continue
		}
		href := url.PathEscape(name)
		size := strconv.FormatInt(e.Size(), 10)
		if e.IsDir() {
			name += "/"
			href += "/"
			size = "-"
		}
		href = html.EscapeString(href)
		b.WriteString("<tr><td><a href=\"" + href + "\">" + html.EscapeString(name) + "</a></td>")
		b.WriteString("<td>" + e.ModTime().UTC().Format(time.DateTime) + "</td>")
		b.WriteString("<td>" + size + "</td></tr>\n")
	}
	b.WriteString("</table>\n</body></html>\n")
	return []byte(b.String()), nil
}
