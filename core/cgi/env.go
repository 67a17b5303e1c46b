// Package cgi starts CGI/1.1 scripts and turns their output into responses.
package cgi

import (
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/searchktools/webserv/core/http"
	"github.com/searchktools/webserv/core/router"
)

// Env builds the environment for script serving req. software names the
// server in SERVER_SOFTWARE.
func Env(script *router.Script, req *http.Request, software string) []string {
	conn := req.Conn()
	vars := map[string]string{
		"GATEWAY_INTERFACE": "CGI/1.1",
		"REQUEST_METHOD":    string(req.Method()),
		"QUERY_STRING":      req.RawQuery(),
		"REQUEST_URI":       req.Target(),
		"PATH_INFO":         script.PathInfo,
		"PATH_TRANSLATED":   script.PathTranslated,
		"SCRIPT_NAME":       script.Name,
		"SCRIPT_FILENAME":   script.File,
		"REMOTE_ADDR":       conn.Address,
		"REMOTE_PORT":       strconv.Itoa(conn.Port),
		"SERVER_NAME":       serverName(req),
		"SERVER_PORT":       strconv.Itoa(conn.ServerPort),
		"SERVER_PROTOCOL":   req.Protocol(),
		"SERVER_SOFTWARE":   software,
		"REDIRECT_STATUS":   "200",
	}
	if path, ok := os.LookupEnv("PATH"); ok {
		vars["PATH"] = path
	}
	if ct, ok := req.Header("Content-Type"); ok {
		vars["CONTENT_TYPE"] = ct
	}
	if n := len(req.Body()); n > 0 {
		vars["CONTENT_LENGTH"] = strconv.Itoa(n)
	}

	headers := req.Headers()
	headers.Each(func(key, value string) {
		switch key {
		case "Content-Type", "Content-Length", "Proxy":
			return
		}
		vars["HTTP_"+strings.ToUpper(strings.ReplaceAll(key, "-", "_"))] = value
	})

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// serverName prefers the Host header over the bound address.
func serverName(req *http.Request) string {
	if host, ok := req.Header("Host"); ok && host != "" {
		if h, _, err := net.SplitHostPort(host); err == nil {
			return h
		}
		return host
	}
	return req.Conn().ServerAddress
}
