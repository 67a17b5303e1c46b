/*
Package webserv is a single-threaded, non-blocking HTTP/1.1 server that serves
static files, redirects and CGI scripts.

One goroutine runs a readiness loop (epoll on Linux, kqueue on BSD/macOS) over
every listening socket, client connection and CGI pipe. Each tick waits for
readiness, moves bytes between sockets and per-connection buffers, feeds a
byte-level request parser and sweeps connections and scripts that died or
stayed idle too long. Nothing blocks: CGI scripts are fork-exec'd with
non-blocking pipes that join the same loop.

Features

  - Incremental request parsing: any split of the input yields the same request
  - Keep-alive and pipelining, with responses always in request order
  - Chunked request bodies, Expect: 100-continue, size limits (413, 414, 431)
  - Routes by path prefix or glob, each with one module: static, redirect or cgi
  - Static files with index files, directory listings, uploads and deletion
  - CGI/1.1 scripts run through configurable interpreters
  - Idle timeouts for clients (408 mid-request) and scripts (504)

Quick Start

Write a configuration:

	servers:
	  - address: 127.0.0.1
	    port: 8080
	    routes:
	      - uri: /
	        type: static
	        root: public

and run it:

	webserv --config webserv.yaml

or embed the server:

	settings, err := config.Load("webserv.yaml", "")
	if err != nil {
	    log.Fatal(err)
	}
	application, err := app.New(settings, logging.Logger)
	if err != nil {
	    log.Fatal(err)
	}
	application.Run(ctx)

Modules

  - app: HTTP application on top of the reactor (parsing, routing, CGI jobs)
  - config: YAML settings with dotenv and WEBSERV_* environment overrides
  - core: the reactor: servers, connections, processes and the tick loop
  - core/poller: readiness notification (epoll/kqueue)
  - core/http: request parser, request and response
  - core/router: routes and the static, redirect and cgi modules
  - core/cgi: CGI environment, process start and output parsing
  - core/pools: tiered byte buffer pool and GC tuning
  - core/observability: per-route request statistics
  - logging: zerolog setup
  - cmd/webserv: command line
*/
package webserv
