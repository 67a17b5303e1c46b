package http

import (
	"strconv"
	"time"
)

// Sink receives serialized responses for one connection.
type Sink interface {
	// Write queues b for sending.
	Write(b []byte) (int, error)
	// MarkToClose closes the connection once everything queued is sent.
	MarkToClose()
}

// Response builds the answer to one request. The status line and headers
// may change freely until Send, which may succeed only once.
type Response struct {
	req     *Request
	sink    Sink
	route   any
	status  int
	message string
	headers Headers
	body    []byte
	sent    bool
}

var now = time.Now

// NewResponse prepares a response to req. Server, Date and Connection
// headers are set from the request.
func NewResponse(req *Request, sink Sink, serverName string) *Response {
	r := &Response{
		req:     req,
		sink:    sink,
		status:  StatusOK,
		headers: NewHeaders(),
	}
	if serverName != "" {
		r.headers.Set("Server", serverName)
	}
	r.headers.Set("Date", now().UTC().Format(TimeFormat))
	if req == nil || !req.KeepAlive() {
		r.headers.Set("Connection", "close")
	} else {
		r.headers.Set("Connection", "keep-alive")
	}
	return r
}

// Request returns the request being answered.
func (r *Response) Request() *Request { return r.req }

// SetRoute attaches the route that serves the request.
func (r *Response) SetRoute(route any) { r.route = route }

// Route returns the route set by SetRoute.
func (r *Response) Route() any { return r.route }

// Status sets the status code with its standard reason phrase.
func (r *Response) Status(code int) *Response {
	r.status = code
	r.message = ""
	return r
}

// StatusMessage sets the status code with a custom reason phrase.
func (r *Response) StatusMessage(code int, message string) *Response {
	r.status = code
	r.message = message
	return r
}

// StatusCode returns the current status code.
func (r *Response) StatusCode() int { return r.status }

// Message returns the reason phrase that will be sent.
func (r *Response) Message() string {
	if r.message != "" {
		return r.message
	}
	return StatusText(r.status)
}

// SetHeader replaces a header.
func (r *Response) SetHeader(key, value string) *Response {
	r.headers.Set(key, value)
	return r
}

// AddHeader appends to a header.
func (r *Response) AddHeader(key, value string) *Response {
	r.headers.Add(key, value)
	return r
}

// DelHeader removes a header.
func (r *Response) DelHeader(key string) *Response {
	r.headers.Del(key)
	return r
}

// Header returns a header value.
func (r *Response) Header(key string) (string, bool) { return r.headers.Get(key) }

// Headers returns the header set for direct manipulation.
func (r *Response) Headers() *Headers { return &r.headers }

// SetBody replaces the body and its Content-Length.
func (r *Response) SetBody(body []byte) *Response {
	r.body = body
	r.headers.Set("Content-Length", strconv.Itoa(len(body)))
	return r
}

// Body returns the current body.
func (r *Response) Body() []byte { return r.body }

// KeepAlive reports whether the connection stays open after this response.
func (r *Response) KeepAlive() bool {
	return !r.headers.HasToken("Connection", "close")
}

// Sent reports whether the response has been written.
func (r *Response) Sent() bool { return r.sent }

// Redirect answers with a redirection to location.
func (r *Response) Redirect(location string, permanent bool) error {
	code := StatusTemporaryRedirect
	if permanent {
		code = StatusMovedPermanently
	}
	r.Status(code).SetHeader("Location", location).SetBody(nil)
	return r.Send()
}

// Error answers with code and a short HTML page naming the status.
func (r *Response) Error(code int) error {
	r.Status(code)
	r.SetHeader("Content-Type", "text/html; charset=utf-8")
	r.SetBody(ErrorPage(code))
	return r.Send()
}

// SendBody sets the body and sends.
func (r *Response) SendBody(body []byte) error {
	r.SetBody(body)
	return r.Send()
}

// SendString sets a string body and sends.
func (r *Response) SendString(body string) error {
	return r.SendBody([]byte(body))
}

// Send serializes the response to the sink. Later calls fail with
// ErrAlreadySent. A response carrying "Connection: close" marks the
// connection to close once the bytes are flushed.
func (r *Response) Send() error {
	if r.sent {
		return ErrAlreadySent
	}
	r.sent = true
	if _, err := r.sink.Write(r.Bytes()); err != nil {
		return err
	}
	if !r.KeepAlive() {
		r.sink.MarkToClose()
	}
	return nil
}

// Bytes serializes the status line, headers and body.
func (r *Response) Bytes() []byte {
	proto := "HTTP/1.1"
	if r.req != nil && r.req.Protocol() != "" {
		proto = r.req.Protocol()
	}

	b := make([]byte, 0, 256+len(r.body))
	b = append(b, proto...)
	b = append(b, ' ')
	b = strconv.AppendInt(b, int64(r.status), 10)
	b = append(b, ' ')
	b = append(b, r.Message()...)
	b = append(b, "\r\n"...)
	if r.status < 200 {
		return append(b, "\r\n"...)
	}

	if !r.headers.Has("Content-Length") && r.status != StatusNoContent && r.status != StatusNotModified {
		r.headers.Set("Content-Length", strconv.Itoa(len(r.body)))
	}
	b = r.headers.appendTo(b)
	b = append(b, "\r\n"...)
	if r.req != nil && r.req.Method() == MethodHead {
		return b
	}
	return append(b, r.body...)
}

// Continue writes an interim "100 Continue" in the given protocol without
// marking any response as sent.
func Continue(protocol string, sink Sink) error {
	if protocol == "" {
		protocol = "HTTP/1.1"
	}
	_, err := sink.Write([]byte(protocol + " 100 " + StatusText(StatusContinue) + "\r\n\r\n"))
	return err
}

// ErrorPage returns the default body for an error status.
func ErrorPage(code int) []byte {
	title := strconv.Itoa(code) + " " + StatusText(code)
	return []byte("<!DOCTYPE html>\n<html><head><title>" + title +
		"</title></head><body><h1>" + title + "</h1></body></html>\n")
}
