package http

import nethttp "net/http"

const (
	StatusContinue                    = nethttp.StatusContinue
	StatusCreated                     = nethttp.StatusCreated
	StatusOK                          = nethttp.StatusOK
	StatusNoContent                   = nethttp.StatusNoContent
	StatusMovedPermanently            = nethttp.StatusMovedPermanently
	StatusFound                       = nethttp.StatusFound
	StatusNotModified                 = nethttp.StatusNotModified
	StatusTemporaryRedirect           = nethttp.StatusTemporaryRedirect
	StatusBadRequest                  = nethttp.StatusBadRequest
	StatusForbidden                   = nethttp.StatusForbidden
	StatusConflict                    = nethttp.StatusConflict
	StatusNotFound                    = nethttp.StatusNotFound
	StatusMethodNotAllowed            = nethttp.StatusMethodNotAllowed
	StatusRequestTimeout              = nethttp.StatusRequestTimeout
	StatusLengthRequired              = nethttp.StatusLengthRequired
	StatusRequestEntityTooLarge       = nethttp.StatusRequestEntityTooLarge
	StatusRequestURITooLong           = nethttp.StatusRequestURITooLong
	StatusExpectationFailed           = nethttp.StatusExpectationFailed
	StatusRequestHeaderFieldsTooLarge = nethttp.StatusRequestHeaderFieldsTooLarge
	StatusInternalServerError         = nethttp.StatusInternalServerError
	StatusNotImplemented              = nethttp.StatusNotImplemented
	StatusBadGateway                  = nethttp.StatusBadGateway
	StatusServiceUnavailable          = nethttp.StatusServiceUnavailable
	StatusGatewayTimeout              = nethttp.StatusGatewayTimeout
	StatusHTTPVersionNotSupported     = nethttp.StatusHTTPVersionNotSupported
)

// StatusText returns the reason phrase for code, or "Unknown" when the code
// has none.
func StatusText(code int) string {
	if s := nethttp.StatusText(code); s != "" {
		return s
	}
	return "Unknown"
}

// TimeFormat is the layout of the Date header.
const TimeFormat = nethttp.TimeFormat
