package http

import (
	"errors"
	"fmt"
)

// ParseError is a request the server refuses. Status is the response code
// that describes the failure.
type ParseError struct {
	Status int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("http: %d %s: %s", e.Status, StatusText(e.Status), e.Reason)
}

func parseError(status int, format string, args ...any) *ParseError {
	return &ParseError{Status: status, Reason: fmt.Sprintf(format, args...)}
}

// StatusOf returns the response status carried by err, or 500 when err is
// not a *ParseError.
func StatusOf(err error) int {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Status
	}
	return StatusInternalServerError
}

var (
	// ErrAlreadySent is returned when a response is sent twice.
	ErrAlreadySent = errors.New("http: response already sent")
	// ErrNotDone is returned when a request is built before parsing finished.
	ErrNotDone = errors.New("http: request is not complete")
)
