package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Error classes recorded in last_error prefixes and metrics.
const (
	ClassNetwork = "network"
	ClassStatus  = "status"
	ClassOther   = "other"
)

// NetworkError is a transport failure: no connection, DNS, timeout.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx response from the API.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("status %d: %s: %s", e.StatusCode, e.Op, msg)
}

// IsNetwork reports whether err is a transport failure.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsPermanent reports whether err is a client error that will not succeed
// on retry (4xx other than 408 and 429).
func IsPermanent(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	if se.StatusCode == http.StatusRequestTimeout || se.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return se.StatusCode >= 400 && se.StatusCode < 500
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// Class returns the error class of err.
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case IsNetwork(err):
		return ClassNetwork
	case StatusCode(err) != 0:
		return ClassStatus
	default:
		return ClassOther
	}
}
