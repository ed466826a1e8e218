package tinify

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure classes callers branch on.
var (
	ErrUnauthorized    = errors.New("credentials are invalid")
	ErrTooManyRequests = errors.New("monthly compression limit reached")
	ErrConnection      = errors.New("could not reach compression service")
)

// ErrorKind classifies a failed request.
type ErrorKind int

const (
	KindAccount ErrorKind = iota // key or quota problem (401, 429)
	KindClient                   // bad request or unsupported input (other 4xx)
	KindServer                   // 5xx
	KindConnection
)

// String returns the string representation of the ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindAccount:
		return "account"
	case KindClient:
		return "client"
	case KindServer:
		return "server"
	case KindConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// Error is returned for every request the service did not complete.
type Error struct {
	Kind    ErrorKind
	Status  int
	Type    string // error type from the response body, e.g. "Unauthorized"
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("tinify %s error: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("tinify %s error (HTTP %d %s): %s", e.Kind, e.Status, e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// retryable reports whether repeating the request could succeed.
func (e *Error) retryable() bool {
	return e.Kind == KindServer || e.Kind == KindConnection
}

func errorForStatus(status int, typ, message string) *Error {
	e := &Error{Status: status, Type: typ, Message: message}
	switch {
	case status == 401:
		e.Kind = KindAccount
		e.Err = ErrUnauthorized
	case status == 429:
		e.Kind = KindAccount
		e.Err = ErrTooManyRequests
	case status >= 400 && status < 500:
		e.Kind = KindClient
	default:
		e.Kind = KindServer
	}
	if e.Message == "" {
		e.Message = "unexpected response"
	}
	return e
}
