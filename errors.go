package partnermsg

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failed request.
type ErrorKind string

const (
	KindNetwork            ErrorKind = "network"
	KindAuth               ErrorKind = "auth"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindNotFound           ErrorKind = "not_found"
	KindServer             ErrorKind = "server"
)

// Sentinels for errors.Is. A *Error matches the sentinel of its kind.
var (
	ErrNetwork            = errors.New("network error")
	ErrAuth               = errors.New("session expired")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrNotFound           = errors.New("not found")
	ErrServer             = errors.New("server error")
)

// Pipeline and channel errors.
var (
	ErrEmptyMessage        = errors.New("message has no content and no attachments")
	ErrSendFailed          = errors.New("failed to send message")
	ErrUnresolvedReference = errors.New("could not resolve application reference")
	ErrInvalidThreadID     = errors.New("invalid thread id")
	ErrNotConnected        = errors.New("not connected")
	ErrChannelClosed       = errors.New("channel closed")
	ErrNoThreadSelected    = errors.New("no thread selected")
)

// Error is returned by Client for any failed request.
type Error struct {
	Kind   ErrorKind
	Method string
	Path   string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNetwork:
		return fmt.Sprintf("%s %s: network error: %v", e.Method, e.Path, e.Err)
	case KindAuth:
		return fmt.Sprintf("%s %s: session expired (401)", e.Method, e.Path)
	default:
		if e.Body != "" {
			return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.Status, http.StatusText(e.Status), e.Body)
		}
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrServiceUnavailable:
		return e.Kind == KindServiceUnavailable
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrServer:
		return e.Kind == KindServer
	}
	return false
}

// classifyStatus maps a non-2xx status code to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusServiceUnavailable:
		return KindServiceUnavailable
	case status == http.StatusNotFound:
		return KindNotFound
	default:
		return KindServer
	}
}

// KindOf returns the kind of err, or "" when err is not a request error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNeutral reports whether err means "nothing there right now": the
// dependent service is offline or the resource does not exist yet.
func IsNeutral(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrNotFound)
}
