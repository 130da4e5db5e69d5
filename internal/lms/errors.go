package lms

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNetwork is matched (errors.Is) by every TransportError except expired sessions.
	ErrNetwork          = errors.New("network error")
	ErrTokenNotFound    = errors.New("login token not found in login page")
	ErrNotAuthenticated = errors.New("session is not authenticated")
	// ErrSessionExpired is wrapped by the TransportError of a request the lms answered with its
	// login page, the session is unusable afterwards.
	ErrSessionExpired = errors.New("session expired, redirected to the login page")
)

// TransportError is the only error shape the session lets out for failed requests, upper
// layers never see resty or net/http errors directly.
type TransportError struct {
	Op  string
	URL string
	// Status is the http status of the last response, 0 if no response was received.
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s: unexpected status %d %s", e.Op, e.URL, e.Status, http.StatusText(e.Status))
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrNetwork && !errors.Is(e.Err, ErrSessionExpired)
}
