package core

import (
	"errors"
	"fmt"
)

// Authentication errors
var (
	ErrInvalidCredentials = errors.New("invalid username or password") // 401 from login
	ErrRefreshRejected    = errors.New("refresh token rejected")       // 4xx from refresh
	ErrNotAuthenticated   = errors.New("not authenticated")            // 4xx from verify
	ErrLoginInProgress    = errors.New("login already in progress")
	ErrLoginCanceled      = errors.New("login canceled by logout")
	ErrSessionExpired     = errors.New("session expired")
)

// Transport errors
var (
	ErrNetwork           = errors.New("network error")
	ErrMalformedResponse = errors.New("malformed server response")
	ErrServer            = errors.New("auth server error") // 5xx
)

// Storage errors
var (
	ErrKeyNotFound = errors.New("key not found")
)

// Validation errors (client input)
var (
	ErrUsernameRequired = errors.New("username is required")
	ErrPasswordRequired = errors.New("password is required")
)

// Config errors
var (
	ErrBaseURLRequired = errors.New("auth API base URL is required")
	ErrStoreRequired   = errors.New("token store is required")
	ErrAPIRequired     = errors.New("auth API is required")
	ErrAlreadyStarted  = errors.New("session service already started")
	ErrDisposed        = errors.New("session service disposed")
)

// APIError describes a failed call to the auth backend. Detail is whatever
// the backend said and is meant for logs, not for end users.
type APIError struct {
	Op     string
	Status int
	Detail string
	Err    error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Err)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// UserMessage maps an error to the text shown to end users. Backend detail
// strings never reach it so account existence cannot be probed.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrUsernameRequired),
		errors.Is(err, ErrPasswordRequired):
		return "login failed: invalid username or password"
	case errors.Is(err, ErrNetwork):
		return "network error, try again"
	case errors.Is(err, ErrSessionExpired),
		errors.Is(err, ErrRefreshRejected):
		return "session expired"
	case errors.Is(err, ErrLoginInProgress):
		return "login already in progress"
	default:
		return "something went wrong, try again"
	}
}
