package core

import (
	"time"

	"github.com/segmentio/ksuid"
)

// State is the lifecycle position of a client session.
type State int

const (
	StateAnonymous State = iota
	StateAuthenticating
	StateAuthenticated
	StateRefreshing
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// HasSession reports whether a token record is held in this state.
func (s State) HasSession() bool {
	return s == StateAuthenticated || s == StateRefreshing
}

type EventType string

const (
	EventLogin          EventType = "login"
	EventLogout         EventType = "logout"
	EventSessionExpired EventType = "session_expired"
	EventTokenRefresh   EventType = "token_refresh"
	EventError          EventType = "error"
)

// Event is a session lifecycle notification. User is set for login events,
// Detail for error events.
type Event struct {
	ID     string    `json:"id"`
	Type   EventType `json:"type"`
	User   *User     `json:"user,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Listener receives session events.
type Listener func(Event)

func newEvent(t EventType, at time.Time) Event {
	return Event{ID: ksuid.New().String(), Type: t, At: at}
}

func LoginEvent(user *User, at time.Time) Event {
	e := newEvent(EventLogin, at)
	e.User = user.Clone()
	return e
}

func LogoutEvent(at time.Time) Event {
	return newEvent(EventLogout, at)
}

func SessionExpiredEvent(at time.Time) Event {
	return newEvent(EventSessionExpired, at)
}

func TokenRefreshEvent(at time.Time) Event {
	return newEvent(EventTokenRefresh, at)
}

func ErrorEvent(detail string, at time.Time) Event {
	e := newEvent(EventError, at)
	e.Detail = detail
	return e
}
