// Package authview mirrors a session into a UI-side state container and
// performs the navigation that follows session events.
package authview

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/firemarkets/fmsession/core"
)

const (
	DefaultAdminHome = "/admin"
	DefaultHome      = "/"
)

// Roles that land on the admin route after login.
var adminRoles = map[string]bool{
	"admin":       true,
	"super_admin": true,
}

// Source is the session a view observes.
type Source interface {
	State() core.SessionState
	AddEventListener(fn core.Listener) func()
	Login(ctx context.Context, creds core.Credentials) (*core.User, error)
	Logout(ctx context.Context) error
	ForceRefreshToken(ctx context.Context) error
}

// Navigator performs route changes.
type Navigator interface {
	Navigate(route string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(route string)

func (f NavigatorFunc) Navigate(route string) { f(route) }

type Routes struct {
	AdminHome string
	Home      string
}

type Option func(*View)

func WithLogger(log zerolog.Logger) Option {
	return func(v *View) { v.log = log }
}

// WithOnChange registers a hook called after every mirror update.
func WithOnChange(fn func(core.SessionState)) Option {
	return func(v *View) { v.onChange = fn }
}

// View is a read-only mirror of a session plus the actions a UI needs.
type View struct {
	source   Source
	nav      Navigator
	routes   Routes
	log      zerolog.Logger
	onChange func(core.SessionState)

	mu          sync.RWMutex
	state       core.SessionState
	unsubscribe func()
}

func New(source Source, nav Navigator, routes Routes, opts ...Option) *View {
	if routes.AdminHome == "" {
		routes.AdminHome = DefaultAdminHome
	}
	if routes.Home == "" {
		routes.Home = DefaultHome
	}
	v := &View{
		source: source,
		nav:    nav,
		routes: routes,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.log = v.log.With().Str("component", "authview").Logger()
	return v
}

// Mount copies the current session state and starts following events.
// Mounting a mounted view is a no-op.
func (v *View) Mount() {
	v.mu.Lock()
	if v.unsubscribe != nil {
		v.mu.Unlock()
		return
	}
	v.state = v.source.State()
	v.mu.Unlock()

	unsubscribe := v.source.AddEventListener(v.handle)

	v.mu.Lock()
	v.unsubscribe = unsubscribe
	v.mu.Unlock()

	v.sync()
}

// Unmount stops following events. It is safe to call repeatedly.
func (v *View) Unmount() {
	v.mu.Lock()
	unsubscribe := v.unsubscribe
	v.unsubscribe = nil
	v.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (v *View) Mounted() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.unsubscribe != nil
}

func (v *View) handle(e core.Event) {
	v.sync()

	switch e.Type {
	case core.EventLogin:
		route := v.routes.Home
		if e.User != nil && adminRoles[e.User.Role] {
			route = v.routes.AdminHome
		}
		v.navigate(route, e.Type)
	case core.EventLogout, core.EventSessionExpired:
		v.navigate(v.routes.Home, e.Type)
	}
}

// sync pulls the session state into the mirror.
func (v *View) sync() {
	state := v.source.State()

	v.mu.Lock()
	v.state = state
	v.mu.Unlock()

	if v.onChange != nil {
		v.onChange(state.Clone())
	}
}

func (v *View) navigate(route string, cause core.EventType) {
	if v.nav == nil {
		return
	}
	v.log.Debug().Str("route", route).Str("event", string(cause)).Msg("redirect")
	v.nav.Navigate(route)
}

// State returns a copy of the mirrored session state.
func (v *View) State() core.SessionState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state.Clone()
}

func (v *View) IsAuthenticated() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state.IsAuthenticated
}

func (v *View) User() *core.User {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state.User.Clone()
}

func (v *View) IsLoading() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state.IsLoading
}

func (v *View) Error() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state.Error
}

// IsAdmin reports whether the user has an admin role.
func (v *View) IsAdmin() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state.User != nil && adminRoles[v.state.User.Role]
}

// HasPermission looks up key in the user's permissions. Absent keys and
// anonymous sessions report false.
func (v *View) HasPermission(key string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.state.User == nil {
		return false
	}
	return v.state.User.Permissions[key]
}

func (v *View) Login(ctx context.Context, creds core.Credentials) (*core.User, error) {
	return v.source.Login(ctx, creds)
}

func (v *View) Logout(ctx context.Context) error {
	return v.source.Logout(ctx)
}

func (v *View) RefreshToken(ctx context.Context) error {
	return v.source.ForceRefreshToken(ctx)
}
