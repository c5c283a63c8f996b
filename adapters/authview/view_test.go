package authview

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/firemarkets/fmsession/core"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeSource is a minimal session: Login and Logout flip state and emit.
type fakeSource struct {
	mu        sync.Mutex
	state     core.SessionState
	listeners map[int]core.Listener
	nextID    int
	users     map[string]*core.User
	refreshes int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		listeners: map[int]core.Listener{},
		users: map[string]*core.User{
			"admin": {ID: "1", Username: "admin", Role: "admin", Permissions: map[string]bool{}},
			"root":  {ID: "2", Username: "root", Role: "super_admin"},
			"bob":   {ID: "3", Username: "bob", Role: "user", Permissions: map[string]bool{"charts.view": true, "posts.edit": false}},
		},
	}
}

func (f *fakeSource) State() core.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Clone()
}

func (f *fakeSource) AddEventListener(fn core.Listener) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeSource) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func (f *fakeSource) emit(e core.Event) {
	f.mu.Lock()
	fns := make([]core.Listener, 0, len(f.listeners))
	for i := 0; i < f.nextID; i++ {
		if fn, ok := f.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

func (f *fakeSource) Login(_ context.Context, creds core.Credentials) (*core.User, error) {
	user, ok := f.users[creds.Username]
	if !ok || creds.Password != "correct" {
		f.mu.Lock()
		f.state.Error = core.UserMessage(core.ErrInvalidCredentials)
		f.mu.Unlock()
		f.emit(core.ErrorEvent(f.State().Error, now))
		return nil, core.ErrInvalidCredentials
	}

	f.mu.Lock()
	f.state = core.SessionState{IsAuthenticated: true, User: user.Clone(), LastActivity: now}
	f.mu.Unlock()
	f.emit(core.LoginEvent(user, now))
	return user.Clone(), nil
}

func (f *fakeSource) Logout(context.Context) error {
	f.mu.Lock()
	f.state = core.SessionState{}
	f.mu.Unlock()
	f.emit(core.LogoutEvent(now))
	return nil
}

func (f *fakeSource) ForceRefreshToken(context.Context) error {
	f.mu.Lock()
	f.refreshes++
	authed := f.state.IsAuthenticated
	f.mu.Unlock()
	if !authed {
		return core.ErrNotAuthenticated
	}
	f.emit(core.TokenRefreshEvent(now))
	return nil
}

func (f *fakeSource) expire() {
	f.mu.Lock()
	f.state = core.SessionState{Error: "session expired"}
	f.mu.Unlock()
	f.emit(core.SessionExpiredEvent(now))
}

type routeLog struct {
	mu     sync.Mutex
	routes []string
}

func (r *routeLog) Navigate(route string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
}

func (r *routeLog) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.routes) == 0 {
		return ""
	}
	return r.routes[len(r.routes)-1]
}

func (r *routeLog) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}

func mountedView(t *testing.T, src *fakeSource) (*View, *routeLog) {
	t.Helper()
	nav := &routeLog{}
	v := New(src, nav, Routes{})
	v.Mount()
	t.Cleanup(v.Unmount)
	return v, nav
}

// Requirement: mounting reads the current session so an existing login
// shows without waiting for an event.
func TestView_MountCopiesCurrentState(t *testing.T) {
	src := newFakeSource()
	src.state = core.SessionState{IsAuthenticated: true, User: src.users["bob"].Clone()}

	v, nav := mountedView(t, src)

	if !v.IsAuthenticated() {
		t.Error("IsAuthenticated() = false after mounting on a live session")
	}
	if u := v.User(); u == nil || u.Username != "bob" {
		t.Errorf("User() = %+v, want bob", u)
	}
	if nav.count() != 0 {
		t.Errorf("mount navigated to %v", nav.routes)
	}
}

// Requirement: login redirects admins to the admin landing route.
func TestView_LoginRedirectsByRole(t *testing.T) {
	tests := []struct {
		username  string
		wantRoute string
		wantAdmin bool
	}{
		{"admin", DefaultAdminHome, true},
		{"root", DefaultAdminHome, true},
		{"bob", DefaultHome, false},
	}

	for _, test := range tests {
		test := test
		t.Run(test.username, func(t *testing.T) {
			src := newFakeSource()
			v, nav := mountedView(t, src)

			user, err := v.Login(context.Background(), core.Credentials{Username: test.username, Password: "correct"})
			if err != nil {
				t.Fatalf("Login() error = %v", err)
			}

			if user.Username != test.username {
				t.Errorf("Login() user = %q", user.Username)
			}
			if !v.IsAuthenticated() {
				t.Error("IsAuthenticated() = false")
			}
			if v.IsAdmin() != test.wantAdmin {
				t.Errorf("IsAdmin() = %v, want %v", v.IsAdmin(), test.wantAdmin)
			}
			if nav.last() != test.wantRoute {
				t.Errorf("redirect = %q, want %q", nav.last(), test.wantRoute)
			}
		})
	}
}

func TestView_CustomRoutes(t *testing.T) {
	src := newFakeSource()
	nav := &routeLog{}
	v := New(src, nav, Routes{AdminHome: "/console", Home: "/markets"})
	v.Mount()
	defer v.Unmount()

	if _, err := v.Login(context.Background(), core.Credentials{Username: "admin", Password: "correct"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if nav.last() != "/console" {
		t.Errorf("redirect = %q, want /console", nav.last())
	}
	if err := v.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if nav.last() != "/markets" {
		t.Errorf("redirect = %q, want /markets", nav.last())
	}
}

func TestView_LogoutAndExpiryRedirectHome(t *testing.T) {
	t.Run("logout", func(t *testing.T) {
		src := newFakeSource()
		v, nav := mountedView(t, src)
		_, _ = v.Login(context.Background(), core.Credentials{Username: "admin", Password: "correct"})

		if err := v.Logout(context.Background()); err != nil {
			t.Fatalf("Logout() error = %v", err)
		}

		if v.IsAuthenticated() || v.User() != nil {
			t.Error("view still authenticated after logout")
		}
		if nav.last() != DefaultHome {
			t.Errorf("redirect = %q, want %q", nav.last(), DefaultHome)
		}
	})

	t.Run("session expired", func(t *testing.T) {
		src := newFakeSource()
		v, nav := mountedView(t, src)
		_, _ = v.Login(context.Background(), core.Credentials{Username: "bob", Password: "correct"})

		src.expire()

		if v.IsAuthenticated() {
			t.Error("view still authenticated after expiry")
		}
		if v.Error() != "session expired" {
			t.Errorf("Error() = %q, want session expired", v.Error())
		}
		if nav.last() != DefaultHome {
			t.Errorf("redirect = %q, want %q", nav.last(), DefaultHome)
		}
	})
}

func TestView_RefreshAndErrorDoNotNavigate(t *testing.T) {
	src := newFakeSource()
	v, nav := mountedView(t, src)
	_, _ = v.Login(context.Background(), core.Credentials{Username: "bob", Password: "correct"})
	before := nav.count()

	if err := v.RefreshToken(context.Background()); err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	_, err := v.Login(context.Background(), core.Credentials{Username: "bob", Password: "wrong"})
	if !errors.Is(err, core.ErrInvalidCredentials) {
		t.Fatalf("Login() error = %v", err)
	}

	if nav.count() != before {
		t.Errorf("navigations = %v, want none after login", nav.routes[before:])
	}
	if src.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", src.refreshes)
	}
	if v.Error() == "" {
		t.Error("Error() empty after failed login")
	}
}

func TestView_HasPermission(t *testing.T) {
	src := newFakeSource()
	v, _ := mountedView(t, src)

	if v.HasPermission("charts.view") {
		t.Error("HasPermission() = true while anonymous")
	}

	_, _ = v.Login(context.Background(), core.Credentials{Username: "bob", Password: "correct"})

	tests := []struct {
		key  string
		want bool
	}{
		{"charts.view", true},
		{"posts.edit", false},
		{"admin.users", false},
	}
	for _, test := range tests {
		if got := v.HasPermission(test.key); got != test.want {
			t.Errorf("HasPermission(%q) = %v, want %v", test.key, got, test.want)
		}
	}
}

func TestView_NilPermissionsMap(t *testing.T) {
	src := newFakeSource()
	v, _ := mountedView(t, src)
	_, _ = v.Login(context.Background(), core.Credentials{Username: "root", Password: "correct"})

	if v.HasPermission("anything") {
		t.Error("HasPermission() = true with no permissions map")
	}
}

// Requirement: unmounting releases the subscription and is idempotent.
func TestView_UnmountReleasesListener(t *testing.T) {
	src := newFakeSource()
	nav := &routeLog{}
	v := New(src, nav, Routes{})

	v.Mount()
	v.Mount()
	if got := src.listenerCount(); got != 1 {
		t.Fatalf("listeners after double mount = %d, want 1", got)
	}

	v.Unmount()
	v.Unmount()
	if got := src.listenerCount(); got != 0 {
		t.Fatalf("listeners after unmount = %d, want 0", got)
	}
	if v.Mounted() {
		t.Error("Mounted() = true after unmount")
	}

	_, _ = src.Login(context.Background(), core.Credentials{Username: "admin", Password: "correct"})
	if nav.count() != 0 {
		t.Errorf("unmounted view navigated to %v", nav.routes)
	}
}

func TestView_OnChangeHook(t *testing.T) {
	src := newFakeSource()
	var states []core.SessionState
	v := New(src, nil, Routes{}, WithOnChange(func(s core.SessionState) {
		states = append(states, s)
	}))
	v.Mount()
	defer v.Unmount()

	_, _ = v.Login(context.Background(), core.Credentials{Username: "bob", Password: "correct"})
	_ = v.Logout(context.Background())

	if len(states) != 3 {
		t.Fatalf("OnChange calls = %d, want 3 (mount, login, logout)", len(states))
	}
	if states[0].IsAuthenticated || !states[1].IsAuthenticated || states[2].IsAuthenticated {
		t.Errorf("OnChange states = %+v", states)
	}
}

func TestView_UserIsACopy(t *testing.T) {
	src := newFakeSource()
	v, _ := mountedView(t, src)
	_, _ = v.Login(context.Background(), core.Credentials{Username: "bob", Password: "correct"})

	u := v.User()
	u.Permissions["admin.users"] = true

	if v.HasPermission("admin.users") {
		t.Error("mutating User() leaked into the view")
	}
}

func TestNavigatorFunc(t *testing.T) {
	var got string
	var nav Navigator = NavigatorFunc(func(route string) { got = route })
	nav.Navigate("/x")
	if got != "/x" {
		t.Errorf("Navigate() routed to %q", got)
	}
}
