package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/firemarkets/fmsession/core"
	"github.com/firemarkets/fmsession/pkg/storage"
	"github.com/firemarkets/fmsession/tokenstore"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeAccount struct {
	password string
	user     core.User
}

// FakeAuthAPI is a scripted backend. Error fields short-circuit the matching
// call; gates block a call until closed.
type FakeAuthAPI struct {
	mu        sync.Mutex
	accounts  map[string]fakeAccount
	expiresIn time.Duration
	seq       int

	loginErr   error
	refreshErr error
	logoutErr  error
	verifyErr  error
	verifyUser *core.User

	loginGate      chan struct{}
	loginStarted   chan struct{}
	refreshGate    chan struct{}
	refreshStarted chan struct{}
	onRefresh      func()

	loginCalls   int
	refreshCalls int
	logoutCalls  int
	verifyCalls  int
	lastRefresh  string
	lastLogout   string
}

func NewFakeAuthAPI() *FakeAuthAPI {
	return &FakeAuthAPI{
		accounts: map[string]fakeAccount{
			"admin": {password: "correct", user: core.User{ID: "1", Username: "admin", Role: "admin", Permissions: map[string]bool{}}},
			"bob":   {password: "hunter2", user: core.User{ID: "2", Username: "bob", Role: "user", Permissions: map[string]bool{"charts.view": true}}},
		},
		expiresIn: time.Hour,
	}
}

func (f *FakeAuthAPI) Login(ctx context.Context, creds core.Credentials) (*core.Grant, error) {
	f.mu.Lock()
	f.loginCalls++
	started, gate := f.loginStarted, f.loginGate
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.loginErr != nil {
		return nil, f.loginErr
	}
	acct, ok := f.accounts[creds.Username]
	if !ok || acct.password != creds.Password {
		return nil, &core.APIError{Op: "login", Status: 401, Detail: "Invalid credentials", Err: core.ErrInvalidCredentials}
	}
	f.seq++
	return &core.Grant{
		AccessToken:  fmt.Sprintf("access-%d", f.seq),
		RefreshToken: fmt.Sprintf("refresh-%d", f.seq),
		ExpiresIn:    f.expiresIn,
		User:         acct.user.Clone(),
	}, nil
}

func (f *FakeAuthAPI) Refresh(ctx context.Context, refreshToken string) (*core.Grant, error) {
	f.mu.Lock()
	f.refreshCalls++
	f.lastRefresh = refreshToken
	started, gate, hook := f.refreshStarted, f.refreshGate, f.onRefresh
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	f.seq++
	return &core.Grant{
		AccessToken:  fmt.Sprintf("access-%d", f.seq),
		RefreshToken: fmt.Sprintf("refresh-%d", f.seq),
		ExpiresIn:    f.expiresIn,
	}, nil
}

func (f *FakeAuthAPI) Logout(ctx context.Context, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls++
	f.lastLogout = accessToken
	return f.logoutErr
}

func (f *FakeAuthAPI) Verify(ctx context.Context, accessToken string) (*core.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.verifyUser.Clone(), nil
}

func (f *FakeAuthAPI) calls() (login, refresh, logout, verify int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginCalls, f.refreshCalls, f.logoutCalls, f.verifyCalls
}

func (f *FakeAuthAPI) set(fn func(f *FakeAuthAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// flakyKV wraps a memory medium with injectable failures.
type flakyKV struct {
	*storage.Memory
	mu        sync.Mutex
	setErr    error
	deleteErr error
}

func (k *flakyKV) Set(ctx context.Context, key string, value []byte) error {
	k.mu.Lock()
	err := k.setErr
	k.mu.Unlock()
	if err != nil {
		return err
	}
	return k.Memory.Set(ctx, key, value)
}

func (k *flakyKV) Delete(ctx context.Context, key string) error {
	k.mu.Lock()
	err := k.deleteErr
	k.mu.Unlock()
	if err != nil {
		return err
	}
	return k.Memory.Delete(ctx, key)
}

// recorder collects events and lets tests wait for a specific one.
type recorder struct {
	mu     sync.Mutex
	events []core.Event
	ch     chan core.Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan core.Event, 64)}
}

func (r *recorder) listen(e core.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.ch <- e
}

func (r *recorder) types() []core.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) wait(t *testing.T, want core.EventType) core.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if e.Type == want {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event, got %v", want, r.types())
			return core.Event{}
		}
	}
}

type harness struct {
	svc     *SessionService
	api     *FakeAuthAPI
	kv      *flakyKV
	store   *tokenstore.Store
	clock   *clockwork.FakeClock
	metrics *Metrics
	events  *recorder
}

func newHarness(t *testing.T, cfg SessionConfig) *harness {
	t.Helper()

	clock := clockwork.NewFakeClockAt(t0)
	kv := &flakyKV{Memory: storage.NewMemory()}
	store := tokenstore.New(kv, tokenstore.Config{Namespace: "test", Clock: clock})
	api := NewFakeAuthAPI()
	metrics := NewMetrics(prometheus.NewRegistry())

	svc, err := NewSessionService(cfg, store, api, WithClock(clock), WithMetrics(metrics))
	if err != nil {
		t.Fatalf("NewSessionService() error = %v", err)
	}
	t.Cleanup(svc.Dispose)

	rec := newRecorder()
	svc.AddEventListener(rec.listen)

	return &harness{svc: svc, api: api, kv: kv, store: store, clock: clock, metrics: metrics, events: rec}
}

// persisted reads the medium through a fresh store, the way a restarted
// process would.
func (h *harness) persisted(t *testing.T) (*core.TokenRecord, *core.User) {
	t.Helper()
	fresh := tokenstore.New(h.kv, tokenstore.Config{Namespace: "test", Clock: h.clock})
	record, err := fresh.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	user, err := fresh.LoadUser(context.Background())
	if err != nil {
		t.Fatalf("LoadUser() error = %v", err)
	}
	return record, user
}

// seed writes a session into the medium as a previous run would have.
func (h *harness) seed(t *testing.T, record core.TokenRecord, user *core.User) {
	t.Helper()
	ctx := context.Background()
	if err := h.store.Save(ctx, record); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if user != nil {
		if err := h.store.SaveUser(ctx, user); err != nil {
			t.Fatalf("SaveUser() error = %v", err)
		}
	}
}

func (h *harness) login(t *testing.T) *core.User {
	t.Helper()
	user, err := h.svc.Login(context.Background(), core.Credentials{Username: "admin", Password: "correct"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	return user
}
