package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/firemarkets/fmsession/core"
	"github.com/firemarkets/fmsession/tokenstore"
)

const (
	DefaultCheckInterval = 45 * time.Second
	DefaultThreshold     = 60 * time.Second
)

type SessionConfig struct {
	// CheckInterval is how often the background loop looks at the token.
	CheckInterval time.Duration

	// Threshold is how close to expiry a token may get before it is
	// refreshed.
	Threshold time.Duration

	// VerifyOnInit re-reads the user profile from the backend when a
	// persisted session is restored.
	VerifyOnInit bool
}

type Option func(*SessionService)

func WithLogger(log zerolog.Logger) Option {
	return func(s *SessionService) { s.log = log }
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *SessionService) { s.clock = clock }
}

func WithMetrics(m *Metrics) Option {
	return func(s *SessionService) { s.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *SessionService) { s.tracer = t }
}

// SessionService owns the authentication state of one client. It performs
// login, logout and token refresh against the backend, keeps the token
// store in sync and notifies listeners of every transition.
type SessionService struct {
	cfg     SessionConfig
	store   *tokenstore.Store
	api     core.AuthAPI
	clock   clockwork.Clock
	log     zerolog.Logger
	metrics *Metrics
	tracer  trace.Tracer

	events  *broadcaster
	refresh singleflight.Group

	mu        sync.RWMutex
	lifecycle core.State
	state     core.SessionState
	loggingIn bool
	// epoch changes whenever a session is replaced or dropped. Refresh
	// results from an older epoch are discarded.
	epoch uint64
	// logouts counts Logout calls. A login that straddles one is dropped.
	logouts uint64

	started     bool
	disposed    bool
	cancel      context.CancelFunc
	done        chan struct{}
	disposeOnce sync.Once
}

func NewSessionService(cfg SessionConfig, store *tokenstore.Store, api core.AuthAPI, opts ...Option) (*SessionService, error) {
	if store == nil {
		return nil, core.ErrStoreRequired
	}
	if api == nil {
		return nil, core.ErrAPIRequired
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}

	s := &SessionService{
		cfg:   cfg,
		store: store,
		api:   api,
		clock: clockwork.NewRealClock(),
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("github.com/firemarkets/fmsession/services")
	}
	s.log = s.log.With().Str("component", "session").Logger()
	s.events = newBroadcaster(s.log)
	s.state.LastActivity = s.clock.Now()

	return s, nil
}

// Init restores a persisted session and starts the background refresh
// loop. An expired session with a refresh token gets one silent refresh.
func (s *SessionService) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return core.ErrDisposed
	}
	if s.started {
		s.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if err := s.restore(ctx); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	ticker := s.clock.NewTicker(s.cfg.CheckInterval)
	done := make(chan struct{})

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		cancel()
		ticker.Stop()
		return core.ErrDisposed
	}
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.run(loopCtx, ticker, done)

	s.log.Debug().
		Dur("interval", s.cfg.CheckInterval).
		Dur("threshold", s.cfg.Threshold).
		Str("state", s.Lifecycle().String()).
		Msg("session service started")
	return nil
}

func (s *SessionService) restore(ctx context.Context) error {
	record, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}

	user, err := s.store.LoadUser(ctx)
	if err != nil {
		return err
	}
	if user == nil {
		s.log.Warn().Msg("token record without user profile, clearing")
		return s.store.Clear(ctx)
	}

	s.mu.Lock()
	s.epoch++
	s.setLifecycle(core.StateAuthenticated)
	s.state.User = user
	s.state.IsAuthenticated = true
	s.mu.Unlock()

	if record.IsExpired(s.clock.Now()) {
		if record.RefreshToken == "" {
			s.log.Info().Msg("restored session expired without refresh token")
			s.mu.Lock()
			s.resetLocked("")
			err := s.store.Clear(ctx)
			s.mu.Unlock()
			return err
		}
		// The refresh path clears the store itself when it fails.
		if err := s.refreshToken(ctx, triggerInit); err != nil {
			s.log.Info().Err(err).Msg("restored session could not be refreshed")
			if isStorageErr(err) {
				return err
			}
			return nil
		}
	}

	if s.cfg.VerifyOnInit && s.Lifecycle().HasSession() {
		s.verify(ctx)
	}

	s.log.Info().Str("user", user.Username).Msg("session restored")
	return nil
}

// Login authenticates with the backend. On failure the state's Error holds a
// generic message and an error event is emitted; nothing is persisted.
func (s *SessionService) Login(ctx context.Context, creds core.Credentials) (*core.User, error) {
	ctx, span := s.tracer.Start(ctx, "session.login")
	defer span.End()

	s.mu.Lock()
	if s.loggingIn {
		s.mu.Unlock()
		return nil, core.ErrLoginInProgress
	}
	s.loggingIn = true
	prev := s.lifecycle
	logouts := s.logouts
	s.setLifecycle(core.StateAuthenticating)
	s.state.IsLoading = true
	s.state.Error = ""
	s.mu.Unlock()

	user, err := s.login(ctx, creds, logouts)
	if errors.Is(err, core.ErrLoginCanceled) {
		span.RecordError(err)
		s.metrics.Logins.WithLabelValues(resultFailure).Inc()
		s.log.Info().Msg("login finished after logout, grant dropped")
		return nil, err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "login failed")
		s.failLogin(prev, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("user.role", user.Role))
	s.metrics.Logins.WithLabelValues(resultSuccess).Inc()
	s.log.Info().Str("event", string(core.EventLogin)).Str("user", user.Username).Msg("logged in")
	return user.Clone(), nil
}

func (s *SessionService) login(ctx context.Context, creds core.Credentials, logouts uint64) (*core.User, error) {
	creds.Username = strings.TrimSpace(creds.Username)
	if creds.Username == "" {
		return nil, core.ErrUsernameRequired
	}
	if creds.Password == "" {
		return nil, core.ErrPasswordRequired
	}

	grant, err := s.api.Login(ctx, creds)
	if err != nil {
		return nil, err
	}
	if grant.User == nil {
		return nil, &core.APIError{Op: "login", Err: core.ErrMalformedResponse, Detail: "no user"}
	}

	now := s.clock.Now()
	record := core.NewTokenRecord(grant, now)

	s.mu.Lock()
	if s.logouts != logouts {
		s.loggingIn = false
		s.state.IsLoading = false
		s.mu.Unlock()

		if err := s.api.Logout(ctx, grant.AccessToken); err != nil {
			s.log.Warn().Err(err).Msg("backend logout of dropped grant failed")
		}
		return nil, core.ErrLoginCanceled
	}
	if err := s.store.Save(ctx, record); err != nil {
		err = s.storageFailure(ctx, err)
		s.mu.Unlock()
		return nil, err
	}
	if err := s.store.SaveUser(ctx, grant.User); err != nil {
		err = s.storageFailure(ctx, err)
		s.mu.Unlock()
		return nil, err
	}

	s.epoch++
	s.loggingIn = false
	s.setLifecycle(core.StateAuthenticated)
	s.state = core.SessionState{
		IsAuthenticated: true,
		User:            grant.User.Clone(),
		LastActivity:    now,
	}
	s.events.enqueue(core.LoginEvent(grant.User, now))
	s.mu.Unlock()

	s.events.drain()
	return grant.User, nil
}

// storageFailure drops a half-written session. Called with s.mu held.
func (s *SessionService) storageFailure(ctx context.Context, err error) error {
	if clearErr := s.store.Clear(ctx); clearErr != nil {
		s.log.Error().Err(clearErr).Msg("clear token store after failed save")
	}
	return &storageError{err: err}
}

func (s *SessionService) failLogin(prev core.State, err error) {
	result := resultFailure
	if errors.Is(err, core.ErrInvalidCredentials) {
		result = resultRejected
	}
	s.metrics.Logins.WithLabelValues(result).Inc()
	s.log.Info().Err(err).Str("event", string(core.EventError)).Msg("login failed")

	msg := core.UserMessage(err)
	now := s.clock.Now()

	s.mu.Lock()
	s.loggingIn = false
	s.state.IsLoading = false
	s.state.Error = msg
	_, held := s.store.Current()
	if prev.HasSession() && held && !isStorageErr(err) {
		s.setLifecycle(core.StateAuthenticated)
	} else {
		s.setLifecycle(core.StateAnonymous)
		s.state.User = nil
		s.state.IsAuthenticated = false
	}
	s.events.enqueue(core.ErrorEvent(msg, now))
	s.mu.Unlock()

	s.events.drain()
}

// Logout ends the session. The backend call is best effort; only failures
// of the token store are returned.
func (s *SessionService) Logout(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "session.logout")
	defer span.End()

	s.mu.Lock()
	s.epoch++
	s.logouts++
	s.state.IsLoading = true
	record, held := s.store.Current()
	s.mu.Unlock()

	if held && record.AccessToken != "" {
		if err := s.api.Logout(ctx, record.AccessToken); err != nil {
			span.RecordError(err)
			s.log.Warn().Err(err).Msg("backend logout failed")
		}
	}

	s.mu.Lock()
	err := s.store.Clear(ctx)
	s.resetLocked("")
	s.events.enqueue(core.LogoutEvent(s.clock.Now()))
	s.mu.Unlock()

	s.events.drain()
	s.metrics.Logouts.Inc()

	if err != nil {
		span.SetStatus(codes.Error, "clear token store")
		s.log.Error().Err(err).Msg("clear token store on logout")
		return err
	}
	s.log.Info().Str("event", string(core.EventLogout)).Msg("logged out")
	return nil
}

// ForceRefreshToken refreshes the access token now. It shares an in-flight
// refresh with the background loop.
func (s *SessionService) ForceRefreshToken(ctx context.Context) error {
	return s.refreshToken(ctx, triggerManual)
}

func (s *SessionService) refreshToken(ctx context.Context, trigger string) error {
	_, err, shared := s.refresh.Do("refresh", func() (any, error) {
		return nil, s.doRefresh(ctx, trigger)
	})
	if shared {
		s.log.Debug().Str("trigger", trigger).Msg("joined in-flight refresh")
	}
	return err
}

func (s *SessionService) doRefresh(ctx context.Context, trigger string) error {
	ctx, span := s.tracer.Start(ctx, "session.refresh", trace.WithAttributes(attribute.String("trigger", trigger)))
	defer span.End()

	s.mu.Lock()
	record, held := s.store.Current()
	if !s.lifecycle.HasSession() || !held {
		s.mu.Unlock()
		return core.ErrNotAuthenticated
	}
	epoch := s.epoch
	s.setLifecycle(core.StateRefreshing)
	s.mu.Unlock()

	grant, err := s.api.Refresh(ctx, record.RefreshToken)
	now := s.clock.Now()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		return s.failRefresh(ctx, trigger, epoch, record, now, err)
	}

	next := core.NewTokenRecord(grant, now)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.log.Debug().Msg("discarding refresh result for replaced session")
		return core.ErrNotAuthenticated
	}
	if err := s.store.Save(ctx, next); err != nil {
		s.setLifecycle(core.StateAuthenticated)
		s.mu.Unlock()
		s.metrics.Refreshes.WithLabelValues(trigger, resultFailure).Inc()
		return &storageError{err: err}
	}
	s.setLifecycle(core.StateAuthenticated)
	s.state.LastActivity = now
	s.state.Error = ""
	s.events.enqueue(core.TokenRefreshEvent(now))
	s.mu.Unlock()

	s.events.drain()
	s.metrics.Refreshes.WithLabelValues(trigger, resultSuccess).Inc()
	s.log.Debug().
		Str("event", string(core.EventTokenRefresh)).
		Str("trigger", trigger).
		Time("expires_at", next.ExpiresAt).
		Msg("token refreshed")
	return nil
}

// failRefresh ends the session when the backend rejected the refresh token
// or the access token is already unusable. Otherwise the session is kept so
// the next check can try again.
func (s *SessionService) failRefresh(ctx context.Context, trigger string, epoch uint64, record core.TokenRecord, now time.Time, err error) error {
	rejected := errors.Is(err, core.ErrRefreshRejected)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return err
	}

	if ctx.Err() != nil {
		s.setLifecycle(core.StateAuthenticated)
		s.mu.Unlock()
		return err
	}

	if !rejected && !record.IsExpired(now) {
		s.setLifecycle(core.StateAuthenticated)
		s.events.enqueue(core.ErrorEvent(core.UserMessage(err), now))
		s.mu.Unlock()

		s.events.drain()
		s.metrics.Refreshes.WithLabelValues(trigger, resultFailure).Inc()
		s.log.Warn().Err(err).Str("trigger", trigger).Msg("refresh failed, keeping session")
		return err
	}

	s.epoch++
	s.setLifecycle(core.StateExpired)
	s.events.enqueue(core.SessionExpiredEvent(now))
	clearErr := s.store.Clear(ctx)
	s.resetLocked(core.UserMessage(core.ErrSessionExpired))
	s.mu.Unlock()

	s.events.drain()
	s.metrics.Refreshes.WithLabelValues(trigger, resultExpired).Inc()
	s.log.Info().Err(err).Str("event", string(core.EventSessionExpired)).Str("trigger", trigger).Msg("session expired")

	if clearErr != nil {
		return &storageError{err: clearErr}
	}
	return fmt.Errorf("%w: %w", core.ErrSessionExpired, err)
}

// verify re-reads the user profile. A rejected token goes through the
// refresh path; other failures keep the cached profile.
func (s *SessionService) verify(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "session.verify")
	defer span.End()

	token, ok := s.AccessToken()
	if !ok {
		return
	}

	user, err := s.api.Verify(ctx, token)
	switch {
	case err == nil:
		s.mu.Lock()
		if err := s.store.SaveUser(ctx, user); err != nil {
			s.log.Warn().Err(err).Msg("save verified user profile")
		}
		if s.lifecycle.HasSession() {
			s.state.User = user.Clone()
		}
		s.mu.Unlock()
	case errors.Is(err, core.ErrNotAuthenticated):
		span.RecordError(err)
		if err := s.refreshToken(ctx, triggerVerify); err != nil {
			s.log.Info().Err(err).Msg("refresh after failed verify")
		}
	default:
		span.RecordError(err)
		s.log.Warn().Err(err).Msg("verify failed, keeping cached profile")
	}
}

func (s *SessionService) run(ctx context.Context, ticker clockwork.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.check(ctx)
		}
	}
}

func (s *SessionService) check(ctx context.Context) {
	if s.Lifecycle() != core.StateAuthenticated {
		return
	}
	if !s.store.IsExpiringSoon(s.cfg.Threshold) {
		return
	}
	if err := s.refreshToken(ctx, triggerScheduled); err != nil {
		s.log.Debug().Err(err).Msg("scheduled refresh failed")
	}
}

// AddEventListener registers fn for every subsequent event. The returned
// function unsubscribes and may be called any number of times.
func (s *SessionService) AddEventListener(fn core.Listener) func() {
	return s.events.subscribe(fn)
}

// ListenerCount reports the number of registered listeners.
func (s *SessionService) ListenerCount() int {
	return s.events.count()
}

// State returns a copy of the current session state.
func (s *SessionService) State() core.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

func (s *SessionService) Lifecycle() core.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lifecycle
}

// AccessToken returns the bearer token while a session is held.
func (s *SessionService) AccessToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.lifecycle.HasSession() {
		return "", false
	}
	record, ok := s.store.Current()
	if !ok {
		return "", false
	}
	return record.AccessToken, true
}

// Touch records user activity.
func (s *SessionService) Touch() {
	now := s.clock.Now()
	s.mu.Lock()
	s.state.LastActivity = now
	s.mu.Unlock()
}

// Dispose stops the background loop and waits for it to exit. A disposed
// service cannot be started again.
func (s *SessionService) Dispose() {
	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()

	s.disposeOnce.Do(func() {
		s.mu.Lock()
		cancel, done := s.cancel, s.done
		s.mu.Unlock()

		if cancel == nil {
			return
		}
		cancel()
		<-done
		s.log.Debug().Msg("session service stopped")
	})
}

// resetLocked drops the in-memory session. Called with s.mu held.
func (s *SessionService) resetLocked(errMsg string) {
	s.setLifecycle(core.StateAnonymous)
	s.state = core.SessionState{
		Error:        errMsg,
		LastActivity: s.state.LastActivity,
	}
}

// setLifecycle is called with s.mu held.
func (s *SessionService) setLifecycle(next core.State) {
	if s.lifecycle != next {
		s.log.Debug().Str("state", next.String()).Str("from", s.lifecycle.String()).Msg("state change")
	}
	s.lifecycle = next
	if next.HasSession() {
		s.metrics.Authenticated.Set(1)
	} else {
		s.metrics.Authenticated.Set(0)
	}
}

type storageError struct {
	err error
}

func (e *storageError) Error() string { return "token storage: " + e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

func isStorageErr(err error) bool {
	var se *storageError
	return errors.As(err, &se)
}
