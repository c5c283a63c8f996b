// Package fmsession manages the authentication session of a FireMarkets
// client: login, persisted tokens, proactive refresh and session events.
package fmsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/firemarkets/fmsession/adapters/authview"
	"github.com/firemarkets/fmsession/adapters/httpapi"
	pgxadapter "github.com/firemarkets/fmsession/adapters/pgx"
	redisadapter "github.com/firemarkets/fmsession/adapters/redis"
	"github.com/firemarkets/fmsession/config"
	"github.com/firemarkets/fmsession/core"
	"github.com/firemarkets/fmsession/pkg/storage"
	"github.com/firemarkets/fmsession/services"
	"github.com/firemarkets/fmsession/tokenstore"
)

// interfaces
type (
	KeyValueStore = core.KeyValueStore
	AuthAPI       = core.AuthAPI
	Navigator     = authview.Navigator
)

// structs
type (
	User         = core.User
	Credentials  = core.Credentials
	TokenRecord  = core.TokenRecord
	SessionState = core.SessionState
	State        = core.State
	Event        = core.Event
	EventType    = core.EventType
	Listener     = core.Listener
	Routes       = authview.Routes
	View         = authview.View

	SessionConfig = services.SessionConfig
)

type NavigatorFunc = authview.NavigatorFunc

const (
	EventLogin          = core.EventLogin
	EventLogout         = core.EventLogout
	EventSessionExpired = core.EventSessionExpired
	EventTokenRefresh   = core.EventTokenRefresh
	EventError          = core.EventError
)

var (
	ErrInvalidCredentials = core.ErrInvalidCredentials
	ErrRefreshRejected    = core.ErrRefreshRejected
	ErrNotAuthenticated   = core.ErrNotAuthenticated
	ErrLoginInProgress    = core.ErrLoginInProgress
	ErrLoginCanceled      = core.ErrLoginCanceled
	ErrSessionExpired     = core.ErrSessionExpired
)

var (
	ErrNetwork           = core.ErrNetwork
	ErrMalformedResponse = core.ErrMalformedResponse
	ErrServer            = core.ErrServer
)

var (
	ErrUsernameRequired = core.ErrUsernameRequired
	ErrPasswordRequired = core.ErrPasswordRequired
	ErrBaseURLRequired  = core.ErrBaseURLRequired
	ErrAlreadyStarted   = core.ErrAlreadyStarted
	ErrDisposed         = core.ErrDisposed
)

var UserMessage = core.UserMessage

type Config struct {
	// BaseURL of the auth API. Ignored when API is set.
	BaseURL string
	Timeout time.Duration
	API     core.AuthAPI

	// Store is the token medium. Defaults to an in-memory store.
	Store     core.KeyValueStore
	Namespace string

	Session SessionConfig

	Clock  clockwork.Clock
	Logger *zerolog.Logger
	// Registerer receives the session metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// Client bundles a session service with the token store and API client it
// was built from.
type Client struct {
	*services.SessionService

	Store   *tokenstore.Store
	API     core.AuthAPI
	Metrics *services.Metrics

	log     zerolog.Logger
	closers []func() error
}

func New(cfg Config) (*Client, error) {
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	api := cfg.API
	if api == nil {
		client, err := httpapi.New(httpapi.Config{
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
			Logger:  &log,
		})
		if err != nil {
			return nil, err
		}
		api = client
	}

	kv := cfg.Store
	if kv == nil {
		kv = storage.NewMemory()
	}
	store := tokenstore.New(kv, tokenstore.Config{
		Namespace: cfg.Namespace,
		Clock:     clock,
		Logger:    &log,
	})

	metrics := services.NewMetrics(cfg.Registerer)
	svc, err := services.NewSessionService(cfg.Session, store, api,
		services.WithLogger(log),
		services.WithClock(clock),
		services.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}

	return &Client{
		SessionService: svc,
		Store:          store,
		API:            api,
		Metrics:        metrics,
		log:            log,
	}, nil
}

// Open builds a client from loaded settings, connecting the configured
// store driver.
func Open(ctx context.Context, settings *config.Config, log zerolog.Logger, reg prometheus.Registerer) (*Client, error) {
	kv, closer, err := OpenStore(ctx, settings)
	if err != nil {
		return nil, err
	}

	client, err := New(Config{
		BaseURL:   settings.APIBaseURL,
		Timeout:   settings.HTTPTimeout,
		Store:     kv,
		Namespace: settings.StoreNamespace,
		Session: services.SessionConfig{
			CheckInterval: settings.RefreshCheckInterval,
			Threshold:     settings.RefreshThreshold,
			VerifyOnInit:  settings.VerifyOnInit,
		},
		Logger:     &log,
		Registerer: reg,
	})
	if err != nil {
		if closer != nil {
			_ = closer()
		}
		return nil, err
	}
	if closer != nil {
		client.closers = append(client.closers, closer)
	}
	return client, nil
}

// OpenStore returns the medium selected by settings.StoreDriver and a
// function releasing its connection, if any.
func OpenStore(ctx context.Context, settings *config.Config) (core.KeyValueStore, func() error, error) {
	switch settings.StoreDriver {
	case config.DriverMemory:
		return storage.NewMemory(), nil, nil

	case config.DriverFile, "":
		dir := settings.StoreDir
		if dir == "" {
			dir = storage.DefaultDir()
		}
		return storage.NewFile(afero.NewOsFs(), dir), nil, nil

	case config.DriverRedis:
		client, err := redisadapter.Connect(ctx, settings.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return redisadapter.New(client, "", 0), client.Close, nil

	case config.DriverPostgres:
		pool, err := pgxadapter.Connect(ctx, settings.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store, err := pgxadapter.New(pool, pgxadapter.DefaultTable)
		if err == nil {
			err = store.EnsureSchema(ctx)
		}
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, func() error { pool.Close(); return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", settings.StoreDriver)
	}
}

// NewView returns an auth view over the client's session. The view still
// has to be mounted.
func (c *Client) NewView(nav Navigator, routes Routes, opts ...authview.Option) *View {
	opts = append([]authview.Option{authview.WithLogger(c.log)}, opts...)
	return authview.New(c.SessionService, nav, routes, opts...)
}

// Close stops the session service and releases the store connection.
func (c *Client) Close() error {
	c.Dispose()

	var errs []error
	for _, closer := range c.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
