package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/firemarkets/fmsession"
	"github.com/firemarkets/fmsession/config"
	"github.com/firemarkets/fmsession/core"
)

const usage = `usage: fmsession <command> [flags]

commands:
  login    -u USER [-p PASS]   log in (password also read from FMSESSION_PASSWORD)
  status                       print the persisted session
  refresh                      refresh the access token now
  logout                       end the session
  watch                        keep the session alive until interrupted`

const passwordEnv = "FMSESSION_PASSWORD"

type environment struct {
	cfg    *config.Config
	log    zerolog.Logger
	out    io.Writer
	getenv func(string) string

	// open builds the session client; tests replace it.
	open func(ctx context.Context, reg prometheus.Registerer) (*fmsession.Client, error)
}

func (e *environment) client(ctx context.Context, reg prometheus.Registerer) (*fmsession.Client, error) {
	if e.open != nil {
		return e.open(ctx, reg)
	}
	return fmsession.Open(ctx, e.cfg, e.log, reg)
}

type command func(ctx context.Context, env *environment, args []string) error

var commands = map[string]command{
	"login":   runLogin,
	"status":  runStatus,
	"refresh": runRefresh,
	"logout":  runLogout,
	"watch":   runWatch,
}

// started opens a client and restores the persisted session.
func started(ctx context.Context, env *environment, reg prometheus.Registerer) (*fmsession.Client, error) {
	client, err := env.client(ctx, reg)
	if err != nil {
		return nil, err
	}
	if err := client.Init(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func parseLogin(args []string, getenv func(string) string) (core.Credentials, error) {
	fs := pflag.NewFlagSet("login", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	username := fs.StringP("username", "u", "", "account username")
	password := fs.StringP("password", "p", "", "account password (default $"+passwordEnv+")")
	if err := fs.Parse(args); err != nil {
		return core.Credentials{}, err
	}

	creds := core.Credentials{Username: *username, Password: *password}
	if creds.Password == "" {
		creds.Password = getenv(passwordEnv)
	}
	if creds.Username == "" {
		return creds, core.ErrUsernameRequired
	}
	if creds.Password == "" {
		return creds, core.ErrPasswordRequired
	}
	return creds, nil
}

func noArgs(name string, args []string) error {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%s takes no arguments", name)
	}
	return nil
}

func runLogin(ctx context.Context, env *environment, args []string) error {
	creds, err := parseLogin(args, env.getenv)
	if err != nil {
		return err
	}
	client, err := started(ctx, env, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	user, err := client.Login(ctx, creds)
	if err != nil {
		return errors.New(core.UserMessage(err))
	}
	fmt.Fprintf(env.out, "logged in as %s (%s)\n", user.Username, user.Role)
	return nil
}

type statusReport struct {
	State        string     `json:"state"`
	User         *core.User `json:"user,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastActivity time.Time  `json:"last_activity"`
	Error        string     `json:"error,omitempty"`
}

func runStatus(ctx context.Context, env *environment, args []string) error {
	if err := noArgs("status", args); err != nil {
		return err
	}
	client, err := started(ctx, env, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	state := client.State()
	report := statusReport{
		State:        client.Lifecycle().String(),
		User:         state.User,
		LastActivity: state.LastActivity,
		Error:        state.Error,
	}
	if record, ok := client.Store.Current(); ok && state.IsAuthenticated {
		expires := record.ExpiresAt
		report.ExpiresAt = &expires
	}

	enc := json.NewEncoder(env.out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func runRefresh(ctx context.Context, env *environment, args []string) error {
	if err := noArgs("refresh", args); err != nil {
		return err
	}
	client, err := started(ctx, env, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	if !client.State().IsAuthenticated {
		return errors.New("not logged in")
	}
	if err := client.ForceRefreshToken(ctx); err != nil {
		return errors.New(core.UserMessage(err))
	}
	if !client.State().IsAuthenticated {
		return errors.New(core.UserMessage(core.ErrSessionExpired))
	}
	fmt.Fprintln(env.out, "token refreshed")
	return nil
}

func runLogout(ctx context.Context, env *environment, args []string) error {
	if err := noArgs("logout", args); err != nil {
		return err
	}
	client, err := started(ctx, env, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(env.out, "logged out")
	return nil
}

// runWatch keeps the session refreshed until ctx is canceled, logging
// every session event and view redirect.
func runWatch(ctx context.Context, env *environment, args []string) error {
	if err := noArgs("watch", args); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client, err := started(ctx, env, reg)
	if err != nil {
		return err
	}
	defer client.Close()

	unsubscribe := client.AddEventListener(func(e core.Event) {
		ev := env.log.Info().Str("event", string(e.Type)).Str("id", e.ID)
		if e.User != nil {
			ev = ev.Str("username", e.User.Username)
		}
		if e.Detail != "" {
			ev = ev.Str("detail", e.Detail)
		}
		ev.Msg("session event")
	})
	defer unsubscribe()

	view := client.NewView(fmsession.NavigatorFunc(func(route string) {
		env.log.Info().Str("route", route).Msg("redirect")
	}), fmsession.Routes{})
	view.Mount()
	defer view.Unmount()

	if env.cfg.MetricsAddr != "" {
		app := fiber.New(fiber.Config{AppName: "fmsession"})
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
		go func() {
			env.log.Info().Str("addr", env.cfg.MetricsAddr).Msg("serving metrics")
			if err := app.Listen(env.cfg.MetricsAddr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
				env.log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() { _ = app.Shutdown() }()
	}

	env.log.Info().
		Str("state", client.Lifecycle().String()).
		Bool("authenticated", view.IsAuthenticated()).
		Msg("watching session")

	<-ctx.Done()
	env.log.Info().Msg("watch stopped")
	return nil
}
