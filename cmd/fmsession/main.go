// Command fmsession logs in to the FireMarkets auth API and keeps the
// session alive from the terminal.
//
//	fmsession login -u USER [-p PASS]
//	fmsession status | refresh | logout
//	fmsession watch
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/firemarkets/fmsession/config"
	"github.com/firemarkets/fmsession/pkg/logger"
	"github.com/firemarkets/fmsession/pkg/tracing"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	_ = godotenv.Load()

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", args[0], usage)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	log := logger.Setup(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdown, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.TracingEndpoint,
		ServiceName: "fmsession",
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
	} else {
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Error().Err(err).Msg("tracer shutdown error")
			}
		}()
	}

	env := &environment{
		cfg:    cfg,
		log:    log,
		out:    os.Stdout,
		getenv: os.Getenv,
	}
	if err := cmd(ctx, env, args[1:]); err != nil {
		log.Error().Err(err).Str("command", args[0]).Msg("command failed")
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
