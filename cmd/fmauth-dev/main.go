// Command fmauth-dev runs an in-memory auth backend that speaks the
// FireMarkets auth API for local development.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	fiberadapter "github.com/firemarkets/fmsession/adapters/fiber"
	"github.com/firemarkets/fmsession/config"
	"github.com/firemarkets/fmsession/devauth"
	"github.com/firemarkets/fmsession/pkg/logger"
)

const (
	basePath        = "/api/v1"
	purgeInterval   = time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("load config")
	}
	log := logger.Setup(cfg.LogLevel, cfg.LogPretty)

	if err := cfg.ValidateDevAuth(); err != nil {
		log.Fatal().Err(err).Msg("invalid dev auth config")
	}

	backend, err := devauth.New(devauth.Config{
		Secret:     []byte(cfg.DevAuthSecret),
		AccessTTL:  cfg.DevAccessTTL,
		RefreshTTL: cfg.DevRefreshTTL,
		Logger:     &log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create dev auth backend")
	}

	seeds, err := devauth.ParseSeeds(cfg.DevUsers)
	if err != nil {
		log.Fatal().Err(err).Msg("parse DEV_USERS")
	}
	if len(seeds) == 0 {
		log.Warn().Msg("no users seeded (DEV_USERS is empty)")
	}
	for _, seed := range seeds {
		user, err := backend.AddUser(seed)
		if err != nil {
			log.Fatal().Err(err).Str("username", seed.Username).Msg("seed user")
		}
		log.Info().Str("username", user.Username).Str("role", user.Role).Msg("user seeded")
	}

	app := fiber.New(fiber.Config{AppName: "fmauth-dev"})
	fiberadapter.New(app, backend, log).RegisterRoutes(basePath)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go purgeLoop(ctx, backend, log)

	go func() {
		log.Info().Str("addr", cfg.DevAuthAddr).Str("base_path", basePath).Msg("starting dev auth server")
		if err := app.Listen(cfg.DevAuthAddr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
			log.Fatal().Err(err).Msg("dev auth server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	log.Info().Msg("shutdown complete")
}

// purgeLoop drops expired refresh sessions until ctx is done.
func purgeLoop(ctx context.Context, backend *devauth.Service, log zerolog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := backend.PurgeExpired(); n > 0 {
				log.Debug().Int("purged", n).Int("remaining", backend.SessionCount()).Msg("expired refresh sessions purged")
			}
		}
	}
}
