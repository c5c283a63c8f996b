// Package fiber serves the auth HTTP contract over a core.AuthAPI
// implementation on a Fiber app.
package fiber

import (
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/firemarkets/fmsession/core"
)

type Adapter struct {
	app     *fiber.App
	backend core.AuthAPI
	log     zerolog.Logger
}

func New(app *fiber.App, backend core.AuthAPI, log zerolog.Logger) *Adapter {
	return &Adapter{
		app:     app,
		backend: backend,
		log:     log.With().Str("component", "fiber").Logger(),
	}
}

// RegisterRoutes mounts the auth endpoints under basePath, for example
// /api/v1, and a health probe at /health.
func (a *Adapter) RegisterRoutes(basePath string) {
	a.app.Get("/health", a.health)

	api := a.app.Group(basePath)

	// Public routes
	api.Post("/auth/login", a.login)
	api.Post("/auth/refresh", a.refresh)

	// Bearer routes
	api.Post("/auth/logout", a.optionalAuth, a.logout)
	api.Get("/auth/verify", a.requireAuth, a.verify)
}
