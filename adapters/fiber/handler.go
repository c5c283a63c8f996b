package fiber

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v3"

	"github.com/firemarkets/fmsession/core"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type"`
	ExpiresIn    int64      `json:"expires_in"`
	User         *core.User `json:"user,omitempty"`
}

func newTokenResponse(g *core.Grant) tokenResponse {
	return tokenResponse{
		AccessToken:  g.AccessToken,
		RefreshToken: g.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(g.ExpiresIn.Seconds()),
		User:         g.User,
	}
}

func (a *Adapter) login(c fiber.Ctx) error {
	var input loginRequest
	if err := c.Bind().Body(&input); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid request body")
	}

	grant, err := a.backend.Login(c.Context(), core.Credentials{Username: input.Username, Password: input.Password})
	if err != nil {
		return a.handleAuthError(c, err)
	}
	return c.Status(http.StatusOK).JSON(newTokenResponse(grant))
}

func (a *Adapter) refresh(c fiber.Ctx) error {
	var input refreshRequest
	if err := c.Bind().Body(&input); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid request body")
	}
	if input.RefreshToken == "" {
		return writeError(c, http.StatusBadRequest, "refresh_token is required")
	}

	grant, err := a.backend.Refresh(c.Context(), input.RefreshToken)
	if err != nil {
		return a.handleAuthError(c, err)
	}
	return c.Status(http.StatusOK).JSON(newTokenResponse(grant))
}

// logout succeeds without a token so clients can always clear local state.
func (a *Adapter) logout(c fiber.Ctx) error {
	token := tokenFrom(c)
	if token != "" {
		if err := a.backend.Logout(c.Context(), token); err != nil {
			return a.handleAuthError(c, err)
		}
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"detail": "logged out"})
}

func (a *Adapter) verify(c fiber.Ctx) error {
	return c.Status(http.StatusOK).JSON(fiber.Map{"user": userFrom(c)})
}

func (a *Adapter) health(c fiber.Ctx) error {
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": "ok"})
}

// handleAuthError maps backend errors to a status and a {"detail"} body.
// Internal errors are logged and replaced by a generic message.
func (a *Adapter) handleAuthError(c fiber.Ctx, err error) error {
	status := mapErrorToStatus(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		a.log.Error().Err(err).Str("path", c.Path()).Msg("auth request failed")
		detail = "internal error"
	}
	return writeError(c, status, detail)
}

func writeError(c fiber.Ctx, status int, detail string) error {
	return c.Status(status).JSON(fiber.Map{"detail": detail})
}

func mapErrorToStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	case errors.Is(err, core.ErrInvalidCredentials),
		errors.Is(err, core.ErrRefreshRejected),
		errors.Is(err, core.ErrNotAuthenticated),
		errors.Is(err, core.ErrSessionExpired):
		return http.StatusUnauthorized

	case errors.Is(err, core.ErrUsernameRequired),
		errors.Is(err, core.ErrPasswordRequired):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}
