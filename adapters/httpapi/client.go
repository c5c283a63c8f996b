// Package httpapi implements core.AuthAPI against the backend's REST auth
// endpoints.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3/client"
	"github.com/rs/zerolog"

	"github.com/firemarkets/fmsession/core"
)

const (
	LoginPath   = "/auth/login"
	RefreshPath = "/auth/refresh"
	LogoutPath  = "/auth/logout"
	VerifyPath  = "/auth/verify"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultExpiresIn = time.Hour
)

type Config struct {
	// BaseURL is the API root the auth paths are appended to, for example
	// https://api.example.com/api/v1.
	BaseURL string

	// Timeout bounds a single request. Default 10s.
	Timeout time.Duration

	// DefaultExpiresIn applies when a token response omits expires_in.
	// Default 1h.
	DefaultExpiresIn time.Duration

	Logger *zerolog.Logger
}

// Client talks to the backend auth endpoints.
type Client struct {
	http             *client.Client
	defaultExpiresIn time.Duration
	log              zerolog.Logger
}

var _ core.AuthAPI = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, core.ErrBaseURLRequired
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("base URL %q: scheme must be http or https", cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DefaultExpiresIn <= 0 {
		cfg.DefaultExpiresIn = DefaultExpiresIn
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "httpapi").Logger()
	}

	hc := client.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &Client{
		http:             hc,
		defaultExpiresIn: cfg.DefaultExpiresIn,
		log:              log,
	}, nil
}

// Login exchanges credentials for a grant carrying the user profile.
func (c *Client) Login(ctx context.Context, creds core.Credentials) (*core.Grant, error) {
	const op = "login"

	status, body, err := c.do(ctx, http.MethodPost, LoginPath, "", creds)
	if err != nil {
		return nil, &core.APIError{Op: op, Err: fmt.Errorf("%w: %v", core.ErrNetwork, err)}
	}
	if !isSuccess(status) {
		return nil, c.statusError(op, status, body, loginStatusErr(status))
	}

	grant, err := parseGrant(body, true, c.defaultExpiresIn)
	if err != nil {
		return nil, c.malformed(op, status, err)
	}
	return grant, nil
}

// Refresh exchanges a refresh token for a new grant. When the backend does
// not rotate refresh tokens the old one is carried over.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*core.Grant, error) {
	const op = "refresh"

	if refreshToken == "" {
		return nil, &core.APIError{Op: op, Err: core.ErrRefreshRejected, Detail: "no refresh token"}
	}

	payload := map[string]string{"refresh_token": refreshToken}
	status, body, err := c.do(ctx, http.MethodPost, RefreshPath, "", payload)
	if err != nil {
		return nil, &core.APIError{Op: op, Err: fmt.Errorf("%w: %v", core.ErrNetwork, err)}
	}
	if !isSuccess(status) {
		return nil, c.statusError(op, status, body, rejectionStatusErr(status, core.ErrRefreshRejected))
	}

	grant, err := parseGrant(body, false, c.defaultExpiresIn)
	if err != nil {
		return nil, c.malformed(op, status, err)
	}
	if grant.RefreshToken == "" {
		grant.RefreshToken = refreshToken
	}
	return grant, nil
}

// Logout revokes the session server-side. Only the status is checked.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	const op = "logout"

	status, body, err := c.do(ctx, http.MethodPost, LogoutPath, accessToken, nil)
	if err != nil {
		return &core.APIError{Op: op, Err: fmt.Errorf("%w: %v", core.ErrNetwork, err)}
	}
	if !isSuccess(status) {
		return c.statusError(op, status, body, rejectionStatusErr(status, core.ErrNotAuthenticated))
	}
	return nil
}

// Verify returns the user the access token belongs to.
func (c *Client) Verify(ctx context.Context, accessToken string) (*core.User, error) {
	const op = "verify"

	status, body, err := c.do(ctx, http.MethodGet, VerifyPath, accessToken, nil)
	if err != nil {
		return nil, &core.APIError{Op: op, Err: fmt.Errorf("%w: %v", core.ErrNetwork, err)}
	}
	if !isSuccess(status) {
		return nil, c.statusError(op, status, body, rejectionStatusErr(status, core.ErrNotAuthenticated))
	}

	user, err := parseVerify(body)
	if err != nil {
		return nil, c.malformed(op, status, err)
	}
	return user, nil
}

// do performs one request and returns a copy of the response body. A non-nil
// error means the request did not complete.
func (c *Client) do(ctx context.Context, method, path, bearer string, payload any) (int, []byte, error) {
	cfg := client.Config{
		Ctx:    ctx,
		Header: map[string]string{},
	}
	if bearer != "" {
		cfg.Header["Authorization"] = "Bearer " + bearer
	}
	if payload != nil {
		cfg.Body = payload
	}

	var (
		resp *client.Response
		err  error
	)
	switch method {
	case http.MethodGet:
		resp, err = c.http.Get(path, cfg)
	default:
		resp, err = c.http.Post(path, cfg)
	}
	if err != nil {
		c.log.Debug().Err(err).Str("path", path).Msg("request failed")
		return 0, nil, err
	}
	defer resp.Close()

	body := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), body, nil
}

func (c *Client) statusError(op string, status int, body []byte, sentinel error) error {
	apiErr := &core.APIError{
		Op:     op,
		Status: status,
		Detail: parseDetail(body),
		Err:    sentinel,
	}
	c.log.Debug().Str("op", op).Int("status", status).Str("detail", apiErr.Detail).Msg("auth backend rejected request")
	return apiErr
}

func (c *Client) malformed(op string, status int, err error) error {
	c.log.Warn().Err(err).Str("op", op).Int("status", status).Msg("malformed auth response")
	return &core.APIError{
		Op:     op,
		Status: status,
		Detail: err.Error(),
		Err:    core.ErrMalformedResponse,
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func loginStatusErr(status int) error {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity:
		return core.ErrInvalidCredentials
	default:
		return core.ErrServer
	}
}

// rejectionStatusErr maps any 4xx to the operation's rejection error.
func rejectionStatusErr(status int, rejected error) error {
	if status >= 400 && status < 500 {
		return rejected
	}
	return core.ErrServer
}
