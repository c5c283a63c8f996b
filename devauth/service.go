// Package devauth is an in-memory auth backend for local development and
// end-to-end tests. It issues HS256 access tokens and rotating opaque
// refresh tokens and implements core.AuthAPI in process.
package devauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/firemarkets/fmsession/core"
	"github.com/firemarkets/fmsession/pkg/crypto"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultIssuer     = "fmauth-dev"

	minSecretLength = 32
)

var (
	ErrSecretTooShort = fmt.Errorf("signing secret must be at least %d bytes", minSecretLength)
	ErrUserExists     = errors.New("user already exists")
)

type Config struct {
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Issuer     string
	Clock      clockwork.Clock
	Hasher     crypto.PasswordHasher
	Logger     *zerolog.Logger
}

type account struct {
	user         core.User
	passwordHash string
}

// Service holds users and refresh sessions in memory.
type Service struct {
	hasher    crypto.PasswordHasher
	tokens    *tokenIssuer
	accessTTL time.Duration
	clock     clockwork.Clock
	log       zerolog.Logger

	mu       sync.Mutex
	accounts map[string]*account // by username
	byID     map[string]*account
	sessions *refreshSessions
}

var _ core.AuthAPI = (*Service)(nil)

func New(cfg Config) (*Service, error) {
	if len(cfg.Secret) < minSecretLength {
		return nil, ErrSecretTooShort
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Hasher == nil {
		cfg.Hasher = crypto.NewArgon2()
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	return &Service{
		hasher: cfg.Hasher,
		tokens: &tokenIssuer{
			secret: cfg.Secret,
			issuer: cfg.Issuer,
			ttl:    cfg.AccessTTL,
			now:    cfg.Clock.Now,
		},
		accessTTL: cfg.AccessTTL,
		clock:     cfg.Clock,
		log:       log.With().Str("component", "devauth").Logger(),
		accounts:  make(map[string]*account),
		byID:      make(map[string]*account),
		sessions:  newRefreshSessions(cfg.RefreshTTL),
	}, nil
}

// AddUser registers a user with a hashed password.
func (s *Service) AddUser(seed Seed) (*core.User, error) {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return nil, core.ErrUsernameRequired
	}
	if seed.Password == "" {
		return nil, core.ErrPasswordRequired
	}

	hash, err := s.hasher.Hash(seed.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password for %s: %w", username, err)
	}

	perms := make(map[string]bool, len(seed.Permissions))
	for _, p := range seed.Permissions {
		perms[p] = true
	}
	role := seed.Role
	if role == "" {
		role = "user"
	}
	acct := &account{
		user: core.User{
			ID:          uuid.NewString(),
			Username:    username,
			Role:        role,
			Permissions: perms,
		},
		passwordHash: hash,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[username]; ok {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, username)
	}
	s.accounts[username] = acct
	s.byID[acct.user.ID] = acct

	s.log.Debug().Str("user", username).Str("role", role).Msg("user added")
	return acct.user.Clone(), nil
}

// Login verifies credentials and issues a token pair. Unknown users and
// wrong passwords fail the same way.
func (s *Service) Login(_ context.Context, creds core.Credentials) (*core.Grant, error) {
	username := strings.TrimSpace(creds.Username)
	if username == "" {
		return nil, core.ErrUsernameRequired
	}
	if creds.Password == "" {
		return nil, core.ErrPasswordRequired
	}

	s.mu.Lock()
	acct, ok := s.accounts[username]
	s.mu.Unlock()
	if !ok {
		return nil, core.ErrInvalidCredentials
	}

	valid, err := s.hasher.Verify(creds.Password, acct.passwordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !valid {
		return nil, core.ErrInvalidCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	grant, err := s.issueLocked(acct)
	if err != nil {
		return nil, err
	}
	grant.User = acct.user.Clone()

	s.log.Info().Str("user", username).Msg("login")
	return grant, nil
}

// Refresh rotates a refresh token. The presented token is revoked whether
// or not the exchange succeeds.
func (s *Service) Refresh(_ context.Context, refreshToken string) (*core.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions.consume(refreshToken, s.clock.Now())
	if !ok {
		return nil, core.ErrRefreshRejected
	}
	acct, ok := s.byID[sess.UserID]
	if !ok {
		return nil, core.ErrRefreshRejected
	}

	grant, err := s.issueLocked(acct)
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("user", acct.user.Username).Msg("refresh")
	return grant, nil
}

// Logout revokes every refresh session of the bearer.
func (s *Service) Logout(_ context.Context, accessToken string) error {
	claims, err := s.tokens.validate(accessToken)
	if err != nil {
		return core.ErrNotAuthenticated
	}

	s.mu.Lock()
	n := s.sessions.revokeUser(claims.Subject)
	s.mu.Unlock()

	s.log.Info().Str("user", claims.Username).Int("revoked", n).Msg("logout")
	return nil
}

// Verify returns the user an access token was issued to.
func (s *Service) Verify(_ context.Context, accessToken string) (*core.User, error) {
	claims, err := s.tokens.validate(accessToken)
	if err != nil {
		return nil, core.ErrNotAuthenticated
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.byID[claims.Subject]
	if !ok {
		return nil, core.ErrNotAuthenticated
	}
	return acct.user.Clone(), nil
}

// PurgeExpired drops refresh sessions past their lifetime.
func (s *Service) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.purgeExpired(s.clock.Now())
}

// SessionCount is the number of live refresh sessions.
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.len()
}

func (s *Service) issueLocked(acct *account) (*core.Grant, error) {
	access, err := s.tokens.issue(acct.user.ID, acct.user.Username, acct.user.Role)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := s.sessions.create(acct.user.ID, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("create refresh session: %w", err)
	}
	return &core.Grant{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    s.accessTTL,
	}, nil
}
