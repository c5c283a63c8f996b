// Package tokenstore persists a client session's token record and user
// profile into a key/value medium under a fixed namespace.
//
// Unreadable entries (malformed JSON, missing fields) are treated as absent:
// a corrupt medium logs out the user instead of failing the application.
// Failures of the medium itself are returned to the caller.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/firemarkets/fmsession/core"
)

const DefaultNamespace = "fmsession"

type Config struct {
	// Namespace prefixes every key. Defaults to DefaultNamespace.
	Namespace string
	Clock     clockwork.Clock
	Logger    *zerolog.Logger
}

type Store struct {
	kv        core.KeyValueStore
	namespace string
	clock     clockwork.Clock
	log       zerolog.Logger

	mu      sync.RWMutex
	current *core.TokenRecord
}

func New(kv core.KeyValueStore, cfg Config) *Store {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	return &Store{
		kv:        kv,
		namespace: cfg.Namespace,
		clock:     cfg.Clock,
		log:       log.With().Str("component", "tokenstore").Logger(),
	}
}

func (s *Store) tokensKey() string { return s.namespace + ":tokens" }
func (s *Store) userKey() string   { return s.namespace + ":user" }

// Save overwrites the persisted token record.
func (s *Store) Save(ctx context.Context, record core.TokenRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode token record: %w", err)
	}
	if err := s.kv.Set(ctx, s.tokensKey(), data); err != nil {
		return fmt.Errorf("save token record: %w", err)
	}

	s.mu.Lock()
	s.current = &record
	s.mu.Unlock()
	return nil
}

// Load returns the persisted token record, or nil when there is none or it
// cannot be decoded.
func (s *Store) Load(ctx context.Context) (*core.TokenRecord, error) {
	data, err := s.kv.Get(ctx, s.tokensKey())
	if err != nil {
		if errors.Is(err, core.ErrKeyNotFound) {
			s.setCurrent(nil)
			return nil, nil
		}
		return nil, fmt.Errorf("load token record: %w", err)
	}

	var record core.TokenRecord
	if err := json.Unmarshal(data, &record); err != nil {
		s.log.Warn().Err(err).Msg("discarding malformed token record")
		s.setCurrent(nil)
		return nil, nil
	}
	if !record.Valid() {
		s.log.Warn().Msg("discarding incomplete token record")
		s.setCurrent(nil)
		return nil, nil
	}

	s.setCurrent(&record)
	out := record
	return &out, nil
}

// Clear removes the token record and the user profile.
func (s *Store) Clear(ctx context.Context) error {
	s.setCurrent(nil)

	var errs []error
	if err := s.kv.Delete(ctx, s.tokensKey()); err != nil {
		errs = append(errs, fmt.Errorf("clear token record: %w", err))
	}
	if err := s.kv.Delete(ctx, s.userKey()); err != nil {
		errs = append(errs, fmt.Errorf("clear user profile: %w", err))
	}
	return errors.Join(errs...)
}

// SaveUser persists the profile of the authenticated user.
func (s *Store) SaveUser(ctx context.Context, user *core.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user profile: %w", err)
	}
	if err := s.kv.Set(ctx, s.userKey(), data); err != nil {
		return fmt.Errorf("save user profile: %w", err)
	}
	return nil
}

// LoadUser returns the persisted profile, or nil when absent or unreadable.
func (s *Store) LoadUser(ctx context.Context) (*core.User, error) {
	data, err := s.kv.Get(ctx, s.userKey())
	if err != nil {
		if errors.Is(err, core.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load user profile: %w", err)
	}

	var user core.User
	if err := json.Unmarshal(data, &user); err != nil || user.ID == "" {
		s.log.Warn().Err(err).Msg("discarding malformed user profile")
		return nil, nil
	}
	return &user, nil
}

// IsExpired reports whether the last saved or loaded record is expired.
// No record counts as expired.
func (s *Store) IsExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return true
	}
	return s.current.IsExpired(s.clock.Now())
}

// IsExpiringSoon reports whether the last saved or loaded record expires
// within threshold. No record counts as expiring.
func (s *Store) IsExpiringSoon(threshold time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return true
	}
	return s.current.IsExpiringSoon(s.clock.Now(), threshold)
}

// Current returns the in-memory copy of the last saved or loaded record.
func (s *Store) Current() (core.TokenRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return core.TokenRecord{}, false
	}
	return *s.current, true
}

func (s *Store) setCurrent(record *core.TokenRecord) {
	s.mu.Lock()
	s.current = record
	s.mu.Unlock()
}
