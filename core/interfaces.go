package core

import (
	"context"
)

// Ports define interfaces for external dependencies

// ============================================
// STORAGE PORT (durable client-side medium)
// ============================================

// KeyValueStore is the medium a token store persists into. Get returns
// ErrKeyNotFound when the key is absent; Delete of a missing key is not an
// error.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// KeyValueStats are simple counters for storage behavior.
// These are intended for diagnostics and monitoring.
type KeyValueStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Deletes int64 `json:"deletes"`
	Size    int   `json:"size"`
}

// KeyValueStoreWithStats extends KeyValueStore with statistics tracking
type KeyValueStoreWithStats interface {
	KeyValueStore
	Stats() KeyValueStats
}

// ============================================
// AUTH API PORT (backend auth endpoints)
// ============================================

// AuthAPI is the backend authentication contract consumed by the session
// service. Failures are *APIError values wrapping the sentinel errors.
type AuthAPI interface {
	Login(ctx context.Context, creds Credentials) (*Grant, error)
	Refresh(ctx context.Context, refreshToken string) (*Grant, error)
	Logout(ctx context.Context, accessToken string) error
	Verify(ctx context.Context, accessToken string) (*User, error)
}
