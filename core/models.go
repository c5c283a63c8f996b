package core

import (
	"encoding/json"
	"time"
)

// TokenRecord is the access/refresh token pair held by a client session.
//
// ExpiresAt is derived from the issuing response's lifetime at the moment of
// issuance and is never changed on its own.
type TokenRecord struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// NewTokenRecord builds the record for a freshly issued grant. ExpiresAt is
// kept at millisecond precision, the resolution it is persisted with.
func NewTokenRecord(grant *Grant, issuedAt time.Time) TokenRecord {
	return TokenRecord{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    issuedAt.Add(grant.ExpiresIn).Truncate(time.Millisecond),
	}
}

// IsExpired reports whether the access token is past its lifetime.
func (r TokenRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// IsExpiringSoon reports whether the access token expires within threshold.
func (r TokenRecord) IsExpiringSoon(now time.Time, threshold time.Duration) bool {
	return r.ExpiresAt.Sub(now) <= threshold
}

// Equal compares two records field by field.
func (r TokenRecord) Equal(o TokenRecord) bool {
	return r.AccessToken == o.AccessToken &&
		r.RefreshToken == o.RefreshToken &&
		r.ExpiresAt.Equal(o.ExpiresAt)
}

// Valid reports whether the record carries the fields a session needs.
func (r TokenRecord) Valid() bool {
	return r.AccessToken != "" && !r.ExpiresAt.IsZero()
}

type tokenRecordJSON struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"` // epoch millis
}

func (r TokenRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(tokenRecordJSON{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    r.ExpiresAt.UnixMilli(),
	})
}

func (r *TokenRecord) UnmarshalJSON(data []byte) error {
	var raw tokenRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.AccessToken = raw.AccessToken
	r.RefreshToken = raw.RefreshToken
	r.ExpiresAt = time.Time{}
	if raw.ExpiresAt > 0 {
		r.ExpiresAt = time.UnixMilli(raw.ExpiresAt)
	}
	return nil
}

// User is the profile of the authenticated account.
type User struct {
	ID          string          `json:"id"`
	Username    string          `json:"username"`
	Role        string          `json:"role"`
	Permissions map[string]bool `json:"permissions"`
}

// Clone returns a deep copy so callers cannot mutate session-owned data.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	if u.Permissions != nil {
		out.Permissions = make(map[string]bool, len(u.Permissions))
		for k, v := range u.Permissions {
			out.Permissions[k] = v
		}
	}
	return &out
}

// Credentials are what a user submits to log in.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Grant is a validated token issuance returned by the auth backend.
// User is only set by login.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	User         *User
}

// SessionState is the read-only view of a client session.
//
// IsAuthenticated is always equal to User != nil.
type SessionState struct {
	IsAuthenticated bool      `json:"isAuthenticated"`
	User            *User     `json:"user"`
	IsLoading       bool      `json:"isLoading"`
	Error           string    `json:"error,omitempty"`
	LastActivity    time.Time `json:"lastActivity"`
}

// Clone returns a deep copy of the state.
func (s SessionState) Clone() SessionState {
	s.User = s.User.Clone()
	return s
}
