package devauth

import (
	"time"

	"github.com/google/uuid"

	"github.com/firemarkets/fmsession/pkg/crypto"
)

// refreshSession is a server-side refresh grant. Only the hash of the
// token handed to the client is kept.
type refreshSession struct {
	ID        string
	UserID    string
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// refreshSessions indexes refresh grants by token hash. Callers hold the
// service lock.
type refreshSessions struct {
	ttl    time.Duration
	byHash map[string]*refreshSession
}

func newRefreshSessions(ttl time.Duration) *refreshSessions {
	return &refreshSessions{ttl: ttl, byHash: make(map[string]*refreshSession)}
}

// create issues a new refresh token for userID.
func (r *refreshSessions) create(userID string, now time.Time) (string, error) {
	tok, err := crypto.NewOpaqueToken(crypto.RefreshTokenBytes)
	if err != nil {
		return "", err
	}
	r.byHash[tok.Hash] = &refreshSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: tok.Hash,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}
	return tok.Value, nil
}

// consume removes and returns the live session for token. Expired sessions
// are dropped and reported as missing.
func (r *refreshSessions) consume(token string, now time.Time) (*refreshSession, bool) {
	if token == "" {
		return nil, false
	}
	hash := crypto.HashToken(token)
	sess, ok := r.byHash[hash]
	if !ok {
		return nil, false
	}
	delete(r.byHash, hash)
	if !now.Before(sess.ExpiresAt) {
		return nil, false
	}
	return sess, true
}

// revokeUser drops every session of userID and returns how many there were.
func (r *refreshSessions) revokeUser(userID string) int {
	n := 0
	for hash, sess := range r.byHash {
		if sess.UserID == userID {
			delete(r.byHash, hash)
			n++
		}
	}
	return n
}

func (r *refreshSessions) purgeExpired(now time.Time) int {
	n := 0
	for hash, sess := range r.byHash {
		if !now.Before(sess.ExpiresAt) {
			delete(r.byHash, hash)
			n++
		}
	}
	return n
}

func (r *refreshSessions) len() int {
	return len(r.byHash)
}
