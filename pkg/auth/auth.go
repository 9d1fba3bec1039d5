package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/salachat/client-go/pkg/model"
)

// ErrNoToken is returned when an operation needs a credential and none
// is stored.
var ErrNoToken = errors.New("auth: no token")

// TokenSource is the bearer credential accessor the sync core consumes.
// Token issuance and storage policy belong to the surrounding
// application; the core only reads the current token and reports
// rejections.
type TokenSource interface {
	// Token returns the current bearer token, or "" when logged out.
	Token() string

	// Authenticated reports whether a usable token is present.
	Authenticated() bool

	// Unauthorized is invoked when the backend rejects the credential
	// with a 401-equivalent. Session teardown is the owner's concern.
	Unauthorized()
}

// Claims mirrors the backend's JWT payload.
type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Identity recovers the current user from a token without verifying
// the signature. Verification is the server's job; the client only
// needs to know who it is sending as.
func Identity(token string) (model.User, error) {
	if token == "" {
		return model.User{}, ErrNoToken
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return model.User{}, err
	}
	return model.User{ID: claims.UserID, Username: claims.Username}, nil
}

// Expired reports whether the token carries an exp claim in the past.
// Tokens without an exp claim never expire client-side.
func Expired(token string, now time.Time) bool {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return true
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Before(now)
}

// MemoryStore is an in-memory TokenSource for programs that log in
// through the HTTP API. It mirrors the browser client's local storage
// of token plus user record.
type MemoryStore struct {
	mu             sync.RWMutex
	token          string
	user           model.User
	onUnauthorized func()
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SetAuth stores the credential and user returned by a login.
func (s *MemoryStore) SetAuth(token string, user model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.user = user
}

// Clear drops the stored credential.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.user = model.User{}
}

func (s *MemoryStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *MemoryStore) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != "" && !Expired(s.token, time.Now())
}

// User returns the stored user record.
func (s *MemoryStore) User() model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// OnUnauthorized registers the callback invoked when the backend
// rejects the credential.
func (s *MemoryStore) OnUnauthorized(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUnauthorized = fn
}

func (s *MemoryStore) Unauthorized() {
	s.mu.RLock()
	fn := s.onUnauthorized
	s.mu.RUnlock()
	if fn != nil {
		fn()
	}
}
