// Package session holds browser login state between the OIDC callback and
// the moment the user logs out, and keeps access tokens fresh.
package session

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/quillcms/authgate/pkg/logger"
)

// CookieName is the cookie that carries the session ID.
const CookieName = "quill_session"

// Default store tuning.
const (
	DefaultCleanupInterval = 5 * time.Minute
	DefaultMaxLifetime     = 24 * time.Hour
)

// Common errors
var (
	ErrNotFound = errors.New("session not found")
)

// Session is one browser login. ExpiresAt tracks the access token's expiry;
// the session itself survives past it as long as a refresh token remains,
// up to the store's maximum lifetime.
type Session struct {
	ID          string
	TenantID    string
	ChannelType string

	IDToken      string
	AccessToken  string
	RefreshToken string
	TokenType    string

	// Profile is the verified ID token claim set, kept so requests backed
	// by this session do not re-verify on every hit.
	Profile jwt.MapClaims

	// SessionState is the issuer's session_state value, used to detect a
	// login superseded at the issuer.
	SessionState string

	ExpiresAt time.Time
	CreatedAt time.Time

	// RefreshLifetime is the issuer-reported lifetime of the refresh
	// grant, zero when the issuer did not report one. A successful
	// refresh extends the session by this much.
	RefreshLifetime time.Duration
}

// Expired reports whether the access token has expired.
func (s *Session) Expired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// clone makes a defensive copy so callers never alias stored state.
func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Profile != nil {
		c.Profile = maps.Clone(s.Profile)
	}
	return &c
}

// timedEntry wraps a session with the moment the store may discard it.
type timedEntry struct {
	value     *Session
	createdAt time.Time
	expiresAt time.Time
}

// Store is a thread-safe in-memory session store with background cleanup.
// Sessions survive access-token expiry so their refresh tokens stay usable;
// the maximum lifetime bounds how long.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*timedEntry

	cleanupInterval time.Duration
	maxLifetime     time.Duration

	// stopCleanup signals the cleanup goroutine; cleanupDone is closed
	// once it has fully stopped.
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) Option {
	return func(s *Store) {
		s.cleanupInterval = interval
	}
}

// WithMaxLifetime bounds how long a session may live without a successful
// token refresh.
func WithMaxLifetime(d time.Duration) Option {
	return func(s *Store) {
		s.maxLifetime = d
	}
}

// NewStore creates a session store and starts its cleanup goroutine.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions:        make(map[string]*timedEntry),
		cleanupInterval: DefaultCleanupInterval,
		maxLifetime:     DefaultMaxLifetime,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Close stops the cleanup goroutine and waits for it to finish.
func (s *Store) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *Store) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

func (s *Store) cleanupExpired() {
	now := time.Now()
	removed := 0

	s.mu.Lock()
	for id, entry := range s.sessions {
		if now.After(entry.expiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		logger.Debugw("cleaned up expired sessions", "count", removed)
	}
}

// Put stores a session, assigning an ID and creation time when absent.
// The stored copy is detached from the caller's value.
func (s *Store) Put(_ context.Context, session *Session) (string, error) {
	if session == nil {
		return "", errors.New("session cannot be nil")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.ID] = &timedEntry{
		value:     session.clone(),
		createdAt: session.CreatedAt,
		expiresAt: session.CreatedAt.Add(s.maxLifetime),
	}
	return session.ID, nil
}

// Get retrieves a session by ID. Sessions whose access token has expired are
// still returned so the caller can attempt a refresh; only sessions past the
// maximum lifetime are gone.
func (s *Store) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(entry.expiresAt) {
		return nil, ErrNotFound
	}

	return entry.value.clone(), nil
}

// Extend pushes a session's discard time to ttl from now, so a refreshed
// session lives as long as its new refresh grant. A non-positive ttl or an
// unknown ID is a no-op.
func (s *Store) Extend(_ context.Context, id string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.sessions[id]; ok {
		entry.expiresAt = time.Now().Add(ttl)
	}
}

// Delete removes a session. Deleting an unknown ID is not an error: logout
// must be idempotent.
func (s *Store) Delete(_ context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Len reports the number of stored sessions, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
