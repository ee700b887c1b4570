package session

import (
	"context"
	"errors"
	"net/http"

	"github.com/quillcms/authgate/pkg/auth"
	"github.com/quillcms/authgate/pkg/logger"
)

// ErrRefreshFailed indicates the issuer rejected or could not complete a
// refresh grant.
var ErrRefreshFailed = errors.New("token refresh failed")

// Refresher exchanges a session's refresh token for fresh tokens. Implemented
// by the login flow controller, which owns the issuer clients.
type Refresher interface {
	Refresh(ctx context.Context, s *Session) (*Session, error)
}

// SessionContextKey stores the active session in the request context.
type SessionContextKey struct{}

// WithSession stores a session in the context.
func WithSession(ctx context.Context, s *Session) context.Context {
	if s == nil {
		return ctx
	}
	return context.WithValue(ctx, SessionContextKey{}, s)
}

// FromContext retrieves the active session, if any.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(SessionContextKey{}).(*Session)
	return s, ok
}

// Coordinator resolves the browser session cookie into an identity. An
// expired session with a refresh token is refreshed synchronously before the
// request proceeds; an expired session without one is rejected immediately,
// with no issuer round-trip, so the client knows to log in again.
//
// Requests already authenticated by an upstream middleware pass through
// untouched, as do requests carrying no session cookie.
func Coordinator(store *Store, refresher Refresher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := auth.IdentityFromContext(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}

			cookie, err := r.Cookie(CookieName)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}

			sess, err := store.Get(r.Context(), cookie.Value)
			if err != nil {
				// Stale cookie. Treat as anonymous and let the
				// authorization layer decide.
				clearCookie(w, r)
				next.ServeHTTP(w, r)
				return
			}

			if sess.Expired() {
				sess, err = renew(r.Context(), store, refresher, sess)
				if err != nil {
					store.Delete(r.Context(), cookie.Value)
					clearCookie(w, r)
					auth.WriteUnauthorized(w, auth.ErrTokenExpired)
					return
				}
			}

			identity, err := auth.NewIdentityFromClaims(sess.Profile, sess.AccessToken)
			if err != nil {
				logger.Warnw("session profile unusable", "session_id", sess.ID, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			identity.TenantID = sess.TenantID
			identity.ChannelType = sess.ChannelType

			ctx := auth.WithIdentity(r.Context(), identity)
			ctx = WithSession(ctx, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// renew refreshes an expired session and persists the result under the same
// session ID. A session with no refresh token fails without network I/O.
func renew(ctx context.Context, store *Store, refresher Refresher, sess *Session) (*Session, error) {
	if sess.RefreshToken == "" || refresher == nil {
		return nil, ErrRefreshFailed
	}

	renewed, err := refresher.Refresh(ctx, sess)
	if err != nil {
		logger.Infow("session refresh failed",
			"session_id", sess.ID,
			"tenant", sess.TenantID,
			"error", err,
		)
		return nil, err
	}

	renewed.ID = sess.ID
	if _, err := store.Put(ctx, renewed); err != nil {
		return nil, err
	}
	store.Extend(ctx, renewed.ID, renewed.RefreshLifetime)
	return renewed, nil
}

func clearCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}
