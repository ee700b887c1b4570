package flow

import (
	"net/http"
	"time"

	"github.com/quillcms/authgate/pkg/auth/session"
)

// Cookie names used by the login state machine, alongside the session cookie
// owned by the session package.
const (
	// loginInProgressCookie marks a login attempt that redirected to the
	// issuer but has not completed. Seen stale on the next /login, it
	// forces re-authentication instead of a silent issuer round-trip.
	loginInProgressCookie = "quill_login_pending"

	// loggedOutCookie is set on explicit logout to suppress automatic
	// silent re-login.
	loggedOutCookie = "quill_logged_out"

	loginInProgressTTL = 5 * time.Minute
	loggedOutTTL       = time.Minute
)

func secureCookie(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}

func setCookie(w http.ResponseWriter, r *http.Request, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secureCookie(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func clearCookie(w http.ResponseWriter, r *http.Request, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secureCookie(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func hasCookie(r *http.Request, name string) bool {
	c, err := r.Cookie(name)
	return err == nil && c.Value != ""
}

func setSessionCookie(w http.ResponseWriter, r *http.Request, sessionID string, ttl time.Duration) {
	setCookie(w, r, session.CookieName, sessionID, ttl)
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	clearCookie(w, r, session.CookieName)
}
