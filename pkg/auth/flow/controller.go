// Package flow implements the interactive login state machine: redirect,
// popup, and embedded-iframe login, logout with issuer end-session support,
// and refresh-token exchange.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/quillcms/authgate/pkg/auth"
	"github.com/quillcms/authgate/pkg/auth/registry"
	"github.com/quillcms/authgate/pkg/auth/session"
	"github.com/quillcms/authgate/pkg/config"
	"github.com/quillcms/authgate/pkg/logger"
	"github.com/quillcms/authgate/pkg/telemetry"
)

// Controller drives the login/logout/refresh state machine. It owns no
// issuer state of its own: all per-tenant client material comes from the
// registry, all browser state lives in the session store.
type Controller struct {
	opts     *config.Options
	registry *registry.Registry
	store    *session.Store
	metrics  *telemetry.Metrics
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics records login and refresh outcomes on the given metric set.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// NewController wires the flow endpoints to a registry and session store.
func NewController(opts *config.Options, reg *registry.Registry, store *session.Store, options ...Option) *Controller {
	c := &Controller{opts: opts, registry: reg, store: store}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *Controller) countLogin(key registry.Key, ok bool) {
	if c.metrics == nil {
		return
	}
	if ok {
		c.metrics.Logins.WithLabelValues(key.TenantID, key.ChannelType).Inc()
	} else {
		c.metrics.LoginFailures.WithLabelValues(key.TenantID, key.ChannelType).Inc()
	}
}

func (c *Controller) countRefresh(ok bool) {
	if c.metrics == nil {
		return
	}
	if ok {
		c.metrics.Refreshes.Inc()
	} else {
		c.metrics.RefreshFailures.Inc()
	}
}

// Mount registers the interactive endpoints on a router. The server mounts
// this twice: at the root for single-tenant traffic and under the
// tenant/channel prefix for multitenant traffic.
func (c *Controller) Mount(r chi.Router) {
	r.Get("/user", c.handleUser)
	r.Get("/login", c.handleLogin)
	r.Get("/login/callback", c.handleCallback)
	r.Get("/logout", c.handleLogout)
	r.Get("/refresh-token", c.handleRefreshToken)
	r.Get("/loggedout", c.handleLoggedOut)
	r.Get("/tenant-switch-warn", c.handleTenantSwitchWarn)
	r.Get("/tenant-switch", c.handleTenantSwitch)
}

// idpFor resolves the identity provider for the request's tenant routing.
// In multitenant mode a resolution failure is reported as 404 so probing
// cannot reveal which tenants exist.
func (c *Controller) idpFor(w http.ResponseWriter, r *http.Request) (*registry.IdpInfo, bool) {
	tenantID, channelType := auth.RouteTenant(r)
	idp, err := c.registry.GetOrCreate(r.Context(), tenantID, channelType)
	if err != nil {
		if c.opts.Multitenant() {
			http.NotFound(w, r)
		} else {
			http.Error(w, "identity provider unavailable", http.StatusBadGateway)
		}
		return nil, false
	}
	return idp, true
}

// routePrefix reconstructs the mount prefix the request arrived under.
func routePrefix(r *http.Request) string {
	tenantID, channelType := auth.RouteTenant(r)
	if tenantID == "" {
		return ""
	}
	return "/" + tenantID + "/" + channelType
}

// absoluteURL joins the public base URL with a gateway path.
func (c *Controller) absoluteURL(r *http.Request, path string) string {
	base := c.opts.BaseURL
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + routePrefix(r) + path
}

func (c *Controller) handleLogin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	st := State{
		RedirectURL: sanitizeRedirect(q.Get("redirect_url")),
		LoginPopup:  q.Get("loginpopup") == "true",
	}

	// Inside an iframe a top-level redirect to the issuer would be blocked
	// or would lose the embedding page. Serve a bootstrap page that opens
	// the flow in a popup instead.
	if r.Header.Get("Sec-Fetch-Dest") == "iframe" && !st.LoginPopup {
		loginURL := routePrefix(r) + "/login?" + url.Values{
			"redirect_url": {st.RedirectURL},
			"loginpopup":   {"true"},
		}.Encode()
		renderPage(w, popupBootstrapTmpl, map[string]string{"LoginURL": loginURL})
		return
	}

	idp, ok := c.idpFor(w, r)
	if !ok {
		return
	}

	var authOpts []oauth2.AuthCodeOption
	if hasCookie(r, loginInProgressCookie) || hasCookie(r, loggedOutCookie) {
		// A stale pending login or a recent explicit logout means the
		// issuer may still hold a silent session; force the prompt.
		authOpts = append(authOpts, oauth2.SetAuthURLParam("prompt", "login"))
	}

	setCookie(w, r, loginInProgressCookie, "1", loginInProgressTTL)
	http.Redirect(w, r, idp.OAuth.AuthCodeURL(encodeState(st), authOpts...), http.StatusFound)
}

func (c *Controller) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID, channelType := auth.RouteTenant(r)
	key := registry.NewKey(tenantID, channelType)

	if errCode := q.Get("error"); errCode != "" {
		logger.Warnw("issuer returned authorization error",
			"error", errCode,
			"description", q.Get("error_description"),
			"tenant", tenantID,
			"channel", channelType,
		)
		c.countLogin(key, false)
		http.Error(w, "login failed: "+errCode, http.StatusBadRequest)
		return
	}

	st, err := decodeState(q.Get("state"))
	if err != nil {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	code := q.Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	idp, ok := c.idpFor(w, r)
	if !ok {
		return
	}

	ctx := oidc.ClientContext(r.Context(), c.registry.HTTPClient())
	token, err := idp.OAuth.Exchange(ctx, code)
	if err != nil {
		logger.Errorw("code exchange failed",
			"tenant", tenantID,
			"channel", channelType,
			"error", err,
		)
		c.countLogin(key, false)
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		return
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		http.Error(w, "issuer returned no ID token", http.StatusBadGateway)
		return
	}

	idToken, err := idp.Verifier.Verify(ctx, rawIDToken)
	if err != nil {
		logger.Warnw("ID token verification failed",
			"tenant", tenantID,
			"channel", channelType,
			"error", err,
		)
		c.countLogin(key, false)
		auth.WriteUnauthorized(w, auth.ErrInvalidToken)
		return
	}

	var profile jwt.MapClaims
	if err := idToken.Claims(&profile); err != nil {
		http.Error(w, "unreadable ID token claims", http.StatusBadGateway)
		return
	}

	sessionState, _ := token.Extra("session_state").(string)

	sess := &session.Session{
		TenantID:        key.TenantID,
		ChannelType:     key.ChannelType,
		IDToken:         rawIDToken,
		AccessToken:     token.AccessToken,
		RefreshToken:    token.RefreshToken,
		TokenType:       token.TokenType,
		Profile:         profile,
		SessionState:    sessionState,
		ExpiresAt:       token.Expiry,
		RefreshLifetime: refreshLifetime(token),
	}

	sessionID, err := c.store.Put(r.Context(), sess)
	if err != nil {
		http.Error(w, "failed to establish session", http.StatusInternalServerError)
		return
	}

	setSessionCookie(w, r, sessionID, c.cookieTTL(sess))
	clearCookie(w, r, loginInProgressCookie)
	clearCookie(w, r, loggedOutCookie)
	c.countLogin(key, true)

	logger.Infow("session established",
		"tenant", key.TenantID,
		"channel", key.ChannelType,
		"popup", st.LoginPopup,
	)

	if st.LoginPopup {
		renderPage(w, popupCloseTmpl, map[string]string{"Origin": originOf(c.opts.BaseURL)})
		return
	}
	http.Redirect(w, r, sanitizeRedirect(st.RedirectURL), http.StatusFound)
}

// refreshLifetime reads the issuer's reported refresh grant lifetime from a
// token response, zero when unreported.
func refreshLifetime(token *oauth2.Token) time.Duration {
	if refreshExpiry, ok := token.Extra("refresh_expires_in").(float64); ok && refreshExpiry > 0 {
		return time.Duration(refreshExpiry) * time.Second
	}
	return 0
}

// cookieTTL derives the session cookie lifetime from the issuer's reported
// refresh lifetime when present, else the configured session TTL.
func (c *Controller) cookieTTL(sess *session.Session) time.Duration {
	if sess.RefreshLifetime > 0 {
		return sess.RefreshLifetime
	}
	return c.opts.SessionTTL
}

func originOf(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "*"
	}
	return u.Scheme + "://" + u.Host
}

func (c *Controller) handleLogout(w http.ResponseWriter, r *http.Request) {
	tenantID, channelType := auth.RouteTenant(r)

	var sess *session.Session
	if cookie, err := r.Cookie(session.CookieName); err == nil && cookie.Value != "" {
		sess, _ = c.store.Get(r.Context(), cookie.Value)
		c.store.Delete(r.Context(), cookie.Value)
	}

	clearSessionCookie(w, r)
	setCookie(w, r, loggedOutCookie, "1", loggedOutTTL)

	// Only a cached provider can be consulted here: logout must never
	// trigger discovery for a tenant nobody logged in to.
	idp, ok := c.registry.Cached(tenantID, channelType)
	if ok && idp.Metadata.EndSessionEndpoint != "" && sess != nil && sess.IDToken != "" {
		endSession, err := url.Parse(idp.Metadata.EndSessionEndpoint)
		if err == nil {
			values := endSession.Query()
			values.Set("id_token_hint", sess.IDToken)
			values.Set("client_id", idp.OAuth.ClientID)
			values.Set("post_logout_redirect_uri", c.absoluteURL(r, "/loggedout"))
			endSession.RawQuery = values.Encode()
			http.Redirect(w, r, endSession.String(), http.StatusFound)
			return
		}
	}

	http.Redirect(w, r, routePrefix(r)+"/loggedout", http.StatusFound)
}

func (c *Controller) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(session.CookieName)
	if err != nil || cookie.Value == "" {
		auth.WriteUnauthorized(w, auth.ErrNoToken)
		return
	}

	sess, err := c.store.Get(r.Context(), cookie.Value)
	if err != nil || sess.RefreshToken == "" {
		auth.WriteUnauthorized(w, auth.ErrNoToken)
		return
	}

	renewed, err := c.Refresh(r.Context(), sess)
	if err != nil {
		c.store.Delete(r.Context(), cookie.Value)
		clearSessionCookie(w, r)
		auth.WriteUnauthorized(w, auth.ErrTokenExpired)
		return
	}

	renewed.ID = sess.ID
	if _, err := c.store.Put(r.Context(), renewed); err != nil {
		http.Error(w, "failed to persist session", http.StatusInternalServerError)
		return
	}
	c.store.Extend(r.Context(), renewed.ID, renewed.RefreshLifetime)

	// Re-issue the cookie so its lifetime follows the new refresh grant.
	setSessionCookie(w, r, renewed.ID, c.cookieTTL(renewed))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token_type": renewed.TokenType,
		"expires_at": renewed.ExpiresAt,
	})
}

// Refresh exchanges the session's refresh token with its issuer. It
// implements the session coordinator's Refresher contract.
func (c *Controller) Refresh(ctx context.Context, sess *session.Session) (*session.Session, error) {
	if sess.RefreshToken == "" {
		return nil, session.ErrRefreshFailed
	}

	idp, err := c.registry.GetOrCreate(ctx, sess.TenantID, sess.ChannelType)
	if err != nil {
		return nil, err
	}

	ctx = oidc.ClientContext(ctx, c.registry.HTTPClient())
	fresh, err := idp.OAuth.TokenSource(ctx, &oauth2.Token{RefreshToken: sess.RefreshToken}).Token()
	if err != nil {
		c.countRefresh(false)
		return nil, fmt.Errorf("%w: %v", session.ErrRefreshFailed, err)
	}

	renewed := *sess
	renewed.AccessToken = fresh.AccessToken
	renewed.TokenType = fresh.TokenType
	renewed.ExpiresAt = fresh.Expiry
	if fresh.RefreshToken != "" {
		renewed.RefreshToken = fresh.RefreshToken
	}
	if d := refreshLifetime(fresh); d > 0 {
		renewed.RefreshLifetime = d
	}

	if rawIDToken, ok := fresh.Extra("id_token").(string); ok && rawIDToken != "" {
		idToken, err := idp.Verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, fmt.Errorf("%w: refreshed ID token rejected: %v", session.ErrRefreshFailed, err)
		}
		var profile jwt.MapClaims
		if err := idToken.Claims(&profile); err == nil {
			renewed.IDToken = rawIDToken
			renewed.Profile = profile
		}
	}

	c.countRefresh(true)
	logger.Debugw("session refreshed",
		"session_id", sess.ID,
		"tenant", sess.TenantID,
		"channel", sess.ChannelType,
	)

	return &renewed, nil
}

func (c *Controller) handleUser(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		_ = json.NewEncoder(w).Encode(identity)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]bool{"isGuest": true})
}

func (c *Controller) handleLoggedOut(w http.ResponseWriter, r *http.Request) {
	renderPage(w, loggedOutTmpl, map[string]string{
		"LoginURL": routePrefix(r) + "/login",
	})
}

func (c *Controller) handleTenantSwitchWarn(w http.ResponseWriter, r *http.Request) {
	renderPage(w, tenantSwitchWarnTmpl, map[string]string{
		"SwitchURL": sanitizeRedirect(r.URL.Query().Get("redirect_url")),
	})
}

// handleTenantSwitch tears down the current session and starts a fresh
// login under the tenant prefix the request arrived on.
func (c *Controller) handleTenantSwitch(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(session.CookieName); err == nil && cookie.Value != "" {
		c.store.Delete(r.Context(), cookie.Value)
	}
	clearSessionCookie(w, r)

	loginURL := routePrefix(r) + "/login"
	if target := sanitizeRedirect(r.URL.Query().Get("redirect_url")); target != "/" {
		loginURL += "?" + url.Values{"redirect_url": {target}}.Encode()
	}
	http.Redirect(w, r, loginURL, http.StatusFound)
}
