package flow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oauth2-proxy/mockoidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillcms/authgate/pkg/auth/registry"
	"github.com/quillcms/authgate/pkg/auth/session"
	"github.com/quillcms/authgate/pkg/config"
)

type flowFixture struct {
	oidc       *mockoidc.MockOIDC
	controller *Controller
	store      *session.Store
	router     chi.Router
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()

	m, err := mockoidc.Run()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })

	opts := &config.Options{
		BaseURL: "https://admin.example.com",
		Issuer:  m.Issuer(),
		Clients: map[string]config.ClientMetadata{
			config.DefaultChannelType: {
				ClientID:     m.ClientID,
				ClientSecret: m.ClientSecret,
			},
		},
	}
	opts.ApplyDefaults()

	reg, err := registry.New(opts)
	require.NoError(t, err)

	store := session.NewStore()
	t.Cleanup(func() { _ = store.Close() })

	controller := NewController(opts, reg, store)
	router := chi.NewRouter()
	controller.Mount(router)

	return &flowFixture{oidc: m, controller: controller, store: store, router: router}
}

// noRedirectClient follows nothing so tests can inspect each hop.
func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()

	st := State{RedirectURL: "/admin/posts", LoginPopup: true}
	decoded, err := decodeState(encodeState(st))
	require.NoError(t, err)
	assert.Equal(t, st, decoded)

	_, err = decodeState("")
	assert.Error(t, err)
	_, err = decodeState("!!!not-base64!!!")
	assert.Error(t, err)
}

func TestSanitizeRedirect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"", "/"},
		{"/admin/posts", "/admin/posts"},
		{"https://evil.example.com/", "/"},
		{"//evil.example.com", "/"},
		{"relative/path", "/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeRedirect(tt.in), "input %q", tt.in)
	}
}

func TestLoginRedirectsToIssuer(t *testing.T) {
	t.Parallel()

	f := newFlowFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/login?redirect_url=/admin/posts", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, f.oidc.ClientID, location.Query().Get("client_id"))

	// The state blob is plain base64 JSON the whole way through.
	raw, err := base64.RawURLEncoding.DecodeString(location.Query().Get("state"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"redirect_url":"/admin/posts","loginpopup":false}`, string(raw))

	var pending bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == loginInProgressCookie && c.Value != "" {
			pending = true
		}
	}
	assert.True(t, pending, "login must leave a pending-login marker")
}

func TestLoginInsideIframeServesPopupBootstrap(t *testing.T) {
	t.Parallel()

	f := newFlowFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/login?redirect_url=/admin", nil)
	req.Header.Set("Sec-Fetch-Dest", "iframe")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "loginpopup")
	assert.Contains(t, rec.Body.String(), "window.open")
}

func TestLoginForcesReauthAfterLogout(t *testing.T) {
	t.Parallel()

	f := newFlowFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	req.AddCookie(&http.Cookie{Name: loggedOutCookie, Value: "1"})
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "login", location.Query().Get("prompt"))
}

// completeLogin drives the full authorization-code flow against the mock
// issuer and returns the callback response plus the session cookie.
func completeLogin(t *testing.T, f *flowFixture, loginQuery string) (*httptest.ResponseRecorder, string) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/login"+loginQuery, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	authorizeResp, err := noRedirectClient().Get(rec.Header().Get("Location"))
	require.NoError(t, err)
	defer authorizeResp.Body.Close()
	require.Equal(t, http.StatusFound, authorizeResp.StatusCode)

	callback, err := url.Parse(authorizeResp.Header.Get("Location"))
	require.NoError(t, err)
	require.NotEmpty(t, callback.Query().Get("code"))

	callbackReq := httptest.NewRequest(http.MethodGet, "/login/callback?"+callback.RawQuery, nil)
	callbackRec := httptest.NewRecorder()
	f.router.ServeHTTP(callbackRec, callbackReq)

	var sessionID string
	for _, c := range callbackRec.Result().Cookies() {
		if c.Name == session.CookieName {
			sessionID = c.Value
		}
	}
	return callbackRec, sessionID
}

func TestCallbackEstablishesSessionAndRedirects(t *testing.T) {
	t.Parallel()

	f := newFlowFixture(t)
	f.oidc.QueueUser(&mockoidc.MockUser{Subject: "user-123", Email: "ada@example.com"})

	rec, sessionID := completeLogin(t, f, "?redirect_url=/admin/posts")

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/admin/posts", rec.Header().Get("Location"))
	require.NotEmpty(t, sessionID, "callback must set the session cookie")

	sess, err := f.store.Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, "user-123", sess.Profile["sub"])
	assert.NotEmpty(t, sess.AccessToken)
	assert.NotEmpty(t, sess.IDToken)
	assert.Equal(t, config.DefaultTenantID, sess.TenantID)
}

func TestCallbackPopupClosesWindow(t *testing.T) {
	t.Parallel()

	f := newFlowFixture(t)
	f.oidc.QueueUser(&mockoidc.MockUser{Subject: "user-123"})

	rec, sessionID := completeLogin(t, f, "?loginpopup=true")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "window.close()")
	assert.NotEmpty(t, sessionID)
}

func TestCallbackRejectsBadState(t *testing.T) {
	t.Parallel()

	f := newFlowFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/login/callback?code=abc&state=%21%21", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackReportsIssuerError(t *testing.T) {
	t.Parallel()

	f := newFlowFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/login/callback?error=access_denied&error_description=nope", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "access_denied")
}

func TestRefreshExchangesToken(t *testing.T) {
	t.Parallel()

	f := newFlowFixture(t)
	f.oidc.QueueUser(&mockoidc.MockUser{Subject: "user-123"})

	_, sessionID := completeLogin(t, f, "")
	require.NotEmpty(t, sessionID)

	before, err := f.store.Get(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotEmpty(t, before.RefreshToken)

	renewed, err := f.controller.Refresh(context.Background(), before)
	require.NoError(t, err)
	assert.NotEmpty(t, renewed.AccessToken)
	assert.NotEqual(t, before.AccessToken, renewed.AccessToken)
}

func TestRefreshTokenEndpointReissuesCookie(t *testing.T) {
	t.Parallel()

	f := newFlowFixture(t)
	f.oidc.QueueUser(&mockoidc.MockUser{Subject: "user-123"})

	_, sessionID := completeLogin(t, f, "")
	require.NotEmpty(t, sessionID)

	req := httptest.NewRequest(http.MethodGet, "/refresh-token", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: sessionID})
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var reissued *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName {
			reissued = c
		}
	}
	require.NotNil(t, reissued, "refresh must re-issue the session cookie")
	assert.Equal(t, sessionID, reissued.Value)
	assert.Positive(t, reissued.MaxAge, "the cookie lifetime must restart with the new grant")
}

func TestRefreshTokenEndpointWithoutSession(t *testing.T) {
	t.Parallel()

	f := newFlowFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/refresh-token", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestUserEndpointGuest(t *testing.T) {
	t.Parallel()

	f := newFlowFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/user", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body["isGuest"])
}

// endSessionFixture fakes an issuer that advertises an end_session_endpoint,
// which mockoidc does not.
func endSessionFixture(t *testing.T) *flowFixture {
	t.Helper()

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 server.URL,
			"authorization_endpoint": server.URL + "/authorize",
			"token_endpoint":         server.URL + "/token",
			"end_session_endpoint":   server.URL + "/logout",
		})
	})

	opts := &config.Options{
		BaseURL: "https://admin.example.com",
		Issuer:  server.URL,
		Clients: map[string]config.ClientMetadata{
			config.DefaultChannelType: {ClientID: "quill-admin"},
		},
	}
	opts.ApplyDefaults()

	reg, err := registry.New(opts)
	require.NoError(t, err)
	// Logout only consults the cached provider; warm it the way a
	// preceding login would have.
	_, err = reg.GetOrCreate(context.Background(), "", "")
	require.NoError(t, err)

	store := session.NewStore()
	t.Cleanup(func() { _ = store.Close() })

	controller := NewController(opts, reg, store)
	router := chi.NewRouter()
	controller.Mount(router)

	return &flowFixture{controller: controller, store: store, router: router}
}

func TestLogoutRedirectsToEndSessionEndpoint(t *testing.T) {
	t.Parallel()

	f := endSessionFixture(t)

	id, err := f.store.Put(context.Background(), &session.Session{
		TenantID:    config.DefaultTenantID,
		ChannelType: config.DefaultChannelType,
		IDToken:     "id-token-raw",
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/logout", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: id})
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	assert.Equal(t, "/logout", location.Path)
	assert.Equal(t, "id-token-raw", location.Query().Get("id_token_hint"))
	assert.Equal(t, "quill-admin", location.Query().Get("client_id"))
	assert.Equal(t, "https://admin.example.com/loggedout", location.Query().Get("post_logout_redirect_uri"))

	_, err = f.store.Get(context.Background(), id)
	assert.ErrorIs(t, err, session.ErrNotFound, "logout must destroy the session")
}

func TestLogoutWithoutEndSessionFallsBackLocally(t *testing.T) {
	t.Parallel()

	f := newFlowFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/logout", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/loggedout", rec.Header().Get("Location"))

	var loggedOut bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == loggedOutCookie && c.Value != "" {
			loggedOut = true
		}
	}
	assert.True(t, loggedOut, "logout must suppress silent re-login")
}

func TestTenantSwitchClearsSessionAndRedirects(t *testing.T) {
	t.Parallel()

	f := newFlowFixture(t)

	id, err := f.store.Put(context.Background(), &session.Session{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/tenant-switch?redirect_url=/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: id})
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login?redirect_url=%2Fdashboard", rec.Header().Get("Location"))

	_, err = f.store.Get(context.Background(), id)
	assert.ErrorIs(t, err, session.ErrNotFound)
}
