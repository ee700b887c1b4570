package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillcms/authgate/pkg/auth/registry"
	"github.com/quillcms/authgate/pkg/config"
)

const testKeyID = "test-key-1"

// testIssuer bundles a fake OIDC issuer: discovery, JWKS, introspection.
type testIssuer struct {
	server     *httptest.Server
	signingKey *rsa.PrivateKey

	// introspect is consulted for opaque tokens; nil means 404.
	introspect func(token string) map[string]any
}

func newTestIssuerWithKeys(t *testing.T) *testIssuer {
	t.Helper()

	signingKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ti := &testIssuer{signingKey: signingKey}

	mux := http.NewServeMux()
	ti.server = httptest.NewServer(mux)
	t.Cleanup(ti.server.Close)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		doc := map[string]any{
			"issuer":                 ti.server.URL,
			"authorization_endpoint": ti.server.URL + "/authorize",
			"token_endpoint":         ti.server.URL + "/token",
			"jwks_uri":               ti.server.URL + "/keys",
			"introspection_endpoint": ti.server.URL + "/introspect",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	})

	mux.HandleFunc("/keys", func(w http.ResponseWriter, _ *http.Request) {
		key, err := jwk.Import(&signingKey.PublicKey)
		require.NoError(t, err)
		require.NoError(t, key.Set(jwk.KeyIDKey, testKeyID))
		require.NoError(t, key.Set(jwk.AlgorithmKey, "RS256"))

		set := jwk.NewSet()
		require.NoError(t, set.AddKey(key))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	})

	mux.HandleFunc("/introspect", func(w http.ResponseWriter, r *http.Request) {
		if ti.introspect == nil {
			http.NotFound(w, r)
			return
		}
		if _, _, ok := r.BasicAuth(); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ti.introspect(r.PostForm.Get("token")))
	})

	return ti
}

// signToken issues a signed JWT carrying the given claims plus sane
// issuer and expiry defaults.
func (ti *testIssuer) signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	if _, ok := claims["iss"]; !ok {
		claims["iss"] = ti.server.URL
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID

	signed, err := token.SignedString(ti.signingKey)
	require.NoError(t, err)
	return signed
}

func newTestVerifier(t *testing.T, opts *config.Options, keys *KeyProvider) *Verifier {
	t.Helper()

	reg, err := registry.New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	v, err := NewVerifier(ctx, opts, keys, reg)
	require.NoError(t, err)
	return v
}

func verifierOptions(issuer string) *config.Options {
	opts := &config.Options{
		BaseURL: "https://admin.example.com",
		Issuer:  issuer,
		UseJWKS: true,
		Clients: map[string]config.ClientMetadata{
			config.DefaultChannelType: {ClientID: "quill-admin", ClientSecret: "hunter2"},
		},
	}
	opts.ApplyDefaults()
	return opts
}

func emptyKeys(t *testing.T) *KeyProvider {
	t.Helper()
	keys, err := NewKeyProvider(config.Keys{})
	require.NoError(t, err)
	return keys
}

func TestVerifyNoToken(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuerWithKeys(t)
	v := newTestVerifier(t, verifierOptions(issuer.server.URL), emptyKeys(t))

	_, err := v.Verify(context.Background(), "", "", "")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestVerifyWithJWKS(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuerWithKeys(t)
	v := newTestVerifier(t, verifierOptions(issuer.server.URL), emptyKeys(t))

	token := issuer.signToken(t, jwt.MapClaims{
		"sub":  "user-123",
		"name": "Ada",
	})

	claims, err := v.Verify(context.Background(), token, "acme", "web")
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims["sub"])
	assert.Equal(t, "Ada", claims["name"])
}

// newMultitenantIssuer serves a distinct issuer, with its own signing key,
// under each tenant path of a single server.
func newMultitenantIssuer(t *testing.T, tenants ...string) (origin string, keys map[string]*rsa.PrivateKey) {
	t.Helper()

	keys = make(map[string]*rsa.PrivateKey, len(tenants))
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	for _, tenant := range tenants {
		signingKey, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		keys[tenant] = signingKey

		issuerURL := server.URL + "/" + tenant
		kid := tenant + "-key"

		mux.HandleFunc("/"+tenant+"/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"issuer":                 issuerURL,
				"authorization_endpoint": issuerURL + "/authorize",
				"token_endpoint":         issuerURL + "/token",
				"jwks_uri":               issuerURL + "/keys",
			})
		})
		mux.HandleFunc("/"+tenant+"/keys", func(w http.ResponseWriter, _ *http.Request) {
			key, err := jwk.Import(&signingKey.PublicKey)
			require.NoError(t, err)
			require.NoError(t, key.Set(jwk.KeyIDKey, kid))
			require.NoError(t, key.Set(jwk.AlgorithmKey, "RS256"))

			set := jwk.NewSet()
			require.NoError(t, set.AddKey(key))

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(set)
		})
	}

	return server.URL, keys
}

func TestVerifyJWKSIsTenantScoped(t *testing.T) {
	t.Parallel()

	origin, keys := newMultitenantIssuer(t, "acme", "globex")

	opts := &config.Options{
		BaseURL:      "https://admin.example.com",
		IssuerOrigin: origin,
		UseJWKS:      true,
		Clients: map[string]config.ClientMetadata{
			config.DefaultChannelType: {ClientID: "quill-admin", ClientSecret: "hunter2"},
		},
	}
	opts.ApplyDefaults()
	v := newTestVerifier(t, opts, emptyKeys(t))

	claims := jwt.MapClaims{
		"sub": "user-123",
		"iss": origin + "/acme",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "acme-key"
	signed, err := token.SignedString(keys["acme"])
	require.NoError(t, err)

	got, err := v.Verify(context.Background(), signed, "acme", "web")
	require.NoError(t, err)
	assert.Equal(t, "user-123", got["sub"])

	_, err = v.Verify(context.Background(), signed, "globex", "web")
	require.Error(t, err, "acme's token must not verify against globex's key set")
}

func TestVerifyRoutingOverridesTokenClaims(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuerWithKeys(t)
	v := newTestVerifier(t, verifierOptions(issuer.server.URL), emptyKeys(t))

	// A token minted for one tenant must not carry its tenant into
	// another tenant's requests.
	token := issuer.signToken(t, jwt.MapClaims{
		"sub":          "user-123",
		"tenant_id":    "evil-corp",
		"channel_type": "mobile",
	})

	claims, err := v.Verify(context.Background(), token, "acme", "web")
	require.NoError(t, err)
	assert.Equal(t, "acme", claims["tenant_id"])
	assert.Equal(t, "web", claims["channel_type"])
}

func TestVerifyExpiredToken(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuerWithKeys(t)
	v := newTestVerifier(t, verifierOptions(issuer.server.URL), emptyKeys(t))

	token := issuer.signToken(t, jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err := v.Verify(context.Background(), token, "", "")
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyWrongIssuer(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuerWithKeys(t)
	v := newTestVerifier(t, verifierOptions(issuer.server.URL), emptyKeys(t))

	token := issuer.signToken(t, jwt.MapClaims{
		"sub": "user-123",
		"iss": "https://somewhere-else.example.com",
	})

	_, err := v.Verify(context.Background(), token, "", "")
	assert.ErrorIs(t, err, ErrInvalidIssuer)
}

func TestVerifyWrongAudience(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuerWithKeys(t)
	opts := verifierOptions(issuer.server.URL)
	opts.Audience = "quill-api"
	v := newTestVerifier(t, opts, emptyKeys(t))

	token := issuer.signToken(t, jwt.MapClaims{
		"sub": "user-123",
		"aud": "someone-else",
	})

	_, err := v.Verify(context.Background(), token, "", "")
	assert.ErrorIs(t, err, ErrInvalidAudience)

	token = issuer.signToken(t, jwt.MapClaims{
		"sub": "user-123",
		"aud": "quill-api",
	})
	_, err = v.Verify(context.Background(), token, "", "")
	assert.NoError(t, err)
}

func TestVerifyUnknownKeyID(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuerWithKeys(t)
	v := newTestVerifier(t, verifierOptions(issuer.server.URL), emptyKeys(t))

	rogueKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "user-123",
		"iss": issuer.server.URL,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "rogue-key"
	signed, err := token.SignedString(rogueKey)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), signed, "", "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyWithStaticKey(t *testing.T) {
	t.Parallel()

	// The static key applies across tenants; the fake issuer must never
	// be contacted on this path.
	issuer := newTestIssuerWithKeys(t)

	keys, err := NewKeyProvider(config.Keys{DevFallback: true})
	require.NoError(t, err)
	signingKey, ok := keys.SigningKey()
	require.True(t, ok)

	v := newTestVerifier(t, verifierOptions(issuer.server.URL), keys)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "service-account",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(signingKey)
	require.NoError(t, err)

	claims, err := v.Verify(context.Background(), signed, "acme", "web")
	require.NoError(t, err)
	assert.Equal(t, "service-account", claims["sub"])
	assert.Equal(t, "acme", claims["tenant_id"])

	_, ok = v.registry.Cached("acme", "web")
	assert.False(t, ok, "static key verification must not trigger discovery")
}

func TestIntrospectOpaqueToken(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuerWithKeys(t)
	issuer.introspect = func(token string) map[string]any {
		if token != "opaque-token-abc" {
			return map[string]any{"active": false}
		}
		return map[string]any{
			"active": true,
			"sub":    "user-456",
			"scope":  "openid profile",
			"exp":    time.Now().Add(time.Hour).Unix(),
		}
	}

	opts := verifierOptions(issuer.server.URL)
	v := newTestVerifier(t, opts, emptyKeys(t))

	claims, err := v.Verify(context.Background(), "opaque-token-abc", "acme", "web")
	require.NoError(t, err)
	assert.Equal(t, "user-456", claims["sub"])
	assert.Equal(t, "openid profile", claims["scope"])
	assert.Equal(t, "acme", claims["tenant_id"])
}

func TestIntrospectInactiveToken(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuerWithKeys(t)
	issuer.introspect = func(string) map[string]any {
		// Inactive responses carry no claims worth keeping.
		return map[string]any{"active": false, "sub": "should-not-leak"}
	}

	v := newTestVerifier(t, verifierOptions(issuer.server.URL), emptyKeys(t))

	claims, err := v.Verify(context.Background(), "revoked-token", "", "")
	assert.ErrorIs(t, err, ErrTokenInactive)
	assert.Nil(t, claims)
}

func TestParseIntrospectionClaims(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		wantErr error
		wantSub string
	}{
		{
			name:    "active with claims",
			body:    `{"active": true, "sub": " user-1 ", "exp": 4102444800}`,
			wantSub: "user-1",
		},
		{
			name:    "inactive",
			body:    `{"active": false}`,
			wantErr: ErrTokenInactive,
		},
		{
			name:    "malformed",
			body:    `{"active":`,
			wantErr: ErrInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			claims, err := parseIntrospectionClaims(strings.NewReader(tt.body))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSub, claims["sub"])
		})
	}
}

func TestIsSignedToken(t *testing.T) {
	t.Parallel()

	assert.True(t, isSignedToken("aaa.bbb.ccc"))
	assert.False(t, isSignedToken("opaque"))
	assert.False(t, isSignedToken("aa.bb"))
}
