package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/quillcms/authgate/pkg/auth/registry"
	"github.com/quillcms/authgate/pkg/config"
	"github.com/quillcms/authgate/pkg/logger"
)

// Common errors
var (
	ErrNoToken                 = errors.New("no token provided")
	ErrInvalidToken            = errors.New("invalid token")
	ErrTokenExpired            = errors.New("token expired")
	ErrInvalidIssuer           = errors.New("invalid issuer")
	ErrInvalidAudience         = errors.New("invalid audience")
	ErrTokenInactive           = errors.New("token reported inactive by issuer")
	ErrNoIntrospectionEndpoint = errors.New("issuer exposes no introspection endpoint")
)

// Verifier verifies bearer tokens for a (tenant, channel) pair. Decision
// order: a statically configured public key applies across all tenants;
// otherwise signed tokens are checked against the tenant's remote key set
// when JWKS usage is enabled; anything else is treated as opaque and
// submitted to the issuer's introspection endpoint.
type Verifier struct {
	opts     *config.Options
	keys     *KeyProvider
	registry *registry.Registry
	client   *http.Client

	// Lazy JWKS registration, one flag per JWKS URL.
	jwksCache      *jwk.Cache
	jwksMu         sync.Mutex
	jwksRegistered map[string]bool
}

// NewVerifier creates a token verifier sharing the registry's HTTP client.
func NewVerifier(ctx context.Context, opts *config.Options, keys *KeyProvider, reg *registry.Registry) (*Verifier, error) {
	httprcClient := httprc.NewClient(httprc.WithHTTPClient(reg.HTTPClient()))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &Verifier{
		opts:           opts,
		keys:           keys,
		registry:       reg,
		client:         reg.HTTPClient(),
		jwksCache:      cache,
		jwksRegistered: make(map[string]bool),
	}, nil
}

// Verify validates a bearer token and returns its claim set. The returned
// claims always carry tenant_id and channel_type derived from the request's
// routing, never from the token payload.
func (v *Verifier) Verify(ctx context.Context, tokenString, tenantID, channelType string) (jwt.MapClaims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	key := registry.NewKey(tenantID, channelType)

	var claims jwt.MapClaims
	var err error
	switch {
	case v.hasStaticKey():
		claims, err = v.verifyWithPublicKey(tokenString)
	case v.opts.UseJWKS && isSignedToken(tokenString):
		claims, err = v.verifyWithJWKS(ctx, tokenString, key)
	default:
		claims, err = v.introspectOpaqueToken(ctx, tokenString, key)
	}
	if err != nil {
		return nil, err
	}

	// Tenant and channel always reflect the request's routing. Overwriting
	// any token-embedded value prevents cross-tenant replay.
	claims["tenant_id"] = key.TenantID
	claims["channel_type"] = key.ChannelType

	return claims, nil
}

func (v *Verifier) hasStaticKey() bool {
	_, ok := v.keys.VerifyingKey()
	return ok
}

// isSignedToken reports whether the token has the three-segment structure of
// a signed JWT. Anything else is treated as opaque.
func isSignedToken(token string) bool {
	return strings.Count(token, ".") == 2
}

// verifyWithPublicKey verifies the token signature with the statically
// configured key. This path applies across all tenants.
func (v *Verifier) verifyWithPublicKey(tokenString string) (jwt.MapClaims, error) {
	pub, _ := v.keys.VerifyingKey()

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		return nil, wrapParseError(err)
	}

	return v.claimsFromToken(token, "")
}

// verifyWithJWKS verifies the token against the tenant's remote key set.
func (v *Verifier) verifyWithJWKS(ctx context.Context, tokenString string, key registry.Key) (jwt.MapClaims, error) {
	idp, err := v.registry.GetOrCreate(ctx, key.TenantID, key.ChannelType)
	if err != nil {
		return nil, err
	}
	if idp.Metadata.JWKSURI == "" {
		return nil, fmt.Errorf("%w: issuer %s exposes no JWKS endpoint", ErrInvalidToken, idp.Metadata.Issuer)
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.keyFromJWKS(ctx, idp.Metadata.JWKSURI, token)
	})
	if err != nil {
		return nil, wrapParseError(err)
	}

	return v.claimsFromToken(token, idp.Metadata.Issuer)
}

// claimsFromToken extracts and validates the claim set of a parsed token.
func (v *Verifier) claimsFromToken(token *jwt.Token, expectedIssuer string) (jwt.MapClaims, error) {
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}

	if err := v.validateClaims(claims, expectedIssuer); err != nil {
		return nil, err
	}
	return claims, nil
}

// ensureJWKSRegistered registers a JWKS URL with the auto-refreshing cache.
// Called lazily on first use for each tenant's key set.
func (v *Verifier) ensureJWKSRegistered(ctx context.Context, jwksURL string) error {
	v.jwksMu.Lock()
	defer v.jwksMu.Unlock()

	if v.jwksRegistered[jwksURL] {
		return nil
	}

	registrationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := v.jwksCache.Register(registrationCtx, jwksURL); err != nil {
		return fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	v.jwksRegistered[jwksURL] = true
	return nil
}

// keyFromJWKS resolves the token's signing key from a JWKS endpoint.
func (v *Verifier) keyFromJWKS(ctx context.Context, jwksURL string, token *jwt.Token) (any, error) {
	if err := v.ensureJWKSRegistered(ctx, jwksURL); err != nil {
		return nil, err
	}

	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := v.jwksCache.Lookup(ctx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}

	return rawKey, nil
}

// validateClaims validates issuer, audience, and expiry.
func (v *Verifier) validateClaims(claims jwt.MapClaims, expectedIssuer string) error {
	if expectedIssuer != "" {
		issuerClaim, err := claims.GetIssuer()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidIssuer, err)
		}
		if strings.TrimSpace(issuerClaim) != strings.TrimSpace(expectedIssuer) {
			return ErrInvalidIssuer
		}
	}

	if v.opts.Audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return ErrInvalidAudience
		}

		found := false
		for _, aud := range audiences {
			if aud == v.opts.Audience {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidAudience
		}
	}

	expirationTime, err := claims.GetExpirationTime()
	if err != nil || expirationTime == nil || expirationTime.Before(time.Now()) {
		return ErrTokenExpired
	}

	return nil
}

// introspectOpaqueToken submits an opaque token to the issuer's
// introspection endpoint and fails when the issuer reports it inactive.
func (v *Verifier) introspectOpaqueToken(ctx context.Context, tokenString string, key registry.Key) (jwt.MapClaims, error) {
	idp, err := v.registry.GetOrCreate(ctx, key.TenantID, key.ChannelType)
	if err != nil {
		return nil, err
	}
	if idp.Metadata.IntrospectionEndpoint == "" {
		return nil, ErrNoIntrospectionEndpoint
	}

	form := url.Values{"token": {tokenString}}
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, idp.Metadata.IntrospectionEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(idp.OAuth.ClientID, idp.OAuth.ClientSecret)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warnw("introspection endpoint rejected request",
			"status", resp.StatusCode,
			"tenant", key.TenantID,
			"channel", key.ChannelType,
		)
		return nil, fmt.Errorf("%w: introspection returned status %d", ErrInvalidToken, resp.StatusCode)
	}

	claims, err := parseIntrospectionClaims(resp.Body)
	if err != nil {
		return nil, err
	}

	if err := v.validateClaims(claims, ""); err != nil {
		return nil, err
	}
	return claims, nil
}

// parseIntrospectionClaims decodes an RFC 7662 introspection response.
// An inactive token never yields partial claims.
func parseIntrospectionClaims(r io.Reader) (jwt.MapClaims, error) {
	var j struct {
		Active bool     `json:"active"`
		Exp    *float64 `json:"exp,omitempty"`
		Sub    string   `json:"sub,omitempty"`
		Aud    any      `json:"aud,omitempty"`
		Scope  string   `json:"scope,omitempty"`
		Iss    string   `json:"iss,omitempty"`
	}

	if err := json.NewDecoder(r).Decode(&j); err != nil {
		return nil, fmt.Errorf("%w: failed to decode introspection response: %v", ErrInvalidToken, err)
	}
	if !j.Active {
		return nil, ErrTokenInactive
	}

	claims := jwt.MapClaims{}
	if j.Exp != nil {
		claims["exp"] = *j.Exp
	}
	if j.Sub != "" {
		claims["sub"] = strings.TrimSpace(j.Sub)
	}
	if j.Aud != nil {
		claims["aud"] = j.Aud
	}
	if j.Scope != "" {
		claims["scope"] = strings.TrimSpace(j.Scope)
	}
	if j.Iss != "" {
		claims["iss"] = strings.TrimSpace(j.Iss)
	}

	return claims, nil
}

// wrapParseError maps golang-jwt parse failures onto the package's error
// taxonomy so callers can translate them to HTTP statuses.
func wrapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
}
