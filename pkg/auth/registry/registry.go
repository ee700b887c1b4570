// Package registry discovers and caches, per (tenant, channel) pair, the
// remote issuer's metadata, an OIDC client bound to that issuer, and a
// remote key set resolver.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/quillcms/authgate/pkg/config"
	"github.com/quillcms/authgate/pkg/logger"
	"github.com/quillcms/authgate/pkg/networking"
	"github.com/quillcms/authgate/pkg/telemetry"
)

// ErrDiscoveryFailed indicates the issuer was unreachable or misconfigured.
// In multitenant mode this surfaces as a request-scoped error; single-tenant
// deployments treat it as fatal at startup.
var ErrDiscoveryFailed = errors.New("identity provider discovery failed")

// ErrUnknownChannel indicates no client metadata is configured for the
// requested channel type.
var ErrUnknownChannel = errors.New("no client configured for channel type")

// Key uniquely addresses one identity-provider relationship.
// The zero tenant and channel normalize to "common" and "none".
type Key struct {
	TenantID    string
	ChannelType string
}

// NewKey normalizes tenant and channel into a cache key.
func NewKey(tenantID, channelType string) Key {
	if tenantID == "" {
		tenantID = config.DefaultTenantID
	}
	if channelType == "" {
		channelType = config.DefaultChannelType
	}
	return Key{TenantID: tenantID, ChannelType: channelType}
}

// String renders the key in "tenant|channel" form.
func (k Key) String() string {
	return k.TenantID + "|" + k.ChannelType
}

// ProviderMetadata is the subset of the issuer's discovery document the
// gateway consumes beyond what go-oidc exposes directly.
type ProviderMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	JWKSURI               string `json:"jwks_uri,omitempty"`
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty"`
}

// IdpInfo bundles everything bound to one Key. Once created it is treated as
// immutable for the remainder of the process: all verification and login
// flows for that key read the same cached object.
type IdpInfo struct {
	Key      Key
	Provider *oidc.Provider
	Metadata ProviderMetadata

	// OAuth is the authorization-code flow configuration for this issuer
	// and channel's client.
	OAuth *oauth2.Config

	// Verifier validates ID tokens issued to this client.
	Verifier *oidc.IDTokenVerifier

	// KeySet resolves signing keys from the issuer's JWKS endpoint.
	// Nil when the issuer exposes none.
	KeySet oidc.KeySet
}

// Registry caches IdpInfo per Key. Population is single-flight: concurrent
// first requests for the same uncached key trigger exactly one discovery.
type Registry struct {
	opts       *config.Options
	httpClient *http.Client
	metrics    *telemetry.Metrics

	mu    sync.RWMutex
	cache map[Key]*IdpInfo
	group singleflight.Group
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics records discovery outcomes on the given metric set.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// New creates a Registry using the gateway options for issuer resolution and
// outbound HTTP configuration.
func New(opts *config.Options, options ...Option) (*Registry, error) {
	httpClient, err := networking.NewHttpClientBuilder().
		WithCABundle(opts.CACertPath).
		WithInsecureHTTP(opts.InsecureAllowHTTP).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	r := &Registry{
		opts:       opts,
		httpClient: httpClient,
		cache:      make(map[Key]*IdpInfo),
	}
	for _, opt := range options {
		opt(r)
	}
	return r, nil
}

func (r *Registry) countDiscovery(key Key, outcome string) {
	if r.metrics != nil {
		r.metrics.Discoveries.WithLabelValues(key.TenantID, key.ChannelType, outcome).Inc()
	}
}

// HTTPClient returns the client used for issuer traffic, shared with the
// verification and flow layers so timeouts are enforced uniformly.
func (r *Registry) HTTPClient() *http.Client {
	return r.httpClient
}

// Cached returns the cached IdpInfo for a key without triggering discovery.
func (r *Registry) Cached(tenantID, channelType string) (*IdpInfo, bool) {
	key := NewKey(tenantID, channelType)
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.cache[key]
	return info, ok
}

// GetOrCreate returns the IdpInfo for the pair, performing issuer discovery
// on first use. Concurrent callers for the same uncached key share a single
// discovery round-trip.
func (r *Registry) GetOrCreate(ctx context.Context, tenantID, channelType string) (*IdpInfo, error) {
	key := NewKey(tenantID, channelType)

	r.mu.RLock()
	info, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return info, nil
	}

	v, err, _ := r.group.Do(key.String(), func() (any, error) {
		// Re-check under the flight: a previous flight may have
		// populated the cache between our miss and this call.
		r.mu.RLock()
		cached, ok := r.cache[key]
		r.mu.RUnlock()
		if ok {
			return cached, nil
		}

		created, err := r.create(ctx, key)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.cache[key] = created
		r.mu.Unlock()
		return created, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*IdpInfo), nil
}

// create performs discovery and constructs the client for a key.
func (r *Registry) create(ctx context.Context, key Key) (*IdpInfo, error) {
	issuer, err := r.issuerFor(key)
	if err != nil {
		return nil, err
	}

	client, ok := r.opts.ClientFor(key.ChannelType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, key.ChannelType)
	}

	ctx = oidc.ClientContext(ctx, r.httpClient)
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		logger.Errorw("identity provider discovery failed",
			"issuer", issuer,
			"tenant", key.TenantID,
			"channel", key.ChannelType,
			"error", err,
		)
		r.countDiscovery(key, "failure")
		return nil, fmt.Errorf("%w: issuer %s: %v", ErrDiscoveryFailed, issuer, err)
	}

	var metadata ProviderMetadata
	if err := provider.Claims(&metadata); err != nil {
		r.countDiscovery(key, "failure")
		return nil, fmt.Errorf("%w: failed to extract provider metadata: %v", ErrDiscoveryFailed, err)
	}

	if err := validateMetadata(&metadata, r.opts.InsecureAllowHTTP); err != nil {
		logger.Errorw("identity provider metadata rejected",
			"issuer", issuer,
			"tenant", key.TenantID,
			"channel", key.ChannelType,
			"error", err,
		)
		r.countDiscovery(key, "failure")
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}

	scopes := client.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	info := &IdpInfo{
		Key:      key,
		Provider: provider,
		Metadata: metadata,
		OAuth: &oauth2.Config{
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
			RedirectURL:  r.callbackURL(key),
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
		Verifier: provider.Verifier(&oidc.Config{ClientID: client.ClientID}),
	}

	if metadata.JWKSURI != "" {
		// The key set outlives the triggering request; bind it to the
		// registry's HTTP client, not the request context.
		keySetCtx := oidc.ClientContext(context.Background(), r.httpClient)
		info.KeySet = oidc.NewRemoteKeySet(keySetCtx, metadata.JWKSURI)
	}

	r.countDiscovery(key, "success")

	logger.Infow("identity provider registered",
		"issuer", metadata.Issuer,
		"tenant", key.TenantID,
		"channel", key.ChannelType,
		"has_jwks", metadata.JWKSURI != "",
		"has_end_session", metadata.EndSessionEndpoint != "",
	)

	return info, nil
}

// issuerFor resolves the issuer URL for a key: the fixed issuer in
// single-tenant mode, or the origin template joined with the tenant.
func (r *Registry) issuerFor(key Key) (string, error) {
	if r.opts.Multitenant() {
		return strings.TrimSuffix(r.opts.IssuerOrigin, "/") + "/" + key.TenantID, nil
	}
	if r.opts.Issuer == "" {
		return "", fmt.Errorf("%w: no issuer configured", ErrDiscoveryFailed)
	}
	return r.opts.Issuer, nil
}

// callbackURL builds the redirect URI registered with the issuer for a key.
func (r *Registry) callbackURL(key Key) string {
	base := strings.TrimSuffix(r.opts.BaseURL, "/")
	if r.opts.Multitenant() {
		return fmt.Sprintf("%s/%s/%s/login/callback", base, key.TenantID, key.ChannelType)
	}
	return base + "/login/callback"
}

// validateMetadata enforces HTTPS on discovered endpoints so a malicious
// discovery document cannot redirect credential traffic to plain HTTP.
func validateMetadata(md *ProviderMetadata, insecureAllowHTTP bool) error {
	endpoints := map[string]string{
		"authorization_endpoint": md.AuthorizationEndpoint,
		"token_endpoint":         md.TokenEndpoint,
		"jwks_uri":               md.JWKSURI,
		"introspection_endpoint": md.IntrospectionEndpoint,
		"end_session_endpoint":   md.EndSessionEndpoint,
		"userinfo_endpoint":      md.UserinfoEndpoint,
	}

	for name, endpoint := range endpoints {
		if endpoint == "" {
			continue
		}
		if err := networking.ValidateEndpointURLWithInsecure(endpoint, insecureAllowHTTP); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}
