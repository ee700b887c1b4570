// Package config contains the definition of the gateway configuration
// structure and the logic required to load and validate it.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quillcms/authgate/pkg/networking"
)

// Default values applied by Options.ApplyDefaults.
const (
	DefaultChannelType = "none"
	DefaultTenantID    = "common"
	DefaultSessionTTL  = 24 * time.Hour
	DefaultRoleClaim   = "role"
)

// ClientMetadata holds the OIDC client registration for one channel type.
type ClientMetadata struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// Keys holds the static key material configuration.
type Keys struct {
	// SigningKeyPath is a PEM file containing an RSA private key used to
	// sign gateway-issued material.
	SigningKeyPath string `yaml:"signing_key_path,omitempty"`

	// VerifyingKeyPath is a PEM file containing an RSA public key. When
	// set, bearer tokens are verified with this key across all tenants.
	VerifyingKeyPath string `yaml:"verifying_key_path,omitempty"`

	// DevFallback generates an in-memory key pair when no PEM material is
	// configured. Every use of the fallback logs a warning.
	DevFallback bool `yaml:"dev_fallback,omitempty"`
}

// Options is the static gateway configuration. Exactly one of
// Keys.VerifyingKeyPath, Issuer, or IssuerOrigin must be set.
type Options struct {
	// BaseURL is the externally visible URL of the gateway, used to build
	// redirect URIs.
	BaseURL string `yaml:"base_url"`

	// Issuer is the OIDC issuer URL for single-tenant deployments.
	Issuer string `yaml:"issuer,omitempty"`

	// IssuerOrigin is the issuer origin template for multitenant
	// deployments; the per-tenant issuer is IssuerOrigin + "/" + tenantID.
	IssuerOrigin string `yaml:"issuer_origin,omitempty"`

	// Clients maps channel type to client metadata. The "none" entry is
	// used when a request carries no channel type.
	Clients map[string]ClientMetadata `yaml:"clients"`

	// Audience is the expected token audience, validated when non-empty.
	Audience string `yaml:"audience,omitempty"`

	// UseJWKS enables signed-token verification against the tenant's
	// remote key set. When false, tokens without a static verifying key
	// are treated as opaque and introspected.
	UseJWKS bool `yaml:"use_jwks"`

	// TrustProxyUserinfo honors the x-userinfo header set by a trusted
	// reverse proxy, bypassing token verification entirely.
	TrustProxyUserinfo bool `yaml:"trust_proxy_userinfo,omitempty"`

	// RoleClaim is the claim holding the platform role. Defaults to "role".
	RoleClaim string `yaml:"role_claim,omitempty"`

	// SessionTTL bounds the gateway session lifetime when the issuer does
	// not report a refresh lifetime.
	SessionTTL time.Duration `yaml:"session_ttl,omitempty"`

	Keys Keys `yaml:"keys,omitempty"`

	// CACertPath is the CA bundle used for outbound issuer traffic.
	CACertPath string `yaml:"ca_cert_path,omitempty"`

	// InsecureAllowHTTP allows plain-HTTP issuers. Testing only.
	InsecureAllowHTTP bool `yaml:"insecure_allow_http,omitempty"`
}

// Load reads and validates an Options document from a YAML file.
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is operator-supplied
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway configuration: %w", err)
	}

	var opts Options
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("failed to parse gateway configuration: %w", err)
	}

	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return &opts, nil
}

// ApplyDefaults fills zero-valued optional fields.
func (o *Options) ApplyDefaults() {
	if o.SessionTTL == 0 {
		o.SessionTTL = DefaultSessionTTL
	}
	if o.RoleClaim == "" {
		o.RoleClaim = DefaultRoleClaim
	}
}

// Multitenant reports whether the gateway resolves issuers per tenant.
func (o *Options) Multitenant() bool {
	return o.IssuerOrigin != ""
}

// ClientFor returns the client metadata for a channel type, falling back to
// the default entry.
func (o *Options) ClientFor(channelType string) (ClientMetadata, bool) {
	if c, ok := o.Clients[channelType]; ok {
		return c, true
	}
	c, ok := o.Clients[DefaultChannelType]
	return c, ok
}

// Validate checks the options for consistency.
func (o *Options) Validate() error {
	if o.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if !networking.IsURL(o.BaseURL) {
		return fmt.Errorf("base_url %q is not a valid URL", o.BaseURL)
	}

	modes := 0
	if o.Keys.VerifyingKeyPath != "" {
		modes++
	}
	if o.Issuer != "" {
		modes++
	}
	if o.IssuerOrigin != "" {
		modes++
	}
	if modes != 1 {
		return fmt.Errorf("exactly one of keys.verifying_key_path, issuer, or issuer_origin must be set (got %d)", modes)
	}

	if o.Issuer != "" {
		if err := networking.ValidateEndpointURLWithInsecure(o.Issuer, o.InsecureAllowHTTP); err != nil {
			return fmt.Errorf("invalid issuer: %w", err)
		}
	}
	if o.IssuerOrigin != "" {
		if err := networking.ValidateEndpointURLWithInsecure(o.IssuerOrigin, o.InsecureAllowHTTP); err != nil {
			return fmt.Errorf("invalid issuer_origin: %w", err)
		}
	}

	if (o.Issuer != "" || o.IssuerOrigin != "") && len(o.Clients) == 0 {
		return fmt.Errorf("at least one client must be configured when an issuer is set")
	}

	for channel, client := range o.Clients {
		if client.ClientID == "" {
			return fmt.Errorf("client for channel %q is missing client_id", channel)
		}
	}

	return nil
}
