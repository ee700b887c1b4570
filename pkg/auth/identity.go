// Package auth provides authentication utilities for the gateway: key
// material, token verification, and the middleware that attaches the
// resolved user to each request.
package auth

import (
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Identity represents an authenticated principal.
type Identity struct {
	// Subject is the unique identifier for the principal (from 'sub').
	// Always required per OIDC Core 1.0 § 5.1.
	Subject string

	// Name is the human-readable name (from 'name'), if available.
	Name string

	// Email is the email address (from 'email'), if available.
	Email string

	// TenantID and ChannelType reflect the request's routing, never a
	// value embedded in the token.
	TenantID    string
	ChannelType string

	// Claims contains the full verified claim set.
	Claims jwt.MapClaims

	// Token is the original credential, kept for pass-through scenarios.
	// Redacted in String() and MarshalJSON() to prevent leakage.
	Token string

	// TokenType is the type of token (e.g., "Bearer").
	TokenType string
}

// Role returns the platform role claim, if present.
func (i *Identity) Role(claim string) string {
	if i == nil || i.Claims == nil {
		return ""
	}
	role, _ := i.Claims[claim].(string)
	return role
}

// String returns a representation with sensitive fields redacted.
func (i *Identity) String() string {
	if i == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Identity{Subject:%q, Tenant:%q, Channel:%q}", i.Subject, i.TenantID, i.ChannelType)
}

// MarshalJSON redacts the token during JSON serialization so identities can
// be logged or returned to clients without leaking credentials.
func (i *Identity) MarshalJSON() ([]byte, error) {
	if i == nil {
		return []byte("null"), nil
	}

	type safeIdentity struct {
		Subject     string        `json:"subject"`
		Name        string        `json:"name,omitempty"`
		Email       string        `json:"email,omitempty"`
		TenantID    string        `json:"tenant_id,omitempty"`
		ChannelType string        `json:"channel_type,omitempty"`
		Claims      jwt.MapClaims `json:"claims,omitempty"`
		Token       string        `json:"token,omitempty"`
		TokenType   string        `json:"tokenType,omitempty"`
	}

	token := i.Token
	if token != "" {
		token = "REDACTED"
	}

	return json.Marshal(&safeIdentity{
		Subject:     i.Subject,
		Name:        i.Name,
		Email:       i.Email,
		TenantID:    i.TenantID,
		ChannelType: i.ChannelType,
		Claims:      i.Claims,
		Token:       token,
		TokenType:   i.TokenType,
	})
}

// NewIdentityFromClaims builds an Identity from an already-verified claim
// set, such as a session profile established during the login flow.
func NewIdentityFromClaims(claims jwt.MapClaims, token string) (*Identity, error) {
	return claimsToIdentity(claims, token)
}

// claimsToIdentity converts a verified claim set to an Identity. The 'sub'
// claim is required per OIDC Core 1.0 § 5.1.
func claimsToIdentity(claims jwt.MapClaims, token string) (*Identity, error) {
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("missing or invalid 'sub' claim")
	}

	identity := &Identity{
		Subject:   sub,
		Claims:    claims,
		Token:     token,
		TokenType: "Bearer",
	}

	if name, ok := claims["name"].(string); ok {
		identity.Name = name
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}
	if tenant, ok := claims["tenant_id"].(string); ok {
		identity.TenantID = tenant
	}
	if channel, ok := claims["channel_type"].(string); ok {
		identity.ChannelType = channel
	}

	return identity, nil
}
