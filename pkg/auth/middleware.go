package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/quillcms/authgate/pkg/config"
	"github.com/quillcms/authgate/pkg/logger"
)

// RouteTenant extracts the tenant and channel a request was routed under.
// Outside a tenant-prefixed route both come back empty and normalize to the
// single-tenant defaults.
func RouteTenant(r *http.Request) (tenantID, channelType string) {
	return chi.URLParam(r, "tenantId"), chi.URLParam(r, "channelType")
}

// Middleware resolves the request's identity and attaches it to the context.
// Resolution is best-effort: a missing or invalid credential attaches
// nothing, and the authorization layer decides whether anonymous access is
// acceptable for the route.
//
// When trust_proxy_userinfo is enabled, a userinfo header from the fronting
// proxy short-circuits token verification.
func Middleware(v *Verifier, opts *config.Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := resolveIdentity(r, v, opts)
			if err != nil {
				logger.Debugw("identity resolution failed",
					"path", r.URL.Path,
					"error", err,
				)
			}
			if identity != nil {
				r = r.WithContext(WithIdentity(r.Context(), identity))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func resolveIdentity(r *http.Request, v *Verifier, opts *config.Options) (*Identity, error) {
	tenantID, channelType := RouteTenant(r)

	if opts.TrustProxyUserinfo {
		identity, err := identityFromProxyHeader(r, tenantID, channelType)
		if err != nil {
			return nil, err
		}
		if identity != nil {
			return identity, nil
		}
	}

	token := BearerToken(r)
	if token == "" {
		return nil, nil
	}

	claims, err := v.Verify(r.Context(), token, tenantID, channelType)
	if err != nil {
		return nil, err
	}

	return claimsToIdentity(claims, token)
}

// BearerToken extracts the bearer token from the Authorization header, or
// empty when none is present.
func BearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	scheme, token, found := strings.Cut(authHeader, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// WWWAuthenticate builds the challenge value for a 401 response, mapping the
// verification error onto RFC 6750 error codes.
func WWWAuthenticate(err error) string {
	realm := `Bearer realm="authgate"`

	switch {
	case err == nil, errors.Is(err, ErrNoToken):
		return realm
	case errors.Is(err, ErrTokenExpired):
		return fmt.Sprintf(`%s, error="invalid_token", error_description="token expired"`, realm)
	case errors.Is(err, ErrTokenInactive):
		return fmt.Sprintf(`%s, error="invalid_token", error_description="token inactive"`, realm)
	case errors.Is(err, ErrInvalidAudience):
		return fmt.Sprintf(`%s, error="invalid_token", error_description="invalid audience"`, realm)
	case errors.Is(err, ErrInvalidIssuer):
		return fmt.Sprintf(`%s, error="invalid_token", error_description="invalid issuer"`, realm)
	default:
		return fmt.Sprintf(`%s, error="invalid_token"`, realm)
	}
}

// WriteUnauthorized writes a 401 with the matching challenge header.
func WriteUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("WWW-Authenticate", WWWAuthenticate(err))
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
