package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quillcms/authgate/pkg/auth/registry"
)

// UserinfoHeader carries pre-resolved claims from a trusted fronting proxy,
// base64-encoded JSON. It is only honored when trust_proxy_userinfo is set.
const UserinfoHeader = "x-userinfo"

// identityFromProxyHeader decodes an identity from the proxy userinfo
// header. Returns (nil, nil) when the header is absent.
func identityFromProxyHeader(r *http.Request, tenantID, channelType string) (*Identity, error) {
	raw := r.Header.Get(UserinfoHeader)
	if raw == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		// Some proxies strip padding.
		decoded, err = base64.RawStdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed userinfo header: %v", ErrInvalidToken, err)
		}
	}

	var claims jwt.MapClaims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return nil, fmt.Errorf("%w: userinfo header is not valid JSON: %v", ErrInvalidToken, err)
	}

	// Same rule as verified tokens: tenant and channel come from routing.
	key := registry.NewKey(tenantID, channelType)
	claims["tenant_id"] = key.TenantID
	claims["channel_type"] = key.ChannelType

	return claimsToIdentity(claims, "")
}
