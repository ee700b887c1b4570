package flow

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// State is the opaque blob round-tripped through the issuer's authorize
// endpoint. It carries where the user was headed and whether the flow runs
// in a popup, nothing else.
type State struct {
	RedirectURL string `json:"redirect_url"`
	LoginPopup  bool   `json:"loginpopup"`
}

func encodeState(s State) string {
	raw, _ := json.Marshal(s)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeState(raw string) (State, error) {
	var s State
	if raw == "" {
		return s, fmt.Errorf("missing state")
	}
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return s, fmt.Errorf("state is not valid base64: %w", err)
	}
	if err := json.Unmarshal(decoded, &s); err != nil {
		return s, fmt.Errorf("state is not valid JSON: %w", err)
	}
	return s, nil
}

// sanitizeRedirect restricts post-login redirects to gateway-relative paths
// so the state blob cannot be abused as an open redirector.
func sanitizeRedirect(target string) string {
	if target == "" {
		return "/"
	}
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return "/"
	}
	return target
}
