// Package networking provides HTTP client construction and endpoint
// validation for outbound identity-provider traffic.
package networking

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	// HttpsScheme is the URL scheme for HTTPS.
	HttpsScheme = "https"

	// HttpScheme is the URL scheme for plain HTTP.
	HttpScheme = "http"
)

// IsURL reports whether the string is a well-formed http(s) URL.
func IsURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	if u.Scheme != HttpScheme && u.Scheme != HttpsScheme {
		return false
	}
	return u.Host != ""
}

// IsLocalhost reports whether the host (optionally host:port) refers to the
// local machine. Used to relax the HTTPS requirement for development issuers.
func IsLocalhost(host string) bool {
	h := host
	if splitHost, _, err := net.SplitHostPort(host); err == nil {
		h = splitHost
	}

	if strings.EqualFold(h, "localhost") {
		return true
	}

	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// ValidateEndpointURL validates that an endpoint URL is well-formed and uses
// HTTPS, except for localhost endpoints which may use HTTP.
func ValidateEndpointURL(endpoint string) error {
	return ValidateEndpointURLWithInsecure(endpoint, false)
}

// ValidateEndpointURLWithInsecure validates an endpoint URL, optionally
// allowing plain HTTP for non-localhost hosts. The insecure escape hatch is
// intended for testing only.
func ValidateEndpointURLWithInsecure(endpoint string, insecureAllowHTTP bool) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("malformed URL %q: %w", endpoint, err)
	}

	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", endpoint)
	}

	switch u.Scheme {
	case HttpsScheme:
		return nil
	case HttpScheme:
		if IsLocalhost(u.Host) || insecureAllowHTTP {
			return nil
		}
		return fmt.Errorf("URL %q must use HTTPS", endpoint)
	default:
		return fmt.Errorf("URL %q has unsupported scheme %q", endpoint, u.Scheme)
	}
}
