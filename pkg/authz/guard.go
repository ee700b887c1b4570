package authz

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/quillcms/authgate/pkg/auth"
	"github.com/quillcms/authgate/pkg/logger"
	"github.com/quillcms/authgate/pkg/telemetry"
)

// maxQueryBody bounds how much of a request body the guard will buffer when
// looking for a structured query.
const maxQueryBody = 1 << 20

// HasRolePermission reports whether the identity satisfies a role
// requirement. An empty requirement is satisfied by anyone, including
// anonymous callers.
func HasRolePermission(identity *auth.Identity, roleClaim string, roles []string) bool {
	if len(roles) == 0 {
		return true
	}
	return slices.Contains(roles, identity.Role(roleClaim))
}

// RoleChecker decides whether an identity satisfies a role requirement.
type RoleChecker func(identity *auth.Identity, roles []string) bool

// Guard applies the policy to each request: route-level role checks first,
// then a walk of the requested field selection for structured queries.
type Guard struct {
	policy    *Policy
	roleClaim string
	checkRole RoleChecker
	metrics   *telemetry.Metrics

	// fieldIndex maps type -> field -> rule for O(1) lookup during the
	// selection walk.
	fieldIndex map[string]map[string]*FieldRule
}

// Option configures a Guard.
type Option func(*Guard)

// WithMetrics records denials on the given metric set.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Guard) {
		g.metrics = m
	}
}

// WithRoleChecker replaces the claim-based role check, for callers whose
// role assignments live outside the token (a user directory, for example).
func WithRoleChecker(check RoleChecker) Option {
	return func(g *Guard) {
		g.checkRole = check
	}
}

// NewGuard builds a guard from a validated policy. roleClaim names the claim
// holding the caller's platform role.
func NewGuard(policy *Policy, roleClaim string, options ...Option) *Guard {
	index := make(map[string]map[string]*FieldRule)
	for i := range policy.Fields {
		rule := &policy.Fields[i]
		if index[rule.Type] == nil {
			index[rule.Type] = make(map[string]*FieldRule)
		}
		index[rule.Type][rule.Field] = rule
	}

	g := &Guard{policy: policy, roleClaim: roleClaim, fieldIndex: index}
	g.checkRole = func(identity *auth.Identity, roles []string) bool {
		return HasRolePermission(identity, roleClaim, roles)
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// Middleware enforces the policy. The decision order is fixed: anonymous
// routes pass, any other matched route requires an authenticated caller
// (401 without one), a role mismatch is 403, and a restricted requested
// field is 401 naming the field. Unmatched routes go straight to the field
// check.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule := g.policy.matchRoute(r.Method, r.URL.Path)
		if rule != nil && rule.Anonymous {
			next.ServeHTTP(w, r)
			return
		}

		identity, _ := auth.IdentityFromContext(r.Context())

		if rule != nil {
			// Any matched non-anonymous rule requires an authenticated
			// caller, even when it names no roles.
			if identity == nil {
				g.deny(w, r, "no authenticated user", http.StatusUnauthorized)
				return
			}
			if len(rule.Roles) > 0 && !g.checkRole(identity, rule.Roles) {
				g.deny(w, r, "insufficient role", http.StatusForbidden)
				return
			}
		}

		if g.isStructuredQuery(r) {
			query, restore, err := readQuery(r)
			if err != nil {
				if errors.Is(err, errBodyTooLarge) {
					http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
					return
				}
				http.Error(w, "unreadable request body", http.StatusBadRequest)
				return
			}
			r.Body = restore
			if query != "" {
				if field, ok := g.checkSelections(identity, query); !ok {
					g.deny(w, r, fmt.Sprintf("field %s requires a role you do not have", field), http.StatusUnauthorized)
					return
				}
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (g *Guard) deny(w http.ResponseWriter, r *http.Request, reason string, status int) {
	if g.metrics != nil {
		g.metrics.GuardDenials.WithLabelValues(http.StatusText(status)).Inc()
	}

	identity, _ := auth.IdentityFromContext(r.Context())
	logger.Infow("request denied",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"reason", reason,
		"user", identity.String(),
	)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", auth.WWWAuthenticate(nil))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}

// isStructuredQuery reports whether the request may carry a field selection
// worth walking: a JSON POST. Anything else has no structured output.
func (g *Guard) isStructuredQuery(r *http.Request) bool {
	if len(g.fieldIndex) == 0 {
		return false
	}
	if r.Method != http.MethodPost {
		return false
	}
	return strings.Contains(r.Header.Get("Content-Type"), "application/json")
}

var errBodyTooLarge = errors.New("request body exceeds query buffer limit")

// readQuery extracts the "query" member of a JSON request body and returns a
// replacement body so the downstream handler sees the original bytes. Bodies
// past maxQueryBody are rejected outright: truncating one would both corrupt
// the forwarded request and dodge the field check.
func readQuery(r *http.Request) (string, io.ReadCloser, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxQueryBody+1))
	if err != nil {
		return "", nil, err
	}
	if len(body) > maxQueryBody {
		return "", nil, errBodyTooLarge
	}
	_ = r.Body.Close()
	restore := io.NopCloser(bytes.NewReader(body))

	var payload struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		// Not a structured query; nothing to walk.
		return "", restore, nil
	}
	return payload.Query, restore, nil
}

// checkSelections walks the requested field tree against the field rules.
// It returns the first offending field as "Type.field" when the identity
// does not satisfy a restriction. Only requested fields are considered, so
// a query that never touches a restricted field always passes.
func (g *Guard) checkSelections(identity *auth.Identity, query string) (string, bool) {
	selections, err := parseSelections(query)
	if err != nil {
		// An unparseable query cannot be proven safe.
		logger.Debugw("rejecting unparseable query", "error", err)
		return "(unparseable query)", false
	}

	for _, sel := range selections {
		typeName, ok := g.policy.Roots[sel.name]
		if !ok {
			continue
		}
		if field, ok := g.walk(identity, typeName, sel.children); !ok {
			return field, false
		}
	}
	return "", true
}

func (g *Guard) walk(identity *auth.Identity, typeName string, selections []*selection) (string, bool) {
	rules := g.fieldIndex[typeName]
	for _, sel := range selections {
		rule := rules[sel.name]
		if rule == nil {
			continue
		}
		if !g.checkRole(identity, rule.Roles) {
			return typeName + "." + sel.name, false
		}
		if rule.Of != "" && len(sel.children) > 0 {
			if field, ok := g.walk(identity, rule.Of, sel.children); !ok {
				return field, false
			}
		}
	}
	return "", true
}
