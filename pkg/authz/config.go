// Package authz enforces route-level role requirements and per-field
// authorization on structured query requests.
package authz

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// RouteRule declares the authorization requirement for a path pattern.
// Patterns are exact paths or prefix patterns ending in "/*". Rules are
// evaluated in declaration order; the first match wins. A rule that is
// neither anonymous nor role-restricted still requires an authenticated
// caller.
type RouteRule struct {
	Pattern   string   `yaml:"pattern" json:"pattern"`
	Methods   []string `yaml:"methods,omitempty" json:"methods,omitempty"`
	Anonymous bool     `yaml:"anonymous,omitempty" json:"anonymous,omitempty"`
	Roles     []string `yaml:"roles,omitempty" json:"roles,omitempty"`
}

// FieldRule restricts one field of one result type to a set of roles. Of
// names the type a sub-selection of this field resolves to, so the walk can
// recurse with the right rules.
type FieldRule struct {
	Type  string   `yaml:"type" json:"type"`
	Field string   `yaml:"field" json:"field"`
	Roles []string `yaml:"roles,omitempty" json:"roles,omitempty"`
	Of    string   `yaml:"of,omitempty" json:"of,omitempty"`
}

// Policy is the full authorization policy: route rules, field rules, and the
// mapping from top-level query names to their result types.
type Policy struct {
	Version string            `yaml:"version" json:"version"`
	Routes  []RouteRule       `yaml:"routes,omitempty" json:"routes,omitempty"`
	Fields  []FieldRule       `yaml:"fields,omitempty" json:"fields,omitempty"`
	Roots   map[string]string `yaml:"roots,omitempty" json:"roots,omitempty"`
}

// LoadPolicy loads and validates an authorization policy file. The file is
// YAML; JSON parses as a subset.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read authorization policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse authorization policy file: %w", err)
	}

	if err := policy.Validate(); err != nil {
		return nil, err
	}

	return &policy, nil
}

// Validate checks the policy for structural mistakes that would otherwise
// silently allow everything.
func (p *Policy) Validate() error {
	if p.Version == "" {
		return fmt.Errorf("version is required")
	}

	seen := make(map[string]bool)
	for i, route := range p.Routes {
		if route.Pattern == "" {
			return fmt.Errorf("route rule %d: pattern is required", i)
		}
		if !strings.HasPrefix(route.Pattern, "/") {
			return fmt.Errorf("route rule %d: pattern must start with /", i)
		}
		if route.Anonymous && len(route.Roles) > 0 {
			return fmt.Errorf("route rule %d: anonymous and roles are mutually exclusive", i)
		}
		// First match wins, so a repeated pattern makes later rules dead.
		key := route.Pattern + "\x00" + normalizedMethods(route.Methods)
		if seen[key] {
			return fmt.Errorf("route rule %d: duplicate pattern %q", i, route.Pattern)
		}
		seen[key] = true
	}

	types := make(map[string]bool)
	for i, field := range p.Fields {
		if field.Type == "" || field.Field == "" {
			return fmt.Errorf("field rule %d: type and field are required", i)
		}
		types[field.Type] = true
	}

	for i, field := range p.Fields {
		if field.Of != "" && !types[field.Of] {
			return fmt.Errorf("field rule %d: of references unknown type %q", i, field.Of)
		}
	}
	for name, typeName := range p.Roots {
		if !types[typeName] {
			return fmt.Errorf("root %q references unknown type %q", name, typeName)
		}
	}

	return nil
}

// matchRoute returns the first route rule matching the method and path.
func (p *Policy) matchRoute(method, path string) *RouteRule {
	for i := range p.Routes {
		rule := &p.Routes[i]
		if !matchPattern(rule.Pattern, path) {
			continue
		}
		if len(rule.Methods) > 0 && !containsMethod(rule.Methods, method) {
			continue
		}
		return rule
	}
	return nil
}

func matchPattern(pattern, path string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
	return path == pattern
}

func containsMethod(methods []string, method string) bool {
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// normalizedMethods builds an order- and case-insensitive signature of a
// rule's method list for duplicate detection.
func normalizedMethods(methods []string) string {
	upper := make([]string, len(methods))
	for i, m := range methods {
		upper[i] = strings.ToUpper(m)
	}
	slices.Sort(upper)
	return strings.Join(upper, ",")
}
