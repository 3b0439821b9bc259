// Package cors evaluates per-bucket CORS configuration, falling back to a
// server-wide allow-list, and finally to a permissive default when neither
// is configured.
package cors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Rule is one CORS rule within a bucket's configuration.
type Rule struct {
	AllowedOrigins []string `json:"AllowedOrigins"`
	AllowedMethods []string `json:"AllowedMethods"`
	AllowedHeaders []string `json:"AllowedHeaders,omitempty"`
	ExposeHeaders  []string `json:"ExposeHeaders,omitempty"`
	MaxAgeSeconds  int      `json:"MaxAgeSeconds,omitempty"`
}

// Config is a bucket's full CORS configuration (one or more rules,
// evaluated in order; the first rule whose AllowedOrigins/AllowedMethods
// match wins).
type Config struct {
	Rules []Rule `json:"CORSRules"`
}

var allowedMethods = map[string]bool{
	http.MethodGet: true, http.MethodPut: true, http.MethodPost: true,
	http.MethodDelete: true, http.MethodHead: true,
}

// Validate checks that a CORS configuration only names supported methods
// and has at least one origin per rule.
func Validate(c *Config) error {
	if len(c.Rules) == 0 {
		return fmt.Errorf("CORS configuration must have at least one rule")
	}
	for i, r := range c.Rules {
		if len(r.AllowedOrigins) == 0 {
			return fmt.Errorf("rule %d: AllowedOrigins must not be empty", i)
		}
		if len(r.AllowedMethods) == 0 {
			return fmt.Errorf("rule %d: AllowedMethods must not be empty", i)
		}
		for _, m := range r.AllowedMethods {
			if !allowedMethods[strings.ToUpper(m)] {
				return fmt.Errorf("rule %d: unsupported method %q", i, m)
			}
		}
	}
	return nil
}

// Parse parses and validates a raw CORS configuration document.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("malformed CORS configuration: %w", err)
	}
	if err := Validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Evaluator resolves the effective CORS rule for a request: a bucket's own
// configuration takes precedence, falling back to the server-wide
// globalOrigins allow-list, and finally to allowing any origin read-only
// access when neither is configured.
type Evaluator struct {
	globalOrigins []string
}

func NewEvaluator(globalOrigins []string) *Evaluator {
	return &Evaluator{globalOrigins: globalOrigins}
}

// Match is the resolved CORS response for one request's Origin header.
type Match struct {
	AllowOrigin  string
	AllowMethods string
	AllowHeaders string
	ExposeHeaders string
	MaxAge       int
}

// Resolve finds the matching rule (or global/default fallback) for origin
// and method. ok is false when no configuration permits this origin at all.
func (e *Evaluator) Resolve(bucketCORS *Config, origin, method string) (Match, bool) {
	if bucketCORS != nil {
		for _, r := range bucketCORS.Rules {
			if !matchOrigin(r.AllowedOrigins, origin) {
				continue
			}
			if !matchMethod(r.AllowedMethods, method) {
				continue
			}
			return Match{
				AllowOrigin:   origin,
				AllowMethods:  strings.Join(r.AllowedMethods, ", "),
				AllowHeaders:  strings.Join(r.AllowedHeaders, ", "),
				ExposeHeaders: strings.Join(r.ExposeHeaders, ", "),
				MaxAge:        r.MaxAgeSeconds,
			}, true
		}
		return Match{}, false
	}

	if len(e.globalOrigins) > 0 {
		if matchOrigin(e.globalOrigins, origin) {
			return Match{
				AllowOrigin:  origin,
				AllowMethods: "GET, PUT, POST, DELETE, HEAD, OPTIONS",
				AllowHeaders: "Content-Type, Authorization, X-Amz-Date, X-Amz-Content-Sha256, X-Amz-Security-Token",
				MaxAge:       3600,
			}, true
		}
		return Match{}, false
	}

	// No configuration at all: permissive default, read-only methods.
	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return Match{
			AllowOrigin:  "*",
			AllowMethods: "GET, HEAD, OPTIONS",
			AllowHeaders: "Content-Type, Authorization, X-Amz-Date, X-Amz-Content-Sha256",
			MaxAge:       3600,
		}, true
	}
	return Match{}, false
}

func matchOrigin(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		if strings.HasPrefix(a, "*.") {
			suffix := a[1:] // ".example.com"
			if strings.HasSuffix(origin, suffix) && origin != suffix {
				return true
			}
		}
	}
	return false
}

func matchMethod(allowed []string, method string) bool {
	for _, m := range allowed {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}
