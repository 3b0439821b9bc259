// Package policy implements the JSON bucket-policy engine: statement
// matching against principal/action/resource/condition, with the
// explicit-Deny-always-wins decision rule AWS policies use.
package policy

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Decision is the three-way outcome of evaluating a policy.
type Decision int

const (
	ImplicitDeny Decision = iota
	Allow
	Deny
)

// Document is a parsed bucket policy.
type Document struct {
	Version    string      `json:"Version"`
	ID         string      `json:"Id,omitempty"`
	Statements []Statement `json:"Statement"`
}

// Statement is one policy statement. Principal/Action/Resource accept
// either a bare JSON string or a JSON array in the wire format, handled by
// stringOrSlice's custom unmarshaler.
type Statement struct {
	Sid       string        `json:"Sid,omitempty"`
	Effect    string        `json:"Effect"`
	Principal *Principal    `json:"Principal,omitempty"`
	Action    stringOrSlice `json:"Action"`
	Resource  stringOrSlice `json:"Resource"`
	Condition Condition     `json:"Condition,omitempty"`
}

// Principal names who a statement applies to. "*" means everyone,
// including anonymous callers.
type Principal struct {
	Wildcard bool
	AWS      []string
}

func (p *Principal) UnmarshalJSON(data []byte) error {
	var asStr string
	if err := json.Unmarshal(data, &asStr); err == nil {
		if asStr != "*" {
			return fmt.Errorf("unsupported bare Principal value %q", asStr)
		}
		p.Wildcard = true
		return nil
	}
	var obj struct {
		AWS stringOrSlice `json:"AWS"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("malformed Principal: %w", err)
	}
	p.AWS = obj.AWS
	return nil
}

// Condition holds the operator blocks this engine supports.
type Condition struct {
	IpAddress        map[string][]string `json:"IpAddress,omitempty"`
	NotIpAddress     map[string][]string `json:"NotIpAddress,omitempty"`
	DateGreaterThan  map[string]string   `json:"DateGreaterThan,omitempty"`
	DateLessThan     map[string]string   `json:"DateLessThan,omitempty"`
	Bool             map[string]string   `json:"Bool,omitempty"`
	StringEquals     map[string]string   `json:"StringEquals,omitempty"`
	StringLike       map[string]string   `json:"StringLike,omitempty"`
}

// stringOrSlice unmarshals either a bare JSON string or an array of
// strings into a []string, matching how AWS policy JSON is written.
type stringOrSlice []string

func (s *stringOrSlice) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// Parse parses a bucket policy document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("malformed policy document: %w", err)
	}
	if doc.Version == "" {
		return nil, fmt.Errorf("policy document missing Version")
	}
	for i, st := range doc.Statements {
		if st.Effect != "Allow" && st.Effect != "Deny" {
			return nil, fmt.Errorf("statement %d: Effect must be Allow or Deny, got %q", i, st.Effect)
		}
		if len(st.Action) == 0 {
			return nil, fmt.Errorf("statement %d: missing Action", i)
		}
		if len(st.Resource) == 0 {
			return nil, fmt.Errorf("statement %d: missing Resource", i)
		}
	}
	return &doc, nil
}

// Request is the context a policy statement is evaluated against.
type Request struct {
	Principal string // access key ID, or "" for an anonymous caller
	Action    string // e.g. "s3:GetObject"
	Resource  string // e.g. "arn:aws:s3:::bucket/key"
	Prefix    string // ListObjectsV2 prefix query, for s3:prefix conditions
	SourceIP  string
	Now       time.Time
	Secure    bool // true if the request arrived over TLS
}

// Evaluate scans every statement (never stopping at the first match) and
// returns Deny if any statement explicitly denies, Allow if none denied
// and at least one explicitly allowed, else ImplicitDeny.
func Evaluate(doc *Document, req Request) Decision {
	if doc == nil {
		return ImplicitDeny
	}
	allowed := false
	for _, st := range doc.Statements {
		if !statementMatches(st, req) {
			continue
		}
		if st.Effect == "Deny" {
			return Deny
		}
		allowed = true
	}
	if allowed {
		return Allow
	}
	return ImplicitDeny
}

func statementMatches(st Statement, req Request) bool {
	if st.Principal != nil {
		if !st.Principal.Wildcard && !matchAny(st.Principal.AWS, req.Principal) {
			return false
		}
	}
	if !matchAnyGlob(st.Action, req.Action) {
		return false
	}
	if !matchAnyGlob(st.Resource, req.Resource) {
		return false
	}
	return matchCondition(st.Condition, req)
}

func matchAny(values []string, target string) bool {
	for _, v := range values {
		if v == "*" || v == target {
			return true
		}
	}
	return false
}

func matchAnyGlob(patterns []string, target string) bool {
	for _, p := range patterns {
		if Glob(p, target) {
			return true
		}
	}
	return false
}

func matchCondition(c Condition, req Request) bool {
	if len(c.IpAddress) > 0 {
		cidrs := c.IpAddress["aws:SourceIp"]
		if len(cidrs) > 0 && !ipInAny(req.SourceIP, cidrs) {
			return false
		}
	}
	if len(c.NotIpAddress) > 0 {
		cidrs := c.NotIpAddress["aws:SourceIp"]
		if len(cidrs) > 0 && ipInAny(req.SourceIP, cidrs) {
			return false
		}
	}
	if len(c.DateGreaterThan) > 0 {
		if ts, ok := c.DateGreaterThan["aws:CurrentTime"]; ok {
			t, err := time.Parse(time.RFC3339, ts)
			if err == nil && !req.Now.After(t) {
				return false
			}
		}
	}
	if len(c.DateLessThan) > 0 {
		if ts, ok := c.DateLessThan["aws:CurrentTime"]; ok {
			t, err := time.Parse(time.RFC3339, ts)
			if err == nil && !req.Now.Before(t) {
				return false
			}
		}
	}
	if len(c.Bool) > 0 {
		if v, ok := c.Bool["aws:SecureTransport"]; ok {
			want, err := strconv.ParseBool(v)
			if err == nil && want != req.Secure {
				return false
			}
		}
	}
	if len(c.StringEquals) > 0 {
		for k, v := range c.StringEquals {
			if conditionKeyValue(req, k) != v {
				return false
			}
		}
	}
	if len(c.StringLike) > 0 {
		for k, v := range c.StringLike {
			if !Glob(v, conditionKeyValue(req, k)) {
				return false
			}
		}
	}
	return true
}

func conditionKeyValue(req Request, key string) string {
	switch key {
	case "s3:prefix":
		return req.Prefix
	default:
		return ""
	}
}

func ipInAny(ip string, cidrs []string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, c := range cidrs {
		if !strings.Contains(c, "/") {
			if c == ip {
				return true
			}
			continue
		}
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

// Glob matches S3 policy-style patterns: "*" matches any run of
// characters (including none), "?" matches exactly one character. Unlike
// path/filepath.Match, "/" is not special, matching how S3 treats "/" in
// ARN resource patterns.
func Glob(pattern, s string) bool {
	return globMatch(pattern, s)
}

func globMatch(pattern, s string) bool {
	var pi, si int
	var starIdx = -1
	var matchIdx int
	for si < len(s) {
		if pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == s[si]) {
			pi++
			si++
		} else if pi < len(pattern) && pattern[pi] == '*' {
			starIdx = pi
			matchIdx = si
			pi++
		} else if starIdx != -1 {
			pi = starIdx + 1
			matchIdx++
			si = matchIdx
		} else {
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
