// Package lifecycle implements per-bucket object expiration rules: JSON
// rule documents persisted through the metadata store, evaluated by a
// ticker-driven scanner against each bucket's object listing.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is a bucket's full lifecycle configuration.
type Config struct {
	Rules []Rule `json:"Rules"`
}

// Rule is one lifecycle rule.
type Rule struct {
	ID         string      `json:"ID"`
	Status     string      `json:"Status"` // "Enabled" or "Disabled"
	Filter     *Filter     `json:"Filter,omitempty"`
	Expiration *Expiration `json:"Expiration,omitempty"`
}

// Filter restricts a rule to a subset of objects by key prefix and/or tag.
type Filter struct {
	Prefix string `json:"Prefix,omitempty"`
	Tag    *Tag   `json:"Tag,omitempty"`
}

type Tag struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

// Expiration names when a matching object is deleted: Days since last
// modification, or an absolute Date. Exactly one should be set.
type Expiration struct {
	Days int        `json:"Days,omitempty"`
	Date *time.Time `json:"Date,omitempty"`
}

// Parse parses and validates a lifecycle configuration document.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("malformed lifecycle configuration: %w", err)
	}
	if len(c.Rules) == 0 {
		return nil, fmt.Errorf("lifecycle configuration must have at least one rule")
	}
	for i, r := range c.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: missing ID", i)
		}
		if r.Status != "Enabled" && r.Status != "Disabled" {
			return nil, fmt.Errorf("rule %d: Status must be Enabled or Disabled", i)
		}
		if r.Expiration == nil {
			return nil, fmt.Errorf("rule %d: missing Expiration", i)
		}
		if r.Expiration.Days <= 0 && r.Expiration.Date == nil {
			return nil, fmt.Errorf("rule %d: Expiration needs Days or Date", i)
		}
	}
	return &c, nil
}

// RemoveRule returns a copy of c with ruleID removed, and whether it was
// found. The caller decides what to do with an empty resulting rule set
// (typically: delete the stored document entirely).
func RemoveRule(c *Config, ruleID string) (*Config, bool) {
	out := &Config{}
	found := false
	for _, r := range c.Rules {
		if r.ID == ruleID {
			found = true
			continue
		}
		out.Rules = append(out.Rules, r)
	}
	return out, found
}

// Matches reports whether rule applies to an object with the given key
// and tag set.
func (r Rule) Matches(key string, tags map[string]string) bool {
	if r.Filter == nil {
		return true
	}
	if r.Filter.Prefix != "" && !hasPrefix(key, r.Filter.Prefix) {
		return false
	}
	if r.Filter.Tag != nil {
		if v, ok := tags[r.Filter.Tag.Key]; !ok || v != r.Filter.Tag.Value {
			return false
		}
	}
	return true
}

// Expired reports whether an object last modified at lastModified (unix
// seconds) has passed this rule's expiration as of now.
func (r Rule) Expired(lastModified int64, now time.Time) bool {
	if r.Expiration == nil {
		return false
	}
	if r.Expiration.Date != nil {
		return !now.Before(*r.Expiration.Date)
	}
	cutoff := now.AddDate(0, 0, -r.Expiration.Days)
	return time.Unix(lastModified, 0).Before(cutoff)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
