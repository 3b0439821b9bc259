package lifecycle

import (
	"testing"
	"time"
)

func TestParseRequiresExpiration(t *testing.T) {
	_, err := Parse([]byte(`{"Rules":[{"ID":"r1","Status":"Enabled"}]}`))
	if err == nil {
		t.Fatalf("expected error for rule missing Expiration")
	}
}

func TestRuleExpiredByDays(t *testing.T) {
	r := Rule{ID: "r1", Status: "Enabled", Expiration: &Expiration{Days: 30}}
	now := time.Now()

	old := now.AddDate(0, 0, -31).Unix()
	if !r.Expired(old, now) {
		t.Fatalf("object older than 30 days should be expired")
	}

	recent := now.AddDate(0, 0, -1).Unix()
	if r.Expired(recent, now) {
		t.Fatalf("object newer than 30 days should not be expired")
	}
}

func TestRuleExpiredByDate(t *testing.T) {
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := Rule{ID: "r1", Status: "Enabled", Expiration: &Expiration{Date: &cutoff}}

	before := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	if r.Expired(before.Unix(), before) {
		t.Fatalf("should not be expired before the cutoff date")
	}
	after := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	if !r.Expired(after.Unix(), after) {
		t.Fatalf("should be expired after the cutoff date")
	}
}

func TestRuleMatchesPrefixAndTag(t *testing.T) {
	r := Rule{
		ID:     "r1",
		Status: "Enabled",
		Filter: &Filter{Prefix: "logs/", Tag: &Tag{Key: "archive", Value: "true"}},
	}
	if !r.Matches("logs/2026/jan.log", map[string]string{"archive": "true"}) {
		t.Fatalf("expected match for prefix+tag")
	}
	if r.Matches("other/2026/jan.log", map[string]string{"archive": "true"}) {
		t.Fatalf("unexpected match for wrong prefix")
	}
	if r.Matches("logs/2026/jan.log", map[string]string{"archive": "false"}) {
		t.Fatalf("unexpected match for wrong tag value")
	}
}

func TestRemoveRule(t *testing.T) {
	cfg := &Config{Rules: []Rule{
		{ID: "a", Status: "Enabled", Expiration: &Expiration{Days: 1}},
		{ID: "b", Status: "Enabled", Expiration: &Expiration{Days: 2}},
	}}
	out, found := RemoveRule(cfg, "a")
	if !found {
		t.Fatalf("expected rule a to be found")
	}
	if len(out.Rules) != 1 || out.Rules[0].ID != "b" {
		t.Fatalf("RemoveRule should keep the remaining rule set intact, got %+v", out.Rules)
	}
}
