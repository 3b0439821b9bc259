package client

import "testing"

func TestNewAppliesDefaults(t *testing.T) {
	c, err := New(Config{AccessKey: "", SecretKey: ""})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c == nil {
		t.Fatalf("expected a non-nil client")
	}
}
