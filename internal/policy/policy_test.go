package policy

import (
	"testing"
	"time"
)

func TestExplicitDenyWinsRegardlessOfOrder(t *testing.T) {
	doc, err := Parse([]byte(`{
		"Version": "2012-10-17",
		"Statement": [
			{"Effect": "Allow", "Principal": "*", "Action": "s3:GetObject", "Resource": "arn:aws:s3:::b/*"},
			{"Effect": "Deny", "Principal": "*", "Action": "s3:GetObject", "Resource": "arn:aws:s3:::b/secret/*"}
		]
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	d := Evaluate(doc, Request{Action: "s3:GetObject", Resource: "arn:aws:s3:::b/secret/file.txt"})
	if d != Deny {
		t.Fatalf("decision = %v, want Deny", d)
	}

	d2 := Evaluate(doc, Request{Action: "s3:GetObject", Resource: "arn:aws:s3:::b/public/file.txt"})
	if d2 != Allow {
		t.Fatalf("decision = %v, want Allow", d2)
	}
}

func TestImplicitDenyWhenNothingMatches(t *testing.T) {
	doc, _ := Parse([]byte(`{"Version":"2012-10-17","Statement":[
		{"Effect":"Allow","Principal":"*","Action":"s3:PutObject","Resource":"arn:aws:s3:::b/*"}
	]}`))
	d := Evaluate(doc, Request{Action: "s3:GetObject", Resource: "arn:aws:s3:::b/x"})
	if d != ImplicitDeny {
		t.Fatalf("decision = %v, want ImplicitDeny", d)
	}
}

func TestGlobWildcardsAndSingleChar(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"*", "anything", true},
		{"arn:aws:s3:::b/*", "arn:aws:s3:::b/key", true},
		{"arn:aws:s3:::b/*", "arn:aws:s3:::other/key", false},
		{"s3:Get?bject", "s3:GetObject", true},
		{"s3:Get?bject", "s3:GetAbbject", false},
		{"a*b*c", "aXXbYYc", true},
	}
	for _, c := range cases {
		if got := Glob(c.pattern, c.s); got != c.want {
			t.Errorf("Glob(%q, %q) = %v, want %v", c.pattern, c.s, got, c.want)
		}
	}
}

func TestConditionIPAddress(t *testing.T) {
	doc, _ := Parse([]byte(`{"Version":"2012-10-17","Statement":[
		{"Effect":"Allow","Principal":"*","Action":"s3:GetObject","Resource":"arn:aws:s3:::b/*",
		 "Condition":{"IpAddress":{"aws:SourceIp":["10.0.0.0/8"]}}}
	]}`))
	allowed := Evaluate(doc, Request{Action: "s3:GetObject", Resource: "arn:aws:s3:::b/x", SourceIP: "10.1.2.3", Now: time.Now()})
	if allowed != Allow {
		t.Fatalf("expected Allow for in-CIDR IP, got %v", allowed)
	}
	denied := Evaluate(doc, Request{Action: "s3:GetObject", Resource: "arn:aws:s3:::b/x", SourceIP: "8.8.8.8", Now: time.Now()})
	if denied != ImplicitDeny {
		t.Fatalf("expected ImplicitDeny for out-of-CIDR IP, got %v", denied)
	}
}

func TestPrincipalRestriction(t *testing.T) {
	doc, _ := Parse([]byte(`{"Version":"2012-10-17","Statement":[
		{"Effect":"Allow","Principal":{"AWS":["AKIDEXAMPLE"]},"Action":"s3:GetObject","Resource":"arn:aws:s3:::b/*"}
	]}`))
	ok := Evaluate(doc, Request{Principal: "AKIDEXAMPLE", Action: "s3:GetObject", Resource: "arn:aws:s3:::b/x"})
	if ok != Allow {
		t.Fatalf("expected Allow for matching principal, got %v", ok)
	}
	other := Evaluate(doc, Request{Principal: "AKIDOTHER", Action: "s3:GetObject", Resource: "arn:aws:s3:::b/x"})
	if other != ImplicitDeny {
		t.Fatalf("expected ImplicitDeny for non-matching principal, got %v", other)
	}
}
