package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/simples3/simples3/internal/metadata"
)

type fakeCreds struct {
	creds map[string]*metadata.Credential
}

func (f *fakeCreds) GetCredential(ctx context.Context, accessKeyID string) (*metadata.Credential, error) {
	return f.creds[accessKeyID], nil
}

func newFakeStore() *fakeCreds {
	return &fakeCreds{creds: map[string]*metadata.Credential{
		"AKIDEXAMPLE": {AccessKeyID: "AKIDEXAMPLE", SecretKey: "secretkey12345", Active: true},
	}}
}

func signHeaderRequest(t *testing.T, req *http.Request, secretKey, region, service string, at time.Time) {
	t.Helper()
	amzDate := at.UTC().Format("20060102T150405Z")
	dateStamp := at.UTC().Format("20060102")
	req.Header.Set("X-Amz-Date", amzDate)

	payloadHash, err := HashPayload(req)
	if err != nil {
		t.Fatalf("HashPayload: %v", err)
	}
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	signedHeaders := "host;x-amz-content-sha256;x-amz-date"
	canonicalReq, err := buildCanonicalRequest(req, signedHeaders, payloadHash)
	if err != nil {
		t.Fatalf("buildCanonicalRequest: %v", err)
	}
	scope := dateStamp + "/" + region + "/" + service + "/aws4_request"
	sts := buildStringToSign(amzDate, scope, canonicalReq)
	sig := calculateSignature(secretKey, dateStamp, region, service, sts)

	req.Header.Set("Authorization", algorithm+" Credential=AKIDEXAMPLE/"+scope+
		", SignedHeaders="+signedHeaders+", Signature="+sig)
}

func newSignedRequest(t *testing.T, at time.Time) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/mybucket/mykey", nil)
	req.Host = "example.com"
	signHeaderRequest(t, req, "secretkey12345", "us-east-1", "s3", at)
	return req
}

func TestVerifyHeaderSuccess(t *testing.T) {
	v := New(newFakeStore(), "us-east-1")
	now := time.Now().UTC()
	v.now = func() time.Time { return now }

	req := newSignedRequest(t, now)
	res, err := v.VerifyHeader(context.Background(), req)
	if err != nil {
		t.Fatalf("VerifyHeader: %v", err)
	}
	if res.AccessKeyID != "AKIDEXAMPLE" {
		t.Fatalf("AccessKeyID = %q", res.AccessKeyID)
	}
}

func TestVerifyHeaderTamperedSignature(t *testing.T) {
	v := New(newFakeStore(), "us-east-1")
	now := time.Now().UTC()
	v.now = func() time.Time { return now }

	req := newSignedRequest(t, now)
	req.URL.Path = "/mybucket/someotherkey"

	if _, err := v.VerifyHeader(context.Background(), req); err == nil {
		t.Fatalf("expected signature mismatch after path tamper, got nil error")
	}
}

func TestVerifyHeaderExpiredClockSkew(t *testing.T) {
	v := New(newFakeStore(), "us-east-1")
	now := time.Now().UTC()
	v.now = func() time.Time { return now }

	old := now.Add(-1 * time.Hour)
	req := newSignedRequest(t, old)

	if _, err := v.VerifyHeader(context.Background(), req); err == nil {
		t.Fatalf("expected clock skew rejection, got nil error")
	}
}

func TestVerifyHeaderMismatchedScope(t *testing.T) {
	v := New(newFakeStore(), "us-east-1")
	now := time.Now().UTC()
	v.now = func() time.Time { return now }

	req := httptest.NewRequest(http.MethodGet, "http://example.com/mybucket/mykey", nil)
	req.Host = "example.com"
	signHeaderRequest(t, req, "secretkey12345", "eu-west-1", "s3", now)

	if _, err := v.VerifyHeader(context.Background(), req); err == nil {
		t.Fatalf("expected signature mismatch for wrong region scope, got nil error")
	}
}

func TestVerifyPresignedSuccessAndExpiry(t *testing.T) {
	v := New(newFakeStore(), "us-east-1")
	now := time.Now().UTC()
	v.now = func() time.Time { return now }

	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	region, service := "us-east-1", "s3"
	signedHeaders := "host"
	scope := dateStamp + "/" + region + "/" + service + "/aws4_request"

	req := httptest.NewRequest(http.MethodGet, "http://example.com/mybucket/mykey", nil)
	req.Host = "example.com"
	q := req.URL.Query()
	q.Set("X-Amz-Algorithm", algorithm)
	q.Set("X-Amz-Credential", "AKIDEXAMPLE/"+scope)
	q.Set("X-Amz-Date", amzDate)
	q.Set("X-Amz-Expires", "900")
	q.Set("X-Amz-SignedHeaders", signedHeaders)
	req.URL.RawQuery = q.Encode()

	canonicalReq, err := buildCanonicalRequest(req, signedHeaders, unsignedPayload)
	if err != nil {
		t.Fatalf("buildCanonicalRequest: %v", err)
	}
	sts := buildStringToSign(amzDate, scope, canonicalReq)
	sig := calculateSignature("secretkey12345", dateStamp, region, service, sts)

	q.Set("X-Amz-Signature", sig)
	req.URL.RawQuery = q.Encode()

	res, err := v.VerifyPresigned(context.Background(), req)
	if err != nil {
		t.Fatalf("VerifyPresigned: %v", err)
	}
	if res.AccessKeyID != "AKIDEXAMPLE" {
		t.Fatalf("AccessKeyID = %q", res.AccessKeyID)
	}

	// Now jump the clock past the expiry window.
	v.now = func() time.Time { return now.Add(20 * time.Minute) }
	if _, err := v.VerifyPresigned(context.Background(), req); err == nil {
		t.Fatalf("expected expired presigned URL to be rejected")
	}
}
