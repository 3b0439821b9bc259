// Package auth implements AWS Signature Version 4 request verification:
// both the Authorization-header form and the presigned-URL query-string
// form, completed end-to-end (signature comparison included) rather than
// the partial computation that stops short of actually checking anything.
package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/simples3/simples3/internal/metadata"
)

const (
	algorithm      = "AWS4-HMAC-SHA256"
	unsignedPayload = "UNSIGNED-PAYLOAD"
	maxClockSkew    = 15 * time.Minute
	maxPresignedAge = 7 * 24 * time.Hour
)

// CredentialStore resolves an access key ID to its secret, the boundary
// internal/auth needs from internal/metadata without importing the pebble
// backend directly.
type CredentialStore interface {
	GetCredential(ctx context.Context, accessKeyID string) (*metadata.Credential, error)
}

// Verifier verifies SigV4-signed requests against a CredentialStore.
type Verifier struct {
	creds  CredentialStore
	region string
	now    func() time.Time
}

// New builds a Verifier that additionally rejects any request whose
// credential scope names a region other than region.
func New(creds CredentialStore, region string) *Verifier {
	return &Verifier{creds: creds, region: region, now: time.Now}
}

// Result is what a successful verification establishes about the caller.
type Result struct {
	AccessKeyID string
}

// VerifyHeader verifies the Authorization header form of SigV4. The payload
// hash in the canonical request is the X-Amz-Content-Sha256 header value as
// sent (UNSIGNED-PAYLOAD when absent); req.Body is not read, so the body is
// never checked against that hash, and aws-chunked bodies are neither
// de-chunked nor checked chunk by chunk.
func (v *Verifier) VerifyHeader(ctx context.Context, req *http.Request) (*Result, error) {
	authHeader := req.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, algorithm+" ") {
		return nil, fmt.Errorf("missing or unsupported authorization scheme")
	}
	fields, err := parseAuthHeader(strings.TrimPrefix(authHeader, algorithm+" "))
	if err != nil {
		return nil, err
	}

	dateHeader := req.Header.Get("X-Amz-Date")
	if dateHeader == "" {
		dateHeader = req.Header.Get("Date")
	}
	reqTime, err := time.Parse("20060102T150405Z", dateHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid or missing X-Amz-Date: %w", err)
	}
	if err := v.checkSkew(reqTime); err != nil {
		return nil, err
	}
	if err := checkCredentialScope(fields.date, reqTime); err != nil {
		return nil, err
	}
	if err := v.checkRegion(fields.region); err != nil {
		return nil, err
	}

	cred, err := v.lookupActive(ctx, fields.accessKeyID)
	if err != nil {
		return nil, err
	}

	payloadHash := req.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = unsignedPayload
	}

	canonicalReq, err := buildCanonicalRequest(req, fields.signedHeaders, payloadHash)
	if err != nil {
		return nil, err
	}
	scope := fmt.Sprintf("%s/%s/%s/aws4_request", fields.date, fields.region, fields.service)
	stringToSign := buildStringToSign(dateHeader, scope, canonicalReq)
	expected := calculateSignature(cred.SecretKey, fields.date, fields.region, fields.service, stringToSign)

	if !hmac.Equal([]byte(expected), []byte(fields.signature)) {
		return nil, fmt.Errorf("signature does not match")
	}
	return &Result{AccessKeyID: fields.accessKeyID}, nil
}

// VerifyPresigned verifies the query-string ("presigned URL") form of
// SigV4. The signed payload is always UNSIGNED-PAYLOAD for presigned GETs.
func (v *Verifier) VerifyPresigned(ctx context.Context, req *http.Request) (*Result, error) {
	q := req.URL.Query()
	algo := q.Get("X-Amz-Algorithm")
	credential := q.Get("X-Amz-Credential")
	amzDate := q.Get("X-Amz-Date")
	expiresStr := q.Get("X-Amz-Expires")
	signedHeaders := q.Get("X-Amz-SignedHeaders")
	signature := q.Get("X-Amz-Signature")

	if algo != algorithm {
		return nil, fmt.Errorf("unsupported algorithm: %s", algo)
	}
	if credential == "" || amzDate == "" || expiresStr == "" || signature == "" {
		return nil, fmt.Errorf("missing required presigned parameters")
	}
	credParts := strings.Split(credential, "/")
	if len(credParts) != 5 || credParts[4] != "aws4_request" {
		return nil, fmt.Errorf("malformed X-Amz-Credential")
	}
	accessKeyID, date, region, service := credParts[0], credParts[1], credParts[2], credParts[3]

	reqTime, err := time.Parse("20060102T150405Z", amzDate)
	if err != nil {
		return nil, fmt.Errorf("invalid X-Amz-Date: %w", err)
	}
	expires, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil || expires <= 0 {
		return nil, fmt.Errorf("invalid X-Amz-Expires")
	}
	now := v.now().UTC()
	if now.After(reqTime.Add(time.Duration(expires) * time.Second)) {
		return nil, fmt.Errorf("presigned URL has expired")
	}
	if reqTime.After(now.Add(maxClockSkew)) || expires > int64(maxPresignedAge.Seconds()) {
		return nil, fmt.Errorf("presigned URL expiry is not sane")
	}
	if err := checkCredentialScope(date, reqTime); err != nil {
		return nil, err
	}
	if err := v.checkRegion(region); err != nil {
		return nil, err
	}

	cred, err := v.lookupActive(ctx, accessKeyID)
	if err != nil {
		return nil, err
	}

	// The signature itself must not be part of the canonical query string.
	reqCopy := *req
	reqCopy.URL = new(url.URL)
	*reqCopy.URL = *req.URL
	stripped := url.Values{}
	for k, vals := range q {
		if k == "X-Amz-Signature" {
			continue
		}
		stripped[k] = vals
	}
	reqCopy.URL.RawQuery = stripped.Encode()

	canonicalReq, err := buildCanonicalRequest(&reqCopy, signedHeaders, unsignedPayload)
	if err != nil {
		return nil, err
	}
	scope := fmt.Sprintf("%s/%s/%s/aws4_request", date, region, service)
	stringToSign := buildStringToSign(amzDate, scope, canonicalReq)
	expected := calculateSignature(cred.SecretKey, date, region, service, stringToSign)

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, fmt.Errorf("signature does not match")
	}
	return &Result{AccessKeyID: accessKeyID}, nil
}

func (v *Verifier) lookupActive(ctx context.Context, accessKeyID string) (*metadata.Credential, error) {
	cred, err := v.creds.GetCredential(ctx, accessKeyID)
	if err != nil {
		return nil, err
	}
	if cred == nil || !cred.Active {
		return nil, fmt.Errorf("unknown or inactive access key")
	}
	return cred, nil
}

func (v *Verifier) checkSkew(reqTime time.Time) error {
	now := v.now().UTC()
	if reqTime.Before(now.Add(-maxClockSkew)) || reqTime.After(now.Add(maxClockSkew)) {
		return fmt.Errorf("request timestamp outside allowed clock skew")
	}
	return nil
}

func checkCredentialScope(dateStamp string, reqTime time.Time) error {
	want := reqTime.UTC().Format("20060102")
	if dateStamp != want {
		return fmt.Errorf("credential scope date %q does not match request date %q", dateStamp, want)
	}
	return nil
}

func (v *Verifier) checkRegion(region string) error {
	if v.region != "" && region != v.region {
		return fmt.Errorf("credential scope region %q does not match configured region %q", region, v.region)
	}
	return nil
}

type authFields struct {
	accessKeyID   string
	date          string
	region        string
	service       string
	signedHeaders string
	signature     string
}

// parseAuthHeader parses the portion of the Authorization header after the
// "AWS4-HMAC-SHA256 " prefix:
// Credential=AKID/date/region/service/aws4_request, SignedHeaders=a;b;c, Signature=hex
func parseAuthHeader(s string) (*authFields, error) {
	f := &authFields{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed authorization header field %q", part)
		}
		switch kv[0] {
		case "Credential":
			scope := strings.Split(kv[1], "/")
			if len(scope) != 5 || scope[4] != "aws4_request" {
				return nil, fmt.Errorf("malformed credential scope")
			}
			f.accessKeyID, f.date, f.region, f.service = scope[0], scope[1], scope[2], scope[3]
		case "SignedHeaders":
			f.signedHeaders = kv[1]
		case "Signature":
			f.signature = kv[1]
		}
	}
	if f.accessKeyID == "" || f.signedHeaders == "" || f.signature == "" {
		return nil, fmt.Errorf("incomplete authorization header")
	}
	return f, nil
}

// buildCanonicalRequest implements the 6-line canonical request per AWS's
// spec, using the actual SignedHeaders list (not a hardcoded subset) to
// build the canonical headers section.
func buildCanonicalRequest(req *http.Request, signedHeaders, payloadHash string) (string, error) {
	method := req.Method
	uri := canonicalURI(req.URL.Path)
	query := canonicalQueryString(req.URL.Query())

	names := strings.Split(signedHeaders, ";")
	var headerLines []string
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		var val string
		if name == "host" {
			val = req.Host
			if val == "" {
				val = req.URL.Host
			}
		} else {
			val = req.Header.Get(name)
		}
		headerLines = append(headerLines, name+":"+normalizeHeaderValue(val))
	}

	canonicalHeaders := strings.Join(headerLines, "\n") + "\n"

	canonicalRequest := strings.Join([]string{
		method,
		uri,
		query,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
	return canonicalRequest, nil
}

func normalizeHeaderValue(v string) string {
	v = strings.TrimSpace(v)
	var b strings.Builder
	lastSpace := false
	for _, r := range v {
		if r == ' ' || r == '\t' {
			if !lastSpace {
				b.WriteByte(' ')
			}
			lastSpace = true
			continue
		}
		lastSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// canonicalURI applies RFC 3986 percent-encoding to every path segment
// without re-encoding the "/" separators.
func canonicalURI(p string) string {
	if p == "" {
		return "/"
	}
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = rfc3986Encode(s)
	}
	out := strings.Join(segs, "/")
	if out == "" {
		return "/"
	}
	return out
}

func canonicalQueryString(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var pairs []string
	for _, k := range keys {
		vals := append([]string{}, q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			pairs = append(pairs, rfc3986Encode(k)+"="+rfc3986Encode(v))
		}
	}
	return strings.Join(pairs, "&")
}

const rfc3986Unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_.~"

func rfc3986Encode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(rfc3986Unreserved, c) >= 0 {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func buildStringToSign(amzDate, credentialScope, canonicalRequest string) string {
	hash := sha256.Sum256([]byte(canonicalRequest))
	return strings.Join([]string{
		algorithm,
		amzDate,
		credentialScope,
		hex.EncodeToString(hash[:]),
	}, "\n")
}

func calculateSignature(secretKey, dateStamp, region, service, stringToSign string) string {
	kSecret := []byte("AWS4" + secretKey)
	kDate := hmacSHA256(kSecret, []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	kSigning := hmacSHA256(kService, []byte("aws4_request"))
	return hex.EncodeToString(hmacSHA256(kSigning, []byte(stringToSign)))
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// HashPayload computes the X-Amz-Content-Sha256 value for a request body,
// draining and restoring req.Body so downstream handlers still see it.
func HashPayload(req *http.Request) (string, error) {
	if req.Body == nil {
		hash := sha256.Sum256(nil)
		return hex.EncodeToString(hash[:]), nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return "", err
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}
