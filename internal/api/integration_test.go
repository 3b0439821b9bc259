package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/simples3/simples3/internal/auth"
	"github.com/simples3/simples3/internal/cors"
	"github.com/simples3/simples3/internal/credentials"
	"github.com/simples3/simples3/internal/engine"
	"github.com/simples3/simples3/internal/lifecycle"
	"github.com/simples3/simples3/internal/metadata"
	"github.com/simples3/simples3/internal/metadata/pebble"
	"github.com/simples3/simples3/internal/middleware"
	"github.com/simples3/simples3/internal/storage/fs"
	"github.com/simples3/simples3/pkg/client"
)

// testServer wires the authenticated stack behind an httptest.Server, for
// scenarios that need real SigV4 request signing. It is main.go's chain
// without VirtualHost, Logger and MaxBodySize.
type testServer struct {
	srv   *httptest.Server
	store metadata.Store
	eng   *engine.ObjectService
	cred  *metadata.Credential
}

func newTestServer(t *testing.T, globalAnonymous bool) *testServer {
	t.Helper()
	store, err := pebble.Open(t.TempDir())
	if err != nil {
		t.Fatalf("pebble.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	backend, err := fs.New(t.TempDir(), zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("fs.New: %v", err)
	}

	log := zap.NewNop().Sugar()
	eng := engine.New(backend, store, log)
	router := NewRouter(eng, cors.NewEvaluator(nil), log)
	verifier := auth.New(store, "us-east-1")
	authenticator := middleware.NewAuthenticator(verifier, store, globalAnonymous, log)

	handler := middleware.Chain(
		middleware.RequestID,
		middleware.Recoverer(log),
		middleware.Headers,
		authenticator.Wrap,
	)(router)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	credMgr := credentials.NewManager(store)
	cred, err := credMgr.Create(context.Background())
	if err != nil {
		t.Fatalf("credMgr.Create: %v", err)
	}

	return &testServer{srv: srv, store: store, eng: eng, cred: cred}
}

func (ts *testServer) sdkClient(t *testing.T) *s3.Client {
	t.Helper()
	c, err := client.New(client.Config{
		Endpoint:  ts.srv.URL,
		AccessKey: ts.cred.AccessKeyID,
		SecretKey: ts.cred.SecretKey,
	})
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	return c
}

// Scenario 1: anonymous read via bucket policy.
func TestScenarioAnonymousReadViaBucketPolicy(t *testing.T) {
	ts := newTestServer(t, false)
	ctx := context.Background()
	sdk := ts.sdkClient(t)

	if _, err := sdk.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("b")}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	if _, err := sdk.PutObject(ctx, &s3.PutObjectInput{Bucket: aws.String("b"), Key: aws.String("o"), Body: bytes.NewReader([]byte("hi"))}); err != nil {
		t.Fatalf("PutObject: %v", err)
	}

	policyDoc := `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":"*","Action":"s3:GetObject","Resource":"arn:aws:s3:::b/*"}]}`
	if err := ts.store.PutBucketPolicy(ctx, "b", []byte(policyDoc)); err != nil {
		t.Fatalf("PutBucketPolicy: %v", err)
	}

	resp, err := http.Get(ts.srv.URL + "/b/o")
	if err != nil {
		t.Fatalf("anonymous GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hi" {
		t.Fatalf("body = %q, want %q", body, "hi")
	}
}

// Scenario 2: explicit Deny overrides authenticated access.
func TestScenarioExplicitDenyOverridesAuthenticatedAccess(t *testing.T) {
	ts := newTestServer(t, false)
	ctx := context.Background()
	sdk := ts.sdkClient(t)

	if _, err := sdk.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("b")}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	if _, err := sdk.PutObject(ctx, &s3.PutObjectInput{Bucket: aws.String("b"), Key: aws.String("secret/x"), Body: bytes.NewReader([]byte("shh"))}); err != nil {
		t.Fatalf("PutObject: %v", err)
	}

	policyDoc := `{"Version":"2012-10-17","Statement":[{"Effect":"Deny","Principal":{"AWS":"` + ts.cred.AccessKeyID + `"},"Action":"s3:GetObject","Resource":"arn:aws:s3:::b/secret/*"}]}`
	if err := ts.store.PutBucketPolicy(ctx, "b", []byte(policyDoc)); err != nil {
		t.Fatalf("PutBucketPolicy: %v", err)
	}

	_, err := sdk.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String("b"), Key: aws.String("secret/x")})
	if err == nil {
		t.Fatalf("expected GetObject to be denied")
	}
}

// Scenario 3: multipart round trip.
func TestScenarioMultipartRoundTrip(t *testing.T) {
	r, _, _ := newTestRouter(t)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/b", nil))

	part1 := bytes.Repeat([]byte{0x01}, 5*1024*1024)
	part2 := bytes.Repeat([]byte{0x02}, 5*1024*1024)

	initRec := httptest.NewRecorder()
	r.ServeHTTP(initRec, httptest.NewRequest(http.MethodPost, "/b/big.bin?uploads", nil))
	uploadID := extractElement(initRec.Body.String(), "UploadId")
	if uploadID == "" {
		t.Fatalf("no UploadId in response: %s", initRec.Body.String())
	}

	etag1 := uploadPart(t, r, uploadID, 1, part1)
	etag2 := uploadPart(t, r, uploadID, 2, part2)

	completeBody := "<CompleteMultipartUpload><Part><PartNumber>1</PartNumber><ETag>" + etag1 +
		"</ETag></Part><Part><PartNumber>2</PartNumber><ETag>" + etag2 + "</ETag></Part></CompleteMultipartUpload>"
	completeRec := httptest.NewRecorder()
	completeReq := httptest.NewRequest(http.MethodPost, "/b/big.bin?uploadId="+uploadID, strings.NewReader(completeBody))
	r.ServeHTTP(completeRec, completeReq)
	if completeRec.Code != http.StatusOK {
		t.Fatalf("CompleteMultipartUpload status = %d, body = %s", completeRec.Code, completeRec.Body.String())
	}

	getRec := httptest.NewRecorder()
	r.ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/b/big.bin", nil))
	if getRec.Body.Len() != len(part1)+len(part2) {
		t.Fatalf("assembled size = %d, want %d", getRec.Body.Len(), len(part1)+len(part2))
	}
}

func uploadPart(t *testing.T, r *Router, uploadID string, partNumber int, data []byte) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPut, "/b/big.bin", bytes.NewReader(data))
	req.URL.RawQuery = "partNumber=" + strconv.Itoa(partNumber) + "&uploadId=" + uploadID
	req.ContentLength = int64(len(data))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("UploadPart %d status = %d, body = %s", partNumber, rec.Code, rec.Body.String())
	}
	return rec.Header().Get("ETag")
}

// extractElement pulls the text content of the first occurrence of an XML
// element out of a response body, just enough to avoid a full XML decode
// for a single field in these tests.
func extractElement(body, tag string) string {
	open, close := "<"+tag+">", "</"+tag+">"
	start := strings.Index(body, open)
	if start < 0 {
		return ""
	}
	start += len(open)
	end := strings.Index(body[start:], close)
	if end < 0 {
		return ""
	}
	return body[start : start+end]
}

// Scenario 4: lifecycle expiration.
func TestScenarioLifecycleExpiration(t *testing.T) {
	r, eng, store := newTestRouter(t)
	ctx := context.Background()
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/b", nil))

	put := func(key string) {
		req := httptest.NewRequest(http.MethodPut, "/b/"+key, bytes.NewReader([]byte("x")))
		req.ContentLength = 1
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("PutObject %s status = %d", key, rec.Code)
		}
	}
	put("logs/x")
	put("other/y")

	// Backdate logs/x directly through the metadata store so a Days=1 rule
	// considers it expired, per the fixture-override approach the lifecycle
	// scenario's spec note allows.
	obj, err := store.GetObject(ctx, "b", "logs/x")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	obj.CreatedAt = time.Now().Add(-48 * time.Hour).Unix()
	if err := store.PutObject(ctx, obj); err != nil {
		t.Fatalf("PutObject (backdate): %v", err)
	}

	lifecycleDoc := `{"Rules":[{"ID":"expire-logs","Status":"Enabled","Filter":{"Prefix":"logs/"},"Expiration":{"Days":1}}]}`
	if err := eng.PutBucketLifecycle(ctx, "b", []byte(lifecycleDoc)); err != nil {
		t.Fatalf("PutBucketLifecycle: %v", err)
	}

	scanner := lifecycle.NewScanner(eng, time.Hour, zap.NewNop().Sugar())
	scanner.RunOnce()

	if _, err := eng.HeadObject(ctx, "b", "logs/x"); err == nil {
		t.Fatalf("expected logs/x to have expired")
	}
	if _, err := eng.HeadObject(ctx, "b", "other/y"); err != nil {
		t.Fatalf("other/y should still exist: %v", err)
	}
}

// Scenario 5: listing with delimiter.
func TestScenarioListingWithDelimiter(t *testing.T) {
	r, _, _ := newTestRouter(t)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/b", nil))
	for _, k := range []string{"a/1", "a/2", "b"} {
		req := httptest.NewRequest(http.MethodPut, "/b/"+k, bytes.NewReader([]byte("x")))
		req.ContentLength = 1
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/b?delimiter=/", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "<Key>b</Key>") {
		t.Fatalf("expected Contents to include key %q, got %s", "b", body)
	}
	if strings.Contains(body, "<Key>a/1</Key>") || strings.Contains(body, "<Key>a/2</Key>") {
		t.Fatalf("a/1 and a/2 should be collapsed into a CommonPrefix, got %s", body)
	}
	if !strings.Contains(body, "<Prefix>a/</Prefix>") {
		t.Fatalf("expected CommonPrefixes to include %q, got %s", "a/", body)
	}
}

// Scenario 6: path traversal rejected.
func TestScenarioPathTraversalRejected(t *testing.T) {
	r, _, _ := newTestRouter(t)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/b", nil))

	req := httptest.NewRequest(http.MethodGet, "/b/..%2F..%2Fetc%2Fpasswd", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest && rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 400 or 404", rec.Code)
	}
}
