package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/simples3/simples3/internal/auth"
	"github.com/simples3/simples3/internal/metadata"
	"github.com/simples3/simples3/internal/metadata/pebble"
)

func noopHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDAssignsWhenMissing(t *testing.T) {
	var sawID string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawID = GetRequestID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if sawID == "" {
		t.Fatalf("expected a generated request ID")
	}
}

func TestBucketKeyFromPath(t *testing.T) {
	cases := []struct{ path, bucket, key string }{
		{"/mybucket", "mybucket", ""},
		{"/mybucket/", "mybucket", ""},
		{"/mybucket/a/b.txt", "mybucket", "a/b.txt"},
	}
	for _, c := range cases {
		b, k := BucketKeyFromPath(c.path)
		if b != c.bucket || k != c.key {
			t.Errorf("BucketKeyFromPath(%q) = (%q, %q), want (%q, %q)", c.path, b, k, c.bucket, c.key)
		}
	}
}

type fakeCredStore struct {
	secret string
}

func (f *fakeCredStore) GetCredential(ctx context.Context, accessKeyID string) (*metadata.Credential, error) {
	if accessKeyID != "AKIDEXAMPLE" {
		return nil, nil
	}
	return &metadata.Credential{AccessKeyID: accessKeyID, SecretKey: f.secret, Active: true}, nil
}

func newTestAuthenticator(t *testing.T, globalAnonymous bool) (*Authenticator, metadata.Store) {
	t.Helper()
	store, err := pebble.Open(t.TempDir())
	if err != nil {
		t.Fatalf("pebble.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	verifier := auth.New(&fakeCredStore{secret: "secretkey12345"}, "us-east-1")
	return NewAuthenticator(verifier, store, globalAnonymous, zap.NewNop().Sugar()), store
}

func TestAuthenticateAnonymousDeniedWithoutPolicy(t *testing.T) {
	a, store := newTestAuthenticator(t, false)
	ctx := context.Background()
	if err := store.CreateBucket(ctx, &metadata.Bucket{Name: "b", Owner: "AKIDEXAMPLE"}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/b/key.txt", nil)
	rec := httptest.NewRecorder()
	a.Wrap(noopHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestAuthenticateAnonymousAllowedWhenBucketAnonymousRead(t *testing.T) {
	a, store := newTestAuthenticator(t, false)
	ctx := context.Background()
	if err := store.CreateBucket(ctx, &metadata.Bucket{Name: "b", Owner: "AKIDEXAMPLE", AnonymousRead: true}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/b/key.txt", nil)
	rec := httptest.NewRecorder()
	a.Wrap(noopHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAuthenticateGlobalAnonymousAllowsEverything(t *testing.T) {
	a, _ := newTestAuthenticator(t, true)
	req := httptest.NewRequest(http.MethodGet, "/anybucket/anykey", nil)
	rec := httptest.NewRecorder()
	a.Wrap(noopHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
